package virtualbox

import (
	"context"
	"sync"
	"time"
)

// progress runs a VBoxManage operation in the background. VBoxManage only
// reports completion, so the percentage jumps from 0 to 100.
type progress struct {
	desc string
	done chan struct{}

	mu      sync.Mutex
	percent int
	result  error
}

func (d *Driver) startProgress(desc string, op func(ctx context.Context) error) *progress {
	p := &progress{
		desc: desc,
		done: make(chan struct{}),
	}
	go func() {
		err := op(context.Background())
		p.mu.Lock()
		p.percent = 100
		p.result = err
		p.mu.Unlock()
		close(p.done)
		d.notify()
	}()
	return p
}

func (p *progress) Description() string {
	return p.desc
}

func (p *progress) Completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *progress) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent
}

func (p *progress) WaitForCompletion(ctx context.Context, timeout time.Duration) error {
	var expire <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-p.done:
	case <-expire:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *progress) Result() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}
