package memory

import (
	"context"
	"sync"
	"time"
)

type progress struct {
	desc string
	done chan struct{}

	mu      sync.Mutex
	percent int
	result  error
}

// startProgress runs op after delay. op is called with the driver lock held.
func (d *Driver) startProgress(desc string, delay time.Duration, op func() error) *progress {
	p := &progress{
		desc: desc,
		done: make(chan struct{}),
	}
	finish := func() {
		d.mu.Lock()
		err := op()
		d.notify()
		d.mu.Unlock()

		p.mu.Lock()
		p.percent = 100
		p.result = err
		p.mu.Unlock()
		close(p.done)
	}
	if delay <= 0 {
		d.pending.Add(1)
		go func() {
			defer d.pending.Done()
			finish()
		}()
		return p
	}
	d.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer d.pending.Done()
		finish()
	})
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
		return nil
	case <-expire:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *progress) Result() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}
