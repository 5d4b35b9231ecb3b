package vbox

import (
	"context"
	"fmt"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
	"github.com/hyperhq/govbox/lib/hlog"
)

// Progress is an asynchronous platform operation.
type Progress struct {
	mgr *Manager
	p   driver.Progress
}

func newProgress(mgr *Manager, p driver.Progress) *Progress {
	return &Progress{mgr: mgr, p: p}
}

func (p *Progress) Description() string {
	return p.p.Description()
}

func (p *Progress) Completed() bool {
	return p.p.Completed()
}

func (p *Progress) Percent() int {
	return p.p.Percent()
}

// Wait blocks until the operation completes and returns its outcome. It
// gives up after the configured wait timeout.
func (p *Progress) Wait(ctx context.Context) error {
	if p.p == nil {
		return nil
	}
	ctx, cancel := p.mgr.waitContext(ctx)
	defer cancel()
	for !p.p.Completed() {
		if err := p.p.WaitForCompletion(ctx, p.mgr.cfg.PollInterval); err != nil {
			return waitErr(fmt.Sprintf("%q to complete", p.p.Description()), err)
		}
		p.mgr.Log(hlog.TRACE, "%s: %d%%", p.p.Description(), p.p.Percent())
	}
	if err := p.p.Result(); err != nil {
		p.mgr.Log(hlog.DEBUG, "%s failed: %v", p.p.Description(), err)
		return vboxerr.Translate(err)
	}
	return nil
}
