package vbox

import (
	"context"
	"time"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
	"github.com/hyperhq/govbox/lib/hlog"
)

type Snapshot struct {
	ID          string
	Name        string
	Description string
	Online      bool
	TimeStamp   time.Time
}

func newSnapshot(info *driver.SnapshotInfo) *Snapshot {
	return &Snapshot{
		ID:          info.ID,
		Name:        info.Name,
		Description: info.Description,
		Online:      info.Online,
		TimeStamp:   info.TimeStamp,
	}
}

// CurrentSnapshot returns nil when the machine has no snapshot.
func (m *Machine) CurrentSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	if m.info.CurrentSnapshot == nil {
		return nil, nil
	}
	return newSnapshot(m.info.CurrentSnapshot), nil
}

// TakeSnapshot snapshots the machine, running or not. Without wait the
// returned progress tracks the operation; the session is released either
// way.
func (m *Machine) TakeSnapshot(ctx context.Context, name, description string, wait bool) (*Progress, error) {
	if name == "" {
		return nil, vboxerr.ErrorCodeCommon.WithArgs("snapshot name is empty")
	}
	p, err := m.snapshotOp(ctx, wait, func(c driver.Console) (driver.Progress, error) {
		return c.TakeSnapshot(ctx, name, description)
	})
	if err == nil {
		m.Log(hlog.INFO, "snapshot %q taken", name)
	}
	return p, err
}

// DeleteSnapshot removes snap. Its children move to its parent.
func (m *Machine) DeleteSnapshot(ctx context.Context, snap *Snapshot, wait bool) (*Progress, error) {
	if snap == nil {
		return nil, vboxerr.ErrorCodeCommon.WithArgs("no snapshot given")
	}
	p, err := m.snapshotOp(ctx, wait, func(c driver.Console) (driver.Progress, error) {
		return c.DeleteSnapshot(ctx, snap.ID)
	})
	if err == nil {
		m.Log(hlog.INFO, "snapshot %q deleted", snap.Name)
	}
	return p, err
}

func (m *Machine) snapshotOp(ctx context.Context, wait bool, op func(driver.Console) (driver.Progress, error)) (*Progress, error) {
	var dp driver.Progress
	err := m.WithLock(ctx, driver.LockShared, func(l *Lock) error {
		c, err := l.Console()
		if err != nil {
			return err
		}
		dp, err = op(c)
		return err
	})
	if err != nil {
		return nil, err
	}
	p := newProgress(m.mgr, dp)
	if wait {
		if err := p.Wait(ctx); err != nil {
			return p, err
		}
	}
	return p, nil
}
