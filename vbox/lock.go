package vbox

import (
	"context"
	"fmt"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
	"github.com/hyperhq/govbox/lib/hlog"
)

// Lock is a held session on a machine.
type Lock struct {
	m        *Machine
	session  driver.Session
	released bool
}

// Lock acquires a session of the given type. The caller must Release it;
// WithLock does that automatically.
func (m *Machine) Lock(ctx context.Context, lt driver.LockType) (*Lock, error) {
	s, err := m.mgr.driver.LockMachine(ctx, m.info, lt)
	if err != nil {
		m.Log(hlog.DEBUG, "lock (%s) failed: %v", lt, err)
		return nil, vboxerr.Translate(err)
	}
	m.Log(hlog.TRACE, "locked, requested %s got %s", lt, s.Type())
	return &Lock{m: m, session: s}, nil
}

// WithLock runs fn while holding a session of the given type. The session
// is released however fn ends, a panic included. An error from fn wins
// over an error from the release.
func (m *Machine) WithLock(ctx context.Context, lt driver.LockType, fn func(*Lock) error) (err error) {
	l, err := m.Lock(ctx, lt)
	if err != nil {
		return err
	}
	defer func() {
		rerr := l.Release(context.WithoutCancel(ctx))
		if rerr == nil {
			return
		}
		if err == nil {
			err = rerr
			return
		}
		m.Log(hlog.WARNING, "release after failed operation: %v", rerr)
	}()
	return vboxerr.Translate(fn(l))
}

func (l *Lock) Type() driver.LockType {
	return l.session.Type()
}

func (l *Lock) State() driver.SessionState {
	return l.session.State()
}

// Console returns the console of the locked machine.
func (l *Lock) Console() (driver.Console, error) {
	if l.released {
		return nil, vboxerr.ErrInvalidSessionState.WithArgs("lock already released")
	}
	return l.session.Console(), nil
}

// Machine returns the mutable view of the locked machine.
func (l *Lock) Machine() (driver.MutableMachine, error) {
	if l.released {
		return nil, vboxerr.ErrInvalidSessionState.WithArgs("lock already released")
	}
	return l.session.Machine(), nil
}

// Release unlocks the session and waits until the platform reports it
// unlocked. Releasing twice is harmless.
func (l *Lock) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true

	switch l.session.State() {
	case driver.SessionNull, driver.SessionUnlocked:
		return nil
	}
	if err := l.session.Unlock(ctx); err != nil {
		if l.session.State() == driver.SessionUnlocked {
			return nil
		}
		return vboxerr.Translate(err)
	}

	ctx, cancel := l.m.mgr.waitContext(ctx)
	defer cancel()
	for l.session.State() != driver.SessionUnlocked {
		if err := l.m.mgr.WaitForEvent(ctx); err != nil {
			return waitErr(fmt.Sprintf("session of %s to unlock", l.m.Name()), err)
		}
	}
	l.m.Log(hlog.TRACE, "unlocked")
	return nil
}

// IsLocked reports a session that is held or in transition.
func (m *Machine) IsLocked(ctx context.Context) (bool, error) {
	st, err := m.SessionState(ctx)
	if err != nil {
		return false, err
	}
	return isLocked(st), nil
}

// IsUnlocked reports a machine without any session.
func (m *Machine) IsUnlocked(ctx context.Context) (bool, error) {
	st, err := m.SessionState(ctx)
	if err != nil {
		return false, err
	}
	return isUnlocked(st), nil
}

func (m *Machine) WaitUntilUnlocked(ctx context.Context) error {
	return m.waitUntil(ctx, "unlocked", func(info *driver.MachineInfo) bool {
		return isUnlocked(info.SessionState)
	})
}

func isLocked(st driver.SessionState) bool {
	return st == driver.SessionLocked || st == driver.SessionSpawning || st == driver.SessionUnlocking
}

func isUnlocked(st driver.SessionState) bool {
	return st == driver.SessionNull || st == driver.SessionUnlocked
}
