package vbox

import (
	"context"
	"fmt"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
	"github.com/hyperhq/govbox/lib/hlog"
)

// Machine is a machine definition, registered or not, running or not.
// Attribute getters return the values of the last refresh.
type Machine struct {
	mgr  *Manager
	info *driver.MachineInfo
}

func newMachine(mgr *Manager, info *driver.MachineInfo) *Machine {
	return &Machine{mgr: mgr, info: info}
}

func (m *Machine) ID() string           { return m.info.ID }
func (m *Machine) Name() string         { return m.info.Name }
func (m *Machine) OSTypeID() string     { return m.info.OSTypeID }
func (m *Machine) SettingsFile() string { return m.info.SettingsFile }
func (m *Machine) Description() string  { return m.info.Description }

func (m *Machine) Settings() driver.Settings {
	return m.info.Settings
}

// Info returns a copy of the last refreshed machine information.
func (m *Machine) Info() driver.MachineInfo {
	return *m.info
}

func (m *Machine) String() string {
	return m.info.Name
}

func (m *Machine) LogPrefix() string {
	return fmt.Sprintf("[%s] ", m.info.Name)
}

func (m *Machine) Log(level hlog.LogLevel, args ...interface{}) {
	hlog.HLog(level, m, 1, args...)
}

// Refresh reloads the machine information from the platform.
func (m *Machine) Refresh(ctx context.Context) error {
	info, err := m.mgr.driver.MachineInfo(ctx, m.info)
	if err != nil {
		return vboxerr.Translate(err)
	}
	m.info = info
	return nil
}

func (m *Machine) State(ctx context.Context) (driver.MachineState, error) {
	if err := m.Refresh(ctx); err != nil {
		return driver.MachineStateNull, err
	}
	return m.info.State, nil
}

func (m *Machine) SessionState(ctx context.Context) (driver.SessionState, error) {
	if err := m.Refresh(ctx); err != nil {
		return driver.SessionNull, err
	}
	return m.info.SessionState, nil
}

// IsDown reports a machine that is powered off or aborted.
func (m *Machine) IsDown(ctx context.Context) (bool, error) {
	st, err := m.State(ctx)
	return st.IsDown(), err
}

func (m *Machine) IsRunning(ctx context.Context) (bool, error) {
	st, err := m.State(ctx)
	return st == driver.Running, err
}

func (m *Machine) IsPaused(ctx context.Context) (bool, error) {
	st, err := m.State(ctx)
	return st == driver.Paused, err
}

func (m *Machine) WaitUntilRunning(ctx context.Context) error {
	return m.waitUntil(ctx, "running", func(info *driver.MachineInfo) bool {
		return info.State == driver.Running
	})
}

func (m *Machine) WaitUntilPaused(ctx context.Context) error {
	return m.waitUntil(ctx, "paused", func(info *driver.MachineInfo) bool {
		return info.State == driver.Paused
	})
}

// WaitUntilDown waits until the machine is down, cleanly or not.
func (m *Machine) WaitUntilDown(ctx context.Context) error {
	return m.waitUntil(ctx, "down", func(info *driver.MachineInfo) bool {
		return info.State.IsDown()
	})
}

// waitUntil re-checks pred after every platform event. A transition between
// two checks is seen at the next check at the latest.
func (m *Machine) waitUntil(ctx context.Context, what string, pred func(*driver.MachineInfo) bool) error {
	ctx, cancel := m.mgr.waitContext(ctx)
	defer cancel()
	for {
		info, err := m.mgr.driver.MachineInfo(ctx, m.info)
		if err != nil {
			return waitErr(fmt.Sprintf("machine %s to be %s", m.Name(), what), err)
		}
		m.info = info
		if pred(info) {
			return nil
		}
		if err := m.mgr.WaitForEvent(ctx); err != nil {
			return waitErr(fmt.Sprintf("machine %s to be %s", m.Name(), what), err)
		}
	}
}

// Register registers the machine with the platform.
func (m *Machine) Register(ctx context.Context) error {
	if err := m.mgr.driver.RegisterMachine(ctx, m.info); err != nil {
		return vboxerr.Translate(err)
	}
	m.Log(hlog.INFO, "registered")
	m.mgr.remember(m.info)
	return m.Refresh(ctx)
}

// Unregister unregisters the machine. The returned media are the ones the
// cleanup mode handed back for the caller to close or delete.
func (m *Machine) Unregister(ctx context.Context, mode driver.CleanupMode) ([]*Medium, error) {
	infos, err := m.mgr.driver.UnregisterMachine(ctx, m.info, mode)
	if err != nil {
		return nil, vboxerr.Translate(err)
	}
	m.Log(hlog.INFO, "unregistered")
	media := make([]*Medium, 0, len(infos))
	for _, info := range infos {
		media = append(media, newMedium(m.mgr, info))
	}
	return media, m.Refresh(ctx)
}

func (m *Machine) IsRegistered(ctx context.Context) (bool, error) {
	_, err := m.mgr.Get(ctx, m.ID())
	if err == nil {
		return true, nil
	}
	if vboxerr.Is(err, vboxerr.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

// Pause pauses a running machine. With wait, it returns once the machine
// is paused.
func (m *Machine) Pause(ctx context.Context, wait bool) error {
	err := m.WithLock(ctx, driver.LockShared, func(l *Lock) error {
		c, err := l.Console()
		if err != nil {
			return err
		}
		return c.Pause(ctx)
	})
	if err != nil {
		return err
	}
	m.Log(hlog.INFO, "pause requested")
	if !wait {
		return nil
	}
	return m.WaitUntilPaused(ctx)
}

func (m *Machine) Resume(ctx context.Context) error {
	err := m.WithLock(ctx, driver.LockShared, func(l *Lock) error {
		c, err := l.Console()
		if err != nil {
			return err
		}
		return c.Resume(ctx)
	})
	if err == nil {
		m.Log(hlog.INFO, "resume requested")
	}
	return err
}

// PowerOff powers the machine down. With wait, it returns once the machine
// is down and its sessions are closed.
func (m *Machine) PowerOff(ctx context.Context, wait bool) error {
	var p driver.Progress
	err := m.WithLock(ctx, driver.LockShared, func(l *Lock) error {
		c, err := l.Console()
		if err != nil {
			return err
		}
		p, err = c.PowerDown(ctx)
		return err
	})
	if err != nil {
		return err
	}
	m.Log(hlog.INFO, "power off requested")
	if !wait {
		return nil
	}
	if err := newProgress(m.mgr, p).Wait(ctx); err != nil {
		return err
	}
	if err := m.WaitUntilDown(ctx); err != nil {
		return err
	}
	return m.WaitUntilUnlocked(ctx)
}

type LaunchOptions struct {
	// Type is the frontend, gui, headless, sdl or vrdp. Empty uses the
	// configured default.
	Type string
	Env  string
	// Wait returns only once the machine is running.
	Wait bool
}

// PowerOn spawns the VM process of a registered machine.
func (m *Machine) PowerOn(ctx context.Context, opts LaunchOptions) error {
	registered, err := m.IsRegistered(ctx)
	if err != nil {
		return err
	}
	if !registered {
		return vboxerr.ErrInvalidVMState.WithArgs(fmt.Sprintf("machine %s is not registered", m.Name()))
	}
	typ := opts.Type
	if typ == "" {
		typ = m.mgr.cfg.DefaultLaunchType
	}

	s, p, err := m.mgr.driver.LaunchVMProcess(ctx, m.info, typ, opts.Env)
	if err != nil {
		return vboxerr.Translate(err)
	}
	m.Log(hlog.INFO, "launching (%s)", typ)

	l := &Lock{m: m, session: s}
	err = newProgress(m.mgr, p).Wait(ctx)
	if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil {
		if err == nil {
			return rerr
		}
		m.Log(hlog.WARNING, "release after failed launch: %v", rerr)
	}
	if err != nil {
		return err
	}
	if opts.Wait {
		return m.WaitUntilRunning(ctx)
	}
	return nil
}

// Eject does what it takes to unregister the machine: power off when it
// runs, then unregister keeping the attached media.
func (m *Machine) Eject(ctx context.Context) error {
	registered, err := m.IsRegistered(ctx)
	if err != nil || !registered {
		return err
	}
	st, err := m.State(ctx)
	if err != nil {
		return err
	}
	switch st {
	case driver.Running, driver.Paused, driver.Stuck:
		if err := m.PowerOff(ctx, true); err != nil {
			return err
		}
	}
	_, err = m.Unregister(ctx, driver.CleanupDetachAllReturnNone)
	return err
}

// Delete removes the machine and its settings, unregistering it first.
// Attached media are left alone.
func (m *Machine) Delete(ctx context.Context) error {
	registered, err := m.IsRegistered(ctx)
	if err != nil {
		return err
	}
	if registered {
		if _, err := m.Unregister(ctx, driver.CleanupDetachAllReturnNone); err != nil {
			return err
		}
	}
	p, err := m.mgr.driver.DeleteMachine(ctx, m.info)
	if err != nil {
		return vboxerr.Translate(err)
	}
	if err := newProgress(m.mgr, p).Wait(ctx); err != nil {
		return err
	}
	m.mgr.forget(m.ID())
	m.Log(hlog.INFO, "deleted")
	return nil
}

// mutate gives fn write access to the machine: directly for an unregistered
// machine, through a write lock otherwise.
func (m *Machine) mutate(ctx context.Context, fn func(driver.MutableMachine) error) error {
	registered, err := m.IsRegistered(ctx)
	if err != nil {
		return err
	}
	if registered {
		return m.WithLock(ctx, driver.LockWrite, func(l *Lock) error {
			mm, err := l.Machine()
			if err != nil {
				return err
			}
			return fn(mm)
		})
	}
	mm, err := m.mgr.driver.EditMachine(ctx, m.info)
	if err != nil {
		return vboxerr.Translate(err)
	}
	return vboxerr.Translate(fn(mm))
}

// SaveSettings writes the machine settings to its settings file.
func (m *Machine) SaveSettings(ctx context.Context) error {
	err := m.mutate(ctx, func(mm driver.MutableMachine) error {
		return mm.SaveSettings(ctx)
	})
	if err != nil {
		return err
	}
	return m.Refresh(ctx)
}

// SetHardware changes the description and hardware and saves them.
func (m *Machine) SetHardware(ctx context.Context, s driver.Settings) error {
	err := m.mutate(ctx, func(mm driver.MutableMachine) error {
		if err := mm.SetSettings(ctx, &s); err != nil {
			return err
		}
		return mm.SaveSettings(ctx)
	})
	if err != nil {
		return err
	}
	m.Log(hlog.DEBUG, "settings changed to %#v", s)
	return m.Refresh(ctx)
}

type CloneOptions struct {
	Name       string
	BaseFolder string
	ID         string
	Register   bool
	// Description replaces the source description when set.
	Description string
}

// Clone creates a machine with the settings and storage controllers of m.
// Attached media are not cloned.
func (m *Machine) Clone(ctx context.Context, opts CloneOptions) (*Machine, error) {
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	controllers, err := m.StorageControllers(ctx)
	if err != nil {
		return nil, err
	}

	// registration waits until the copy is complete, a registered machine
	// would need a session for every change
	vm, err := m.mgr.Create(ctx, CreateOptions{
		Name:       opts.Name,
		OSTypeID:   m.OSTypeID(),
		BaseFolder: opts.BaseFolder,
		ID:         opts.ID,
	})
	if err != nil {
		return nil, err
	}

	s := m.Settings()
	if opts.Description != "" {
		s.Description = opts.Description
	}
	err = vm.mutate(ctx, func(mm driver.MutableMachine) error {
		if err := mm.SetSettings(ctx, &s); err != nil {
			return err
		}
		for _, sc := range controllers {
			if _, err := mm.AddStorageController(ctx, sc.Name(), sc.Bus()); err != nil {
				return err
			}
		}
		return mm.SaveSettings(ctx)
	})
	if err != nil {
		return nil, err
	}
	if err := vm.Refresh(ctx); err != nil {
		return nil, err
	}
	m.Log(hlog.INFO, "cloned to %s", vm.Name())
	if opts.Register {
		if err := vm.Register(ctx); err != nil {
			return nil, err
		}
	}
	return vm, nil
}
