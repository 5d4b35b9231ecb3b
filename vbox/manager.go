// Package vbox wraps a virtualization platform driver with machine, lock,
// progress, medium and snapshot objects. Every mutation runs inside a
// session lock that is released before the call returns, whatever the
// outcome.
package vbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hyperhq/govbox/catalog"
	"github.com/hyperhq/govbox/driver"
	"github.com/hyperhq/govbox/driver/memory"
	vboxerr "github.com/hyperhq/govbox/errors"
	virtualbox "github.com/hyperhq/govbox/lib/govbox"
	"github.com/hyperhq/govbox/lib/hlog"
	"github.com/hyperhq/govbox/types"
)

// Manager is the process wide handle to the platform.
type Manager struct {
	cfg     *types.VBoxConfig
	driver  driver.Driver
	catalog *catalog.Catalog
}

func NewManager(cfg *types.VBoxConfig, d driver.Driver) (*Manager, error) {
	if cfg == nil {
		cfg = types.DefaultVBoxConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := &Manager{
		cfg:    cfg,
		driver: d,
	}
	if cfg.CatalogPath != "" {
		c, err := catalog.Open(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		mgr.catalog = c
	}
	mgr.Log(hlog.DEBUG, "manager ready, catalog %q", cfg.CatalogPath)
	return mgr, nil
}

// Dial builds the driver named by cfg.Driver and a manager around it.
func Dial(cfg *types.VBoxConfig) (*Manager, error) {
	if cfg == nil {
		cfg = types.DefaultVBoxConfig()
	}
	var d driver.Driver
	switch cfg.Driver {
	case types.DriverMemory:
		d = memory.New()
	case types.DriverVBoxManage, "":
		vd, err := virtualbox.InitDriver(cfg.VBoxManage)
		if err != nil {
			return nil, vboxerr.Translate(err)
		}
		d = vd
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
	return NewManager(cfg, d)
}

func (mgr *Manager) Close() error {
	if mgr.catalog != nil {
		return mgr.catalog.Close()
	}
	return nil
}

func (mgr *Manager) Driver() driver.Driver {
	return mgr.driver
}

func (mgr *Manager) Config() *types.VBoxConfig {
	return mgr.cfg
}

func (mgr *Manager) LogPrefix() string {
	return fmt.Sprintf("[%s] ", mgr.driver.Name())
}

func (mgr *Manager) Log(level hlog.LogLevel, args ...interface{}) {
	hlog.HLog(level, mgr, 1, args...)
}

// WaitForEvent blocks on the platform's event queue for at most one poll
// interval.
func (mgr *Manager) WaitForEvent(ctx context.Context) error {
	return mgr.driver.WaitForEvents(ctx, mgr.cfg.PollInterval)
}

func (mgr *Manager) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if mgr.cfg.WaitTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, mgr.cfg.WaitTimeout)
}

func waitErr(what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		e := vboxerr.ErrWaitTimeout.WithArgs(what)
		e.Detail = err
		return e
	}
	return vboxerr.Translate(err)
}

func (mgr *Manager) adopt(info *driver.MachineInfo) *Machine {
	m := newMachine(mgr, info)
	mgr.remember(info)
	return m
}

func (mgr *Manager) remember(info *driver.MachineInfo) {
	if mgr.catalog == nil || info.SettingsFile == "" {
		return
	}
	// a settings file overwritten by a new machine no longer describes
	// the one recorded with it
	if old, err := mgr.catalog.LookupSettings(info.SettingsFile); err == nil && old.ID != info.ID {
		mgr.Log(hlog.DEBUG, "settings file %s now holds %s, forgetting %s", info.SettingsFile, info.ID, old.ID)
		mgr.forget(old.ID)
	}
	err := mgr.catalog.Record(&catalog.Entry{
		ID:           info.ID,
		Name:         info.Name,
		SettingsFile: info.SettingsFile,
		LastSeen:     time.Now(),
	})
	if err != nil {
		mgr.Log(hlog.WARNING, "cannot record machine %s in catalog: %v", info.Name, err)
	}
}

func (mgr *Manager) forget(id string) {
	if mgr.catalog == nil {
		return
	}
	if err := mgr.catalog.Forget(id); err != nil {
		mgr.Log(hlog.WARNING, "cannot remove machine %s from catalog: %v", id, err)
	}
}

// Open opens a machine from an existing settings file without registering
// it.
func (mgr *Manager) Open(ctx context.Context, path string) (*Machine, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, vboxerr.Translate(err)
	}
	info, err := mgr.driver.OpenMachine(ctx, abs)
	if err != nil {
		mgr.Log(hlog.DEBUG, "open %s failed: %v", abs, err)
		return nil, vboxerr.Translate(err)
	}
	return mgr.adopt(info), nil
}

// Find looks up a registered machine by name or UUID.
func (mgr *Manager) Find(ctx context.Context, nameOrID string) (*Machine, error) {
	info, err := mgr.driver.FindMachine(ctx, nameOrID)
	if err != nil {
		return nil, vboxerr.Translate(err)
	}
	return mgr.adopt(info), nil
}

// Get looks up a registered machine by UUID.
func (mgr *Manager) Get(ctx context.Context, id string) (*Machine, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, vboxerr.ErrObjectNotFound.WithArgs(fmt.Sprintf("%q is not a machine UUID", id))
	}
	return mgr.Find(ctx, id)
}

type CreateOptions struct {
	Name     string
	OSTypeID string
	// BaseFolder replaces the default machine folder when set.
	BaseFolder string
	// ID is used as the machine UUID when set.
	ID             string
	Register       bool
	ForceOverwrite bool
}

// DefaultCreateOptions creates and registers a machine in the default
// folder.
func DefaultCreateOptions(name, osTypeID string) CreateOptions {
	return CreateOptions{
		Name:     name,
		OSTypeID: osTypeID,
		Register: true,
	}
}

// Create creates a machine, saves its settings and optionally registers
// it.
func (mgr *Manager) Create(ctx context.Context, opts CreateOptions) (*Machine, error) {
	info, err := mgr.driver.CreateMachine(ctx, &driver.CreateSpec{
		Name:           opts.Name,
		OSTypeID:       opts.OSTypeID,
		BaseFolder:     opts.BaseFolder,
		ID:             opts.ID,
		ForceOverwrite: opts.ForceOverwrite,
	})
	if err != nil {
		return nil, vboxerr.Translate(err)
	}
	m := newMachine(mgr, info)
	if err := m.SaveSettings(ctx); err != nil {
		return nil, err
	}
	mgr.remember(m.info)
	m.Log(hlog.INFO, "created machine %s at %s", m.ID(), m.SettingsFile())
	if opts.Register {
		if err := m.Register(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Machines enumerates the registered machines.
func (mgr *Manager) Machines(ctx context.Context) ([]*Machine, error) {
	infos, err := mgr.driver.Machines(ctx)
	if err != nil {
		return nil, vboxerr.Translate(err)
	}
	ms := make([]*Machine, 0, len(infos))
	for _, info := range infos {
		ms = append(ms, newMachine(mgr, info))
	}
	return ms, nil
}

// Known lists the machines recorded in the catalog, registered or not.
func (mgr *Manager) Known(ctx context.Context) ([]*catalog.Entry, error) {
	if mgr.catalog == nil {
		return nil, nil
	}
	return mgr.catalog.List()
}

// Reopen opens a machine the catalog knows by name, typically one that was
// ejected.
func (mgr *Manager) Reopen(ctx context.Context, name string) (*Machine, error) {
	if mgr.catalog == nil {
		return nil, vboxerr.ErrObjectNotFound.WithArgs("no catalog configured")
	}
	e, err := mgr.catalog.Lookup(name)
	if err == catalog.ErrNotFound {
		return nil, vboxerr.ErrObjectNotFound.WithArgs(fmt.Sprintf("machine %q is not in the catalog", name))
	} else if err != nil {
		return nil, vboxerr.Translate(err)
	}
	return mgr.Open(ctx, e.SettingsFile)
}

// OpenMedium opens the image at path as a medium of the given type.
func (mgr *Manager) OpenMedium(ctx context.Context, path string, dt driver.DeviceType) (*Medium, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, vboxerr.Translate(err)
	}
	info, err := mgr.driver.OpenMedium(ctx, abs, dt)
	if err != nil {
		return nil, vboxerr.Translate(err)
	}
	return newMedium(mgr, info), nil
}
