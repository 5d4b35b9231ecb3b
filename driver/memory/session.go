package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
)

type session struct {
	d      *Driver
	m      *machine
	typ    driver.LockType
	state  driver.SessionState
	staged *config
}

func (d *Driver) LockMachine(ctx context.Context, mi *driver.MachineInfo, lt driver.LockType) (driver.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.lookup(mi)
	if err != nil {
		return nil, err
	}
	if !d.isRegistered(m.id) {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "machine '%s' is not registered", m.name)
	}

	s := &session{d: d, m: m, state: driver.SessionLocked}
	switch st := m.sessionState(); {
	case st == driver.SessionSpawning || st == driver.SessionUnlocking:
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidObjectState, "machine '%s' is in transition (%s)", m.name, st)
	case st == driver.SessionUnlocked:
		// nobody holds the machine, a shared request gets the write lock
		s.typ = driver.LockWrite
		s.staged = m.cfg.clone()
		m.writer = s
	case lt == driver.LockWrite:
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidObjectState, "machine '%s' is already locked for a session", m.name)
	default:
		s.typ = driver.LockShared
		m.shared[s] = struct{}{}
	}
	d.notify()
	return s, nil
}

func (d *Driver) LaunchVMProcess(ctx context.Context, mi *driver.MachineInfo, sessionType, env string) (driver.Session, driver.Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.lookup(mi)
	if err != nil {
		return nil, nil, err
	}
	if !sessionTypes[sessionType] {
		return nil, nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "invalid session type '%s'", sessionType)
	}
	if !d.isRegistered(m.id) {
		return nil, nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "machine '%s' is not registered", m.name)
	}
	if st := m.sessionState(); st != driver.SessionUnlocked {
		return nil, nil, vboxerr.NewResult(vboxerr.ResultInvalidObjectState, "machine '%s' is already locked (%s)", m.name, st)
	}
	if !m.state.IsDown() && m.state != driver.Saved {
		return nil, nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "machine '%s' is %s", m.name, m.state)
	}

	s := &session{d: d, m: m, typ: driver.LockShared, state: driver.SessionSpawning}
	m.spawning = s
	if m.state == driver.Saved {
		m.setState(driver.Restoring)
	} else {
		m.setState(driver.Starting)
	}
	d.notify()

	p := d.startProgress(fmt.Sprintf("Starting machine %s (%s)", m.name, sessionType), d.SpawnDelay, func() error {
		m.spawning = nil
		if s.state != driver.SessionSpawning {
			m.setState(driver.Aborted)
			return vboxerr.NewResult(vboxerr.ResultVMError, "session was closed while spawning")
		}
		m.process = true
		m.shared[s] = struct{}{}
		s.state = driver.SessionLocked
		m.setState(driver.Running)
		return nil
	})
	return s, p, nil
}

func (s *session) State() driver.SessionState {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.state
}

func (s *session) Type() driver.LockType {
	return s.typ
}

func (s *session) Console() driver.Console {
	return &console{s: s}
}

func (s *session) Machine() driver.MutableMachine {
	return &mutable{d: s.d, m: s.m, s: s}
}

func (s *session) Unlock(ctx context.Context) error {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch s.state {
	case driver.SessionLocked, driver.SessionSpawning:
	default:
		return vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "session is %s", s.state)
	}
	m := s.m
	if s.state == driver.SessionSpawning {
		m.spawning = nil
	}
	s.state = driver.SessionUnlocking
	s.staged = nil
	m.unlocking++
	d.notify()

	d.after(d.UnlockDelay, func() {
		m.unlocking--
		if m.writer == s {
			m.writer = nil
		}
		delete(m.shared, s)
		s.state = driver.SessionUnlocked
	})
	return nil
}

// must be called with d.mu held
func (s *session) checkLocked() error {
	if s.state != driver.SessionLocked {
		return vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "session is %s", s.state)
	}
	return nil
}

type console struct {
	s *session
}

func (c *console) Pause(ctx context.Context) error {
	return c.transition(driver.Running, driver.Paused, "pause")
}

func (c *console) Resume(ctx context.Context) error {
	return c.transition(driver.Paused, driver.Running, "resume")
}

func (c *console) transition(from, to driver.MachineState, op string) error {
	d := c.s.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := c.s.checkLocked(); err != nil {
		return err
	}
	m := c.s.m
	if m.state != from {
		return vboxerr.NewResult(vboxerr.ResultInvalidVMState, "cannot %s machine '%s' while %s", op, m.name, m.state)
	}
	d.after(d.TransitionDelay, func() {
		if m.state == from {
			m.setState(to)
		}
	})
	return nil
}

func (c *console) PowerDown(ctx context.Context) (driver.Progress, error) {
	d := c.s.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := c.s.checkLocked(); err != nil {
		return nil, err
	}
	m := c.s.m
	switch m.state {
	case driver.Running, driver.Paused, driver.Stuck, driver.Starting:
	default:
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "cannot power down machine '%s' while %s", m.name, m.state)
	}
	m.setState(driver.Stopping)
	d.notify()
	return d.startProgress("Powering off machine "+m.name, d.TransitionDelay, func() error {
		m.setState(driver.PoweredOff)
		m.process = false
		for s := range m.shared {
			s.state = driver.SessionUnlocked
			delete(m.shared, s)
		}
		return nil
	}), nil
}

func (c *console) TakeSnapshot(ctx context.Context, name, description string) (driver.Progress, error) {
	d := c.s.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := c.s.checkLocked(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "snapshot name is empty")
	}
	m := c.s.m
	online := false
	switch m.state {
	case driver.PoweredOff, driver.Aborted, driver.Saved:
	case driver.Running:
		online = true
		m.setState(driver.LiveSnapshotting)
		d.notify()
	case driver.Paused:
		online = true
	default:
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "cannot take a snapshot of machine '%s' while %s", m.name, m.state)
	}
	return d.startProgress("Taking snapshot "+name, d.SnapshotDelay, func() error {
		if m.state == driver.LiveSnapshotting {
			m.setState(driver.Running)
		}
		sn := &snapshot{
			info: driver.SnapshotInfo{
				ID:          uuid.NewString(),
				Name:        name,
				Description: description,
				Online:      online,
				TimeStamp:   time.Now(),
			},
			parent: m.current,
		}
		m.snapshots[sn.info.ID] = sn
		m.current = sn.info.ID
		return nil
	}), nil
}

func (c *console) DeleteSnapshot(ctx context.Context, id string) (driver.Progress, error) {
	d := c.s.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := c.s.checkLocked(); err != nil {
		return nil, err
	}
	m := c.s.m
	id = normalizeID(id)
	sn, ok := m.snapshots[id]
	if !ok {
		return nil, vboxerr.NewResult(vboxerr.ResultObjectNotFound, "could not find a snapshot with UUID {%s}", id)
	}
	children := 0
	for _, o := range m.snapshots {
		if o.parent == id {
			children++
		}
	}
	if children > 1 {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "snapshot '%s' has %d child snapshots", sn.info.Name, children)
	}
	return d.startProgress("Deleting snapshot "+sn.info.Name, d.SnapshotDelay, func() error {
		if _, ok := m.snapshots[id]; !ok {
			return vboxerr.NewResult(vboxerr.ResultObjectNotFound, "snapshot {%s} vanished", id)
		}
		for _, o := range m.snapshots {
			if o.parent == id {
				o.parent = sn.parent
			}
		}
		if m.current == id {
			m.current = sn.parent
		}
		delete(m.snapshots, id)
		return nil
	}), nil
}

// mutable edits a staged copy of the machine configuration, committed by
// SaveSettings. Edits through a session are dropped when it unlocks.
type mutable struct {
	d      *Driver
	m      *machine
	s      *session
	staged *config
}

// must be called with d.mu held
func (mm *mutable) config() (*config, error) {
	if mm.s == nil {
		return mm.staged, nil
	}
	if err := mm.s.checkLocked(); err != nil {
		return nil, err
	}
	if mm.s.typ != driver.LockWrite {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "machine '%s' is only locked for sharing", mm.m.name)
	}
	return mm.s.staged, nil
}

func (mm *mutable) SetSettings(ctx context.Context, s *driver.Settings) error {
	mm.d.mu.Lock()
	defer mm.d.mu.Unlock()

	cfg, err := mm.config()
	if err != nil {
		return err
	}
	if s.CPUCount == 0 || s.MemorySize == 0 || s.MonitorCount == 0 {
		return vboxerr.NewResult(vboxerr.ResultInvalidArg, "CPU count, memory size and monitor count must be positive")
	}
	cfg.settings = *s
	return nil
}

func defaultPortCount(bus driver.StorageBus) uint {
	switch bus {
	case driver.BusIDE:
		return 2
	case driver.BusSATA:
		return 30
	case driver.BusSCSI:
		return 16
	}
	return 1
}

func (mm *mutable) AddStorageController(ctx context.Context, name string, bus driver.StorageBus) (*driver.StorageControllerInfo, error) {
	mm.d.mu.Lock()
	defer mm.d.mu.Unlock()

	cfg, err := mm.config()
	if err != nil {
		return nil, err
	}
	if name == "" || bus == driver.BusNull {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "storage controller needs a name and a bus")
	}
	used := map[uint]bool{}
	for _, sc := range cfg.controllers {
		if sc.Name == name {
			return nil, vboxerr.NewResult(vboxerr.ResultObjectInUse, "storage controller named '%s' already exists", name)
		}
		if sc.Bus == bus {
			used[sc.Instance] = true
		}
	}
	var instance uint
	for used[instance] {
		instance++
	}
	sc := &driver.StorageControllerInfo{
		Name:      name,
		Bus:       bus,
		Instance:  instance,
		PortCount: defaultPortCount(bus),
		Bootable:  true,
	}
	cfg.controllers = append(cfg.controllers, sc)
	out := *sc
	return &out, nil
}

func (mm *mutable) RemoveStorageController(ctx context.Context, name string) error {
	mm.d.mu.Lock()
	defer mm.d.mu.Unlock()

	cfg, err := mm.config()
	if err != nil {
		return err
	}
	for i, sc := range cfg.controllers {
		if sc.Name != name {
			continue
		}
		cfg.controllers = append(cfg.controllers[:i], cfg.controllers[i+1:]...)
		kept := cfg.attachments[:0]
		for _, a := range cfg.attachments {
			if a.Controller != name {
				kept = append(kept, a)
			}
		}
		cfg.attachments = kept
		return nil
	}
	return vboxerr.NewResult(vboxerr.ResultObjectNotFound, "could not find a storage controller named '%s'", name)
}

func (mm *mutable) AttachDevice(ctx context.Context, controller string, port, device int, dt driver.DeviceType, mediumID string) error {
	mm.d.mu.Lock()
	defer mm.d.mu.Unlock()

	cfg, err := mm.config()
	if err != nil {
		return err
	}
	var sc *driver.StorageControllerInfo
	for _, c := range cfg.controllers {
		if c.Name == controller {
			sc = c
		}
	}
	if sc == nil {
		return vboxerr.NewResult(vboxerr.ResultObjectNotFound, "could not find a storage controller named '%s'", controller)
	}
	if port < 0 || uint(port) >= sc.PortCount || device < 0 || device > 1 {
		return vboxerr.NewResult(vboxerr.ResultInvalidArg, "invalid slot %d:%d on controller '%s'", port, device, controller)
	}
	var md *driver.MediumInfo
	if mediumID == "" {
		if dt == driver.DeviceHardDisk {
			return vboxerr.NewResult(vboxerr.ResultInvalidArg, "a hard disk attachment needs a medium")
		}
	} else {
		found, ok := mm.d.media[normalizeID(mediumID)]
		if !ok {
			return vboxerr.NewResult(vboxerr.ResultObjectNotFound, "medium {%s} is not open", mediumID)
		}
		if found.DeviceType != dt {
			return vboxerr.NewResult(vboxerr.ResultInvalidArg, "medium '%s' is a %s, not a %s", found.Location, found.DeviceType, dt)
		}
		mc := *found
		md = &mc
	}
	for _, a := range cfg.attachments {
		if a.Controller == controller && a.Port == port && a.Device == device {
			return vboxerr.NewResult(vboxerr.ResultObjectInUse, "slot %d:%d on controller '%s' is already in use", port, device, controller)
		}
		if md != nil && a.Medium != nil && a.Medium.ID == md.ID && dt == driver.DeviceHardDisk {
			return vboxerr.NewResult(vboxerr.ResultObjectInUse, "medium '%s' is already attached to this machine", md.Location)
		}
	}
	cfg.attachments = append(cfg.attachments, &driver.AttachmentInfo{
		Controller: controller,
		Port:       port,
		Device:     device,
		Type:       dt,
		Medium:     md,
	})
	return nil
}

func (mm *mutable) DetachDevice(ctx context.Context, controller string, port, device int) error {
	mm.d.mu.Lock()
	defer mm.d.mu.Unlock()

	cfg, err := mm.config()
	if err != nil {
		return err
	}
	for i, a := range cfg.attachments {
		if a.Controller == controller && a.Port == port && a.Device == device {
			cfg.attachments = append(cfg.attachments[:i], cfg.attachments[i+1:]...)
			return nil
		}
	}
	return vboxerr.NewResult(vboxerr.ResultObjectNotFound, "no device attached at %d:%d on controller '%s'", port, device, controller)
}

func (mm *mutable) SaveSettings(ctx context.Context) error {
	d := mm.d
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := mm.config()
	if err != nil {
		return err
	}
	m := mm.m
	if _, ok := d.machines[m.id]; !ok {
		return vboxerr.NewResult(vboxerr.ResultObjectNotFound, "machine '%s' was deleted", m.name)
	}
	m.cfg = cfg.clone()
	if !m.saved {
		m.saved = true
		d.files[m.settingsFile] = m.id
	}
	d.notify()
	return nil
}
