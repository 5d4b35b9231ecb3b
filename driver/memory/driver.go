// Package memory is an in-process virtualization platform. It keeps machine
// definitions, media and sessions in memory and follows VirtualBox's
// registration, locking and power state rules, which makes it suitable for
// tests and dry runs of code written against driver.Driver.
package memory

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
)

const DefaultFolder = "/var/lib/govbox/Machines"

var sessionTypes = map[string]bool{
	"gui":      true,
	"headless": true,
	"sdl":      true,
	"vrdp":     true,
}

type config struct {
	settings    driver.Settings
	controllers []*driver.StorageControllerInfo
	attachments []*driver.AttachmentInfo
}

func (c *config) clone() *config {
	n := &config{settings: c.settings}
	for _, sc := range c.controllers {
		cc := *sc
		n.controllers = append(n.controllers, &cc)
	}
	for _, a := range c.attachments {
		ca := *a
		n.attachments = append(n.attachments, &ca)
	}
	return n
}

type snapshot struct {
	info   driver.SnapshotInfo
	parent string
}

type machine struct {
	id           string
	name         string
	osType       string
	settingsFile string
	saved        bool
	state        driver.MachineState
	changed      time.Time
	cfg          *config

	snapshots map[string]*snapshot
	current   string

	writer   *session
	process  bool
	shared   map[*session]struct{}
	spawning *session
	// sessions between Unlock and the end of the unlock delay
	unlocking int
}

func (m *machine) sessionState() driver.SessionState {
	switch {
	case m.spawning != nil:
		return driver.SessionSpawning
	case m.unlocking > 0:
		return driver.SessionUnlocking
	case m.writer != nil || m.process || len(m.shared) > 0:
		return driver.SessionLocked
	}
	return driver.SessionUnlocked
}

func (m *machine) setState(s driver.MachineState) {
	m.state = s
	m.changed = time.Now()
}

// Driver implements driver.Driver in memory. The delay fields are read when
// an operation starts and may be tuned before use.
type Driver struct {
	DefaultFolder   string
	SpawnDelay      time.Duration
	TransitionDelay time.Duration
	SnapshotDelay   time.Duration
	UnlockDelay     time.Duration

	mu         sync.Mutex
	changed    chan struct{}
	pending    sync.WaitGroup
	machines   map[string]*machine
	files      map[string]string
	registered []string
	media      map[string]*driver.MediumInfo
	mediaFiles map[string]bool
}

var _ driver.Driver = &Driver{}

func New() *Driver {
	return &Driver{
		DefaultFolder: DefaultFolder,
		changed:       make(chan struct{}),
		machines:      make(map[string]*machine),
		files:         make(map[string]string),
		media:         make(map[string]*driver.MediumInfo),
		mediaFiles:    make(map[string]bool),
	}
}

func (d *Driver) Name() string {
	return "memory"
}

// Settle waits for every started progress and delayed transition.
func (d *Driver) Settle() {
	d.pending.Wait()
}

// must be called with d.mu held
func (d *Driver) notify() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// after runs f with the driver lock held once delay has passed.
func (d *Driver) after(delay time.Duration, f func()) {
	if delay <= 0 {
		f()
		d.notify()
		return
	}
	d.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer d.pending.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		f()
		d.notify()
	})
}

func (d *Driver) WaitForEvents(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	ch := d.changed
	d.mu.Unlock()

	var expire <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-ch:
	case <-expire:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// DefineMachine writes a machine settings file at path without registering
// the machine, as if it had been copied onto the host.
func (d *Driver) DefineMachine(path, name, osType string, s driver.Settings, controllers ...driver.StorageControllerInfo) *driver.MachineInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.newMachine(uuid.NewString(), name, osType, path)
	m.cfg.settings = s
	for i := range controllers {
		sc := controllers[i]
		m.cfg.controllers = append(m.cfg.controllers, &sc)
	}
	m.saved = true
	d.files[path] = m.id
	return d.info(m)
}

// DefineMediumFile makes location available to OpenMedium.
func (d *Driver) DefineMediumFile(location string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mediaFiles[location] = true
}

func (d *Driver) newMachine(id, name, osType, path string) *machine {
	m := &machine{
		id:           id,
		name:         name,
		osType:       osType,
		settingsFile: path,
		state:        driver.PoweredOff,
		changed:      time.Now(),
		cfg: &config{settings: driver.Settings{Hardware: driver.Hardware{
			CPUCount:     1,
			MemorySize:   128,
			VRAMSize:     8,
			MonitorCount: 1,
		}}},
		snapshots: make(map[string]*snapshot),
		shared:    make(map[*session]struct{}),
	}
	d.machines[id] = m
	return m
}

func (d *Driver) info(m *machine) *driver.MachineInfo {
	mi := &driver.MachineInfo{
		ID:              m.id,
		Name:            m.name,
		OSTypeID:        m.osType,
		SettingsFile:    m.settingsFile,
		Settings:        m.cfg.settings,
		State:           m.state,
		SessionState:    m.sessionState(),
		SnapshotCount:   len(m.snapshots),
		LastStateChange: m.changed,
	}
	if s, ok := m.snapshots[m.current]; ok {
		si := s.info
		mi.CurrentSnapshot = &si
	}
	return mi
}

func (d *Driver) isRegistered(id string) bool {
	for _, r := range d.registered {
		if r == id {
			return true
		}
	}
	return false
}

func normalizeID(id string) string {
	return strings.ToLower(strings.Trim(id, "{}"))
}

func (d *Driver) lookup(mi *driver.MachineInfo) (*machine, error) {
	if mi == nil {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "no machine given")
	}
	m, ok := d.machines[normalizeID(mi.ID)]
	if !ok {
		return nil, vboxerr.NewResult(vboxerr.ResultObjectNotFound, "machine {%s} does not exist", mi.ID)
	}
	return m, nil
}

func (d *Driver) OpenMachine(ctx context.Context, path string) (*driver.MachineInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.files[path]
	if !ok {
		return nil, vboxerr.NewResult(vboxerr.ResultFileError, "could not open the settings file '%s'", path)
	}
	return d.info(d.machines[id]), nil
}

func (d *Driver) FindMachine(ctx context.Context, nameOrID string) (*driver.MachineInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := normalizeID(nameOrID)
	for _, r := range d.registered {
		m := d.machines[r]
		if m.id == id || m.name == nameOrID {
			return d.info(m), nil
		}
	}
	return nil, vboxerr.NewResult(vboxerr.ResultObjectNotFound, "could not find a registered machine named '%s'", nameOrID)
}

func (d *Driver) CreateMachine(ctx context.Context, spec *driver.CreateSpec) (*driver.MachineInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if spec == nil || spec.Name == "" {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "machine name is empty")
	}
	id := uuid.NewString()
	if spec.ID != "" {
		u, err := uuid.Parse(spec.ID)
		if err != nil {
			return nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "invalid machine id %q: %v", spec.ID, err)
		}
		id = u.String()
	}
	if _, ok := d.machines[id]; ok {
		return nil, vboxerr.NewResult(vboxerr.ResultObjectInUse, "a machine with UUID {%s} already exists", id)
	}
	folder := spec.BaseFolder
	if folder == "" {
		folder = d.DefaultFolder
	}
	path := filepath.Join(folder, spec.Name, spec.Name+".vbox")
	if old, ok := d.files[path]; ok {
		if !spec.ForceOverwrite {
			return nil, vboxerr.NewResult(vboxerr.ResultObjectInUse, "machine settings file '%s' already exists", path)
		}
		if d.isRegistered(old) {
			return nil, vboxerr.NewResult(vboxerr.ResultObjectInUse, "machine settings file '%s' belongs to a registered machine", path)
		}
		delete(d.files, path)
		delete(d.machines, old)
	}
	m := d.newMachine(id, spec.Name, spec.OSTypeID, path)
	return d.info(m), nil
}

func (d *Driver) Machines(ctx context.Context) ([]*driver.MachineInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ms := []*driver.MachineInfo{}
	for _, id := range d.registered {
		ms = append(ms, d.info(d.machines[id]))
	}
	return ms, nil
}

func (d *Driver) MachineInfo(ctx context.Context, mi *driver.MachineInfo) (*driver.MachineInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.lookup(mi)
	if err != nil {
		return nil, err
	}
	return d.info(m), nil
}

func (d *Driver) RegisterMachine(ctx context.Context, mi *driver.MachineInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.lookup(mi)
	if err != nil {
		return err
	}
	if d.isRegistered(m.id) {
		return vboxerr.NewResult(vboxerr.ResultObjectInUse, "machine '%s' {%s} is already registered", m.name, m.id)
	}
	if !m.saved {
		return vboxerr.NewResult(vboxerr.ResultInvalidVMState, "settings of machine '%s' were never saved", m.name)
	}
	d.registered = append(d.registered, m.id)
	d.notify()
	return nil
}

func (d *Driver) UnregisterMachine(ctx context.Context, mi *driver.MachineInfo, mode driver.CleanupMode) ([]*driver.MediumInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.lookup(mi)
	if err != nil {
		return nil, err
	}
	if !d.isRegistered(m.id) {
		return nil, vboxerr.NewResult(vboxerr.ResultObjectNotFound, "machine '%s' is not registered", m.name)
	}
	if m.sessionState() != driver.SessionUnlocked {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "machine '%s' is locked (%s)", m.name, m.sessionState())
	}
	if !m.state.IsDown() && m.state != driver.Saved {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "cannot unregister machine '%s' while %s", m.name, m.state)
	}

	var media []*driver.MediumInfo
	hasMedia := false
	for _, a := range m.cfg.attachments {
		if a.Medium == nil {
			continue
		}
		hasMedia = true
		switch mode {
		case driver.CleanupFull:
			media = append(media, a.Medium)
		case driver.CleanupDetachAllReturnHardDisksOnly:
			if a.Type == driver.DeviceHardDisk {
				media = append(media, a.Medium)
			}
		}
	}
	if mode == driver.CleanupUnregisterOnly {
		if hasMedia || len(m.snapshots) > 0 {
			return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "machine '%s' has media attached or snapshots", m.name)
		}
	} else {
		m.cfg.attachments = nil
		m.snapshots = make(map[string]*snapshot)
		m.current = ""
	}

	for i, r := range d.registered {
		if r == m.id {
			d.registered = append(d.registered[:i], d.registered[i+1:]...)
			break
		}
	}
	d.notify()
	return media, nil
}

func (d *Driver) DeleteMachine(ctx context.Context, mi *driver.MachineInfo) (driver.Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.lookup(mi)
	if err != nil {
		return nil, err
	}
	if d.isRegistered(m.id) {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "cannot delete registered machine '%s'", m.name)
	}
	return d.startProgress("Deleting machine "+m.name, 0, func() error {
		delete(d.files, m.settingsFile)
		delete(d.machines, m.id)
		return nil
	}), nil
}

func (d *Driver) EditMachine(ctx context.Context, mi *driver.MachineInfo) (driver.MutableMachine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.lookup(mi)
	if err != nil {
		return nil, err
	}
	if d.isRegistered(m.id) {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "machine '%s' is registered and must be locked to be changed", m.name)
	}
	return &mutable{d: d, m: m, staged: m.cfg.clone()}, nil
}

func (d *Driver) StorageControllers(ctx context.Context, mi *driver.MachineInfo) ([]*driver.StorageControllerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.lookup(mi)
	if err != nil {
		return nil, err
	}
	return m.cfg.clone().controllers, nil
}

func (d *Driver) MediumAttachments(ctx context.Context, mi *driver.MachineInfo) ([]*driver.AttachmentInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.lookup(mi)
	if err != nil {
		return nil, err
	}
	as := m.cfg.clone().attachments
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].Controller != as[j].Controller {
			return as[i].Controller < as[j].Controller
		}
		if as[i].Port != as[j].Port {
			return as[i].Port < as[j].Port
		}
		return as[i].Device < as[j].Device
	})
	return as, nil
}

func (d *Driver) OpenMedium(ctx context.Context, location string, dt driver.DeviceType) (*driver.MediumInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, md := range d.media {
		if md.Location == location {
			if md.DeviceType != dt {
				return nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "medium '%s' is already open as %s", location, md.DeviceType)
			}
			mc := *md
			return &mc, nil
		}
	}
	if !d.mediaFiles[location] {
		return nil, vboxerr.NewResult(vboxerr.ResultFileError, "could not find file for the medium '%s'", location)
	}
	md := &driver.MediumInfo{
		ID:         uuid.NewString(),
		Location:   location,
		Name:       filepath.Base(location),
		DeviceType: dt,
	}
	d.media[md.ID] = md
	mc := *md
	return &mc, nil
}

func (d *Driver) CloseMedium(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id = normalizeID(id)
	md, ok := d.media[id]
	if !ok {
		return vboxerr.NewResult(vboxerr.ResultObjectNotFound, "medium {%s} is not open", id)
	}
	for _, m := range d.machines {
		for _, a := range m.cfg.attachments {
			if a.Medium != nil && a.Medium.ID == id {
				return vboxerr.NewResult(vboxerr.ResultObjectInUse, "medium '%s' is attached to machine '%s'", md.Location, m.name)
			}
		}
	}
	delete(d.media, id)
	return nil
}
