package virtualbox

import (
	"context"
	"strconv"

	"github.com/golang/glog"
	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
)

type session struct {
	d     *Driver
	id    string
	name  string
	typ   driver.LockType
	state driver.SessionState
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
	return &mutable{d: s.d, id: s.id, s: s}
}

// Unlock releases the session at once; VBoxManage gives no unlocking phase.
func (s *session) Unlock(ctx context.Context) error {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch s.state {
	case driver.SessionLocked, driver.SessionSpawning:
	default:
		return vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "session is %s", s.state)
	}
	ls := d.lockState(s.id)
	if ls.writer == s {
		ls.writer = nil
	}
	if ls.spawning == s {
		ls.spawning = nil
	}
	delete(ls.shared, s)
	s.state = driver.SessionUnlocked
	d.notifyLocked()
	return nil
}

func (s *session) checkLocked() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.state != driver.SessionLocked {
		return vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "session is %s", s.state)
	}
	return nil
}

// releaseShared closes the shared sessions of a machine whose VM process
// went away.
func (d *Driver) releaseShared(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.lockState(id)
	for s := range ls.shared {
		s.state = driver.SessionUnlocked
		delete(ls.shared, s)
	}
	d.notifyLocked()
}

type console struct {
	s *session
}

func (c *console) controlvm(ctx context.Context, args ...string) error {
	if err := c.s.checkLocked(); err != nil {
		return err
	}
	err := c.s.d.vbm(ctx, append([]string{"controlvm", c.s.id}, args...)...)
	if err == nil {
		c.s.d.notify()
	}
	return err
}

func (c *console) Pause(ctx context.Context) error {
	return c.controlvm(ctx, "pause")
}

func (c *console) Resume(ctx context.Context) error {
	return c.controlvm(ctx, "resume")
}

func (c *console) PowerDown(ctx context.Context) (driver.Progress, error) {
	if err := c.s.checkLocked(); err != nil {
		return nil, err
	}
	d, id := c.s.d, c.s.id
	return d.startProgress("Powering off machine "+c.s.name, func(ctx context.Context) error {
		if err := d.vbm(ctx, "controlvm", id, "poweroff"); err != nil {
			return err
		}
		d.releaseShared(id)
		return nil
	}), nil
}

func (c *console) TakeSnapshot(ctx context.Context, name, description string) (driver.Progress, error) {
	if err := c.s.checkLocked(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "snapshot name is empty")
	}
	d := c.s.d
	vi, err := d.showVMInfo(ctx, c.s.id)
	if err != nil {
		return nil, err
	}
	args := []string{"snapshot", c.s.id, "take", name}
	if description != "" {
		args = append(args, "--description", description)
	}
	switch st := vi.machine.State; {
	case st == driver.Running:
		args = append(args, "--live")
	case st == driver.Paused || st.IsDown() || st == driver.Saved:
	default:
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "cannot take a snapshot of machine '%s' while %s", vi.machine.Name, st)
	}
	return d.startProgress("Taking snapshot "+name, func(ctx context.Context) error {
		return d.vbm(ctx, args...)
	}), nil
}

func (c *console) DeleteSnapshot(ctx context.Context, id string) (driver.Progress, error) {
	if err := c.s.checkLocked(); err != nil {
		return nil, err
	}
	d, mid := c.s.d, c.s.id
	id = trimID(id)
	return d.startProgress("Deleting snapshot "+id, func(ctx context.Context) error {
		return d.vbm(ctx, "snapshot", mid, "delete", id)
	}), nil
}

// mutable queues VBoxManage edits until SaveSettings. Dropping a mutable
// without saving leaves the machine untouched. Without a session it edits
// an unregistered machine by registering it for the time of the save.
type mutable struct {
	d    *Driver
	id   string
	s    *session
	path string

	ops         [][]string
	controllers []*driver.StorageControllerInfo
	loaded      bool
}

func (mm *mutable) check() error {
	if mm.s == nil {
		return nil
	}
	if err := mm.s.checkLocked(); err != nil {
		return err
	}
	if mm.s.typ != driver.LockWrite {
		return vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "machine '%s' is only locked for sharing", mm.s.name)
	}
	return nil
}

// staged returns the controllers as they will be after the queued edits.
func (mm *mutable) staged(ctx context.Context) ([]*driver.StorageControllerInfo, error) {
	if mm.loaded || mm.s == nil {
		return mm.controllers, nil
	}
	vi, err := mm.d.showVMInfo(ctx, mm.id)
	if err != nil {
		return nil, err
	}
	mm.controllers = vi.controllers
	mm.loaded = true
	return mm.controllers, nil
}

func (mm *mutable) SetSettings(ctx context.Context, s *driver.Settings) error {
	if err := mm.check(); err != nil {
		return err
	}
	if s.CPUCount == 0 || s.MemorySize == 0 || s.MonitorCount == 0 {
		return vboxerr.NewResult(vboxerr.ResultInvalidArg, "CPU count, memory size and monitor count must be positive")
	}
	mm.ops = append(mm.ops, []string{"modifyvm", mm.id,
		"--description", s.Description,
		"--cpus", strconv.FormatUint(uint64(s.CPUCount), 10),
		"--memory", strconv.FormatUint(uint64(s.MemorySize), 10),
		"--vram", strconv.FormatUint(uint64(s.VRAMSize), 10),
		"--monitorcount", strconv.FormatUint(uint64(s.MonitorCount), 10),
		"--accelerate3d", bool2string(s.Accelerate3D),
		"--accelerate2dvideo", bool2string(s.Accelerate2DVideo),
	})
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
	if err := mm.check(); err != nil {
		return nil, err
	}
	if name == "" || bus == driver.BusNull {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "storage controller needs a name and a bus")
	}
	controllers, err := mm.staged(ctx)
	if err != nil {
		return nil, err
	}
	used := map[uint]bool{}
	for _, sc := range controllers {
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
	mm.controllers = append(controllers, sc)
	mm.ops = append(mm.ops, []string{"storagectl", mm.id,
		"--name", name,
		"--add", busArg(bus),
		"--portcount", strconv.FormatUint(uint64(sc.PortCount), 10),
		"--bootable", "on",
	})
	out := *sc
	return &out, nil
}

func (mm *mutable) RemoveStorageController(ctx context.Context, name string) error {
	if err := mm.check(); err != nil {
		return err
	}
	controllers, err := mm.staged(ctx)
	if err != nil {
		return err
	}
	for i, sc := range controllers {
		if sc.Name != name {
			continue
		}
		mm.controllers = append(controllers[:i:i], controllers[i+1:]...)
		mm.ops = append(mm.ops, []string{"storagectl", mm.id, "--name", name, "--remove"})
		return nil
	}
	return vboxerr.NewResult(vboxerr.ResultObjectNotFound, "could not find a storage controller named '%s'", name)
}

func (mm *mutable) AttachDevice(ctx context.Context, controller string, port, device int, dt driver.DeviceType, mediumID string) error {
	if err := mm.check(); err != nil {
		return err
	}
	medium := "emptydrive"
	if mediumID != "" {
		medium = trimID(mediumID)
	} else if dt == driver.DeviceHardDisk {
		return vboxerr.NewResult(vboxerr.ResultInvalidArg, "a hard disk attachment needs a medium")
	}
	mm.ops = append(mm.ops, []string{"storageattach", mm.id,
		"--storagectl", controller,
		"--port", strconv.Itoa(port),
		"--device", strconv.Itoa(device),
		"--type", driveArg(dt),
		"--medium", medium,
	})
	return nil
}

func (mm *mutable) DetachDevice(ctx context.Context, controller string, port, device int) error {
	if err := mm.check(); err != nil {
		return err
	}
	mm.ops = append(mm.ops, []string{"storageattach", mm.id,
		"--storagectl", controller,
		"--port", strconv.Itoa(port),
		"--device", strconv.Itoa(device),
		"--medium", "none",
	})
	return nil
}

// SaveSettings runs the queued edits. They are not undone when one fails.
func (mm *mutable) SaveSettings(ctx context.Context) (err error) {
	if err := mm.check(); err != nil {
		return err
	}
	ops := mm.ops
	mm.ops = nil
	mm.loaded = false

	if mm.s == nil {
		if len(ops) == 0 {
			return nil
		}
		if err := mm.d.vbm(ctx, "registervm", mm.path); err != nil {
			return err
		}
		defer func() {
			if uerr := mm.d.vbm(context.WithoutCancel(ctx), "unregistervm", mm.id); uerr != nil {
				glog.Errorf("cannot unregister %s after editing it: %v", mm.path, uerr)
				if err == nil {
					err = uerr
				}
			}
		}()
	}

	for _, op := range ops {
		if err := mm.d.vbm(ctx, op...); err != nil {
			glog.Warningf("%s %s failed, %d edits not applied", op[0], mm.id, len(ops))
			return err
		}
	}
	mm.d.notify()
	return nil
}
