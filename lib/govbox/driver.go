package virtualbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
)

var (
	reCreatedUUID      = regexp.MustCompile(`(?m)^UUID:\s+(\S+)`)
	reCreatedSettings  = regexp.MustCompile(`(?m)^Settings file:\s+'(.+)'`)
	reExistingSettings = regexp.MustCompile(`settings file '(.+)' already exists`)
)

// startvm --type values, by session type
var launchTypes = map[string]string{
	"gui":      "gui",
	"headless": "headless",
	"sdl":      "sdl",
	// the VRDE server runs in a headless frontend
	"vrdp": "headless",
}

// Driver implements driver.Driver on top of VBoxManage.
type Driver struct {
	VBM string
	run runner

	mu      sync.Mutex
	changed chan struct{}
	locks   map[string]*lockState
}

var _ driver.Driver = &Driver{}

// lockState is the sessions this process holds on a machine.
type lockState struct {
	writer   *session
	shared   map[*session]struct{}
	spawning *session
}

func (ls *lockState) held() bool {
	return ls.writer != nil || len(ls.shared) > 0 || ls.spawning != nil
}

// InitDriver checks that vbm can be run and returns a driver using it. An
// empty vbm uses VBM.
func InitDriver(vbm string) (*Driver, error) {
	if vbm == "" {
		vbm = VBM
	}
	if _, err := exec.LookPath(vbm); err != nil {
		glog.Warningf("cannot find %s: %v", vbm, err)
		return nil, ErrVBMNotFound
	}
	d := newDriver(vbm, execRunner)
	out, err := d.vbmOut(context.Background(), "--version")
	if err != nil {
		glog.Errorf("%s --version failed: %v", vbm, err)
		return nil, err
	}
	glog.Infof("using %s, VirtualBox %s", vbm, strings.TrimSpace(out))
	return d, nil
}

func newDriver(vbm string, run runner) *Driver {
	return &Driver{
		VBM:     vbm,
		run:     run,
		changed: make(chan struct{}),
		locks:   make(map[string]*lockState),
	}
}

func (d *Driver) Name() string {
	return "vboxmanage"
}

func (d *Driver) notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyLocked()
}

func (d *Driver) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// must be called with d.mu held
func (d *Driver) lockState(id string) *lockState {
	ls, ok := d.locks[id]
	if !ok {
		ls = &lockState{shared: make(map[*session]struct{})}
		d.locks[id] = ls
	}
	return ls
}

// hasProcess reports a machine state that implies a running VM process.
func hasProcess(st driver.MachineState) bool {
	return !st.IsDown() && st != driver.Saved && st != driver.MachineStateNull
}

// machineInfo completes vi with the session state seen from this process.
func (d *Driver) machineInfo(vi *vmInfo) *driver.MachineInfo {
	mi := vi.machine
	mi.ID = trimID(mi.ID)

	d.mu.Lock()
	ls := d.locks[mi.ID]
	switch {
	case ls != nil && ls.spawning != nil:
		mi.SessionState = driver.SessionSpawning
	case ls != nil && ls.held():
		mi.SessionState = driver.SessionLocked
	case hasProcess(mi.State) || vi.sessionName != "":
		mi.SessionState = driver.SessionLocked
	default:
		mi.SessionState = driver.SessionUnlocked
	}
	d.mu.Unlock()
	return &mi
}

func (d *Driver) showVMInfo(ctx context.Context, nameOrID string) (*vmInfo, error) {
	out, err := d.vbmOut(ctx, "showvminfo", nameOrID, "--machinereadable")
	if err != nil {
		return nil, err
	}
	vi, err := parseVMInfo(out)
	if err != nil {
		return nil, vboxerr.NewResult(vboxerr.ResultIprtError, "cannot parse machine info of '%s': %v", nameOrID, err)
	}
	vi.machine.ID = trimID(vi.machine.ID)
	return vi, nil
}

func isNotFound(err error) bool {
	return vboxerr.ResultCode(err) == vboxerr.ResultObjectNotFound
}

// lookup loads mi from VBoxManage when it is registered and from its
// settings file otherwise.
func (d *Driver) lookup(ctx context.Context, mi *driver.MachineInfo) (*vmInfo, bool, error) {
	if mi == nil {
		return nil, false, vboxerr.NewResult(vboxerr.ResultInvalidArg, "no machine given")
	}
	vi, err := d.showVMInfo(ctx, trimID(mi.ID))
	if err == nil {
		return vi, true, nil
	}
	if !isNotFound(err) {
		return nil, false, err
	}
	if mi.SettingsFile == "" {
		return nil, false, err
	}
	vi, err = readSettings(mi.SettingsFile)
	if err != nil {
		if vboxerr.ResultCode(err) == vboxerr.ResultFileError {
			return nil, false, vboxerr.NewResult(vboxerr.ResultObjectNotFound, "machine {%s} does not exist", mi.ID)
		}
		return nil, false, err
	}
	return vi, false, nil
}

// registered loads mi, failing with VBOX_E_INVALID_VM_STATE when it is not
// registered.
func (d *Driver) registered(ctx context.Context, mi *driver.MachineInfo) (*vmInfo, error) {
	vi, ok, err := d.lookup(ctx, mi)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "machine '%s' is not registered", vi.machine.Name)
	}
	return vi, nil
}

func (d *Driver) OpenMachine(ctx context.Context, path string) (*driver.MachineInfo, error) {
	vi, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	if reg, err := d.showVMInfo(ctx, vi.machine.ID); err == nil {
		vi = reg
	}
	return d.machineInfo(vi), nil
}

func (d *Driver) FindMachine(ctx context.Context, nameOrID string) (*driver.MachineInfo, error) {
	vi, err := d.showVMInfo(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	return d.machineInfo(vi), nil
}

func (d *Driver) CreateMachine(ctx context.Context, spec *driver.CreateSpec) (*driver.MachineInfo, error) {
	if spec == nil || spec.Name == "" {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "machine name is empty")
	}
	args := []string{"createvm", "--name", spec.Name}
	if spec.OSTypeID != "" {
		args = append(args, "--ostype", spec.OSTypeID)
	}
	if spec.BaseFolder != "" {
		args = append(args, "--basefolder", spec.BaseFolder)
	}
	if spec.ID != "" {
		args = append(args, "--uuid", spec.ID)
	}
	out, err := d.vbmOut(ctx, args...)
	if err != nil && spec.ForceOverwrite {
		if res := reExistingSettings.FindStringSubmatch(err.Error()); res != nil {
			glog.Infof("overwriting settings file %s", res[1])
			if rerr := os.Remove(res[1]); rerr == nil {
				out, err = d.vbmOut(ctx, args...)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	res := reCreatedSettings.FindStringSubmatch(out)
	if res == nil {
		return nil, vboxerr.NewResult(vboxerr.ResultIprtError, "createvm printed no settings file: %s", out)
	}
	vi, err := readSettings(res[1])
	if err != nil {
		return nil, err
	}
	if res := reCreatedUUID.FindStringSubmatch(out); res != nil && trimID(res[1]) != vi.machine.ID {
		glog.Warningf("createvm reported UUID %s, settings file has %s", res[1], vi.machine.ID)
	}
	return d.machineInfo(vi), nil
}

func (d *Driver) Machines(ctx context.Context) ([]*driver.MachineInfo, error) {
	out, err := d.vbmOut(ctx, "list", "vms")
	if err != nil {
		return nil, err
	}
	ms := []*driver.MachineInfo{}
	for _, line := range strings.Split(out, "\n") {
		res := reVMNameUUID.FindStringSubmatch(line)
		if res == nil {
			continue
		}
		vi, err := d.showVMInfo(ctx, res[2])
		if isNotFound(err) {
			// unregistered since listed
			continue
		} else if err != nil {
			return nil, err
		}
		ms = append(ms, d.machineInfo(vi))
	}
	return ms, nil
}

func (d *Driver) MachineInfo(ctx context.Context, mi *driver.MachineInfo) (*driver.MachineInfo, error) {
	vi, _, err := d.lookup(ctx, mi)
	if err != nil {
		return nil, err
	}
	return d.machineInfo(vi), nil
}

func (d *Driver) RegisterMachine(ctx context.Context, mi *driver.MachineInfo) error {
	vi, ok, err := d.lookup(ctx, mi)
	if err != nil {
		return err
	}
	if ok {
		return vboxerr.NewResult(vboxerr.ResultObjectInUse, "machine '%s' {%s} is already registered", vi.machine.Name, vi.machine.ID)
	}
	if err := d.vbm(ctx, "registervm", vi.machine.SettingsFile); err != nil {
		return err
	}
	d.notify()
	return nil
}

func (d *Driver) UnregisterMachine(ctx context.Context, mi *driver.MachineInfo, mode driver.CleanupMode) ([]*driver.MediumInfo, error) {
	vi, ok, err := d.lookup(ctx, mi)
	if err != nil {
		return nil, err
	}
	m := d.machineInfo(vi)
	if !ok {
		return nil, vboxerr.NewResult(vboxerr.ResultObjectNotFound, "machine '%s' is not registered", m.Name)
	}
	if m.SessionState != driver.SessionUnlocked {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "machine '%s' is locked (%s)", m.Name, m.SessionState)
	}
	if !m.State.IsDown() && m.State != driver.Saved {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "cannot unregister machine '%s' while %s", m.Name, m.State)
	}

	var media []*driver.MediumInfo
	hasMedia := false
	for _, a := range vi.attachments {
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
	if mode == driver.CleanupUnregisterOnly && (hasMedia || m.SnapshotCount > 0) {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "machine '%s' has media attached or snapshots", m.Name)
	}

	if err := d.vbm(ctx, "unregistervm", m.ID); err != nil {
		return nil, err
	}
	d.mu.Lock()
	delete(d.locks, m.ID)
	d.mu.Unlock()
	d.notify()
	return media, nil
}

// DeleteMachine removes the settings file of an unregistered machine with
// its backup and logs, and the machine folder when that ends up empty.
func (d *Driver) DeleteMachine(ctx context.Context, mi *driver.MachineInfo) (driver.Progress, error) {
	vi, ok, err := d.lookup(ctx, mi)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "cannot delete registered machine '%s'", vi.machine.Name)
	}
	path := vi.machine.SettingsFile
	return d.startProgress("Deleting machine "+vi.machine.Name, func(ctx context.Context) error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return vboxerr.NewResult(vboxerr.ResultFileError, "cannot delete '%s': %v", path, err)
		}
		os.Remove(path + "-prev")
		dir := filepath.Dir(path)
		os.RemoveAll(filepath.Join(dir, "Logs"))
		os.Remove(dir)
		return nil
	}), nil
}

func (d *Driver) EditMachine(ctx context.Context, mi *driver.MachineInfo) (driver.MutableMachine, error) {
	vi, ok, err := d.lookup(ctx, mi)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidSessionState, "machine '%s' is registered and must be locked to be changed", vi.machine.Name)
	}
	return &mutable{d: d, id: vi.machine.ID, path: vi.machine.SettingsFile, controllers: vi.controllers}, nil
}

func (d *Driver) StorageControllers(ctx context.Context, mi *driver.MachineInfo) ([]*driver.StorageControllerInfo, error) {
	vi, _, err := d.lookup(ctx, mi)
	if err != nil {
		return nil, err
	}
	return vi.controllers, nil
}

func (d *Driver) MediumAttachments(ctx context.Context, mi *driver.MachineInfo) ([]*driver.AttachmentInfo, error) {
	vi, _, err := d.lookup(ctx, mi)
	if err != nil {
		return nil, err
	}
	as := vi.attachments
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
	if _, err := os.Stat(location); err != nil {
		return nil, vboxerr.NewResult(vboxerr.ResultFileError, "could not find file for the medium '%s'", location)
	}
	out, err := d.vbmOut(ctx, "showmediuminfo", mediumArg(dt), location)
	if err != nil {
		return nil, err
	}
	md, err := parseMediumInfo(out, dt)
	if err != nil {
		return nil, vboxerr.NewResult(vboxerr.ResultIprtError, "cannot parse medium info of '%s': %v", location, err)
	}
	md.ID = trimID(md.ID)
	if md.Location == "" {
		md.Location = location
		md.Name = filepath.Base(location)
	}
	return md, nil
}

func (d *Driver) CloseMedium(ctx context.Context, id string) error {
	return d.vbm(ctx, "closemedium", trimID(id))
}

// WaitForEvents returns on the next change made through this driver or once
// timeout elapses. VBoxManage has no event queue, changes made by other
// processes are seen at the timeout.
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

func (d *Driver) LockMachine(ctx context.Context, mi *driver.MachineInfo, lt driver.LockType) (driver.Session, error) {
	vi, err := d.registered(ctx, mi)
	if err != nil {
		return nil, err
	}
	id := vi.machine.ID
	process := hasProcess(vi.machine.State) || vi.sessionName != ""

	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.lockState(id)
	s := &session{d: d, id: id, name: vi.machine.Name, state: driver.SessionLocked}
	switch {
	case ls.spawning != nil:
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidObjectState, "machine '%s' is in transition (%s)", vi.machine.Name, driver.SessionSpawning)
	case !ls.held() && !process:
		s.typ = driver.LockWrite
		ls.writer = s
	case lt == driver.LockWrite:
		return nil, vboxerr.NewResult(vboxerr.ResultInvalidObjectState, "machine '%s' is already locked for a session", vi.machine.Name)
	default:
		s.typ = driver.LockShared
		ls.shared[s] = struct{}{}
	}
	d.notifyLocked()
	return s, nil
}

func (d *Driver) LaunchVMProcess(ctx context.Context, mi *driver.MachineInfo, sessionType, env string) (driver.Session, driver.Progress, error) {
	typ, ok := launchTypes[sessionType]
	if !ok {
		return nil, nil, vboxerr.NewResult(vboxerr.ResultInvalidArg, "invalid session type '%s'", sessionType)
	}
	vi, err := d.registered(ctx, mi)
	if err != nil {
		return nil, nil, err
	}
	m := d.machineInfo(vi)
	if m.SessionState != driver.SessionUnlocked {
		return nil, nil, vboxerr.NewResult(vboxerr.ResultInvalidObjectState, "machine '%s' is already locked (%s)", m.Name, m.SessionState)
	}
	if !m.State.IsDown() && m.State != driver.Saved {
		return nil, nil, vboxerr.NewResult(vboxerr.ResultInvalidVMState, "machine '%s' is %s", m.Name, m.State)
	}

	args := []string{"startvm", m.ID, "--type", typ}
	for _, e := range strings.Split(env, "\n") {
		if e = strings.TrimSpace(e); e != "" {
			args = append(args, "--putenv", e)
		}
	}

	s := &session{d: d, id: m.ID, name: m.Name, typ: driver.LockShared, state: driver.SessionSpawning}
	d.mu.Lock()
	d.lockState(m.ID).spawning = s
	d.notifyLocked()
	d.mu.Unlock()

	p := d.startProgress(fmt.Sprintf("Starting machine %s (%s)", m.Name, sessionType), func(ctx context.Context) error {
		err := d.vbm(ctx, args...)

		d.mu.Lock()
		defer d.mu.Unlock()
		ls := d.lockState(s.id)
		if ls.spawning == s {
			ls.spawning = nil
		}
		switch {
		case err != nil:
			s.state = driver.SessionUnlocked
			return err
		case s.state != driver.SessionSpawning:
			// unlocked while spawning, the VM process runs on its own
			return nil
		}
		s.state = driver.SessionLocked
		ls.shared[s] = struct{}{}
		return nil
	})
	return s, p, nil
}
