package virtualbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
)

// fakeVBM answers showvminfo from canned output and records every command.
type fakeVBM struct {
	mu     sync.Mutex
	calls  []string
	vminfo map[string]string
	vms    string
}

func (f *fakeVBM) run(ctx context.Context, vbm string, args ...string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(args, " "))
	switch {
	case len(args) >= 2 && args[0] == "showvminfo":
		if out, ok := f.vminfo[args[1]]; ok {
			return out, "", nil
		}
		stderr := fmt.Sprintf("VBoxManage: error: Could not find a registered machine with UUID {%s}\n", args[1]) +
			"VBoxManage: error: Details: code VBOX_E_OBJECT_NOT_FOUND (0x80bb0001), component VirtualBoxWrap\n"
		return "", stderr, errors.New("exit status 1")
	case len(args) == 2 && args[0] == "list" && args[1] == "vms":
		return f.vms, "", nil
	}
	return "", "", nil
}

func (f *fakeVBM) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// issued filters the commands that change something.
func (f *fakeVBM) issued() []string {
	var out []string
	for _, c := range f.commands() {
		if !strings.HasPrefix(c, "showvminfo") && !strings.HasPrefix(c, "list") {
			out = append(out, c)
		}
	}
	return out
}

const testID = "6f2a1c4e-0000-4000-8000-000000000001"

// poweredOff is runningVMInfo of a machine without a VM process.
var poweredOff = strings.NewReplacer(`VMState="running"`, `VMState="poweroff"`, "SessionName=\"headless\"\n", "").Replace(runningVMInfo)

func newFake(vminfo string) (*Driver, *fakeVBM) {
	f := &fakeVBM{vminfo: map[string]string{testID: vminfo}}
	return newDriver("VBoxManage", f.run), f
}

func waitProgress(t *testing.T, p driver.Progress) {
	if err := p.WaitForCompletion(context.Background(), -1); err != nil {
		t.Fatalf("wait for %q failed: %v", p.Description(), err)
	}
	if err := p.Result(); err != nil {
		t.Fatalf("%q failed: %v", p.Description(), err)
	}
}

func TestFindMachine(t *testing.T) {
	d, _ := newFake(runningVMInfo)
	ctx := context.Background()
	mi, err := d.FindMachine(ctx, testID)
	if err != nil {
		t.Fatal(err)
	}
	if mi.State != driver.Running || mi.SessionState != driver.SessionLocked {
		t.Errorf("running machine is %s %s", mi.State, mi.SessionState)
	}
	if _, err := d.FindMachine(ctx, "nope"); vboxerr.ResultCode(err) != vboxerr.ResultObjectNotFound {
		t.Errorf("unknown machine gave %v", err)
	}
}

func TestMachinesSkipsVanished(t *testing.T) {
	d, f := newFake(poweredOff)
	f.vms = `"test vm" {` + testID + "}\n" + `"gone" {6f2a1c4e-0000-4000-8000-0000000000ff}` + "\n"
	ms, err := d.Machines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 1 || ms[0].Name != "test vm" || ms[0].SessionState != driver.SessionUnlocked {
		t.Errorf("bad machine list %v", ms)
	}
}

func TestLockEmulation(t *testing.T) {
	d, _ := newFake(poweredOff)
	ctx := context.Background()
	mi := &driver.MachineInfo{ID: testID}

	first, err := d.LockMachine(ctx, mi, driver.LockShared)
	if err != nil {
		t.Fatal(err)
	}
	if first.Type() != driver.LockWrite {
		t.Errorf("first lock on an idle machine is %s", first.Type())
	}
	second, err := d.LockMachine(ctx, mi, driver.LockShared)
	if err != nil {
		t.Fatal(err)
	}
	if second.Type() != driver.LockShared {
		t.Errorf("second lock is %s", second.Type())
	}
	if _, err := d.LockMachine(ctx, mi, driver.LockWrite); vboxerr.ResultCode(err) != vboxerr.ResultInvalidObjectState {
		t.Errorf("conflicting write lock gave %v", err)
	}
	if err := second.Machine().SetSettings(ctx, &mi.Settings); vboxerr.ResultCode(err) != vboxerr.ResultInvalidSessionState {
		t.Errorf("edit through a shared lock gave %v", err)
	}

	info, err := d.MachineInfo(ctx, mi)
	if err != nil {
		t.Fatal(err)
	}
	if info.SessionState != driver.SessionLocked {
		t.Errorf("locked machine reports %s", info.SessionState)
	}

	for _, s := range []driver.Session{first, second} {
		if err := s.Unlock(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := first.Unlock(ctx); vboxerr.ResultCode(err) != vboxerr.ResultInvalidSessionState {
		t.Errorf("second unlock gave %v", err)
	}
	if info, _ = d.MachineInfo(ctx, mi); info.SessionState != driver.SessionUnlocked {
		t.Errorf("released machine reports %s", info.SessionState)
	}
}

func TestRunningMachineOnlySharesLocks(t *testing.T) {
	d, _ := newFake(runningVMInfo)
	ctx := context.Background()
	mi := &driver.MachineInfo{ID: testID}
	if _, err := d.LockMachine(ctx, mi, driver.LockWrite); vboxerr.ResultCode(err) != vboxerr.ResultInvalidObjectState {
		t.Errorf("write lock on a running machine gave %v", err)
	}
	s, err := d.LockMachine(ctx, mi, driver.LockShared)
	if err != nil {
		t.Fatal(err)
	}
	if s.Type() != driver.LockShared {
		t.Errorf("lock on a running machine is %s", s.Type())
	}
	if err := s.Console().Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Console().Resume(ctx); vboxerr.ResultCode(err) != vboxerr.ResultInvalidSessionState {
		t.Errorf("console of an unlocked session gave %v", err)
	}
}

func TestLaunchAndPowerDown(t *testing.T) {
	d, f := newFake(poweredOff)
	ctx := context.Background()
	mi := &driver.MachineInfo{ID: testID}

	if _, _, err := d.LaunchVMProcess(ctx, mi, "vnc", ""); vboxerr.ResultCode(err) != vboxerr.ResultInvalidArg {
		t.Errorf("unknown session type gave %v", err)
	}

	s, p, err := d.LaunchVMProcess(ctx, mi, "vrdp", "FOO=bar\nBAZ=1\n")
	if err != nil {
		t.Fatal(err)
	}
	waitProgress(t, p)
	if s.State() != driver.SessionLocked || s.Type() != driver.LockShared {
		t.Errorf("launched session is %s %s", s.State(), s.Type())
	}

	f.mu.Lock()
	f.vminfo[testID] = runningVMInfo
	f.mu.Unlock()
	p, err = s.Console().PowerDown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitProgress(t, p)
	if s.State() != driver.SessionUnlocked {
		t.Errorf("session survived power down: %s", s.State())
	}

	want := []string{
		"startvm " + testID + " --type headless --putenv FOO=bar --putenv BAZ=1",
		"controlvm " + testID + " poweroff",
	}
	if got := f.issued(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("issued %q, want %q", got, want)
	}
}

func TestSnapshotCommands(t *testing.T) {
	d, f := newFake(runningVMInfo)
	ctx := context.Background()
	s, err := d.LockMachine(ctx, &driver.MachineInfo{ID: testID}, driver.LockShared)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unlock(ctx)

	if _, err := s.Console().TakeSnapshot(ctx, "", ""); vboxerr.ResultCode(err) != vboxerr.ResultInvalidArg {
		t.Errorf("unnamed snapshot gave %v", err)
	}
	p, err := s.Console().TakeSnapshot(ctx, "live", "while running")
	if err != nil {
		t.Fatal(err)
	}
	waitProgress(t, p)
	p, err = s.Console().DeleteSnapshot(ctx, "{3C4D0000-0000-4000-8000-000000000001}")
	if err != nil {
		t.Fatal(err)
	}
	waitProgress(t, p)

	want := []string{
		"snapshot " + testID + " take live --description while running --live",
		"snapshot " + testID + " delete 3c4d0000-0000-4000-8000-000000000001",
	}
	if got := f.issued(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("issued %q, want %q", got, want)
	}
}

func TestEditUnregistered(t *testing.T) {
	d, f := newFake(poweredOff)
	ctx := context.Background()
	path := writeSettings(t)
	mi := &driver.MachineInfo{ID: offlineID, SettingsFile: path}

	info, err := d.MachineInfo(ctx, mi)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "offline" || info.SessionState != driver.SessionUnlocked {
		t.Errorf("bad unregistered machine %+v", info)
	}
	if _, err := d.LockMachine(ctx, mi, driver.LockWrite); vboxerr.ResultCode(err) != vboxerr.ResultInvalidVMState {
		t.Errorf("locking an unregistered machine gave %v", err)
	}

	mm, err := d.EditMachine(ctx, mi)
	if err != nil {
		t.Fatal(err)
	}
	s := info.Settings
	s.Description = "edited"
	s.MemorySize = 256
	if err := mm.SetSettings(ctx, &s); err != nil {
		t.Fatal(err)
	}
	if _, err := mm.AddStorageController(ctx, "IDE", driver.BusIDE); vboxerr.ResultCode(err) != vboxerr.ResultObjectInUse {
		t.Errorf("duplicate controller gave %v", err)
	}
	sc, err := mm.AddStorageController(ctx, "SATA 2", driver.BusSATA)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Instance != 1 || sc.PortCount != 30 {
		t.Errorf("bad new controller %+v", sc)
	}
	if err := mm.RemoveStorageController(ctx, "IDE"); err != nil {
		t.Fatal(err)
	}
	if err := mm.RemoveStorageController(ctx, "IDE"); vboxerr.ResultCode(err) != vboxerr.ResultObjectNotFound {
		t.Errorf("removing a removed controller gave %v", err)
	}
	if err := mm.AttachDevice(ctx, "SATA 2", 0, 0, driver.DeviceHardDisk, ""); vboxerr.ResultCode(err) != vboxerr.ResultInvalidArg {
		t.Errorf("hard disk without medium gave %v", err)
	}
	if err := mm.AttachDevice(ctx, "SATA 2", 1, 0, driver.DeviceDVD, ""); err != nil {
		t.Fatal(err)
	}
	if len(f.issued()) != 0 {
		t.Fatalf("edits ran before saving: %q", f.issued())
	}
	if err := mm.SaveSettings(ctx); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"registervm " + path,
		"modifyvm " + offlineID + " --description edited --cpus 2 --memory 256 --vram 12 --monitorcount 1 --accelerate3d on --accelerate2dvideo off",
		"storagectl " + offlineID + " --name SATA 2 --add sata --portcount 30 --bootable on",
		"storagectl " + offlineID + " --name IDE --remove",
		"storageattach " + offlineID + " --storagectl SATA 2 --port 1 --device 0 --type dvddrive --medium emptydrive",
		"unregistervm " + offlineID,
	}
	if got := f.issued(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("issued\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestEditRegisteredNeedsLock(t *testing.T) {
	d, _ := newFake(poweredOff)
	ctx := context.Background()
	mi := &driver.MachineInfo{ID: testID}
	if _, err := d.EditMachine(ctx, mi); vboxerr.ResultCode(err) != vboxerr.ResultInvalidSessionState {
		t.Errorf("editing a registered machine gave %v", err)
	}
	if err := d.RegisterMachine(ctx, mi); vboxerr.ResultCode(err) != vboxerr.ResultObjectInUse {
		t.Errorf("registering twice gave %v", err)
	}
	if _, err := d.DeleteMachine(ctx, mi); vboxerr.ResultCode(err) != vboxerr.ResultInvalidVMState {
		t.Errorf("deleting a registered machine gave %v", err)
	}
}
