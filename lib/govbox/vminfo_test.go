package virtualbox

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
)

func init() {
	flag.Set("alsologtostderr", "true")
	flag.Set("v", "3")
}

const runningVMInfo = `name="test vm"
groups="/"
ostype="Ubuntu (64-bit)"
UUID="6f2a1c4e-0000-4000-8000-000000000001"
CfgFile="/vms/test vm/test vm.vbox"
memory=1024
vram=16
cpus=2
accelerate3d="off"
accelerate2dvideo="on"
monitorcount=1
description="a test machine"
VMState="running"
VMStateChangeTime="2016-05-03T10:11:12.000000000"
storagecontrollername0="IDE Controller"
storagecontrollertype0="PIIX4"
storagecontrollerinstance0="0"
storagecontrollermaxportcount0="2"
storagecontrollerportcount0="2"
storagecontrollerbootable0="on"
storagecontrollername1="SATA Controller"
storagecontrollertype1="IntelAhci"
storagecontrollerinstance1="0"
storagecontrollermaxportcount1="30"
storagecontrollerportcount1="30"
storagecontrollerbootable1="on"
"IDE Controller-0-0"="/isos/boot.iso"
"IDE Controller-ImageUUID-0-0"="9d1c7a20-0000-4000-8000-0000000000b1"
"IDE Controller-0-1"="none"
"IDE Controller-1-0"="emptydrive"
"IDE Controller-1-1"="none"
"SATA Controller-0-0"="/vms/test vm/disk.vdi"
"SATA Controller-ImageUUID-0-0"="9d1c7a20-0000-4000-8000-0000000000a1"
SessionName="headless"
SnapshotName="base"
SnapshotUUID="3c4d0000-0000-4000-8000-000000000001"
SnapshotDescription="first"
SnapshotName-1="child"
SnapshotUUID-1="3c4d0000-0000-4000-8000-000000000002"
SnapshotDescription-1="second"
CurrentSnapshotName="child"
CurrentSnapshotUUID="3c4d0000-0000-4000-8000-000000000002"
CurrentSnapshotNode="SnapshotName-1"
`

func TestParseVMInfo(t *testing.T) {
	vi, err := parseVMInfo(runningVMInfo)
	if err != nil {
		t.Fatal(err)
	}
	m := vi.machine
	if m.Name != "test vm" || m.ID != "6f2a1c4e-0000-4000-8000-000000000001" {
		t.Errorf("bad identity %q {%s}", m.Name, m.ID)
	}
	if m.SettingsFile != "/vms/test vm/test vm.vbox" || m.OSTypeID != "Ubuntu (64-bit)" {
		t.Errorf("bad settings file %q or OS type %q", m.SettingsFile, m.OSTypeID)
	}
	if m.CPUCount != 2 || m.MemorySize != 1024 || m.VRAMSize != 16 || m.MonitorCount != 1 {
		t.Errorf("bad hardware %+v", m.Hardware)
	}
	if m.Accelerate3D || !m.Accelerate2DVideo {
		t.Errorf("bad acceleration %+v", m.Hardware)
	}
	if m.State != driver.Running {
		t.Errorf("state is %s", m.State)
	}
	if m.LastStateChange.Year() != 2016 || m.LastStateChange.Hour() != 10 {
		t.Errorf("bad state change time %v", m.LastStateChange)
	}
	if vi.sessionName != "headless" {
		t.Errorf("session name is %q", vi.sessionName)
	}

	if m.SnapshotCount != 2 {
		t.Errorf("%d snapshots", m.SnapshotCount)
	}
	cur := m.CurrentSnapshot
	if cur == nil {
		t.Fatal("no current snapshot")
	}
	if cur.Name != "child" || cur.Description != "second" || cur.ID != "3c4d0000-0000-4000-8000-000000000002" {
		t.Errorf("bad current snapshot %+v", cur)
	}

	if len(vi.controllers) != 2 {
		t.Fatalf("%d controllers", len(vi.controllers))
	}
	ide, sata := vi.controllers[0], vi.controllers[1]
	if ide.Name != "IDE Controller" || ide.Bus != driver.BusIDE || ide.PortCount != 2 || !ide.Bootable {
		t.Errorf("bad IDE controller %+v", ide)
	}
	if sata.Name != "SATA Controller" || sata.Bus != driver.BusSATA || sata.PortCount != 30 {
		t.Errorf("bad SATA controller %+v", sata)
	}

	if len(vi.attachments) != 3 {
		t.Fatalf("%d attachments", len(vi.attachments))
	}
	iso, empty, disk := vi.attachments[0], vi.attachments[1], vi.attachments[2]
	if iso.Type != driver.DeviceDVD || iso.Medium == nil || iso.Medium.Name != "boot.iso" {
		t.Errorf("bad ISO attachment %+v", iso)
	}
	if empty.Type != driver.DeviceDVD || empty.Medium != nil || empty.Port != 1 || empty.Device != 0 {
		t.Errorf("bad empty drive %+v", empty)
	}
	if disk.Controller != "SATA Controller" || disk.Type != driver.DeviceHardDisk {
		t.Errorf("bad disk attachment %+v", disk)
	}
	if disk.Medium == nil || disk.Medium.ID != "9d1c7a20-0000-4000-8000-0000000000a1" {
		t.Errorf("bad disk medium %+v", disk.Medium)
	}
}

func TestParseVMInfoNeedsUUID(t *testing.T) {
	if _, err := parseVMInfo("name=\"x\"\n"); err == nil {
		t.Error("parsed machine info without a UUID")
	}
	if _, err := parseVMInfo("UUID=\"x\"\nmemory=lots\n"); err == nil {
		t.Error("parsed a bad memory size")
	}
}

func TestParseMediumInfo(t *testing.T) {
	out := `UUID:           9d1c7a20-0000-4000-8000-0000000000a1
Parent UUID:    base
State:          created
Type:           normal (base)
Location:       /vms/test vm/disk.vdi
Storage format: VDI
`
	md, err := parseMediumInfo(out, driver.DeviceHardDisk)
	if err != nil {
		t.Fatal(err)
	}
	if md.ID != "9d1c7a20-0000-4000-8000-0000000000a1" || md.Location != "/vms/test vm/disk.vdi" || md.Name != "disk.vdi" {
		t.Errorf("bad medium %+v", md)
	}
	if _, err := parseMediumInfo("State: created\n", driver.DeviceDVD); err == nil {
		t.Error("parsed medium info without a UUID")
	}
}

func TestResultError(t *testing.T) {
	exit := errors.New("exit status 1")
	notFound := "VBoxManage: error: Could not find a registered machine named 'nope'\n" +
		"VBoxManage: error: Details: code VBOX_E_OBJECT_NOT_FOUND (0x80bb0001), component VirtualBoxWrap, interface IVirtualBox, callee nsISupports\n" +
		"VBoxManage: error: Context: \"FindMachine(Bstr(VMNameOrUuid).raw(), machine.asOutParam())\" at line 2719 of file VBoxManageInfo.cpp\n"

	cases := []struct {
		stderr string
		code   string
		text   string
	}{
		{notFound, vboxerr.ResultObjectNotFound, "Could not find a registered machine named 'nope'"},
		{"VBoxManage: error: Could not find a registered machine with UUID {1234}\n", vboxerr.ResultObjectNotFound, "Could not find a registered machine with UUID {1234}"},
		{"VBoxManage: error: Details: code VBOX_E_INVALID_VM_STATE (0x80bb0002), component ConsoleWrap\n", vboxerr.ResultInvalidVMState, "VBoxManage: error: Details: code VBOX_E_INVALID_VM_STATE (0x80bb0002), component ConsoleWrap"},
		{"boom\n", vboxerr.ResultFail, "boom"},
		{"", vboxerr.ResultFail, "exit status 1"},
	}
	for _, c := range cases {
		err := resultError(c.stderr, exit)
		var re *vboxerr.ResultError
		if !errors.As(err, &re) {
			t.Errorf("%q gave %T", c.stderr, err)
			continue
		}
		if re.Code != c.code || re.Text != c.text {
			t.Errorf("%q gave %q (%s), want %q (%s)", c.stderr, re.Text, re.Code, c.text, c.code)
		}
	}

	if err := resultError("", ErrVBMNotFound); err != ErrVBMNotFound {
		t.Errorf("missing VBoxManage gave %v", err)
	}
}

func TestVBMOutCanceled(t *testing.T) {
	d := newDriver("VBoxManage", func(ctx context.Context, vbm string, args ...string) (string, string, error) {
		return "", "VBoxManage: error: interrupted\n", errors.New("signal: killed")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.vbmOut(ctx, "list", "vms"); err != context.Canceled {
		t.Errorf("canceled command gave %v", err)
	}
}

const offlineSettings = `<?xml version="1.0"?>
<VirtualBox xmlns="http://www.virtualbox.org/" version="1.16-linux">
  <Machine uuid="{6F2A1C4E-0000-4000-8000-000000000009}" name="offline" OSType="Ubuntu_64" currentSnapshot="{3c4d0000-0000-4000-8000-000000000002}" lastStateChange="2016-05-03T10:11:12Z">
    <Description>kept on disk</Description>
    <MediaRegistry>
      <HardDisks>
        <HardDisk uuid="{9d1c7a20-0000-4000-8000-0000000000a1}" location="disk.vdi" format="VDI"/>
      </HardDisks>
      <DVDImages>
        <Image uuid="{9d1c7a20-0000-4000-8000-0000000000b1}" location="/isos/boot.iso"/>
      </DVDImages>
    </MediaRegistry>
    <Snapshot uuid="{3c4d0000-0000-4000-8000-000000000001}" name="base" timeStamp="2016-05-01T00:00:00Z">
      <Description>first</Description>
      <Snapshots>
        <Snapshot uuid="{3c4d0000-0000-4000-8000-000000000002}" name="child" timeStamp="2016-05-02T00:00:00Z">
          <Description>second</Description>
        </Snapshot>
      </Snapshots>
    </Snapshot>
    <Hardware>
      <CPU count="2"/>
      <Memory RAMSize="512"/>
      <Display VRAMSize="12" monitorCount="1" accelerate3D="true"/>
    </Hardware>
    <StorageControllers>
      <StorageController name="IDE" type="PIIX4" PortCount="2" Bootable="true">
        <AttachedDevice passthrough="false" type="DVD" port="1" device="0">
          <Image uuid="{9d1c7a20-0000-4000-8000-0000000000b1}"/>
        </AttachedDevice>
      </StorageController>
      <StorageController name="SATA" type="AHCI" PortCount="30" Bootable="true">
        <AttachedDevice type="HardDisk" port="0" device="0">
          <Image uuid="{9d1c7a20-0000-4000-8000-0000000000a1}"/>
        </AttachedDevice>
      </StorageController>
    </StorageControllers>
  </Machine>
</VirtualBox>
`

const offlineID = "6f2a1c4e-0000-4000-8000-000000000009"

func writeSettings(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "offline.vbox")
	if err := os.WriteFile(path, []byte(offlineSettings), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadSettings(t *testing.T) {
	path := writeSettings(t)
	vi, err := readSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	m := vi.machine
	if m.ID != offlineID || m.Name != "offline" || m.OSTypeID != "Ubuntu_64" {
		t.Errorf("bad identity %+v", m)
	}
	if m.Description != "kept on disk" || m.SettingsFile != path {
		t.Errorf("bad description %q or path %q", m.Description, m.SettingsFile)
	}
	if m.CPUCount != 2 || m.MemorySize != 512 || m.VRAMSize != 12 || m.MonitorCount != 1 || !m.Accelerate3D {
		t.Errorf("bad hardware %+v", m.Hardware)
	}
	if m.State != driver.PoweredOff || m.SessionState != driver.SessionUnlocked {
		t.Errorf("bad states %s %s", m.State, m.SessionState)
	}
	if m.SnapshotCount != 2 || m.CurrentSnapshot == nil || m.CurrentSnapshot.Description != "second" {
		t.Errorf("bad snapshots %d %+v", m.SnapshotCount, m.CurrentSnapshot)
	}

	if len(vi.controllers) != 2 || vi.controllers[1].Bus != driver.BusSATA || vi.controllers[1].Instance != 0 {
		t.Errorf("bad controllers %v", vi.controllers)
	}
	if len(vi.attachments) != 2 {
		t.Fatalf("%d attachments", len(vi.attachments))
	}
	disk := vi.attachments[1]
	if disk.Type != driver.DeviceHardDisk || disk.Medium == nil {
		t.Fatalf("bad disk %+v", disk)
	}
	if want := filepath.Join(filepath.Dir(path), "disk.vdi"); disk.Medium.Location != want {
		t.Errorf("disk location %q, want %q", disk.Medium.Location, want)
	}
	if dvd := vi.attachments[0]; dvd.Medium == nil || dvd.Medium.Location != "/isos/boot.iso" {
		t.Errorf("bad DVD %+v", dvd)
	}
}

func TestReadSettingsErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := readSettings(filepath.Join(dir, "missing.vbox")); vboxerr.ResultCode(err) != vboxerr.ResultFileError {
		t.Errorf("missing file gave %v", err)
	}
	bad := filepath.Join(dir, "bad.vbox")
	os.WriteFile(bad, []byte("<VirtualBox><Machine"), 0644)
	if _, err := readSettings(bad); vboxerr.ResultCode(err) != vboxerr.ResultFileError {
		t.Errorf("truncated file gave %v", err)
	}
	empty := filepath.Join(dir, "empty.vbox")
	os.WriteFile(empty, []byte("<VirtualBox></VirtualBox>"), 0644)
	if _, err := readSettings(empty); vboxerr.ResultCode(err) != vboxerr.ResultFileError {
		t.Errorf("file without machine gave %v", err)
	}
}
