package vbox

import (
	"testing"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
	. "gopkg.in/check.v1"
)

func TestNewStorageControllerName(t *testing.T) {
	taken := map[string]bool{}
	isTaken := func(n string) bool { return taken[n] }

	for _, expect := range []string{"IDE Controller", "IDE Controller 2", "IDE Controller 3"} {
		name, err := newStorageControllerName(driver.BusIDE, isTaken)
		if err != nil {
			t.Fatalf("name for IDE failed: %v", err)
		}
		if name != expect {
			t.Errorf("expected %q, got %q", expect, name)
		}
		taken[name] = true
	}

	name, err := newStorageControllerName(driver.BusFloppy, isTaken)
	if err != nil || name != "Floppy Controller" {
		t.Errorf("unexpected floppy controller name %q: %v", name, err)
	}

	if _, err := newStorageControllerName(driver.BusNull, isTaken); err == nil {
		t.Error("a name was made up for an unknown bus")
	} else {
		t.Logf("unknown bus rejected: %v", err)
	}
}

func (s *MachineSuite) TestStorageControllers(c *C) {
	m := s.create(c, "controllers")
	has, err := m.HasStorageController(s.ctx, "IDE Controller")
	c.Assert(err, IsNil)
	c.Check(has, Equals, false)

	first, err := m.AddStorageController(s.ctx, driver.BusIDE, "")
	c.Assert(err, IsNil)
	c.Check(first.Name(), Equals, "IDE Controller")
	second, err := m.AddStorageController(s.ctx, driver.BusIDE, "")
	c.Assert(err, IsNil)
	c.Check(second.Name(), Equals, "IDE Controller 2")
	c.Check(second.Instance(), Equals, uint(1))
	named, err := m.AddStorageController(s.ctx, driver.BusSCSI, "disks")
	c.Assert(err, IsNil)
	c.Check(named.PortCount(), Equals, uint(16))

	_, err = m.AddStorageController(s.ctx, driver.BusSATA, "disks")
	c.Check(vboxerr.Is(err, vboxerr.ErrObjectNotUnique), Equals, true)
	_, err = m.AddStorageController(s.ctx, driver.BusNull, "")
	c.Check(vboxerr.Is(err, vboxerr.ErrorCodeCommon), Equals, true)

	scs, err := m.StorageControllers(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(scs, HasLen, 3)

	sc, err := m.StorageControllerByName(s.ctx, "disks")
	c.Assert(err, IsNil)
	c.Check(sc.Bus(), Equals, driver.BusSCSI)
	sc, err = m.StorageControllerByInstance(s.ctx, driver.BusIDE, 1)
	c.Assert(err, IsNil)
	c.Check(sc.Name(), Equals, "IDE Controller 2")
	_, err = m.StorageControllerByInstance(s.ctx, driver.BusIDE, 7)
	c.Check(vboxerr.Is(err, vboxerr.ErrObjectNotFound), Equals, true)

	// instance 0 exists on both IDE and SCSI
	sc, err = m.StorageControllerByInstance(s.ctx, driver.BusSCSI, 0)
	c.Assert(err, IsNil)
	c.Check(sc.Name(), Equals, "disks")
	sc, err = m.StorageControllerByInstance(s.ctx, driver.BusIDE, 0)
	c.Assert(err, IsNil)
	c.Check(sc.Name(), Equals, "IDE Controller")
	_, err = m.StorageControllerByInstance(s.ctx, driver.BusSATA, 0)
	c.Check(vboxerr.Is(err, vboxerr.ErrObjectNotFound), Equals, true)

	c.Assert(m.RemoveStorageController(s.ctx, "IDE Controller"), IsNil)
	has, err = m.HasStorageController(s.ctx, "IDE Controller")
	c.Assert(err, IsNil)
	c.Check(has, Equals, false)
	err = m.RemoveStorageController(s.ctx, "IDE Controller")
	c.Check(vboxerr.Is(err, vboxerr.ErrObjectNotFound), Equals, true)

	// the freed base name is handed out again
	again, err := m.AddStorageController(s.ctx, driver.BusIDE, "")
	c.Assert(err, IsNil)
	c.Check(again.Name(), Equals, "IDE Controller")
}

func (s *MachineSuite) TestAttachDetach(c *C) {
	m := s.create(c, "disks")
	s.d.DefineMediumFile("/images/disk.vdi")
	s.d.DefineMediumFile("/images/boot.iso")

	disk, err := s.mgr.OpenMedium(s.ctx, "/images/disk.vdi", driver.DeviceHardDisk)
	c.Assert(err, IsNil)
	c.Check(disk.IsHardDisk(), Equals, true)
	c.Check(disk.Name(), Equals, "disk.vdi")
	iso, err := s.mgr.OpenMedium(s.ctx, "/images/boot.iso", driver.DeviceDVD)
	c.Assert(err, IsNil)
	_, err = s.mgr.OpenMedium(s.ctx, "/images/missing.vdi", driver.DeviceHardDisk)
	c.Check(vboxerr.Is(err, vboxerr.ErrFileNotFound), Equals, true)

	err = m.AttachDevice(s.ctx, disk)
	c.Check(vboxerr.Is(err, vboxerr.ErrObjectNotFound), Equals, true)

	_, err = m.AddStorageController(s.ctx, driver.BusSATA, "")
	c.Assert(err, IsNil)
	c.Assert(m.AttachDevice(s.ctx, disk), IsNil)

	hds, err := m.HardDrives(s.ctx)
	c.Assert(err, IsNil)
	c.Assert(hds, HasLen, 1)
	c.Check(hds[0].ID(), Equals, disk.ID())

	// slot 0:0 of the first controller is taken
	err = m.AttachDevice(s.ctx, iso)
	c.Check(vboxerr.Is(err, vboxerr.ErrObjectNotUnique), Equals, true)

	// a medium in use cannot be closed
	err = disk.Close(s.ctx)
	c.Check(vboxerr.Is(err, vboxerr.ErrObjectNotUnique), Equals, true)

	c.Assert(m.DetachDevice(s.ctx, disk), IsNil)
	attached, err := m.AttachedDevices(s.ctx)
	c.Assert(err, IsNil)
	c.Check(attached, HasLen, 0)
	err = m.DetachDevice(s.ctx, disk)
	c.Check(vboxerr.Is(err, vboxerr.ErrObjectNotFound), Equals, true)

	c.Assert(m.AttachDevice(s.ctx, disk), IsNil)
	c.Assert(m.DetachAllDevices(s.ctx), IsNil)
	attached, err = m.AttachedDevices(s.ctx)
	c.Assert(err, IsNil)
	c.Check(attached, HasLen, 0)

	c.Assert(disk.Close(s.ctx), IsNil)
	c.Assert(iso.Close(s.ctx), IsNil)
}

func (s *MachineSuite) TestUnregisterReturnsMedia(c *C) {
	m := s.create(c, "owner")
	s.d.DefineMediumFile("/images/owned.vdi")
	disk, err := s.mgr.OpenMedium(s.ctx, "/images/owned.vdi", driver.DeviceHardDisk)
	c.Assert(err, IsNil)
	_, err = m.AddStorageController(s.ctx, driver.BusSATA, "")
	c.Assert(err, IsNil)
	c.Assert(m.AttachDevice(s.ctx, disk), IsNil)

	_, err = m.Unregister(s.ctx, driver.CleanupUnregisterOnly)
	c.Check(vboxerr.Is(err, vboxerr.ErrInvalidVMState), Equals, true)

	media, err := m.Unregister(s.ctx, driver.CleanupDetachAllReturnHardDisksOnly)
	c.Assert(err, IsNil)
	c.Assert(media, HasLen, 1)
	c.Check(media[0].Location(), Equals, "/images/owned.vdi")
	c.Assert(media[0].Close(s.ctx), IsNil)
}
