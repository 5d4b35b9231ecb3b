package vbox

import (
	"context"
	"fmt"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
	"github.com/hyperhq/govbox/lib/hlog"
)

type StorageController struct {
	info driver.StorageControllerInfo
}

func (sc *StorageController) Name() string           { return sc.info.Name }
func (sc *StorageController) Bus() driver.StorageBus { return sc.info.Bus }
func (sc *StorageController) Instance() uint         { return sc.info.Instance }
func (sc *StorageController) PortCount() uint        { return sc.info.PortCount }
func (sc *StorageController) Bootable() bool         { return sc.info.Bootable }

func (sc *StorageController) String() string {
	return fmt.Sprintf("%s (%s #%d)", sc.info.Name, sc.info.Bus, sc.info.Instance)
}

var controllerBaseNames = map[driver.StorageBus]string{
	driver.BusIDE:    "IDE Controller",
	driver.BusSATA:   "SATA Controller",
	driver.BusSCSI:   "SCSI Controller",
	driver.BusFloppy: "Floppy Controller",
}

// newStorageControllerName returns the bus base name, or the first of
// "<base> 2", "<base> 3", ... that taken does not hold.
func newStorageControllerName(bus driver.StorageBus, taken func(string) bool) (string, error) {
	base, ok := controllerBaseNames[bus]
	if !ok {
		return "", vboxerr.ErrorCodeCommon.WithArgs(fmt.Sprintf("no controller name for bus %s", bus))
	}
	name := base
	for n := 2; taken(name); n++ {
		name = fmt.Sprintf("%s %d", base, n)
	}
	return name, nil
}

func (m *Machine) StorageControllers(ctx context.Context) ([]*StorageController, error) {
	infos, err := m.mgr.driver.StorageControllers(ctx, m.info)
	if err != nil {
		return nil, vboxerr.Translate(err)
	}
	scs := make([]*StorageController, 0, len(infos))
	for _, info := range infos {
		scs = append(scs, &StorageController{info: *info})
	}
	return scs, nil
}

func (m *Machine) StorageControllerByName(ctx context.Context, name string) (*StorageController, error) {
	scs, err := m.StorageControllers(ctx)
	if err != nil {
		return nil, err
	}
	for _, sc := range scs {
		if sc.Name() == name {
			return sc, nil
		}
	}
	return nil, vboxerr.ErrObjectNotFound.WithArgs(fmt.Sprintf("storage controller %q of machine %s", name, m.Name()))
}

// StorageControllerByInstance finds the controller with the given instance
// number on bus. Instance numbers count per bus.
func (m *Machine) StorageControllerByInstance(ctx context.Context, bus driver.StorageBus, instance uint) (*StorageController, error) {
	scs, err := m.StorageControllers(ctx)
	if err != nil {
		return nil, err
	}
	for _, sc := range scs {
		if sc.Bus() == bus && sc.Instance() == instance {
			return sc, nil
		}
	}
	return nil, vboxerr.ErrObjectNotFound.WithArgs(fmt.Sprintf("%s storage controller #%d of machine %s", bus, instance, m.Name()))
}

func (m *Machine) HasStorageController(ctx context.Context, name string) (bool, error) {
	_, err := m.StorageControllerByName(ctx, name)
	if err == nil {
		return true, nil
	}
	if vboxerr.Is(err, vboxerr.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

// AddStorageController adds a controller on bus and saves the settings. An
// empty name is replaced by a free one derived from the bus.
func (m *Machine) AddStorageController(ctx context.Context, bus driver.StorageBus, name string) (*StorageController, error) {
	if name == "" {
		scs, err := m.StorageControllers(ctx)
		if err != nil {
			return nil, err
		}
		name, err = newStorageControllerName(bus, func(n string) bool {
			for _, sc := range scs {
				if sc.Name() == n {
					return true
				}
			}
			return false
		})
		if err != nil {
			return nil, err
		}
	}

	var added *driver.StorageControllerInfo
	err := m.mutate(ctx, func(mm driver.MutableMachine) (err error) {
		if added, err = mm.AddStorageController(ctx, name, bus); err != nil {
			return err
		}
		return mm.SaveSettings(ctx)
	})
	if err != nil {
		return nil, err
	}
	m.Log(hlog.DEBUG, "added storage controller %s on %s", name, bus)
	return &StorageController{info: *added}, nil
}

// RemoveStorageController removes the named controller with whatever is
// attached to it and saves the settings.
func (m *Machine) RemoveStorageController(ctx context.Context, name string) error {
	err := m.mutate(ctx, func(mm driver.MutableMachine) error {
		if err := mm.RemoveStorageController(ctx, name); err != nil {
			return err
		}
		return mm.SaveSettings(ctx)
	})
	if err == nil {
		m.Log(hlog.DEBUG, "removed storage controller %s", name)
	}
	return err
}

// MediumAttachments lists every device slot in use, empty drives included.
func (m *Machine) MediumAttachments(ctx context.Context) ([]*Attachment, error) {
	infos, err := m.mgr.driver.MediumAttachments(ctx, m.info)
	if err != nil {
		return nil, vboxerr.Translate(err)
	}
	as := make([]*Attachment, 0, len(infos))
	for _, info := range infos {
		a := &Attachment{
			Controller: info.Controller,
			Port:       info.Port,
			Device:     info.Device,
			Type:       info.Type,
		}
		if info.Medium != nil {
			a.Medium = newMedium(m.mgr, info.Medium)
		}
		as = append(as, a)
	}
	return as, nil
}

// AttachedDevices returns the media of the non-empty slots.
func (m *Machine) AttachedDevices(ctx context.Context) ([]*Medium, error) {
	as, err := m.MediumAttachments(ctx)
	if err != nil {
		return nil, err
	}
	media := []*Medium{}
	for _, a := range as {
		if a.Medium != nil {
			media = append(media, a.Medium)
		}
	}
	return media, nil
}

func (m *Machine) HardDrives(ctx context.Context) ([]*Medium, error) {
	media, err := m.AttachedDevices(ctx)
	if err != nil {
		return nil, err
	}
	hds := []*Medium{}
	for _, md := range media {
		if md.IsHardDisk() {
			hds = append(hds, md)
		}
	}
	return hds, nil
}

// AttachDevice attaches md to port 0, device 0 of the first storage
// controller and saves the settings.
func (m *Machine) AttachDevice(ctx context.Context, md *Medium) error {
	if md == nil {
		return vboxerr.ErrorCodeCommon.WithArgs("no medium given")
	}
	scs, err := m.StorageControllers(ctx)
	if err != nil {
		return err
	}
	if len(scs) == 0 {
		return vboxerr.ErrObjectNotFound.WithArgs(fmt.Sprintf("storage controller of machine %s", m.Name()))
	}
	sc := scs[0]
	err = m.mutate(ctx, func(mm driver.MutableMachine) error {
		if err := mm.AttachDevice(ctx, sc.Name(), 0, 0, md.DeviceType(), md.ID()); err != nil {
			return err
		}
		return mm.SaveSettings(ctx)
	})
	if err == nil {
		m.Log(hlog.INFO, "attached %s to %s", md, sc.Name())
	}
	return err
}

// DetachDevice detaches md wherever it is attached and saves the settings.
func (m *Machine) DetachDevice(ctx context.Context, md *Medium) error {
	if md == nil {
		return vboxerr.ErrorCodeCommon.WithArgs("no medium given")
	}
	as, err := m.MediumAttachments(ctx)
	if err != nil {
		return err
	}
	var found *Attachment
	for _, a := range as {
		if a.Medium != nil && a.Medium.ID() == md.ID() {
			found = a
			break
		}
	}
	if found == nil {
		return vboxerr.ErrObjectNotFound.WithArgs(fmt.Sprintf("medium %s attached to machine %s", md, m.Name()))
	}
	err = m.mutate(ctx, func(mm driver.MutableMachine) error {
		if err := mm.DetachDevice(ctx, found.Controller, found.Port, found.Device); err != nil {
			return err
		}
		return mm.SaveSettings(ctx)
	})
	if err == nil {
		m.Log(hlog.INFO, "detached %s", md)
	}
	return err
}

// DetachAllDevices empties every slot in a single settings change.
func (m *Machine) DetachAllDevices(ctx context.Context) error {
	as, err := m.MediumAttachments(ctx)
	if err != nil || len(as) == 0 {
		return err
	}
	return m.mutate(ctx, func(mm driver.MutableMachine) error {
		for _, a := range as {
			if err := mm.DetachDevice(ctx, a.Controller, a.Port, a.Device); err != nil {
				return err
			}
		}
		return mm.SaveSettings(ctx)
	})
}
