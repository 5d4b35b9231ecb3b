package virtualbox

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hyperhq/govbox/driver"
)

// vmInfo is what showvminfo --machinereadable tells about a machine.
type vmInfo struct {
	machine     driver.MachineInfo
	sessionName string
	controllers []*driver.StorageControllerInfo
	attachments []*driver.AttachmentInfo
}

var (
	reControllerKey = regexp.MustCompile(`^storagecontroller(name|type|instance|portcount|bootable)(\d+)$`)
	reSlotKey       = regexp.MustCompile(`^(ImageUUID-)?(\d+)-(\d+)$`)
)

const vmStateTimeLayout = "2006-01-02T15:04:05.999999999"

var controllerBuses = map[string]driver.StorageBus{
	"piix3":     driver.BusIDE,
	"piix4":     driver.BusIDE,
	"ich6":      driver.BusIDE,
	"ide":       driver.BusIDE,
	"intelahci": driver.BusSATA,
	"ahci":      driver.BusSATA,
	"sata":      driver.BusSATA,
	"lsilogic":  driver.BusSCSI,
	"buslogic":  driver.BusSCSI,
	"scsi":      driver.BusSCSI,
	"i82078":    driver.BusFloppy,
	"floppy":    driver.BusFloppy,
}

func controllerBus(typ string) driver.StorageBus {
	return controllerBuses[strings.ToLower(typ)]
}

// busArg is the storagectl --add value of bus.
func busArg(bus driver.StorageBus) string {
	return strings.ToLower(bus.String())
}

// driveArg is the storageattach --type value of dt.
func driveArg(dt driver.DeviceType) string {
	switch dt {
	case driver.DeviceHardDisk:
		return "hdd"
	case driver.DeviceFloppy:
		return "fdd"
	}
	return "dvddrive"
}

// mediumArg is the medium type argument of showmediuminfo and closemedium.
func mediumArg(dt driver.DeviceType) string {
	switch dt {
	case driver.DeviceHardDisk:
		return "disk"
	case driver.DeviceFloppy:
		return "floppy"
	}
	return "dvd"
}

// imageDeviceType guesses the device type of an attached image, which the
// machine readable output does not print.
func imageDeviceType(bus driver.StorageBus, location string) driver.DeviceType {
	if bus == driver.BusFloppy {
		return driver.DeviceFloppy
	}
	switch strings.ToLower(filepath.Ext(location)) {
	case ".iso", ".dmg", ".cdr":
		return driver.DeviceDVD
	}
	return driver.DeviceHardDisk
}

func parseUint(key, val string) (uint, error) {
	n, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad %s value %q: %v", key, val, err)
	}
	return uint(n), nil
}

// parseVMInfo reads the output of showvminfo --machinereadable.
func parseVMInfo(out string) (*vmInfo, error) {
	kv := map[string]string{}
	var keys []string
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		res := reVMInfoLine.FindStringSubmatch(s.Text())
		if res == nil {
			continue
		}
		key := res[1]
		if key == "" {
			key = res[2]
		}
		val := res[3]
		if val == "" {
			val = res[4]
		}
		if _, ok := kv[key]; !ok {
			keys = append(keys, key)
		}
		kv[key] = val
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	vi := &vmInfo{}
	m := &vi.machine
	controllers := map[int]*driver.StorageControllerInfo{}
	var order []int
	snapshots := 0
	for _, key := range keys {
		val := kv[key]
		var err error
		switch key {
		case "name":
			m.Name = val
		case "UUID":
			m.ID = val
		case "ostype":
			m.OSTypeID = val
		case "CfgFile":
			m.SettingsFile = val
		case "description":
			m.Description = val
		case "VMState":
			m.State = driver.ParseMachineState(val)
		case "VMStateChangeTime":
			if t, err := time.Parse(vmStateTimeLayout, val); err == nil {
				m.LastStateChange = t
			}
		case "SessionName":
			vi.sessionName = val
		case "memory":
			m.MemorySize, err = parseUint(key, val)
		case "cpus":
			m.CPUCount, err = parseUint(key, val)
		case "vram":
			m.VRAMSize, err = parseUint(key, val)
		case "monitorcount":
			m.MonitorCount, err = parseUint(key, val)
		case "accelerate3d":
			m.Accelerate3D = val == "on"
		case "accelerate2dvideo":
			m.Accelerate2DVideo = val == "on"
		case "CurrentSnapshotUUID":
			if m.CurrentSnapshot == nil {
				m.CurrentSnapshot = &driver.SnapshotInfo{}
			}
			m.CurrentSnapshot.ID = val
		case "CurrentSnapshotName":
			if m.CurrentSnapshot == nil {
				m.CurrentSnapshot = &driver.SnapshotInfo{}
			}
			m.CurrentSnapshot.Name = val
		default:
			if strings.HasPrefix(key, "SnapshotUUID") {
				snapshots++
				continue
			}
			res := reControllerKey.FindStringSubmatch(key)
			if res == nil {
				continue
			}
			i, _ := strconv.Atoi(res[2])
			sc, ok := controllers[i]
			if !ok {
				sc = &driver.StorageControllerInfo{}
				controllers[i] = sc
				order = append(order, i)
			}
			switch res[1] {
			case "name":
				sc.Name = val
			case "type":
				sc.Bus = controllerBus(val)
			case "instance":
				sc.Instance, err = parseUint(key, val)
			case "portcount":
				sc.PortCount, err = parseUint(key, val)
			case "bootable":
				sc.Bootable = val == "on"
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if m.ID == "" {
		return nil, fmt.Errorf("no machine UUID in VBoxManage output")
	}
	m.SnapshotCount = snapshots
	if cur := m.CurrentSnapshot; cur != nil {
		// "SnapshotName-1-1" describes itself in "SnapshotDescription-1-1"
		node := strings.TrimPrefix(kv["CurrentSnapshotNode"], "SnapshotName")
		cur.Description = kv["SnapshotDescription"+node]
	}

	for _, i := range order {
		vi.controllers = append(vi.controllers, controllers[i])
	}
	vi.attachments = parseAttachments(keys, kv, vi.controllers)
	return vi, nil
}

func parseAttachments(keys []string, kv map[string]string, controllers []*driver.StorageControllerInfo) []*driver.AttachmentInfo {
	var as []*driver.AttachmentInfo
	for _, sc := range controllers {
		prefix := sc.Name + "-"
		for _, key := range keys {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			res := reSlotKey.FindStringSubmatch(strings.TrimPrefix(key, prefix))
			if res == nil || res[1] != "" {
				continue
			}
			val := kv[key]
			if val == "none" || val == "" {
				continue
			}
			port, _ := strconv.Atoi(res[2])
			device, _ := strconv.Atoi(res[3])
			a := &driver.AttachmentInfo{
				Controller: sc.Name,
				Port:       port,
				Device:     device,
			}
			if val == "emptydrive" {
				a.Type = driver.DeviceDVD
				if sc.Bus == driver.BusFloppy {
					a.Type = driver.DeviceFloppy
				}
			} else {
				a.Type = imageDeviceType(sc.Bus, val)
				a.Medium = &driver.MediumInfo{
					ID:         kv[fmt.Sprintf("%sImageUUID-%d-%d", prefix, port, device)],
					Location:   val,
					Name:       filepath.Base(val),
					DeviceType: a.Type,
				}
			}
			as = append(as, a)
		}
	}
	return as
}

// parseMediumInfo reads the output of showmediuminfo.
func parseMediumInfo(out string, dt driver.DeviceType) (*driver.MediumInfo, error) {
	md := &driver.MediumInfo{DeviceType: dt}
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		res := reColonLine.FindStringSubmatch(s.Text())
		if res == nil {
			continue
		}
		switch strings.TrimSpace(res[1]) {
		case "UUID":
			if md.ID == "" {
				md.ID = strings.TrimSpace(res[2])
			}
		case "Location":
			md.Location = strings.TrimSpace(res[2])
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if md.ID == "" {
		return nil, fmt.Errorf("no medium UUID in VBoxManage output")
	}
	md.Name = filepath.Base(md.Location)
	return md, nil
}
