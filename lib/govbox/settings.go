package virtualbox

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperhq/govbox/driver"
	vboxerr "github.com/hyperhq/govbox/errors"
)

// The subset of the .vbox settings format read for machines VBoxManage does
// not know about, i.e. unregistered ones.
type xmlSettings struct {
	XMLName xml.Name   `xml:"VirtualBox"`
	Machine xmlMachine `xml:"Machine"`
}

type xmlMachine struct {
	UUID            string          `xml:"uuid,attr"`
	Name            string          `xml:"name,attr"`
	OSType          string          `xml:"OSType,attr"`
	CurrentSnapshot string          `xml:"currentSnapshot,attr"`
	LastStateChange string          `xml:"lastStateChange,attr"`
	Description     string          `xml:"Description"`
	HardDisks       []xmlImage      `xml:"MediaRegistry>HardDisks>HardDisk"`
	DVDImages       []xmlImage      `xml:"MediaRegistry>DVDImages>Image"`
	FloppyImages    []xmlImage      `xml:"MediaRegistry>FloppyImages>Image"`
	Hardware        xmlHardware     `xml:"Hardware"`
	Controllers     []xmlStorageCtl `xml:"StorageControllers>StorageController"`
	Snapshot        *xmlSnapshot    `xml:"Snapshot"`
}

type xmlImage struct {
	UUID     string     `xml:"uuid,attr"`
	Location string     `xml:"location,attr"`
	Children []xmlImage `xml:"HardDisk"`
}

type xmlHardware struct {
	CPU struct {
		Count uint `xml:"count,attr"`
	} `xml:"CPU"`
	Memory struct {
		RAMSize uint `xml:"RAMSize,attr"`
	} `xml:"Memory"`
	Display struct {
		VRAMSize          uint `xml:"VRAMSize,attr"`
		MonitorCount      uint `xml:"monitorCount,attr"`
		Accelerate3D      bool `xml:"accelerate3D,attr"`
		Accelerate2DVideo bool `xml:"accelerate2DVideo,attr"`
	} `xml:"Display"`
	// settings written by VirtualBox 7 keep the controllers here
	Controllers []xmlStorageCtl `xml:"StorageControllers>StorageController"`
}

type xmlStorageCtl struct {
	Name      string          `xml:"name,attr"`
	Type      string          `xml:"type,attr"`
	PortCount uint            `xml:"PortCount,attr"`
	Bootable  string          `xml:"Bootable,attr"`
	Devices   []xmlAttachment `xml:"AttachedDevice"`
}

type xmlAttachment struct {
	Type   string `xml:"type,attr"`
	Port   int    `xml:"port,attr"`
	Device int    `xml:"device,attr"`
	Image  *struct {
		UUID string `xml:"uuid,attr"`
	} `xml:"Image"`
}

type xmlSnapshot struct {
	UUID        string        `xml:"uuid,attr"`
	Name        string        `xml:"name,attr"`
	TimeStamp   string        `xml:"timeStamp,attr"`
	StateFile   string        `xml:"stateFile,attr"`
	Description string        `xml:"Description"`
	Children    []xmlSnapshot `xml:"Snapshots>Snapshot"`
}

func (s *xmlSnapshot) count() int {
	n := 1
	for i := range s.Children {
		n += s.Children[i].count()
	}
	return n
}

func (s *xmlSnapshot) find(id string) *xmlSnapshot {
	if trimID(s.UUID) == id {
		return s
	}
	for i := range s.Children {
		if found := s.Children[i].find(id); found != nil {
			return found
		}
	}
	return nil
}

func trimID(id string) string {
	return strings.ToLower(strings.Trim(id, "{}"))
}

func parseSettingsTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339, v)
	return t
}

// readSettings loads the settings file at path as machine information and
// the storage layout.
func readSettings(path string) (*vmInfo, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, vboxerr.NewResult(vboxerr.ResultFileError, "could not find the settings file '%s'", path)
	} else if err != nil {
		return nil, vboxerr.NewResult(vboxerr.ResultFileError, "could not read the settings file '%s': %v", path, err)
	}
	var x xmlSettings
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, vboxerr.NewResult(vboxerr.ResultFileError, "could not parse the settings file '%s': %v", path, err)
	}
	xm := &x.Machine
	if xm.UUID == "" {
		return nil, vboxerr.NewResult(vboxerr.ResultFileError, "settings file '%s' holds no machine", path)
	}

	vi := &vmInfo{}
	m := &vi.machine
	m.ID = trimID(xm.UUID)
	m.Name = xm.Name
	m.OSTypeID = xm.OSType
	m.SettingsFile = path
	m.Description = xm.Description
	m.LastStateChange = parseSettingsTime(xm.LastStateChange)
	m.State = driver.PoweredOff
	m.SessionState = driver.SessionUnlocked

	hw := &xm.Hardware
	m.CPUCount = hw.CPU.Count
	if m.CPUCount == 0 {
		m.CPUCount = 1
	}
	m.MemorySize = hw.Memory.RAMSize
	m.VRAMSize = hw.Display.VRAMSize
	m.MonitorCount = hw.Display.MonitorCount
	if m.MonitorCount == 0 {
		m.MonitorCount = 1
	}
	m.Accelerate3D = hw.Display.Accelerate3D
	m.Accelerate2DVideo = hw.Display.Accelerate2DVideo

	if xm.Snapshot != nil {
		m.SnapshotCount = xm.Snapshot.count()
		if cur := xm.Snapshot.find(trimID(xm.CurrentSnapshot)); cur != nil {
			m.CurrentSnapshot = &driver.SnapshotInfo{
				ID:          trimID(cur.UUID),
				Name:        cur.Name,
				Description: cur.Description,
				Online:      cur.StateFile != "",
				TimeStamp:   parseSettingsTime(cur.TimeStamp),
			}
		}
		if m.CurrentSnapshot != nil && m.CurrentSnapshot.Online {
			m.State = driver.Saved
		}
	}

	images := map[string]string{}
	var collect func([]xmlImage)
	collect = func(list []xmlImage) {
		for _, img := range list {
			loc := img.Location
			if loc != "" && !filepath.IsAbs(loc) {
				loc = filepath.Join(filepath.Dir(path), loc)
			}
			images[trimID(img.UUID)] = loc
			collect(img.Children)
		}
	}
	collect(xm.HardDisks)
	collect(xm.DVDImages)
	collect(xm.FloppyImages)

	controllers := xm.Controllers
	if len(controllers) == 0 {
		controllers = hw.Controllers
	}
	instances := map[driver.StorageBus]uint{}
	for _, xc := range controllers {
		sc := &driver.StorageControllerInfo{
			Name:      xc.Name,
			Bus:       controllerBus(xc.Type),
			PortCount: xc.PortCount,
			Bootable:  xc.Bootable != "false",
		}
		sc.Instance = instances[sc.Bus]
		instances[sc.Bus]++
		vi.controllers = append(vi.controllers, sc)

		for _, xa := range xc.Devices {
			a := &driver.AttachmentInfo{
				Controller: xc.Name,
				Port:       xa.Port,
				Device:     xa.Device,
				Type:       attachedDeviceType(xa.Type),
			}
			if xa.Image != nil {
				id := trimID(xa.Image.UUID)
				loc := images[id]
				a.Medium = &driver.MediumInfo{
					ID:         id,
					Location:   loc,
					Name:       filepath.Base(loc),
					DeviceType: a.Type,
				}
			}
			vi.attachments = append(vi.attachments, a)
		}
	}
	return vi, nil
}

func attachedDeviceType(t string) driver.DeviceType {
	switch t {
	case "HardDisk":
		return driver.DeviceHardDisk
	case "DVD":
		return driver.DeviceDVD
	case "Floppy":
		return driver.DeviceFloppy
	}
	return driver.DeviceNull
}
