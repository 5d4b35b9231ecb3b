package driver

import (
	"fmt"
	"strings"
	"time"
)

type MachineState int

const (
	MachineStateNull MachineState = iota
	PoweredOff
	Saved
	Aborted
	Running
	Paused
	Stuck
	Starting
	Stopping
	Saving
	Restoring
	LiveSnapshotting
	DeletingSnapshot
	SettingUp
)

var machineStateNames = map[MachineState]string{
	MachineStateNull: "null",
	PoweredOff:       "poweroff",
	Saved:            "saved",
	Aborted:          "aborted",
	Running:          "running",
	Paused:           "paused",
	Stuck:            "gurumeditation",
	Starting:         "starting",
	Stopping:         "stopping",
	Saving:           "saving",
	Restoring:        "restoring",
	LiveSnapshotting: "livesnapshotting",
	DeletingSnapshot: "deletingsnapshot",
	SettingUp:        "settingup",
}

// String returns the name VBoxManage uses for the state.
func (s MachineState) String() string {
	if n, ok := machineStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("MachineState(%d)", int(s))
}

// ParseMachineState reads a VBoxManage VMState value.
func ParseMachineState(s string) MachineState {
	s = strings.ToLower(strings.TrimSpace(s))
	for st, n := range machineStateNames {
		if n == s {
			return st
		}
	}
	return MachineStateNull
}

// IsDown reports a machine without a VM process, cleanly stopped or not.
func (s MachineState) IsDown() bool {
	return s == PoweredOff || s == Aborted
}

type SessionState int

const (
	SessionNull SessionState = iota
	SessionUnlocked
	SessionLocked
	SessionSpawning
	SessionUnlocking
)

func (s SessionState) String() string {
	switch s {
	case SessionNull:
		return "Null"
	case SessionUnlocked:
		return "Unlocked"
	case SessionLocked:
		return "Locked"
	case SessionSpawning:
		return "Spawning"
	case SessionUnlocking:
		return "Unlocking"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// LockType of a session. The zero value is a shared lock, which the
// platform upgrades to a write lock when nobody else holds the machine.
type LockType int

const (
	LockShared LockType = iota
	LockWrite
)

func (l LockType) String() string {
	if l == LockWrite {
		return "Write"
	}
	return "Shared"
}

type StorageBus int

const (
	BusNull StorageBus = iota
	BusIDE
	BusSATA
	BusSCSI
	BusFloppy
)

func (b StorageBus) String() string {
	switch b {
	case BusIDE:
		return "IDE"
	case BusSATA:
		return "SATA"
	case BusSCSI:
		return "SCSI"
	case BusFloppy:
		return "Floppy"
	}
	return "Null"
}

type DeviceType int

const (
	DeviceNull DeviceType = iota
	DeviceFloppy
	DeviceDVD
	DeviceHardDisk
)

func (d DeviceType) String() string {
	switch d {
	case DeviceFloppy:
		return "Floppy"
	case DeviceDVD:
		return "DVD"
	case DeviceHardDisk:
		return "HardDisk"
	}
	return "Null"
}

// CleanupMode controls what unregistering a machine does to its media.
type CleanupMode int

const (
	CleanupUnregisterOnly CleanupMode = iota
	CleanupDetachAllReturnNone
	CleanupDetachAllReturnHardDisksOnly
	CleanupFull
)

type Hardware struct {
	CPUCount          uint
	MemorySize        uint // MB
	VRAMSize          uint // MB
	MonitorCount      uint
	Accelerate3D      bool
	Accelerate2DVideo bool
}

// Settings are the machine attributes writable through a mutable machine.
type Settings struct {
	Description string
	Hardware
}

type MachineInfo struct {
	ID           string
	Name         string
	OSTypeID     string
	SettingsFile string
	Settings

	State           MachineState
	SessionState    SessionState
	CurrentSnapshot *SnapshotInfo
	SnapshotCount   int
	LastStateChange time.Time
}

type StorageControllerInfo struct {
	Name      string
	Bus       StorageBus
	Instance  uint
	PortCount uint
	Bootable  bool
}

type MediumInfo struct {
	ID         string
	Location   string
	Name       string
	DeviceType DeviceType
}

// AttachmentInfo locates a slot by (Controller, Port, Device). Medium is nil
// for an empty removable slot.
type AttachmentInfo struct {
	Controller string
	Port       int
	Device     int
	Type       DeviceType
	Medium     *MediumInfo
}

type SnapshotInfo struct {
	ID          string
	Name        string
	Description string
	Online      bool
	TimeStamp   time.Time
}

type CreateSpec struct {
	Name           string
	OSTypeID       string
	BaseFolder     string
	ID             string
	ForceOverwrite bool
}
