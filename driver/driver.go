// Package driver is the boundary to the virtualization platform. Drivers
// report failures as *errors.ResultError carrying VirtualBox result codes
// and never translate them.
package driver

import (
	"context"
	"time"
)

type Driver interface {
	Name() string

	OpenMachine(ctx context.Context, path string) (*MachineInfo, error)
	FindMachine(ctx context.Context, nameOrID string) (*MachineInfo, error)
	// CreateMachine returns an unregistered machine whose settings are not
	// yet saved.
	CreateMachine(ctx context.Context, spec *CreateSpec) (*MachineInfo, error)
	Machines(ctx context.Context) ([]*MachineInfo, error)
	// MachineInfo reloads m, registered or not.
	MachineInfo(ctx context.Context, m *MachineInfo) (*MachineInfo, error)

	RegisterMachine(ctx context.Context, m *MachineInfo) error
	UnregisterMachine(ctx context.Context, m *MachineInfo, mode CleanupMode) ([]*MediumInfo, error)
	DeleteMachine(ctx context.Context, m *MachineInfo) (Progress, error)
	// EditMachine gives direct write access to an unregistered machine.
	// Registered machines are only mutable through a locked session.
	EditMachine(ctx context.Context, m *MachineInfo) (MutableMachine, error)

	StorageControllers(ctx context.Context, m *MachineInfo) ([]*StorageControllerInfo, error)
	MediumAttachments(ctx context.Context, m *MachineInfo) ([]*AttachmentInfo, error)

	LockMachine(ctx context.Context, m *MachineInfo, lt LockType) (Session, error)
	// LaunchVMProcess spawns the VM process. The returned session is in
	// the spawning state until the progress completes.
	LaunchVMProcess(ctx context.Context, m *MachineInfo, sessionType, env string) (Session, Progress, error)

	OpenMedium(ctx context.Context, location string, dt DeviceType) (*MediumInfo, error)
	CloseMedium(ctx context.Context, id string) error

	// WaitForEvents blocks until the platform reports an event or timeout
	// elapses.
	WaitForEvents(ctx context.Context, timeout time.Duration) error
}

type Session interface {
	State() SessionState
	Type() LockType
	// Console controls the VM process; its calls fail when there is none.
	Console() Console
	Machine() MutableMachine
	Unlock(ctx context.Context) error
}

type Console interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	PowerDown(ctx context.Context) (Progress, error)
	TakeSnapshot(ctx context.Context, name, description string) (Progress, error)
	DeleteSnapshot(ctx context.Context, id string) (Progress, error)
}

type MutableMachine interface {
	SetSettings(ctx context.Context, s *Settings) error
	AddStorageController(ctx context.Context, name string, bus StorageBus) (*StorageControllerInfo, error)
	RemoveStorageController(ctx context.Context, name string) error
	AttachDevice(ctx context.Context, controller string, port, device int, dt DeviceType, mediumID string) error
	DetachDevice(ctx context.Context, controller string, port, device int) error
	SaveSettings(ctx context.Context) error
}

// Progress tracks an asynchronous platform operation.
type Progress interface {
	Description() string
	Completed() bool
	Percent() int
	// WaitForCompletion returns when the operation completes or timeout
	// elapses, whichever is first. A negative timeout waits indefinitely.
	WaitForCompletion(ctx context.Context, timeout time.Duration) error
	// Result is the outcome of a completed operation.
	Result() error
}
