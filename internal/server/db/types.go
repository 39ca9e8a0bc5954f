package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// HostStatus tracks the provisioning state machine for hypervisor hosts.
type HostStatus string

const (
	HostStatusDown               HostStatus = "down"
	HostStatusInstalling         HostStatus = "installing"
	HostStatusUp                 HostStatus = "up"
	HostStatusInstallationFailed HostStatus = "installation_failed"
)

// VMStatus mirrors the data plane's observed states plus the control
// plane's own pre-scheduling phases.
type VMStatus string

const (
	VMStatusUnknown  VMStatus = "unknown"
	VMStatusPending  VMStatus = "pending"
	VMStatusCreated  VMStatus = "created"
	VMStatusRunning  VMStatus = "running"
	VMStatusPaused   VMStatus = "paused"
	VMStatusShutdown VMStatus = "shutdown"
)

// PoolType enumerates supported storage pool backends.
type PoolType string

const (
	PoolTypeLocal PoolType = "local"
	PoolTypeNfs   PoolType = "nfs"
)

// PoolStatus tracks pool availability.
type PoolStatus string

const (
	PoolStatusActive   PoolStatus = "active"
	PoolStatusInactive PoolStatus = "inactive"
	PoolStatusError    PoolStatus = "error"
)

// ObjectType enumerates storage object flavors.
type ObjectType string

const (
	ObjectTypeDisk     ObjectType = "disk"
	ObjectTypeKernel   ObjectType = "kernel"
	ObjectTypeInitrd   ObjectType = "initrd"
	ObjectTypeIso      ObjectType = "iso"
	ObjectTypeSnapshot ObjectType = "snapshot"
)

// JobStatus tracks async operation progress.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Host is a hypervisor machine running qarax-node.
type Host struct {
	ID                uuid.UUID
	Name              string
	Address           string
	Port              uint16
	SSHUser           string
	Status            HostStatus
	HypervisorVersion string
	KernelVersion     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// VM is the declarative, authoritative record of a microVM.
type VM struct {
	ID           uuid.UUID
	Name         string
	HostID       *uuid.UUID
	Status       VMStatus
	Hypervisor   string
	BootSourceID *uuid.UUID
	Description  string

	BootVcpus   uint32
	MaxVcpus    uint32
	CpuTopology json.RawMessage
	KvmHyperv   bool

	MemorySize         int64
	MemoryHotplugSize  *int64
	MemoryMergeable    bool
	MemoryShared       bool
	MemoryHugepages    bool
	MemoryHugepageSize *int64
	MemoryPrefault     bool
	MemoryThp          bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BootSource is the guest boot payload: kernel plus optional initrd and
// firmware, all referencing storage objects.
type BootSource struct {
	ID            uuid.UUID
	Name          string
	KernelID      uuid.UUID
	InitrdID      *uuid.UUID
	FirmwareID    *uuid.UUID
	KernelCmdline string
	CreatedAt     time.Time
}

// StoragePool hands out paths for storage objects.
type StoragePool struct {
	ID        uuid.UUID
	Name      string
	Type      PoolType
	Config    json.RawMessage
	Capacity  *int64
	Allocated int64
	Status    PoolStatus
	CreatedAt time.Time
}

// StorageObject is one file-backed artifact inside a pool. A snapshot's parent
// must be an existing object; insert runs no cycle check.
type StorageObject struct {
	ID        uuid.UUID
	PoolID    uuid.UUID
	Name      string
	Type      ObjectType
	SizeBytes int64
	Config    json.RawMessage
	ParentID  *uuid.UUID
	CreatedAt time.Time
}

// VMDisk attaches either a storage object or a vhost-user backend to a VM.
type VMDisk struct {
	ID              uuid.UUID
	VMID            uuid.UUID
	DevicePath      string
	StorageObjectID *uuid.UUID
	VhostUser       bool
	VhostSocket     string
	Readonly        bool
	Direct          bool
	NumQueues       uint32
	QueueSize       uint32
	BootOrder       *int
	RateLimitGroup  string
}

// NetworkInterface declares one guest NIC. Kind is inferred: vhost_user
// set, tap set, or MACVTAP otherwise.
type NetworkInterface struct {
	ID          uuid.UUID
	VMID        uuid.UUID
	DeviceID    string
	TapName     string
	Mac         string
	HostMac     string
	IP          string
	Mask        string
	Mtu         uint32
	NumQueues   uint32
	QueueSize   uint32
	VhostUser   bool
	VhostSocket string
}

// VMConsole configures the serial or virtio console, at most one of each
// kind per VM.
type VMConsole struct {
	ID         uuid.UUID
	VMID       uuid.UUID
	Kind       string // "serial" or "console"
	Mode       string
	FilePath   string
	SocketPath string
}

// VMRng configures the entropy device, at most one per VM.
type VMRng struct {
	ID     uuid.UUID
	VMID   uuid.UUID
	Source string
}

// VMFilesystem declares one virtiofs mount.
type VMFilesystem struct {
	ID          uuid.UUID
	VMID        uuid.UUID
	Tag         string
	Socket      string
	NumQueues   uint32
	QueueSize   uint32
	ImageRef    string
	ImageDigest string
}

// RateLimitGroup is a named token-bucket policy shared by devices of one VM.
type RateLimitGroup struct {
	ID              uuid.UUID
	VMID            uuid.UUID
	Name            string
	BandwidthSize   *int64
	BandwidthRefill *int64
	OpsSize         *int64
	OpsRefill       *int64
}

// Job records an async operation.
type Job struct {
	ID         uuid.UUID
	Type       string
	Status     JobStatus
	Progress   int
	ResourceID *uuid.UUID
	Result     json.RawMessage
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Transfer is a scoped async copy into a storage pool.
type Transfer struct {
	ID         uuid.UUID
	PoolID     uuid.UUID
	ObjectName string
	ObjectType ObjectType
	SourcePath string
	Status     JobStatus
	ObjectID   *uuid.UUID
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ErrConflict is returned when a uniqueness or referential invariant is
// violated by a write.
var ErrConflict = errors.New("db: constraint violation")

// Store describes the persistence surface consumed by the control plane.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Queries exposes repository accessors bound to a connection scope (root
// connection or transaction).
type Queries interface {
	Hosts() HostRepository
	VMs() VMRepository
	BootSources() BootSourceRepository
	StoragePools() StoragePoolRepository
	StorageObjects() StorageObjectRepository
	Disks() DiskRepository
	NetworkInterfaces() NetworkInterfaceRepository
	Consoles() ConsoleRepository
	Rng() RngRepository
	Filesystems() FilesystemRepository
	RateLimitGroups() RateLimitGroupRepository
	Jobs() JobRepository
	Transfers() TransferRepository
}

type HostRepository interface {
	Create(ctx context.Context, host *Host) error
	Get(ctx context.Context, id uuid.UUID) (*Host, error)
	List(ctx context.Context) ([]Host, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status HostStatus) error
	UpdateVersions(ctx context.Context, id uuid.UUID, hypervisor, kernel string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type VMRepository interface {
	Create(ctx context.Context, vm *VM) error
	Get(ctx context.Context, id uuid.UUID) (*VM, error)
	GetByName(ctx context.Context, name string) (*VM, error)
	List(ctx context.Context) ([]VM, error)
	CountByHost(ctx context.Context, hostID uuid.UUID) (int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status VMStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type BootSourceRepository interface {
	Create(ctx context.Context, bs *BootSource) error
	Get(ctx context.Context, id uuid.UUID) (*BootSource, error)
	List(ctx context.Context) ([]BootSource, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type StoragePoolRepository interface {
	Create(ctx context.Context, pool *StoragePool) error
	Get(ctx context.Context, id uuid.UUID) (*StoragePool, error)
	List(ctx context.Context) ([]StoragePool, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status PoolStatus) error
	// Reserve adds delta to the pool's allocated counter; it fails with
	// ErrConflict when the result would exceed capacity.
	Reserve(ctx context.Context, id uuid.UUID, delta int64) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type StorageObjectRepository interface {
	Create(ctx context.Context, obj *StorageObject) error
	Get(ctx context.Context, id uuid.UUID) (*StorageObject, error)
	ListByPool(ctx context.Context, poolID uuid.UUID) ([]StorageObject, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type DiskRepository interface {
	Create(ctx context.Context, disk *VMDisk) error
	ListByVM(ctx context.Context, vmID uuid.UUID) ([]VMDisk, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type NetworkInterfaceRepository interface {
	Create(ctx context.Context, nic *NetworkInterface) error
	ListByVM(ctx context.Context, vmID uuid.UUID) ([]NetworkInterface, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type ConsoleRepository interface {
	Upsert(ctx context.Context, console *VMConsole) error
	ListByVM(ctx context.Context, vmID uuid.UUID) ([]VMConsole, error)
}

type RngRepository interface {
	Upsert(ctx context.Context, rng *VMRng) error
	GetByVM(ctx context.Context, vmID uuid.UUID) (*VMRng, error)
}

type FilesystemRepository interface {
	Create(ctx context.Context, fs *VMFilesystem) error
	ListByVM(ctx context.Context, vmID uuid.UUID) ([]VMFilesystem, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type RateLimitGroupRepository interface {
	Create(ctx context.Context, group *RateLimitGroup) error
	ListByVM(ctx context.Context, vmID uuid.UUID) ([]RateLimitGroup, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context) ([]Job, error)
	Update(ctx context.Context, id uuid.UUID, status JobStatus, progress int, errMsg string) error
}

type TransferRepository interface {
	Create(ctx context.Context, transfer *Transfer) error
	Get(ctx context.Context, id uuid.UUID) (*Transfer, error)
	List(ctx context.Context) ([]Transfer, error)
	Complete(ctx context.Context, id uuid.UUID, objectID uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
}
