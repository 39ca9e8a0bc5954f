package vmconfig

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid marks configurations that violate a cross-field invariant.
var ErrInvalid = errors.New("vmconfig: invalid config")

// Defaults applied during normalization.
const (
	DefaultNetQueues     = 1
	DefaultNetQueueSize  = 256
	DefaultNetMTU        = 1500
	DefaultDiskQueues    = 1
	DefaultDiskQueueSize = 128
	DefaultFsQueues      = 1
	DefaultFsQueueSize   = 1024
	DefaultRngSource     = "/dev/urandom"
)

// VMConfig is the declarative configuration the control plane ships to a
// node. It mirrors the hypervisor's create surface but stays independent of
// its wire format.
type VMConfig struct {
	ID              string               `json:"vm_id"`
	CPUs            CpusSpec             `json:"cpus"`
	Memory          MemorySpec           `json:"memory"`
	Payload         PayloadSpec          `json:"payload"`
	Disks           []DiskSpec           `json:"disks,omitempty"`
	Networks        []NetSpec            `json:"networks,omitempty"`
	Serial          *ConsoleSpec         `json:"serial,omitempty"`
	Console         *ConsoleSpec         `json:"console,omitempty"`
	Rng             *RngSpec             `json:"rng,omitempty"`
	Filesystems     []FsSpec             `json:"filesystems,omitempty"`
	RateLimitGroups []RateLimitGroupSpec `json:"rate_limit_groups,omitempty"`
}

type CpusSpec struct {
	BootVcpus uint32        `json:"boot_vcpus"`
	MaxVcpus  uint32        `json:"max_vcpus"`
	Topology  *TopologySpec `json:"topology,omitempty"`
	KvmHyperv bool          `json:"kvm_hyperv,omitempty"`
}

type TopologySpec struct {
	ThreadsPerCore *uint32 `json:"threads_per_core,omitempty"`
	CoresPerDie    *uint32 `json:"cores_per_die,omitempty"`
	DiesPerPackage *uint32 `json:"dies_per_package,omitempty"`
	Packages       *uint32 `json:"packages,omitempty"`
}

type MemorySpec struct {
	Size         int64  `json:"size"`
	HotplugSize  *int64 `json:"hotplug_size,omitempty"`
	Mergeable    bool   `json:"mergeable,omitempty"`
	Shared       bool   `json:"shared,omitempty"`
	Hugepages    bool   `json:"hugepages,omitempty"`
	HugepageSize *int64 `json:"hugepage_size,omitempty"`
	Prefault     bool   `json:"prefault,omitempty"`
	Thp          bool   `json:"thp,omitempty"`
}

type PayloadSpec struct {
	Kernel    string `json:"kernel,omitempty"`
	Initramfs string `json:"initramfs,omitempty"`
	Firmware  string `json:"firmware,omitempty"`
	Cmdline   string `json:"cmdline,omitempty"`
}

type DiskSpec struct {
	ID             string  `json:"id"`
	Path           string  `json:"path,omitempty"`
	Readonly       bool    `json:"readonly,omitempty"`
	Direct         bool    `json:"direct,omitempty"`
	NumQueues      uint32  `json:"num_queues,omitempty"`
	QueueSize      uint32  `json:"queue_size,omitempty"`
	VhostUser      bool    `json:"vhost_user,omitempty"`
	VhostSocket    string  `json:"vhost_socket,omitempty"`
	PciSegment     *uint16 `json:"pci_segment,omitempty"`
	Serial         string  `json:"serial,omitempty"`
	RateLimitGroup string  `json:"rate_limit_group,omitempty"`
}

type NetSpec struct {
	ID             string  `json:"id"`
	Tap            string  `json:"tap,omitempty"`
	IP             string  `json:"ip,omitempty"`
	Mask           string  `json:"mask,omitempty"`
	Mac            string  `json:"mac,omitempty"`
	HostMac        string  `json:"host_mac,omitempty"`
	Mtu            uint32  `json:"mtu,omitempty"`
	NumQueues      uint32  `json:"num_queues,omitempty"`
	QueueSize      uint32  `json:"queue_size,omitempty"`
	VhostUser      bool    `json:"vhost_user,omitempty"`
	VhostSocket    string  `json:"vhost_socket,omitempty"`
	PciSegment     *uint16 `json:"pci_segment,omitempty"`
	OffloadTso     *bool   `json:"offload_tso,omitempty"`
	OffloadUfo     *bool   `json:"offload_ufo,omitempty"`
	OffloadCsum    *bool   `json:"offload_csum,omitempty"`
	RateLimitGroup string  `json:"rate_limit_group,omitempty"`
}

// ConsoleSpec configures the serial or virtio console device.
type ConsoleSpec struct {
	Mode       string `json:"mode"`
	FilePath   string `json:"file_path,omitempty"`
	SocketPath string `json:"socket_path,omitempty"`
}

// Console modes understood by the hypervisor.
const (
	ConsoleOff    = "off"
	ConsolePty    = "pty"
	ConsoleTty    = "tty"
	ConsoleFile   = "file"
	ConsoleSocket = "socket"
	ConsoleNull   = "null"
)

type RngSpec struct {
	Source string `json:"source,omitempty"`
}

type FsSpec struct {
	Tag       string `json:"tag"`
	Socket    string `json:"socket"`
	NumQueues uint32 `json:"num_queues,omitempty"`
	QueueSize uint32 `json:"queue_size,omitempty"`
	ID        string `json:"id,omitempty"`
}

type RateLimitGroupSpec struct {
	Name      string           `json:"name"`
	Bandwidth *TokenBucketSpec `json:"bandwidth,omitempty"`
	Ops       *TokenBucketSpec `json:"ops,omitempty"`
}

type TokenBucketSpec struct {
	Size         int64  `json:"size"`
	RefillTimeMs int64  `json:"refill_time_ms"`
	OneTimeBurst *int64 `json:"one_time_burst,omitempty"`
}

// NetKind identifies the backing of a guest NIC, inferred from its fields.
type NetKind string

const (
	NetVhostUser NetKind = "vhost_user"
	NetTap       NetKind = "tap"
	NetMacvtap   NetKind = "macvtap"
)

// Kind infers the NIC backing: an explicit vhost_user flag wins, an explicit
// tap name selects a pre-provisioned TAP, anything else gets a managed
// device.
func (n NetSpec) Kind() NetKind {
	switch {
	case n.VhostUser:
		return NetVhostUser
	case strings.TrimSpace(n.Tap) != "":
		return NetTap
	default:
		return NetMacvtap
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
