package hypervisor

// Wire payloads for the hypervisor's local REST API. Optional settings are
// pointers with omitempty so absent values stay out of the JSON; the VMM
// applies its own defaults for anything omitted.

type VMConfig struct {
	CPUs            *CpusConfig            `json:"cpus,omitempty"`
	Memory          *MemoryConfig          `json:"memory,omitempty"`
	Payload         PayloadConfig          `json:"payload"`
	Disks           []DiskConfig           `json:"disks,omitempty"`
	Net             []NetConfig            `json:"net,omitempty"`
	Rng             *RngConfig             `json:"rng,omitempty"`
	Serial          *ConsoleConfig         `json:"serial,omitempty"`
	Console         *ConsoleConfig         `json:"console,omitempty"`
	Fs              []FsConfig             `json:"fs,omitempty"`
	Watchdog        bool                   `json:"watchdog,omitempty"`
	RateLimitGroups []RateLimitGroupConfig `json:"rate_limit_groups,omitempty"`
}

type CpusConfig struct {
	BootVcpus   uint32       `json:"boot_vcpus"`
	MaxVcpus    uint32       `json:"max_vcpus"`
	Topology    *CpuTopology `json:"topology,omitempty"`
	KvmHyperv   bool         `json:"kvm_hyperv,omitempty"`
	MaxPhysBits *uint32      `json:"max_phys_bits,omitempty"`
}

type CpuTopology struct {
	ThreadsPerCore *uint32 `json:"threads_per_core,omitempty"`
	CoresPerDie    *uint32 `json:"cores_per_die,omitempty"`
	DiesPerPackage *uint32 `json:"dies_per_package,omitempty"`
	Packages       *uint32 `json:"packages,omitempty"`
}

type MemoryConfig struct {
	Size         int64  `json:"size"`
	HotplugSize  *int64 `json:"hotplug_size,omitempty"`
	Mergeable    bool   `json:"mergeable,omitempty"`
	Shared       bool   `json:"shared,omitempty"`
	Hugepages    bool   `json:"hugepages,omitempty"`
	HugepageSize *int64 `json:"hugepage_size,omitempty"`
	Prefault     bool   `json:"prefault,omitempty"`
	Thp          bool   `json:"thp,omitempty"`
}

type PayloadConfig struct {
	Firmware  string `json:"firmware,omitempty"`
	Kernel    string `json:"kernel,omitempty"`
	Initramfs string `json:"initramfs,omitempty"`
	Cmdline   string `json:"cmdline,omitempty"`
}

type DiskConfig struct {
	Path           string             `json:"path,omitempty"`
	Readonly       bool               `json:"readonly,omitempty"`
	Direct         bool               `json:"direct,omitempty"`
	NumQueues      uint32             `json:"num_queues,omitempty"`
	QueueSize      uint32             `json:"queue_size,omitempty"`
	VhostUser      bool               `json:"vhost_user,omitempty"`
	VhostSocket    string             `json:"vhost_socket,omitempty"`
	PciSegment     *uint16            `json:"pci_segment,omitempty"`
	ID             string             `json:"id,omitempty"`
	Serial         string             `json:"serial,omitempty"`
	RateLimitGroup string             `json:"rate_limit_group,omitempty"`
	RateLimiter    *RateLimiterConfig `json:"rate_limiter_config,omitempty"`
}

type NetConfig struct {
	Tap         string             `json:"tap,omitempty"`
	IP          string             `json:"ip,omitempty"`
	Mask        string             `json:"mask,omitempty"`
	Mac         string             `json:"mac,omitempty"`
	HostMac     string             `json:"host_mac,omitempty"`
	Mtu         uint32             `json:"mtu,omitempty"`
	NumQueues   uint32             `json:"num_queues,omitempty"`
	QueueSize   uint32             `json:"queue_size,omitempty"`
	VhostUser   bool               `json:"vhost_user,omitempty"`
	VhostSocket string             `json:"vhost_socket,omitempty"`
	VhostMode   string             `json:"vhost_mode,omitempty"`
	ID          string             `json:"id,omitempty"`
	PciSegment  *uint16            `json:"pci_segment,omitempty"`
	OffloadTso  bool               `json:"offload_tso,omitempty"`
	OffloadUfo  bool               `json:"offload_ufo,omitempty"`
	OffloadCsum bool               `json:"offload_csum,omitempty"`
	RateLimiter *RateLimiterConfig `json:"rate_limiter_config,omitempty"`
}

type RngConfig struct {
	Src string `json:"src"`
}

type ConsoleConfig struct {
	Mode   string `json:"mode"`
	File   string `json:"file,omitempty"`
	Socket string `json:"socket,omitempty"`
}

type FsConfig struct {
	Tag        string  `json:"tag"`
	Socket     string  `json:"socket"`
	NumQueues  uint32  `json:"num_queues,omitempty"`
	QueueSize  uint32  `json:"queue_size,omitempty"`
	PciSegment *uint16 `json:"pci_segment,omitempty"`
	ID         string  `json:"id,omitempty"`
}

type RateLimitGroupConfig struct {
	ID          string            `json:"id"`
	RateLimiter RateLimiterConfig `json:"rate_limiter_config"`
}

type RateLimiterConfig struct {
	Bandwidth *TokenBucket `json:"bandwidth,omitempty"`
	Ops       *TokenBucket `json:"ops,omitempty"`
}

type TokenBucket struct {
	Size         int64  `json:"size"`
	RefillTime   int64  `json:"refill_time"`
	OneTimeBurst *int64 `json:"one_time_burst,omitempty"`
}
