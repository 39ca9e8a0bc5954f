package vmconfig

import (
	"strings"

	"github.com/qaraxhq/qarax/internal/node/hypervisor"
)

// Validate checks every cross-field invariant the hypervisor cannot be
// trusted to report cleanly. It never mutates the config.
func Validate(cfg VMConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return invalidf("vm id required")
	}
	if cfg.CPUs.BootVcpus == 0 || cfg.CPUs.MaxVcpus == 0 {
		return invalidf("boot_vcpus and max_vcpus must be > 0")
	}
	if cfg.CPUs.BootVcpus > cfg.CPUs.MaxVcpus {
		return invalidf("boot_vcpus %d exceeds max_vcpus %d", cfg.CPUs.BootVcpus, cfg.CPUs.MaxVcpus)
	}
	if cfg.Memory.Size <= 0 {
		return invalidf("memory size must be > 0")
	}
	if cfg.Memory.HotplugSize != nil && *cfg.Memory.HotplugSize < cfg.Memory.Size {
		return invalidf("memory hotplug_size %d below boot size %d", *cfg.Memory.HotplugSize, cfg.Memory.Size)
	}

	groups := make(map[string]bool, len(cfg.RateLimitGroups))
	for _, g := range cfg.RateLimitGroups {
		if strings.TrimSpace(g.Name) == "" {
			return invalidf("rate limit group name required")
		}
		if groups[g.Name] {
			return invalidf("duplicate rate limit group %q", g.Name)
		}
		groups[g.Name] = true
	}

	netIDs := make(map[string]bool, len(cfg.Networks))
	for i, net := range cfg.Networks {
		if strings.TrimSpace(net.ID) == "" {
			return invalidf("network %d: device id required", i)
		}
		if netIDs[net.ID] {
			return invalidf("duplicate network device id %q", net.ID)
		}
		netIDs[net.ID] = true
		if err := validateNet(net, cfg.Memory, groups); err != nil {
			return err
		}
	}

	diskIDs := make(map[string]bool, len(cfg.Disks))
	for i, disk := range cfg.Disks {
		if strings.TrimSpace(disk.ID) == "" {
			return invalidf("disk %d: device id required", i)
		}
		if diskIDs[disk.ID] {
			return invalidf("duplicate disk device id %q", disk.ID)
		}
		diskIDs[disk.ID] = true
		if err := validateDisk(disk, cfg.Memory, groups); err != nil {
			return err
		}
	}

	if err := validateConsole("serial", cfg.Serial); err != nil {
		return err
	}
	if err := validateConsole("console", cfg.Console); err != nil {
		return err
	}

	fsTags := make(map[string]bool, len(cfg.Filesystems))
	for _, fs := range cfg.Filesystems {
		if strings.TrimSpace(fs.Tag) == "" {
			return invalidf("filesystem tag required")
		}
		if fsTags[fs.Tag] {
			return invalidf("duplicate filesystem tag %q", fs.Tag)
		}
		fsTags[fs.Tag] = true
		if strings.TrimSpace(fs.Socket) == "" {
			return invalidf("filesystem %q: vhost-user socket required", fs.Tag)
		}
		if !cfg.Memory.Shared {
			return invalidf("filesystem %q requires shared memory", fs.Tag)
		}
	}

	return nil
}

func validateNet(net NetSpec, mem MemorySpec, groups map[string]bool) error {
	if net.VhostUser {
		if strings.TrimSpace(net.VhostSocket) == "" {
			return invalidf("network %q: vhost_user requires vhost_socket", net.ID)
		}
		if strings.TrimSpace(net.Tap) != "" {
			return invalidf("network %q: vhost_user and tap are mutually exclusive", net.ID)
		}
		if !mem.Shared {
			return invalidf("network %q: vhost_user requires shared memory", net.ID)
		}
	}
	if net.Mtu != 0 && net.Mtu < 68 {
		return invalidf("network %q: mtu %d too small", net.ID, net.Mtu)
	}
	if net.RateLimitGroup != "" && !groups[net.RateLimitGroup] {
		return invalidf("network %q: unknown rate limit group %q", net.ID, net.RateLimitGroup)
	}
	return nil
}

func validateDisk(disk DiskSpec, mem MemorySpec, groups map[string]bool) error {
	if disk.VhostUser {
		if strings.TrimSpace(disk.VhostSocket) == "" {
			return invalidf("disk %q: vhost_user requires vhost_socket", disk.ID)
		}
		if !mem.Shared {
			return invalidf("disk %q: vhost_user requires shared memory", disk.ID)
		}
	} else if strings.TrimSpace(disk.Path) == "" {
		return invalidf("disk %q: backing path required", disk.ID)
	}
	if disk.RateLimitGroup != "" && !groups[disk.RateLimitGroup] {
		return invalidf("disk %q: unknown rate limit group %q", disk.ID, disk.RateLimitGroup)
	}
	return nil
}

func validateConsole(which string, console *ConsoleSpec) error {
	if console == nil {
		return nil
	}
	switch console.Mode {
	case ConsoleOff, ConsolePty, ConsoleTty, ConsoleNull:
	case ConsoleFile:
		if strings.TrimSpace(console.FilePath) == "" {
			return invalidf("%s: file mode requires file_path", which)
		}
	case ConsoleSocket:
		if strings.TrimSpace(console.SocketPath) == "" {
			return invalidf("%s: socket mode requires socket_path", which)
		}
	default:
		return invalidf("%s: unknown mode %q", which, console.Mode)
	}
	return nil
}

// Translate validates cfg, applies defaults, and produces the hypervisor
// create payload. The translation is deterministic: identical inputs yield
// identical payloads.
func Translate(cfg VMConfig) (hypervisor.VMConfig, error) {
	if err := Validate(cfg); err != nil {
		return hypervisor.VMConfig{}, err
	}

	out := hypervisor.VMConfig{
		CPUs: &hypervisor.CpusConfig{
			BootVcpus: cfg.CPUs.BootVcpus,
			MaxVcpus:  cfg.CPUs.MaxVcpus,
			KvmHyperv: cfg.CPUs.KvmHyperv,
		},
		Memory: &hypervisor.MemoryConfig{
			Size:         cfg.Memory.Size,
			HotplugSize:  cfg.Memory.HotplugSize,
			Mergeable:    cfg.Memory.Mergeable,
			Shared:       cfg.Memory.Shared,
			Hugepages:    cfg.Memory.Hugepages,
			HugepageSize: cfg.Memory.HugepageSize,
			Prefault:     cfg.Memory.Prefault,
			Thp:          cfg.Memory.Thp,
		},
		Payload: hypervisor.PayloadConfig{
			Kernel:    cfg.Payload.Kernel,
			Initramfs: cfg.Payload.Initramfs,
			Firmware:  cfg.Payload.Firmware,
			Cmdline:   cfg.Payload.Cmdline,
		},
	}

	if cfg.CPUs.Topology != nil {
		out.CPUs.Topology = &hypervisor.CpuTopology{
			ThreadsPerCore: cfg.CPUs.Topology.ThreadsPerCore,
			CoresPerDie:    cfg.CPUs.Topology.CoresPerDie,
			DiesPerPackage: cfg.CPUs.Topology.DiesPerPackage,
			Packages:       cfg.CPUs.Topology.Packages,
		}
	}

	for _, disk := range cfg.Disks {
		out.Disks = append(out.Disks, TranslateDisk(disk))
	}
	for _, net := range cfg.Networks {
		out.Net = append(out.Net, TranslateNet(net))
	}
	for _, fs := range cfg.Filesystems {
		out.Fs = append(out.Fs, TranslateFs(fs))
	}

	rng := RngSpec{Source: DefaultRngSource}
	if cfg.Rng != nil && strings.TrimSpace(cfg.Rng.Source) != "" {
		rng = *cfg.Rng
	}
	out.Rng = &hypervisor.RngConfig{Src: rng.Source}

	out.Serial = translateConsole(cfg.Serial)
	out.Console = translateConsole(cfg.Console)

	for _, g := range cfg.RateLimitGroups {
		out.RateLimitGroups = append(out.RateLimitGroups, hypervisor.RateLimitGroupConfig{
			ID: g.Name,
			RateLimiter: hypervisor.RateLimiterConfig{
				Bandwidth: translateBucket(g.Bandwidth),
				Ops:       translateBucket(g.Ops),
			},
		})
	}

	return out, nil
}

// TranslateNet maps one NIC to the hypervisor's wire shape, applying
// defaults. Also used for hot-attach requests.
func TranslateNet(net NetSpec) hypervisor.NetConfig {
	out := hypervisor.NetConfig{
		ID:          net.ID,
		Tap:         net.Tap,
		IP:          net.IP,
		Mask:        net.Mask,
		Mac:         net.Mac,
		HostMac:     net.HostMac,
		Mtu:         net.Mtu,
		NumQueues:   net.NumQueues,
		QueueSize:   net.QueueSize,
		VhostUser:   net.VhostUser,
		VhostSocket: net.VhostSocket,
		PciSegment:  net.PciSegment,
		OffloadTso:  boolDefault(net.OffloadTso, true),
		OffloadUfo:  boolDefault(net.OffloadUfo, true),
		OffloadCsum: boolDefault(net.OffloadCsum, true),
	}
	if out.Mtu == 0 {
		out.Mtu = DefaultNetMTU
	}
	if out.NumQueues == 0 {
		out.NumQueues = DefaultNetQueues
	}
	if out.QueueSize == 0 {
		out.QueueSize = DefaultNetQueueSize
	}
	return out
}

// TranslateDisk maps one disk to the hypervisor's wire shape, applying
// defaults.
func TranslateDisk(disk DiskSpec) hypervisor.DiskConfig {
	out := hypervisor.DiskConfig{
		ID:             disk.ID,
		Path:           disk.Path,
		Readonly:       disk.Readonly,
		Direct:         disk.Direct,
		NumQueues:      disk.NumQueues,
		QueueSize:      disk.QueueSize,
		VhostUser:      disk.VhostUser,
		VhostSocket:    disk.VhostSocket,
		PciSegment:     disk.PciSegment,
		Serial:         disk.Serial,
		RateLimitGroup: disk.RateLimitGroup,
	}
	if out.NumQueues == 0 {
		out.NumQueues = DefaultDiskQueues
	}
	if out.QueueSize == 0 {
		out.QueueSize = DefaultDiskQueueSize
	}
	return out
}

// TranslateFs maps one virtiofs mount to the hypervisor's wire shape.
func TranslateFs(fs FsSpec) hypervisor.FsConfig {
	out := hypervisor.FsConfig{
		Tag:       fs.Tag,
		Socket:    fs.Socket,
		NumQueues: fs.NumQueues,
		QueueSize: fs.QueueSize,
		ID:        fs.ID,
	}
	if out.NumQueues == 0 {
		out.NumQueues = DefaultFsQueues
	}
	if out.QueueSize == 0 {
		out.QueueSize = DefaultFsQueueSize
	}
	return out
}

func translateConsole(console *ConsoleSpec) *hypervisor.ConsoleConfig {
	if console == nil {
		return nil
	}
	return &hypervisor.ConsoleConfig{
		Mode:   console.Mode,
		File:   console.FilePath,
		Socket: console.SocketPath,
	}
}

func translateBucket(bucket *TokenBucketSpec) *hypervisor.TokenBucket {
	if bucket == nil {
		return nil
	}
	return &hypervisor.TokenBucket{
		Size:         bucket.Size,
		RefillTime:   bucket.RefillTimeMs,
		OneTimeBurst: bucket.OneTimeBurst,
	}
}

func boolDefault(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
