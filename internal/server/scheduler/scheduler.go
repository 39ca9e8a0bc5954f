package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/qaraxhq/qarax/internal/node/vmconfig"
	"github.com/qaraxhq/qarax/internal/node/vmm"
	"github.com/qaraxhq/qarax/internal/server/db"
	"github.com/qaraxhq/qarax/internal/server/nodeclient"
)

var (
	// ErrNoEligibleHost indicates no host in status "up" was available.
	ErrNoEligibleHost = errors.New("scheduler: no eligible host")
	// ErrNotFound indicates the referenced resource does not exist.
	ErrNotFound = errors.New("scheduler: not found")
	// ErrHostNotUp indicates the VM's scheduled host cannot take calls.
	ErrHostNotUp = errors.New("scheduler: host not up")
	// ErrHostUnreachable indicates dispatch failed after retries.
	ErrHostUnreachable = errors.New("scheduler: host unreachable")
	// ErrReferential indicates the declarative config references missing
	// rows.
	ErrReferential = errors.New("scheduler: referential integrity violation")
)

// NodeClient is the slice of the node RPC surface the dispatcher uses.
type NodeClient interface {
	CreateVM(ctx context.Context, cfg vmconfig.VMConfig) (*vmm.VMState, error)
	StartVM(ctx context.Context, id string) (*vmm.VMState, error)
	StopVM(ctx context.Context, id string) (*vmm.VMState, error)
	PauseVM(ctx context.Context, id string) (*vmm.VMState, error)
	ResumeVM(ctx context.Context, id string) (*vmm.VMState, error)
	DeleteVM(ctx context.Context, id string) error
	GetVMInfo(ctx context.Context, id string) (*vmm.VMState, error)
	AddNetworkDevice(ctx context.Context, id string, spec vmconfig.NetSpec) error
	RemoveNetworkDevice(ctx context.Context, id, deviceID string) error
	AddDiskDevice(ctx context.Context, id string, spec vmconfig.DiskSpec) error
	RemoveDiskDevice(ctx context.Context, id, deviceID string) error
}

// ClientFactory builds a node client for a host.
type ClientFactory func(host db.Host) NodeClient

// DefaultClientFactory dials the host's RPC port over HTTP.
func DefaultClientFactory(host db.Host) NodeClient {
	return nodeclient.New(host.Address, host.Port, nil)
}

// Scheduler places VMs on hosts and routes lifecycle calls to the scheduled
// host. The store's row serialization is the only lock it relies on.
type Scheduler struct {
	store      db.Store
	logger     *slog.Logger
	clients    ClientFactory
	maxRetries uint64
}

// New constructs a scheduler.
func New(store db.Store, logger *slog.Logger, clients ClientFactory) *Scheduler {
	if clients == nil {
		clients = DefaultClientFactory
	}
	return &Scheduler{
		store:      store,
		logger:     logger.With("component", "scheduler"),
		clients:    clients,
		maxRetries: 3,
	}
}

// CreateVMRequest is the declarative VM description accepted by the REST
// layer.
type CreateVMRequest struct {
	Name        string `json:"name" binding:"required"`
	Hypervisor  string `json:"hypervisor"`
	Description string `json:"description"`

	BootVcpus   uint32          `json:"boot_vcpus" binding:"required,min=1"`
	MaxVcpus    uint32          `json:"max_vcpus" binding:"required,min=1"`
	CpuTopology json.RawMessage `json:"cpu_topology,omitempty"`
	KvmHyperv   bool            `json:"kvm_hyperv"`

	MemorySize         int64  `json:"memory_size" binding:"required,min=1"`
	MemoryHotplugSize  *int64 `json:"memory_hotplug_size,omitempty"`
	MemoryMergeable    bool   `json:"memory_mergeable"`
	MemoryShared       bool   `json:"memory_shared"`
	MemoryHugepages    bool   `json:"memory_hugepages"`
	MemoryHugepageSize *int64 `json:"memory_hugepage_size,omitempty"`
	MemoryPrefault     bool   `json:"memory_prefault"`
	MemoryThp          bool   `json:"memory_thp"`

	BootSourceID *uuid.UUID `json:"boot_source_id,omitempty"`

	Disks           []DiskRequest           `json:"disks,omitempty"`
	Networks        []NetworkRequest        `json:"networks,omitempty"`
	Consoles        []ConsoleRequest        `json:"consoles,omitempty"`
	Rng             *RngRequest             `json:"rng,omitempty"`
	Filesystems     []FilesystemRequest     `json:"filesystems,omitempty"`
	RateLimitGroups []RateLimitGroupRequest `json:"rate_limit_groups,omitempty"`
}

type DiskRequest struct {
	DevicePath      string     `json:"device_path" binding:"required"`
	StorageObjectID *uuid.UUID `json:"storage_object_id,omitempty"`
	VhostUser       bool       `json:"vhost_user"`
	VhostSocket     string     `json:"vhost_socket,omitempty"`
	Readonly        bool       `json:"readonly"`
	Direct          bool       `json:"direct"`
	NumQueues       uint32     `json:"num_queues,omitempty"`
	QueueSize       uint32     `json:"queue_size,omitempty"`
	BootOrder       *int       `json:"boot_order,omitempty"`
	RateLimitGroup  string     `json:"rate_limit_group,omitempty"`
}

type NetworkRequest struct {
	ID          string `json:"id" binding:"required"`
	TapName     string `json:"tap_name,omitempty"`
	Mac         string `json:"mac,omitempty"`
	HostMac     string `json:"host_mac,omitempty"`
	IP          string `json:"ip,omitempty"`
	Mask        string `json:"mask,omitempty"`
	Mtu         uint32 `json:"mtu,omitempty"`
	NumQueues   uint32 `json:"num_queues,omitempty"`
	QueueSize   uint32 `json:"queue_size,omitempty"`
	VhostUser   bool   `json:"vhost_user"`
	VhostSocket string `json:"vhost_socket,omitempty"`
}

type ConsoleRequest struct {
	Kind       string `json:"kind" binding:"required"`
	Mode       string `json:"mode" binding:"required"`
	FilePath   string `json:"file_path,omitempty"`
	SocketPath string `json:"socket_path,omitempty"`
}

type RngRequest struct {
	Source string `json:"source,omitempty"`
}

type FilesystemRequest struct {
	Tag         string `json:"tag" binding:"required"`
	Socket      string `json:"socket,omitempty"`
	NumQueues   uint32 `json:"num_queues,omitempty"`
	QueueSize   uint32 `json:"queue_size,omitempty"`
	ImageRef    string `json:"image_ref,omitempty"`
	ImageDigest string `json:"image_digest,omitempty"`
}

type RateLimitGroupRequest struct {
	Name            string `json:"name" binding:"required"`
	BandwidthSize   *int64 `json:"bandwidth_size,omitempty"`
	BandwidthRefill *int64 `json:"bandwidth_refill_ms,omitempty"`
	OpsSize         *int64 `json:"ops_size,omitempty"`
	OpsRefill       *int64 `json:"ops_refill_ms,omitempty"`
}

// CreateVM validates the request, picks a host, persists the declarative
// state, and dispatches the create to the chosen node. Validation failures
// leave no VM row behind.
func (s *Scheduler) CreateVM(ctx context.Context, req CreateVMRequest) (*db.VM, error) {
	hypervisor := strings.TrimSpace(req.Hypervisor)
	if hypervisor == "" {
		hypervisor = "cloud_hv"
	}

	vm := &db.VM{
		ID:                 uuid.New(),
		Name:               strings.TrimSpace(req.Name),
		Status:             db.VMStatusCreated,
		Hypervisor:         hypervisor,
		BootSourceID:       req.BootSourceID,
		Description:        req.Description,
		BootVcpus:          req.BootVcpus,
		MaxVcpus:           req.MaxVcpus,
		CpuTopology:        req.CpuTopology,
		KvmHyperv:          req.KvmHyperv,
		MemorySize:         req.MemorySize,
		MemoryHotplugSize:  req.MemoryHotplugSize,
		MemoryMergeable:    req.MemoryMergeable,
		MemoryShared:       req.MemoryShared,
		MemoryHugepages:    req.MemoryHugepages,
		MemoryHugepageSize: req.MemoryHugepageSize,
		MemoryPrefault:     req.MemoryPrefault,
		MemoryThp:          req.MemoryThp,
	}

	var (
		host    db.Host
		nodeCfg vmconfig.VMConfig
	)

	err := s.store.WithTx(ctx, func(q db.Queries) error {
		selected, err := s.selectHost(ctx, q)
		if err != nil {
			return err
		}
		host = *selected
		vm.HostID = &selected.ID

		if vm.BootSourceID != nil {
			bs, err := q.BootSources().Get(ctx, *vm.BootSourceID)
			if err != nil {
				return err
			}
			if bs == nil {
				return fmt.Errorf("%w: boot source %s", ErrReferential, vm.BootSourceID)
			}
		}

		if err := q.VMs().Create(ctx, vm); err != nil {
			return err
		}
		if err := s.insertDevices(ctx, q, vm, req); err != nil {
			return err
		}

		nodeCfg, err = s.buildNodeConfig(ctx, q, vm)
		if err != nil {
			return err
		}
		// Rejecting here rolls the whole row back; the node would refuse
		// the same config anyway.
		return vmconfig.Validate(nodeCfg)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.dispatchCreate(ctx, host, nodeCfg); err != nil {
		s.logger.Error("dispatch create", "vm", vm.ID, "host", host.ID, "error", err)
		if updErr := s.store.Queries().VMs().UpdateStatus(ctx, vm.ID, db.VMStatusUnknown); updErr != nil {
			s.logger.Error("mark vm unknown", "vm", vm.ID, "error", updErr)
		}
		return nil, err
	}

	return vm, nil
}

// selectHost picks the up host with the fewest VMs, breaking ties by host
// id so placement stays reproducible.
func (s *Scheduler) selectHost(ctx context.Context, q db.Queries) (*db.Host, error) {
	hosts, err := q.Hosts().List(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		host  db.Host
		count int
	}
	var candidates []candidate
	for _, host := range hosts {
		if host.Status != db.HostStatusUp {
			continue
		}
		count, err := q.VMs().CountByHost(ctx, host.ID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{host: host, count: count})
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleHost
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].host.ID.String() < candidates[j].host.ID.String()
	})
	return &candidates[0].host, nil
}

func (s *Scheduler) insertDevices(ctx context.Context, q db.Queries, vm *db.VM, req CreateVMRequest) error {
	for _, d := range req.Disks {
		if d.StorageObjectID != nil {
			obj, err := q.StorageObjects().Get(ctx, *d.StorageObjectID)
			if err != nil {
				return err
			}
			if obj == nil {
				return fmt.Errorf("%w: storage object %s", ErrReferential, d.StorageObjectID)
			}
		}
		if err := q.Disks().Create(ctx, &db.VMDisk{
			ID:              uuid.New(),
			VMID:            vm.ID,
			DevicePath:      d.DevicePath,
			StorageObjectID: d.StorageObjectID,
			VhostUser:       d.VhostUser,
			VhostSocket:     d.VhostSocket,
			Readonly:        d.Readonly,
			Direct:          d.Direct,
			NumQueues:       orDefault(d.NumQueues, vmconfig.DefaultDiskQueues),
			QueueSize:       orDefault(d.QueueSize, vmconfig.DefaultDiskQueueSize),
			BootOrder:       d.BootOrder,
			RateLimitGroup:  d.RateLimitGroup,
		}); err != nil {
			return err
		}
	}

	for _, n := range req.Networks {
		if err := q.NetworkInterfaces().Create(ctx, &db.NetworkInterface{
			ID:          uuid.New(),
			VMID:        vm.ID,
			DeviceID:    n.ID,
			TapName:     n.TapName,
			Mac:         n.Mac,
			HostMac:     n.HostMac,
			IP:          n.IP,
			Mask:        n.Mask,
			Mtu:         orDefault(n.Mtu, vmconfig.DefaultNetMTU),
			NumQueues:   orDefault(n.NumQueues, vmconfig.DefaultNetQueues),
			QueueSize:   orDefault(n.QueueSize, vmconfig.DefaultNetQueueSize),
			VhostUser:   n.VhostUser,
			VhostSocket: n.VhostSocket,
		}); err != nil {
			return err
		}
	}

	for _, c := range req.Consoles {
		if err := q.Consoles().Upsert(ctx, &db.VMConsole{
			ID:         uuid.New(),
			VMID:       vm.ID,
			Kind:       c.Kind,
			Mode:       c.Mode,
			FilePath:   c.FilePath,
			SocketPath: c.SocketPath,
		}); err != nil {
			return err
		}
	}

	if req.Rng != nil {
		source := strings.TrimSpace(req.Rng.Source)
		if source == "" {
			source = vmconfig.DefaultRngSource
		}
		if err := q.Rng().Upsert(ctx, &db.VMRng{ID: uuid.New(), VMID: vm.ID, Source: source}); err != nil {
			return err
		}
	}

	for _, f := range req.Filesystems {
		if err := q.Filesystems().Create(ctx, &db.VMFilesystem{
			ID:          uuid.New(),
			VMID:        vm.ID,
			Tag:         f.Tag,
			Socket:      f.Socket,
			NumQueues:   orDefault(f.NumQueues, vmconfig.DefaultFsQueues),
			QueueSize:   orDefault(f.QueueSize, vmconfig.DefaultFsQueueSize),
			ImageRef:    f.ImageRef,
			ImageDigest: f.ImageDigest,
		}); err != nil {
			return err
		}
	}

	for _, g := range req.RateLimitGroups {
		if err := q.RateLimitGroups().Create(ctx, &db.RateLimitGroup{
			ID:              uuid.New(),
			VMID:            vm.ID,
			Name:            g.Name,
			BandwidthSize:   g.BandwidthSize,
			BandwidthRefill: g.BandwidthRefill,
			OpsSize:         g.OpsSize,
			OpsRefill:       g.OpsRefill,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scheduler) dispatchCreate(ctx context.Context, host db.Host, cfg vmconfig.VMConfig) (*vmm.VMState, error) {
	client := s.clients(host)

	var state *vmm.VMState
	op := func() error {
		var err error
		state, err = client.CreateVM(ctx, cfg)
		if err != nil && !nodeclient.IsUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if nodeclient.IsUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", ErrHostUnreachable, err)
		}
		return nil, err
	}
	return state, nil
}

// Lifecycle routes start/stop/pause/resume to the VM's scheduled host and
// persists the observed state the node reports.
func (s *Scheduler) Lifecycle(ctx context.Context, vmID uuid.UUID, op string) (*db.VM, error) {
	vm, client, err := s.routed(ctx, vmID)
	if err != nil {
		return nil, err
	}

	var state *vmm.VMState
	switch op {
	case "start":
		state, err = client.StartVM(ctx, vm.ID.String())
	case "stop":
		state, err = client.StopVM(ctx, vm.ID.String())
	case "pause":
		state, err = client.PauseVM(ctx, vm.ID.String())
	case "resume":
		state, err = client.ResumeVM(ctx, vm.ID.String())
	default:
		return nil, fmt.Errorf("unknown lifecycle op %q", op)
	}
	if err != nil {
		if nodeclient.IsUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", ErrHostUnreachable, err)
		}
		return nil, err
	}

	vm.Status = db.VMStatus(state.Status)
	if err := s.store.Queries().VMs().UpdateStatus(ctx, vm.ID, vm.Status); err != nil {
		return nil, err
	}
	return vm, nil
}

// Sync refreshes the VM's persisted status from the node.
func (s *Scheduler) Sync(ctx context.Context, vmID uuid.UUID) (*db.VM, error) {
	vm, client, err := s.routed(ctx, vmID)
	if err != nil {
		return nil, err
	}

	state, err := client.GetVMInfo(ctx, vm.ID.String())
	if err != nil {
		if nodeclient.IsNotFound(err) {
			vm.Status = db.VMStatusUnknown
			if updErr := s.store.Queries().VMs().UpdateStatus(ctx, vm.ID, vm.Status); updErr != nil {
				return nil, updErr
			}
			return vm, nil
		}
		if nodeclient.IsUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", ErrHostUnreachable, err)
		}
		return nil, err
	}

	vm.Status = db.VMStatus(state.Status)
	if err := s.store.Queries().VMs().UpdateStatus(ctx, vm.ID, vm.Status); err != nil {
		return nil, err
	}
	return vm, nil
}

// DeleteVM tears the VM down on its node, then removes the row. A node that
// no longer knows the VM does not block deletion.
func (s *Scheduler) DeleteVM(ctx context.Context, vmID uuid.UUID) error {
	vm, err := s.store.Queries().VMs().Get(ctx, vmID)
	if err != nil {
		return err
	}
	if vm == nil {
		return fmt.Errorf("%w: vm %s", ErrNotFound, vmID)
	}

	if vm.HostID != nil {
		host, err := s.store.Queries().Hosts().Get(ctx, *vm.HostID)
		if err != nil {
			return err
		}
		if host != nil && host.Status == db.HostStatusUp {
			if err := s.clients(*host).DeleteVM(ctx, vm.ID.String()); err != nil && !nodeclient.IsNotFound(err) {
				if nodeclient.IsUnavailable(err) {
					return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
				}
				return err
			}
		}
	}

	return s.store.Queries().VMs().Delete(ctx, vmID)
}

// AddNetworkDevice hot-attaches a NIC and persists it once the node
// confirms.
func (s *Scheduler) AddNetworkDevice(ctx context.Context, vmID uuid.UUID, req NetworkRequest) error {
	vm, client, err := s.routed(ctx, vmID)
	if err != nil {
		return err
	}

	spec := vmconfig.NetSpec{
		ID:          req.ID,
		Tap:         req.TapName,
		Mac:         req.Mac,
		HostMac:     req.HostMac,
		IP:          req.IP,
		Mask:        req.Mask,
		Mtu:         req.Mtu,
		NumQueues:   req.NumQueues,
		QueueSize:   req.QueueSize,
		VhostUser:   req.VhostUser,
		VhostSocket: req.VhostSocket,
	}
	if err := client.AddNetworkDevice(ctx, vm.ID.String(), spec); err != nil {
		if nodeclient.IsUnavailable(err) {
			return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
		}
		return err
	}

	return s.store.Queries().NetworkInterfaces().Create(ctx, &db.NetworkInterface{
		ID:          uuid.New(),
		VMID:        vm.ID,
		DeviceID:    req.ID,
		TapName:     req.TapName,
		Mac:         req.Mac,
		HostMac:     req.HostMac,
		IP:          req.IP,
		Mask:        req.Mask,
		Mtu:         orDefault(req.Mtu, vmconfig.DefaultNetMTU),
		NumQueues:   orDefault(req.NumQueues, vmconfig.DefaultNetQueues),
		QueueSize:   orDefault(req.QueueSize, vmconfig.DefaultNetQueueSize),
		VhostUser:   req.VhostUser,
		VhostSocket: req.VhostSocket,
	})
}

// RemoveNetworkDevice detaches a NIC on the node and drops the row.
func (s *Scheduler) RemoveNetworkDevice(ctx context.Context, vmID uuid.UUID, deviceID string) error {
	vm, client, err := s.routed(ctx, vmID)
	if err != nil {
		return err
	}
	if err := client.RemoveNetworkDevice(ctx, vm.ID.String(), deviceID); err != nil {
		if nodeclient.IsUnavailable(err) {
			return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
		}
		return err
	}

	nics, err := s.store.Queries().NetworkInterfaces().ListByVM(ctx, vm.ID)
	if err != nil {
		return err
	}
	for _, nic := range nics {
		if nic.DeviceID == deviceID {
			return s.store.Queries().NetworkInterfaces().Delete(ctx, nic.ID)
		}
	}
	return nil
}

// routed loads the VM and builds a client for its scheduled host.
func (s *Scheduler) routed(ctx context.Context, vmID uuid.UUID) (*db.VM, NodeClient, error) {
	vm, err := s.store.Queries().VMs().Get(ctx, vmID)
	if err != nil {
		return nil, nil, err
	}
	if vm == nil {
		return nil, nil, fmt.Errorf("%w: vm %s", ErrNotFound, vmID)
	}
	if vm.HostID == nil {
		return nil, nil, fmt.Errorf("%w: vm %s is not scheduled", ErrHostNotUp, vmID)
	}

	host, err := s.store.Queries().Hosts().Get(ctx, *vm.HostID)
	if err != nil {
		return nil, nil, err
	}
	if host == nil || host.Status != db.HostStatusUp {
		return nil, nil, fmt.Errorf("%w: vm %s host", ErrHostNotUp, vmID)
	}

	return vm, s.clients(*host), nil
}

// buildNodeConfig assembles the declarative node config from persisted rows,
// resolving storage object references to host paths.
func (s *Scheduler) buildNodeConfig(ctx context.Context, q db.Queries, vm *db.VM) (vmconfig.VMConfig, error) {
	cfg := vmconfig.VMConfig{
		ID: vm.ID.String(),
		CPUs: vmconfig.CpusSpec{
			BootVcpus: vm.BootVcpus,
			MaxVcpus:  vm.MaxVcpus,
			KvmHyperv: vm.KvmHyperv,
		},
		Memory: vmconfig.MemorySpec{
			Size:         vm.MemorySize,
			HotplugSize:  vm.MemoryHotplugSize,
			Mergeable:    vm.MemoryMergeable,
			Shared:       vm.MemoryShared,
			Hugepages:    vm.MemoryHugepages,
			HugepageSize: vm.MemoryHugepageSize,
			Prefault:     vm.MemoryPrefault,
			Thp:          vm.MemoryThp,
		},
	}

	if len(vm.CpuTopology) > 0 {
		var topology vmconfig.TopologySpec
		if err := json.Unmarshal(vm.CpuTopology, &topology); err != nil {
			return cfg, fmt.Errorf("decode cpu topology: %w", err)
		}
		cfg.CPUs.Topology = &topology
	}

	if vm.BootSourceID != nil {
		bs, err := q.BootSources().Get(ctx, *vm.BootSourceID)
		if err != nil {
			return cfg, err
		}
		if bs == nil {
			return cfg, fmt.Errorf("%w: boot source %s", ErrReferential, vm.BootSourceID)
		}
		payload, err := s.resolveBootSource(ctx, q, bs)
		if err != nil {
			return cfg, err
		}
		cfg.Payload = payload
	}

	disks, err := q.Disks().ListByVM(ctx, vm.ID)
	if err != nil {
		return cfg, err
	}
	for _, disk := range disks {
		spec := vmconfig.DiskSpec{
			ID:             disk.DevicePath,
			Readonly:       disk.Readonly,
			Direct:         disk.Direct,
			NumQueues:      disk.NumQueues,
			QueueSize:      disk.QueueSize,
			VhostUser:      disk.VhostUser,
			VhostSocket:    disk.VhostSocket,
			RateLimitGroup: disk.RateLimitGroup,
		}
		if disk.StorageObjectID != nil {
			path, err := s.objectPath(ctx, q, *disk.StorageObjectID)
			if err != nil {
				return cfg, err
			}
			spec.Path = path
		}
		cfg.Disks = append(cfg.Disks, spec)
	}

	nics, err := q.NetworkInterfaces().ListByVM(ctx, vm.ID)
	if err != nil {
		return cfg, err
	}
	for _, nic := range nics {
		cfg.Networks = append(cfg.Networks, vmconfig.NetSpec{
			ID:          nic.DeviceID,
			Tap:         nic.TapName,
			Mac:         nic.Mac,
			HostMac:     nic.HostMac,
			IP:          nic.IP,
			Mask:        nic.Mask,
			Mtu:         nic.Mtu,
			NumQueues:   nic.NumQueues,
			QueueSize:   nic.QueueSize,
			VhostUser:   nic.VhostUser,
			VhostSocket: nic.VhostSocket,
		})
	}

	consoles, err := q.Consoles().ListByVM(ctx, vm.ID)
	if err != nil {
		return cfg, err
	}
	for _, console := range consoles {
		spec := &vmconfig.ConsoleSpec{
			Mode:       console.Mode,
			FilePath:   console.FilePath,
			SocketPath: console.SocketPath,
		}
		if console.Kind == "serial" {
			cfg.Serial = spec
		} else {
			cfg.Console = spec
		}
	}

	rng, err := q.Rng().GetByVM(ctx, vm.ID)
	if err != nil {
		return cfg, err
	}
	if rng != nil {
		cfg.Rng = &vmconfig.RngSpec{Source: rng.Source}
	}

	filesystems, err := q.Filesystems().ListByVM(ctx, vm.ID)
	if err != nil {
		return cfg, err
	}
	for _, fs := range filesystems {
		cfg.Filesystems = append(cfg.Filesystems, vmconfig.FsSpec{
			Tag:       fs.Tag,
			Socket:    fs.Socket,
			NumQueues: fs.NumQueues,
			QueueSize: fs.QueueSize,
		})
	}

	groups, err := q.RateLimitGroups().ListByVM(ctx, vm.ID)
	if err != nil {
		return cfg, err
	}
	for _, g := range groups {
		spec := vmconfig.RateLimitGroupSpec{Name: g.Name}
		if g.BandwidthSize != nil && g.BandwidthRefill != nil {
			spec.Bandwidth = &vmconfig.TokenBucketSpec{Size: *g.BandwidthSize, RefillTimeMs: *g.BandwidthRefill}
		}
		if g.OpsSize != nil && g.OpsRefill != nil {
			spec.Ops = &vmconfig.TokenBucketSpec{Size: *g.OpsSize, RefillTimeMs: *g.OpsRefill}
		}
		cfg.RateLimitGroups = append(cfg.RateLimitGroups, spec)
	}

	return cfg, nil
}

func (s *Scheduler) resolveBootSource(ctx context.Context, q db.Queries, bs *db.BootSource) (vmconfig.PayloadSpec, error) {
	payload := vmconfig.PayloadSpec{Cmdline: bs.KernelCmdline}

	kernel, err := s.objectPath(ctx, q, bs.KernelID)
	if err != nil {
		return payload, err
	}
	payload.Kernel = kernel

	if bs.InitrdID != nil {
		initrd, err := s.objectPath(ctx, q, *bs.InitrdID)
		if err != nil {
			return payload, err
		}
		payload.Initramfs = initrd
	}
	if bs.FirmwareID != nil {
		firmware, err := s.objectPath(ctx, q, *bs.FirmwareID)
		if err != nil {
			return payload, err
		}
		payload.Firmware = firmware
	}
	return payload, nil
}

// objectPath resolves a storage object to the host path recorded in its
// opaque config.
func (s *Scheduler) objectPath(ctx context.Context, q db.Queries, objectID uuid.UUID) (string, error) {
	obj, err := q.StorageObjects().Get(ctx, objectID)
	if err != nil {
		return "", err
	}
	if obj == nil {
		return "", fmt.Errorf("%w: storage object %s", ErrReferential, objectID)
	}

	var config struct {
		Path string `json:"path"`
	}
	if len(obj.Config) > 0 {
		if err := json.Unmarshal(obj.Config, &config); err != nil {
			return "", fmt.Errorf("decode storage object config: %w", err)
		}
	}
	if strings.TrimSpace(config.Path) == "" {
		return "", fmt.Errorf("%w: storage object %s has no path", ErrReferential, objectID)
	}
	return config.Path, nil
}

func orDefault(v, fallback uint32) uint32 {
	if v == 0 {
		return fallback
	}
	return v
}
