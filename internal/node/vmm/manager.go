package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qaraxhq/qarax/internal/node/hypervisor"
	"github.com/qaraxhq/qarax/internal/node/network"
	"github.com/qaraxhq/qarax/internal/node/vmconfig"
)

var (
	// ErrVMExists indicates a VM with the same id already exists.
	ErrVMExists = errors.New("vmm: vm already exists")
	// ErrVMNotFound indicates the requested VM is not in the registry.
	ErrVMNotFound = errors.New("vmm: vm not found")
	// ErrWrongState indicates the VM's observed state does not allow the
	// requested operation.
	ErrWrongState = errors.New("vmm: invalid state for operation")
	// ErrExited indicates the VMM child terminated unexpectedly.
	ErrExited = errors.New("vmm: hypervisor process exited unexpectedly")
)

const defaultStopGrace = 10 * time.Second

// VMState is the snapshot returned to RPC callers.
type VMState struct {
	ID               string            `json:"vm_id"`
	Status           hypervisor.State  `json:"status"`
	Config           vmconfig.VMConfig `json:"config"`
	MemoryActualSize *int64            `json:"memory_actual_size,omitempty"`
	PID              int               `json:"pid,omitempty"`
}

// Params wires the manager's dependencies.
type Params struct {
	Logger     *slog.Logger
	RuntimeDir string
	Launcher   Launcher
	Clients    ClientFactory
	Network    network.Manager
	StopGrace  time.Duration
}

// Manager is the process-wide registry of VM runtimes. It mediates every
// lifecycle operation and owns the runtime directory.
type Manager struct {
	logger     *slog.Logger
	runtimeDir string
	launcher   Launcher
	clients    ClientFactory
	network    network.Manager
	stopGrace  time.Duration

	mu  sync.Mutex // guards registry membership only
	vms map[string]*runtime
}

// New constructs a manager rooted at params.RuntimeDir.
func New(params Params) (*Manager, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("vmm: logger is required")
	}
	if strings.TrimSpace(params.RuntimeDir) == "" {
		return nil, fmt.Errorf("vmm: runtime dir is required")
	}
	if params.Launcher == nil {
		return nil, fmt.Errorf("vmm: launcher is required")
	}
	if params.Clients == nil {
		return nil, fmt.Errorf("vmm: client factory is required")
	}
	if params.Network == nil {
		params.Network = network.NewNoop()
	}
	grace := params.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	return &Manager{
		logger:     params.Logger.With("component", "vmm"),
		runtimeDir: filepath.Clean(params.RuntimeDir),
		launcher:   params.Launcher,
		clients:    params.Clients,
		network:    params.Network,
		stopGrace:  grace,
		vms:        make(map[string]*runtime),
	}, nil
}

func (m *Manager) socketPath(id string) string {
	return filepath.Join(m.runtimeDir, id+".sock")
}

func (m *Manager) consoleLogPath(id string) string {
	return filepath.Join(m.runtimeDir, id+".console.log")
}

func (m *Manager) configPath(id string) string {
	return filepath.Join(m.runtimeDir, id+".json")
}

// lookup returns the runtime with its per-VM mutex held.
func (m *Manager) lookup(id string) (*runtime, error) {
	m.mu.Lock()
	vm, ok := m.vms[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVMNotFound, id)
	}
	vm.mu.Lock()
	return vm, nil
}

// Create spawns a fresh VMM, pushes the translated config to it, and
// registers the runtime. Any failure unwinds completely.
func (m *Manager) Create(ctx context.Context, cfg vmconfig.VMConfig) (*VMState, error) {
	payload, err := vmconfig.Translate(cfg)
	if err != nil {
		return nil, err
	}

	id := cfg.ID
	vm := &runtime{
		id:             id,
		socketPath:     m.socketPath(id),
		consoleLogPath: m.consoleLogPath(id),
		configPath:     m.configPath(id),
		observed:       hypervisor.StateUnknown,
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()

	m.mu.Lock()
	if _, ok := m.vms[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrVMExists, id)
	}
	m.vms[id] = vm
	m.mu.Unlock()

	state, err := m.createLocked(ctx, vm, cfg, payload)
	if err != nil {
		vm.teardown(ctx, m, m.stopGrace)
		m.mu.Lock()
		delete(m.vms, id)
		m.mu.Unlock()
		return nil, err
	}
	return state, nil
}

func (m *Manager) createLocked(ctx context.Context, vm *runtime, cfg vmconfig.VMConfig, payload hypervisor.VMConfig) (*VMState, error) {
	if err := os.MkdirAll(m.runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure runtime dir: %w", err)
	}

	// Managed TAPs for NICs that name neither a vhost-user socket nor a
	// pre-provisioned device. The generated names are injected into both
	// the declarative config and the create payload so recovery can
	// re-derive ownership.
	for i := range cfg.Networks {
		if cfg.Networks[i].Kind() != vmconfig.NetMacvtap {
			continue
		}
		tap := network.TapName(vm.id, i)
		if err := m.network.CreateTap(ctx, tap); err != nil {
			return nil, fmt.Errorf("provision tap %s: %w", tap, err)
		}
		vm.taps = append(vm.taps, tap)
		cfg.Networks[i].Tap = tap
		payload.Net[i].Tap = tap
	}

	proc, err := m.launcher.Launch(ctx, vm.socketPath, vm.consoleLogPath)
	if err != nil {
		return nil, err
	}
	vm.proc = proc
	vm.client = m.clients(vm.socketPath)
	vm.config = cfg

	if err := vm.client.Create(ctx, payload); err != nil {
		return nil, err
	}
	vm.setObserved(hypervisor.StateCreated)

	if err := vm.persistConfig(); err != nil {
		m.logger.Warn("persist vm config", "vm", vm.id, "error", err)
	}

	m.monitor(vm, proc)
	m.logger.Info("vm created", "vm", vm.id, "pid", proc.PID())

	return m.snapshotLocked(vm), nil
}

// monitor watches the child and flags unexpected exits.
func (m *Manager) monitor(vm *runtime, proc Process) {
	go func() {
		var exitErr error
		if err, ok := <-proc.Wait(); ok {
			exitErr = err
		}
		vm.recordExit(exitErr)
		if exitErr != nil {
			m.logger.Warn("vm exited unexpectedly", "vm", vm.id, "error", exitErr)
		}
	}()
}

// Start boots a created or shut-down VM.
func (m *Manager) Start(ctx context.Context, id string) (*VMState, error) {
	return m.transition(ctx, id, "boot",
		[]hypervisor.State{hypervisor.StateCreated, hypervisor.StateShutdown},
		hypervisor.StateRunning,
		func(c hypervisor.Client) error { return c.Boot(ctx) })
}

// Stop shuts the guest down. Allowed from paused as well: the hypervisor
// accepts vm.shutdown from a paused guest.
func (m *Manager) Stop(ctx context.Context, id string) (*VMState, error) {
	return m.transition(ctx, id, "shutdown",
		[]hypervisor.State{hypervisor.StateRunning, hypervisor.StatePaused},
		hypervisor.StateShutdown,
		func(c hypervisor.Client) error { return c.Shutdown(ctx) })
}

// Pause suspends a running guest.
func (m *Manager) Pause(ctx context.Context, id string) (*VMState, error) {
	return m.transition(ctx, id, "pause",
		[]hypervisor.State{hypervisor.StateRunning},
		hypervisor.StatePaused,
		func(c hypervisor.Client) error { return c.Pause(ctx) })
}

// Resume continues a paused guest.
func (m *Manager) Resume(ctx context.Context, id string) (*VMState, error) {
	return m.transition(ctx, id, "resume",
		[]hypervisor.State{hypervisor.StatePaused},
		hypervisor.StateRunning,
		func(c hypervisor.Client) error { return c.Resume(ctx) })
}

func (m *Manager) transition(ctx context.Context, id, op string, from []hypervisor.State, to hypervisor.State, call func(hypervisor.Client) error) (*VMState, error) {
	vm, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	defer vm.mu.Unlock()

	if exitErr := vm.takeExit(); exitErr != nil {
		return nil, exitErr
	}

	allowed := false
	for _, s := range from {
		if vm.observed == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: cannot %s vm in state %s", ErrWrongState, op, vm.observed)
	}

	if err := call(vm.client); err != nil {
		// The hypervisor's own state refusal wins over our cached view;
		// observed state is left untouched either way.
		if hypervisor.KindOf(err) == hypervisor.KindState {
			return nil, fmt.Errorf("%w: %v", ErrWrongState, err)
		}
		return nil, err
	}
	vm.setObserved(to)
	return m.snapshotLocked(vm), nil
}

// Info refreshes and returns the VM's state from the hypervisor.
func (m *Manager) Info(ctx context.Context, id string) (*VMState, error) {
	vm, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	defer vm.mu.Unlock()

	info, err := vm.client.Info(ctx)
	if err != nil {
		if exitErr := vm.takeExit(); exitErr != nil {
			return nil, exitErr
		}
		return nil, err
	}
	vm.setObserved(info.State)
	state := m.snapshotLocked(vm)
	state.MemoryActualSize = info.MemoryActualSize
	return state, nil
}

// Delete tears the VM down and removes it from the registry. Deleting an
// unknown id succeeds; teardown is idempotent.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	vm, ok := m.vms[id]
	if ok {
		delete(m.vms, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.teardown(ctx, m, m.stopGrace)
	m.logger.Info("vm deleted", "vm", id)
	return nil
}

// List returns a snapshot of the registry ordered by id. Observed states
// come from the in-memory cache; no hypervisor round-trips.
func (m *Manager) List() []VMState {
	m.mu.Lock()
	vms := make([]*runtime, 0, len(m.vms))
	for _, vm := range m.vms {
		vms = append(vms, vm)
	}
	m.mu.Unlock()

	states := make([]VMState, 0, len(vms))
	for _, vm := range vms {
		vm.mu.Lock()
		states = append(states, *m.snapshotLocked(vm))
		vm.mu.Unlock()
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// AddNet hot-attaches a NIC to a running VM.
func (m *Manager) AddNet(ctx context.Context, id string, spec vmconfig.NetSpec) error {
	return m.hotplug(ctx, id, func(vm *runtime) error {
		if err := vm.client.AddNet(ctx, vmconfig.TranslateNet(spec)); err != nil {
			return err
		}
		vm.config.Networks = append(vm.config.Networks, spec)
		return vm.persistConfig()
	})
}

// RemoveNet detaches a NIC from a running VM.
func (m *Manager) RemoveNet(ctx context.Context, id, deviceID string) error {
	return m.hotplug(ctx, id, func(vm *runtime) error {
		if err := vm.client.RemoveDevice(ctx, deviceID); err != nil {
			return err
		}
		vm.config.Networks = removeNetSpec(vm.config.Networks, deviceID)
		return vm.persistConfig()
	})
}

// AddDisk hot-attaches a disk to a running VM.
func (m *Manager) AddDisk(ctx context.Context, id string, spec vmconfig.DiskSpec) error {
	return m.hotplug(ctx, id, func(vm *runtime) error {
		if err := vm.client.AddDisk(ctx, vmconfig.TranslateDisk(spec)); err != nil {
			return err
		}
		vm.config.Disks = append(vm.config.Disks, spec)
		return vm.persistConfig()
	})
}

// RemoveDisk detaches a disk from a running VM.
func (m *Manager) RemoveDisk(ctx context.Context, id, deviceID string) error {
	return m.hotplug(ctx, id, func(vm *runtime) error {
		if err := vm.client.RemoveDevice(ctx, deviceID); err != nil {
			return err
		}
		vm.config.Disks = removeDiskSpec(vm.config.Disks, deviceID)
		return vm.persistConfig()
	})
}

// AddFs hot-attaches a virtiofs mount to a running VM.
func (m *Manager) AddFs(ctx context.Context, id string, spec vmconfig.FsSpec) error {
	return m.hotplug(ctx, id, func(vm *runtime) error {
		if err := vm.client.AddFs(ctx, vmconfig.TranslateFs(spec)); err != nil {
			return err
		}
		vm.config.Filesystems = append(vm.config.Filesystems, spec)
		return vm.persistConfig()
	})
}

// RemoveFs detaches a virtiofs mount from a running VM.
func (m *Manager) RemoveFs(ctx context.Context, id, deviceID string) error {
	return m.hotplug(ctx, id, func(vm *runtime) error {
		if err := vm.client.RemoveDevice(ctx, deviceID); err != nil {
			return err
		}
		vm.config.Filesystems = removeFsSpec(vm.config.Filesystems, deviceID)
		return vm.persistConfig()
	})
}

func (m *Manager) hotplug(ctx context.Context, id string, fn func(*runtime) error) error {
	vm, err := m.lookup(id)
	if err != nil {
		return err
	}
	defer vm.mu.Unlock()

	if exitErr := vm.takeExit(); exitErr != nil {
		return exitErr
	}
	if vm.observed != hypervisor.StateRunning {
		return fmt.Errorf("%w: hot-plug requires a running vm, state is %s", ErrWrongState, vm.observed)
	}
	return fn(vm)
}

// Counters proxies the hypervisor's performance counters.
func (m *Manager) Counters(ctx context.Context, id string) (map[string]map[string]int64, error) {
	vm, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	defer vm.mu.Unlock()
	return vm.client.Counters(ctx)
}

// ConsoleLogPath returns the VM's console log location.
func (m *Manager) ConsoleLogPath(id string) (string, error) {
	m.mu.Lock()
	vm, ok := m.vms[id]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrVMNotFound, id)
	}
	return vm.consoleLogPath, nil
}

// Shutdown tears down every registered VM.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.vms))
	for id := range m.vms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Delete(ctx, id); err != nil {
			m.logger.Warn("teardown on shutdown", "vm", id, "error", err)
		}
	}
}

func (m *Manager) snapshotLocked(vm *runtime) *VMState {
	state := &VMState{
		ID:     vm.id,
		Status: vm.observed,
		Config: vm.config,
	}
	if vm.proc != nil {
		state.PID = vm.proc.PID()
	}
	return state
}

func removeNetSpec(specs []vmconfig.NetSpec, id string) []vmconfig.NetSpec {
	out := specs[:0]
	for _, s := range specs {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func removeDiskSpec(specs []vmconfig.DiskSpec, id string) []vmconfig.DiskSpec {
	out := specs[:0]
	for _, s := range specs {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func removeFsSpec(specs []vmconfig.FsSpec, id string) []vmconfig.FsSpec {
	out := specs[:0]
	for _, s := range specs {
		if s.ID != id && s.Tag != id {
			out = append(out, s)
		}
	}
	return out
}
