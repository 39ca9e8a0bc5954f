package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/qaraxhq/qarax/internal/node/hypervisor"
	"github.com/qaraxhq/qarax/internal/node/vmconfig"
	"github.com/qaraxhq/qarax/internal/node/vmm"
	"github.com/qaraxhq/qarax/internal/server/db"
	"github.com/qaraxhq/qarax/internal/server/db/sqlite"
	"github.com/qaraxhq/qarax/internal/server/nodeclient"
)

// fakeNode records the calls one host's node client receives.
type fakeNode struct {
	mu      sync.Mutex
	created []vmconfig.VMConfig
	state   hypervisor.State
	fail    error
}

func (n *fakeNode) CreateVM(ctx context.Context, cfg vmconfig.VMConfig) (*vmm.VMState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return nil, n.fail
	}
	n.created = append(n.created, cfg)
	n.state = hypervisor.StateCreated
	return &vmm.VMState{ID: cfg.ID, Status: n.state, Config: cfg}, nil
}

func (n *fakeNode) lifecycle(id string, state hypervisor.State) (*vmm.VMState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return nil, n.fail
	}
	n.state = state
	return &vmm.VMState{ID: id, Status: state}, nil
}

func (n *fakeNode) StartVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return n.lifecycle(id, hypervisor.StateRunning)
}
func (n *fakeNode) StopVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return n.lifecycle(id, hypervisor.StateShutdown)
}
func (n *fakeNode) PauseVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return n.lifecycle(id, hypervisor.StatePaused)
}
func (n *fakeNode) ResumeVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return n.lifecycle(id, hypervisor.StateRunning)
}
func (n *fakeNode) DeleteVM(ctx context.Context, id string) error { return n.fail }
func (n *fakeNode) GetVMInfo(ctx context.Context, id string) (*vmm.VMState, error) {
	return n.lifecycle(id, n.state)
}
func (n *fakeNode) AddNetworkDevice(ctx context.Context, id string, spec vmconfig.NetSpec) error {
	return n.fail
}
func (n *fakeNode) RemoveNetworkDevice(ctx context.Context, id, deviceID string) error {
	return n.fail
}
func (n *fakeNode) AddDiskDevice(ctx context.Context, id string, spec vmconfig.DiskSpec) error {
	return n.fail
}
func (n *fakeNode) RemoveDiskDevice(ctx context.Context, id, deviceID string) error {
	return n.fail
}

type testEnv struct {
	store *sqlite.Store
	sched *Scheduler
	nodes map[uuid.UUID]*fakeNode
	mu    sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	env := &testEnv{store: store, nodes: make(map[uuid.UUID]*fakeNode)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.sched = New(store, logger, func(host db.Host) NodeClient {
		env.mu.Lock()
		defer env.mu.Unlock()
		if n, ok := env.nodes[host.ID]; ok {
			return n
		}
		n := &fakeNode{}
		env.nodes[host.ID] = n
		return n
	})
	return env
}

func (env *testEnv) addHost(t *testing.T, name string, status db.HostStatus) db.Host {
	t.Helper()
	host := db.Host{
		ID:      uuid.New(),
		Name:    name,
		Address: "10.0.0.1",
		Port:    50051,
		Status:  status,
	}
	require.NoError(t, env.store.Queries().Hosts().Create(context.Background(), &host))
	return host
}

func (env *testEnv) node(hostID uuid.UUID) *fakeNode {
	env.mu.Lock()
	defer env.mu.Unlock()
	if n, ok := env.nodes[hostID]; ok {
		return n
	}
	n := &fakeNode{}
	env.nodes[hostID] = n
	return n
}

func baseRequest(name string) CreateVMRequest {
	return CreateVMRequest{
		Name:       name,
		Hypervisor: "cloud_hv",
		BootVcpus:  1,
		MaxVcpus:   1,
		MemorySize: 268435456,
	}
}

func TestCreateVMSchedulesAndDispatches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, "h1", db.HostStatusUp)

	vm, err := env.sched.CreateVM(ctx, baseRequest("v1"))
	require.NoError(t, err)
	require.NotNil(t, vm.HostID)
	require.Equal(t, host.ID, *vm.HostID)
	require.Equal(t, db.VMStatusCreated, vm.Status)

	node := env.node(host.ID)
	require.Len(t, node.created, 1)
	require.Equal(t, vm.ID.String(), node.created[0].ID)

	stored, err := env.store.Queries().VMs().Get(ctx, vm.ID)
	require.NoError(t, err)
	require.Equal(t, db.VMStatusCreated, stored.Status)
}

func TestCreateVMWithoutUpHostsFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addHost(t, "h1", db.HostStatusDown)
	env.addHost(t, "h2", db.HostStatusInstalling)

	_, err := env.sched.CreateVM(ctx, baseRequest("v1"))
	require.ErrorIs(t, err, ErrNoEligibleHost)

	vms, err := env.store.Queries().VMs().List(ctx)
	require.NoError(t, err)
	require.Empty(t, vms, "no VM row may be written when scheduling fails")
}

func TestCreateVMPrefersLeastLoadedHost(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	h1 := env.addHost(t, "h1", db.HostStatusUp)
	h2 := env.addHost(t, "h2", db.HostStatusUp)

	first, err := env.sched.CreateVM(ctx, baseRequest("v1"))
	require.NoError(t, err)
	second, err := env.sched.CreateVM(ctx, baseRequest("v2"))
	require.NoError(t, err)

	// One VM each: the second create must land on the other host.
	require.NotEqual(t, *first.HostID, *second.HostID)
	hosts := map[uuid.UUID]bool{h1.ID: true, h2.ID: true}
	require.True(t, hosts[*first.HostID])
	require.True(t, hosts[*second.HostID])
}

func TestCreateVMRejectsInvalidHotplug(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addHost(t, "h1", db.HostStatusUp)

	req := baseRequest("v1")
	tooSmall := int64(1)
	req.MemoryHotplugSize = &tooSmall

	_, err := env.sched.CreateVM(ctx, req)
	require.ErrorIs(t, err, vmconfig.ErrInvalid)

	vms, err := env.store.Queries().VMs().List(ctx)
	require.NoError(t, err)
	require.Empty(t, vms, "invalid config must not leave a VM row")
}

func TestCreateVMVhostNicRequiresSharedMemory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addHost(t, "h1", db.HostStatusUp)

	req := baseRequest("v1")
	req.Networks = []NetworkRequest{{ID: "net0", VhostUser: true, VhostSocket: "/run/x.sock"}}

	_, err := env.sched.CreateVM(ctx, req)
	require.ErrorIs(t, err, vmconfig.ErrInvalid)

	req.MemoryShared = true
	vm, err := env.sched.CreateVM(ctx, req)
	require.NoError(t, err)
	require.Equal(t, db.VMStatusCreated, vm.Status)
}

func TestCreateVMMarksUnknownOnDispatchFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, "h1", db.HostStatusUp)
	env.node(host.ID).fail = &nodeclient.APIError{Status: 500, Message: "boom"}

	_, err := env.sched.CreateVM(ctx, baseRequest("v1"))
	require.Error(t, err)

	vms, listErr := env.store.Queries().VMs().List(ctx)
	require.NoError(t, listErr)
	require.Len(t, vms, 1)
	require.Equal(t, db.VMStatusUnknown, vms[0].Status)
}

func TestLifecyclePersistsObservedState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, "h1", db.HostStatusUp)

	vm, err := env.sched.CreateVM(ctx, baseRequest("v1"))
	require.NoError(t, err)

	updated, err := env.sched.Lifecycle(ctx, vm.ID, "start")
	require.NoError(t, err)
	require.Equal(t, db.VMStatusRunning, updated.Status)

	stored, err := env.store.Queries().VMs().Get(ctx, vm.ID)
	require.NoError(t, err)
	require.Equal(t, db.VMStatusRunning, stored.Status)

	updated, err = env.sched.Lifecycle(ctx, vm.ID, "stop")
	require.NoError(t, err)
	require.Equal(t, db.VMStatusShutdown, updated.Status)

	_ = host
}

func TestLifecycleRejectsWhenHostNotUp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, "h1", db.HostStatusUp)

	vm, err := env.sched.CreateVM(ctx, baseRequest("v1"))
	require.NoError(t, err)

	require.NoError(t, env.store.Queries().Hosts().UpdateStatus(ctx, host.ID, db.HostStatusDown))

	_, err = env.sched.Lifecycle(ctx, vm.ID, "start")
	require.ErrorIs(t, err, ErrHostNotUp)
}

func TestLifecycleUnknownVM(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addHost(t, "h1", db.HostStatusUp)

	_, err := env.sched.Lifecycle(ctx, uuid.New(), "start")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteVMRemovesRow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addHost(t, "h1", db.HostStatusUp)

	vm, err := env.sched.CreateVM(ctx, baseRequest("v1"))
	require.NoError(t, err)

	require.NoError(t, env.sched.DeleteVM(ctx, vm.ID))

	stored, err := env.store.Queries().VMs().Get(ctx, vm.ID)
	require.NoError(t, err)
	require.Nil(t, stored)

	err = env.sched.DeleteVM(ctx, vm.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateVMResolvesBootSourcePaths(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, "h1", db.HostStatusUp)

	pool := db.StoragePool{
		ID: uuid.New(), Name: "local", Type: db.PoolTypeLocal,
		Config: []byte(`{"path":"/var/lib/qarax/pool"}`), Status: db.PoolStatusActive,
	}
	require.NoError(t, env.store.Queries().StoragePools().Create(ctx, &pool))

	kernel := db.StorageObject{
		ID: uuid.New(), PoolID: pool.ID, Name: "vmlinux", Type: db.ObjectTypeKernel,
		Config: []byte(`{"path":"/var/lib/qarax/pool/vmlinux"}`),
	}
	require.NoError(t, env.store.Queries().StorageObjects().Create(ctx, &kernel))

	bs := db.BootSource{
		ID: uuid.New(), Name: "default", KernelID: kernel.ID,
		KernelCmdline: "console=ttyS0 reboot=k panic=1",
	}
	require.NoError(t, env.store.Queries().BootSources().Create(ctx, &bs))

	req := baseRequest("v1")
	req.BootSourceID = &bs.ID

	vm, err := env.sched.CreateVM(ctx, req)
	require.NoError(t, err)

	node := env.node(host.ID)
	require.Len(t, node.created, 1)
	require.Equal(t, "/var/lib/qarax/pool/vmlinux", node.created[0].Payload.Kernel)
	require.Equal(t, "console=ttyS0 reboot=k panic=1", node.created[0].Payload.Cmdline)
	_ = vm
}

func TestCreateVMRejectsMissingBootSource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addHost(t, "h1", db.HostStatusUp)

	missing := uuid.New()
	req := baseRequest("v1")
	req.BootSourceID = &missing

	_, err := env.sched.CreateVM(ctx, req)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrReferential) || errors.Is(err, db.ErrConflict))

	vms, listErr := env.store.Queries().VMs().List(ctx)
	require.NoError(t, listErr)
	require.Empty(t, vms)
}
