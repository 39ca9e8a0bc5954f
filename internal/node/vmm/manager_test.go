package vmm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/qaraxhq/qarax/internal/node/hypervisor"
	"github.com/qaraxhq/qarax/internal/node/network"
	"github.com/qaraxhq/qarax/internal/node/vmconfig"
)

const testVMID = "24b6061e-9cf3-4d22-8a1c-1ab64815c96d"

func testConfig(id string) vmconfig.VMConfig {
	return vmconfig.VMConfig{
		ID:     id,
		CPUs:   vmconfig.CpusSpec{BootVcpus: 1, MaxVcpus: 1},
		Memory: vmconfig.MemorySpec{Size: 268435456},
		Payload: vmconfig.PayloadSpec{
			Kernel:  "/var/lib/qarax/images/vmlinux",
			Cmdline: "console=ttyS0",
		},
	}
}

// fakeProcess satisfies Process without spawning anything.
type fakeProcess struct {
	pid     int
	done    chan error
	stopped bool
	mu      sync.Mutex
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan error, 1)}
}

func (p *fakeProcess) PID() int           { return p.pid }
func (p *fakeProcess) Wait() <-chan error { return p.done }
func (p *fakeProcess) Kill() error        { return p.stop() }
func (p *fakeProcess) Stop(ctx context.Context, grace time.Duration) error {
	return p.stop()
}

func (p *fakeProcess) stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.done)
	}
	return nil
}

// exit simulates the child dying on its own.
func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		if err != nil {
			p.done <- err
		}
		close(p.done)
	}
}

type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	procs   []*fakeProcess
	fail    error
}

func (l *fakeLauncher) Launch(ctx context.Context, socketPath, consoleLogPath string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	l.nextPID++
	proc := newFakeProcess(l.nextPID)
	l.procs = append(l.procs, proc)
	// A real launcher leaves the socket behind; tests that exercise
	// teardown look for it.
	_ = os.WriteFile(socketPath, nil, 0o600)
	return proc, nil
}

// fakeClient is an in-memory VMM state machine.
type fakeClient struct {
	mu         sync.Mutex
	state      hypervisor.State
	createErr  error
	infoErr    error
	hotplugged []string
}

func (c *fakeClient) Create(ctx context.Context, config hypervisor.VMConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return c.createErr
	}
	c.state = hypervisor.StateCreated
	return nil
}

func (c *fakeClient) Boot(ctx context.Context) error {
	return c.transition(hypervisor.StateRunning, hypervisor.StateCreated, hypervisor.StateShutdown)
}

func (c *fakeClient) Shutdown(ctx context.Context) error {
	return c.transition(hypervisor.StateShutdown, hypervisor.StateRunning, hypervisor.StatePaused)
}

func (c *fakeClient) Pause(ctx context.Context) error {
	return c.transition(hypervisor.StatePaused, hypervisor.StateRunning)
}

func (c *fakeClient) Resume(ctx context.Context) error {
	return c.transition(hypervisor.StateRunning, hypervisor.StatePaused)
}

func (c *fakeClient) transition(to hypervisor.State, from ...hypervisor.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.state = to
			return nil
		}
	}
	return &hypervisor.Error{Kind: hypervisor.KindState, Op: "transition", Status: 405}
}

func (c *fakeClient) Info(ctx context.Context) (*hypervisor.VMInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.infoErr != nil {
		return nil, c.infoErr
	}
	return &hypervisor.VMInfo{State: c.state}, nil
}

func (c *fakeClient) AddNet(ctx context.Context, config hypervisor.NetConfig) error {
	return c.record("net:" + config.ID)
}

func (c *fakeClient) AddDisk(ctx context.Context, config hypervisor.DiskConfig) error {
	return c.record("disk:" + config.ID)
}

func (c *fakeClient) AddFs(ctx context.Context, config hypervisor.FsConfig) error {
	return c.record("fs:" + config.Tag)
}

func (c *fakeClient) RemoveDevice(ctx context.Context, deviceID string) error {
	return c.record("remove:" + deviceID)
}

func (c *fakeClient) record(entry string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hotplugged = append(c.hotplugged, entry)
	return nil
}

func (c *fakeClient) Counters(ctx context.Context) (map[string]map[string]int64, error) {
	return map[string]map[string]int64{}, nil
}

type testEnv struct {
	manager  *Manager
	launcher *fakeLauncher
	clients  map[string]*fakeClient
	mu       sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		launcher: &fakeLauncher{},
		clients:  make(map[string]*fakeClient),
	}

	manager, err := New(Params{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		RuntimeDir: t.TempDir(),
		Launcher:   env.launcher,
		Clients: func(socketPath string) hypervisor.Client {
			env.mu.Lock()
			defer env.mu.Unlock()
			if c, ok := env.clients[socketPath]; ok {
				return c
			}
			c := &fakeClient{state: hypervisor.StateUnknown}
			env.clients[socketPath] = c
			return c
		},
		Network:   network.NewNoop(),
		StopGrace: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	env.manager = manager
	return env
}

func TestCreateAndLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	state, err := env.manager.Create(ctx, testConfig(testVMID))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if state.Status != hypervisor.StateCreated {
		t.Fatalf("expected created, got %s", state.Status)
	}
	if state.PID == 0 {
		t.Fatalf("expected pid to be set")
	}

	state, err = env.manager.Start(ctx, testVMID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if state.Status != hypervisor.StateRunning {
		t.Fatalf("expected running, got %s", state.Status)
	}

	state, err = env.manager.Pause(ctx, testVMID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if state.Status != hypervisor.StatePaused {
		t.Fatalf("expected paused, got %s", state.Status)
	}

	state, err = env.manager.Resume(ctx, testVMID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if state.Status != hypervisor.StateRunning {
		t.Fatalf("expected running after resume, got %s", state.Status)
	}

	state, err = env.manager.Stop(ctx, testVMID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if state.Status != hypervisor.StateShutdown {
		t.Fatalf("expected shutdown, got %s", state.Status)
	}
}

func TestStopFromPausedIsAllowed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.manager.Create(ctx, testConfig(testVMID)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Start(ctx, testVMID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.manager.Pause(ctx, testVMID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	state, err := env.manager.Stop(ctx, testVMID)
	if err != nil {
		t.Fatalf("stop from paused: %v", err)
	}
	if state.Status != hypervisor.StateShutdown {
		t.Fatalf("expected shutdown, got %s", state.Status)
	}
}

func TestIllegalTransitionsLeaveStateUntouched(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.manager.Create(ctx, testConfig(testVMID)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Pause from created must fail without changing observed state.
	if _, err := env.manager.Pause(ctx, testVMID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
	// Stop from created likewise.
	if _, err := env.manager.Stop(ctx, testVMID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}

	states := env.manager.List()
	if len(states) != 1 || states[0].Status != hypervisor.StateCreated {
		t.Fatalf("observed state mutated by rejected op: %+v", states)
	}

	// Boot from running must fail too.
	if _, err := env.manager.Start(ctx, testVMID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.manager.Start(ctx, testVMID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState on double boot, got %v", err)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.manager.Create(ctx, testConfig(testVMID)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Create(ctx, testConfig(testVMID)); !errors.Is(err, ErrVMExists) {
		t.Fatalf("expected ErrVMExists, got %v", err)
	}
}

func TestCreateRollsBackOnHypervisorFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	socket := env.manager.socketPath(testVMID)
	env.mu.Lock()
	env.clients[socket] = &fakeClient{
		createErr: &hypervisor.Error{Kind: hypervisor.KindServer, Op: "vm.create", Status: 500},
	}
	env.mu.Unlock()

	if _, err := env.manager.Create(ctx, testConfig(testVMID)); err == nil {
		t.Fatalf("expected create failure")
	}

	if len(env.manager.List()) != 0 {
		t.Fatalf("failed create left a registry entry")
	}
	if _, err := os.Stat(socket); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("failed create left the socket behind")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.manager.Create(ctx, testConfig(testVMID)); err != nil {
		t.Fatalf("create: %v", err)
	}
	socket := env.manager.socketPath(testVMID)

	if err := env.manager.Delete(ctx, testVMID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(socket); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("delete left the socket behind")
	}
	if len(env.manager.List()) != 0 {
		t.Fatalf("delete left a registry entry")
	}

	// Second delete and deletes of unknown ids succeed.
	if err := env.manager.Delete(ctx, testVMID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := env.manager.Delete(ctx, "no-such-vm"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
}

func TestUnexpectedExitSurfacesOnNextCall(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.manager.Create(ctx, testConfig(testVMID)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Start(ctx, testVMID); err != nil {
		t.Fatalf("start: %v", err)
	}

	env.launcher.mu.Lock()
	proc := env.launcher.procs[0]
	env.launcher.mu.Unlock()
	proc.exit(errors.New("signal: killed"))

	// The monitor goroutine needs a moment to observe the exit.
	deadline := time.Now().Add(2 * time.Second)
	for {
		states := env.manager.List()
		if len(states) == 1 && states[0].Status == hypervisor.StateUnknown {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("observed state never became unknown: %+v", states)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := env.manager.Start(ctx, testVMID); !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited on next call, got %v", err)
	}
}

func TestHotplugRequiresRunning(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.manager.Create(ctx, testConfig(testVMID)); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := env.manager.AddNet(ctx, testVMID, vmconfig.NetSpec{ID: "net0"})
	if !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState for hot-plug on created vm, got %v", err)
	}

	if _, err := env.manager.Start(ctx, testVMID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.manager.AddNet(ctx, testVMID, vmconfig.NetSpec{ID: "net0"}); err != nil {
		t.Fatalf("add net on running vm: %v", err)
	}
	if err := env.manager.RemoveNet(ctx, testVMID, "net0"); err != nil {
		t.Fatalf("remove net: %v", err)
	}
}

func TestListOmitsDeletedVMs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	other := "a1b2c3d4-0000-0000-0000-000000000000"
	if _, err := env.manager.Create(ctx, testConfig(testVMID)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.manager.Create(ctx, testConfig(other)); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if err := env.manager.Delete(ctx, testVMID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	states := env.manager.List()
	if len(states) != 1 || states[0].ID != other {
		t.Fatalf("unexpected list after delete: %+v", states)
	}
}

func TestReconcileAdoptsLiveSocketsAndSweepsDead(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	liveID := testVMID
	deadID := "deadbeef-0000-0000-0000-000000000000"

	liveSocket := env.manager.socketPath(liveID)
	deadSocket := env.manager.socketPath(deadID)
	if err := os.WriteFile(liveSocket, nil, 0o600); err != nil {
		t.Fatalf("seed live socket: %v", err)
	}
	if err := os.WriteFile(deadSocket, nil, 0o600); err != nil {
		t.Fatalf("seed dead socket: %v", err)
	}

	env.mu.Lock()
	env.clients[liveSocket] = &fakeClient{state: hypervisor.StateRunning}
	env.clients[deadSocket] = &fakeClient{
		infoErr: &hypervisor.Error{Kind: hypervisor.KindTransport, Op: "vm.info"},
	}
	env.mu.Unlock()

	if err := env.manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	states := env.manager.List()
	if len(states) != 1 {
		t.Fatalf("expected 1 recovered vm, got %d", len(states))
	}
	if states[0].ID != liveID || states[0].Status != hypervisor.StateRunning {
		t.Fatalf("unexpected recovered state: %+v", states[0])
	}
	if _, err := os.Stat(deadSocket); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("dead socket not unlinked")
	}
	if _, err := os.Stat(liveSocket); err != nil {
		t.Fatalf("live socket should remain: %v", err)
	}
}

func TestReconcileReadsPersistedTapOwnership(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	socket := env.manager.socketPath(testVMID)
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatalf("seed socket: %v", err)
	}
	cfg := testConfig(testVMID)
	cfg.Networks = []vmconfig.NetSpec{{ID: "net0", Tap: network.TapName(testVMID, 0)}}
	raw, _ := json.Marshal(cfg)
	if err := os.WriteFile(env.manager.configPath(testVMID), raw, 0o600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	env.mu.Lock()
	env.clients[socket] = &fakeClient{state: hypervisor.StateCreated}
	env.mu.Unlock()

	if err := env.manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	states := env.manager.List()
	if len(states) != 1 {
		t.Fatalf("expected recovered vm")
	}
	if len(states[0].Config.Networks) != 1 {
		t.Fatalf("persisted config not restored: %+v", states[0].Config)
	}
}
