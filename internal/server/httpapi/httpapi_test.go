package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/qaraxhq/qarax/internal/node/hypervisor"
	"github.com/qaraxhq/qarax/internal/node/vmconfig"
	"github.com/qaraxhq/qarax/internal/node/vmm"
	"github.com/qaraxhq/qarax/internal/server/db"
	"github.com/qaraxhq/qarax/internal/server/db/sqlite"
	"github.com/qaraxhq/qarax/internal/server/nodeclient"
	"github.com/qaraxhq/qarax/internal/server/provisioner"
	"github.com/qaraxhq/qarax/internal/server/scheduler"
	"github.com/qaraxhq/qarax/internal/server/transfer"
)

// fakeNode mimics one qarax-node: a per-VM state machine answering the
// dispatcher with the same status codes the real RPC server uses.
type fakeNode struct {
	mu  sync.Mutex
	vms map[string]hypervisor.State
}

func newFakeNode() *fakeNode {
	return &fakeNode{vms: make(map[string]hypervisor.State)}
}

func (n *fakeNode) CreateVM(ctx context.Context, cfg vmconfig.VMConfig) (*vmm.VMState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.vms[cfg.ID]; ok {
		return nil, &nodeclient.APIError{Status: http.StatusConflict, Message: "vm already exists"}
	}
	n.vms[cfg.ID] = hypervisor.StateCreated
	return &vmm.VMState{ID: cfg.ID, Status: hypervisor.StateCreated, Config: cfg}, nil
}

func (n *fakeNode) transition(id string, to hypervisor.State, from ...hypervisor.State) (*vmm.VMState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	current, ok := n.vms[id]
	if !ok {
		return nil, &nodeclient.APIError{Status: http.StatusNotFound, Message: "vm not found"}
	}
	for _, s := range from {
		if current == s {
			n.vms[id] = to
			return &vmm.VMState{ID: id, Status: to}, nil
		}
	}
	return nil, &nodeclient.APIError{
		Status:  http.StatusPreconditionFailed,
		Message: "invalid state for operation",
	}
}

func (n *fakeNode) StartVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return n.transition(id, hypervisor.StateRunning, hypervisor.StateCreated, hypervisor.StateShutdown)
}
func (n *fakeNode) StopVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return n.transition(id, hypervisor.StateShutdown, hypervisor.StateRunning, hypervisor.StatePaused)
}
func (n *fakeNode) PauseVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return n.transition(id, hypervisor.StatePaused, hypervisor.StateRunning)
}
func (n *fakeNode) ResumeVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return n.transition(id, hypervisor.StateRunning, hypervisor.StatePaused)
}
func (n *fakeNode) DeleteVM(ctx context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.vms, id)
	return nil
}
func (n *fakeNode) GetVMInfo(ctx context.Context, id string) (*vmm.VMState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	state, ok := n.vms[id]
	if !ok {
		return nil, &nodeclient.APIError{Status: http.StatusNotFound, Message: "vm not found"}
	}
	return &vmm.VMState{ID: id, Status: state}, nil
}
func (n *fakeNode) AddNetworkDevice(ctx context.Context, id string, spec vmconfig.NetSpec) error {
	return nil
}
func (n *fakeNode) RemoveNetworkDevice(ctx context.Context, id, deviceID string) error { return nil }
func (n *fakeNode) AddDiskDevice(ctx context.Context, id string, spec vmconfig.DiskSpec) error {
	return nil
}
func (n *fakeNode) RemoveDiskDevice(ctx context.Context, id, deviceID string) error { return nil }

type restEnv struct {
	store  *sqlite.Store
	server *httptest.Server
	node   *fakeNode
}

func newRESTEnv(t *testing.T) *restEnv {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node := newFakeNode()
	sched := scheduler.New(store, logger, func(host db.Host) scheduler.NodeClient { return node })
	prov := provisioner.New(provisioner.Params{
		Store:  store,
		Logger: logger,
		Runner: noopRunner{},
		Prober: func(ctx context.Context, address string, port uint16) error { return nil },
		// Short cadence keeps the deploy test fast.
		ProbeTimeout:  time.Second,
		ProbeInterval: 10 * time.Millisecond,
	})
	transfers := transfer.New(store, logger)

	server := httptest.NewServer(New(logger, store, sched, prov, transfers))
	t.Cleanup(server.Close)

	return &restEnv{store: store, server: server, node: node}
}

type noopRunner struct{}

func (noopRunner) RunCommand(ctx context.Context, host db.Host, req provisioner.DeployRequest, command string) error {
	return nil
}

func (env *restEnv) addUpHost(t *testing.T) db.Host {
	t.Helper()
	host := db.Host{
		ID: uuid.New(), Name: "h1", Address: "10.0.0.1", Port: 50051,
		SSHUser: "root", Status: db.HostStatusUp,
	}
	require.NoError(t, env.store.Queries().Hosts().Create(context.Background(), &host))
	return host
}

func (env *restEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(env.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func vmBody(name string) map[string]any {
	return map[string]any{
		"name":        name,
		"hypervisor":  "cloud_hv",
		"boot_vcpus":  1,
		"max_vcpus":   1,
		"memory_size": 268435456,
	}
}

func TestCreateBootShutdownDelete(t *testing.T) {
	env := newRESTEnv(t)
	env.addUpHost(t)

	resp, payload := env.post(t, "/vms", vmBody("v1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	vmID := payload["id"].(string)

	resp, payload = env.post(t, "/vms/"+vmID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "running", payload["status"])

	resp, payload = env.post(t, "/vms/"+vmID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "shutdown", payload["status"])

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/vms/"+vmID, nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	listResp, err := http.Get(env.server.URL + "/vms")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var vms []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&vms))
	require.Empty(t, vms)
}

func TestCreateVMNoEligibleHost(t *testing.T) {
	env := newRESTEnv(t)
	// Only a down host exists.
	host := db.Host{
		ID: uuid.New(), Name: "h1", Address: "10.0.0.1", Port: 50051,
		Status: db.HostStatusDown,
	}
	require.NoError(t, env.store.Queries().Hosts().Create(context.Background(), &host))

	resp, payload := env.post(t, "/vms", vmBody("v1"))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "no-eligible-host", payload["kind"])

	listResp, err := http.Get(env.server.URL + "/vms")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var vms []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&vms))
	require.Empty(t, vms)
}

func TestCreateVMInvalidHotplug(t *testing.T) {
	env := newRESTEnv(t)
	env.addUpHost(t)

	body := vmBody("v1")
	body["memory_hotplug_size"] = 1

	resp, payload := env.post(t, "/vms", body)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "invalid-config", payload["kind"])
}

func TestCreateVMVhostNicForcesSharedMemory(t *testing.T) {
	env := newRESTEnv(t)
	env.addUpHost(t)

	body := vmBody("v1")
	body["memory_shared"] = false
	body["networks"] = []map[string]any{
		{"id": "net0", "vhost_user": true, "vhost_socket": "/run/x.sock"},
	}

	resp, payload := env.post(t, "/vms", body)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "invalid-config", payload["kind"])

	body["memory_shared"] = true
	body["name"] = "v2"
	resp, _ = env.post(t, "/vms", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestIllegalTransitionReturns409(t *testing.T) {
	env := newRESTEnv(t)
	env.addUpHost(t)

	resp, payload := env.post(t, "/vms", vmBody("v1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	vmID := payload["id"].(string)

	// Pause while still created, never booted.
	resp, payload = env.post(t, "/vms/"+vmID+"/pause", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "state", payload["kind"])

	// Observed state unchanged.
	getResp, err := http.Get(env.server.URL + "/vms/" + vmID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	var vm map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&vm))
	require.Equal(t, "created", vm["status"])
}

func TestHostDeployTransitionsToUp(t *testing.T) {
	env := newRESTEnv(t)
	host := db.Host{
		ID: uuid.New(), Name: "h1", Address: "10.0.0.1", Port: 50051,
		SSHUser: "root", Status: db.HostStatusDown,
	}
	require.NoError(t, env.store.Queries().Hosts().Create(context.Background(), &host))

	resp, payload := env.post(t, "/hosts/"+host.ID.String()+"/deploy", map[string]any{
		"password":  "secret",
		"image_ref": "quay.io/qarax/node:latest",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, payload["job_id"])

	deadline := time.Now().Add(5 * time.Second)
	for {
		fetched, err := env.store.Queries().Hosts().Get(context.Background(), host.ID)
		require.NoError(t, err)
		if fetched.Status == db.HostStatusUp {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("host never reached up, status %s", fetched.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopOnShutdownVMReturnsState(t *testing.T) {
	env := newRESTEnv(t)
	env.addUpHost(t)

	_, payload := env.post(t, "/vms", vmBody("v1"))
	vmID := payload["id"].(string)

	resp, _ := env.post(t, "/vms/"+vmID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.post(t, "/vms/"+vmID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload = env.post(t, "/vms/"+vmID+"/stop", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "state", payload["kind"])
}
