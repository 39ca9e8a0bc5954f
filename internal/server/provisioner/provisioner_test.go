package provisioner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/qaraxhq/qarax/internal/server/db"
	"github.com/qaraxhq/qarax/internal/server/db/sqlite"
)

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	fail     error
}

func (r *fakeRunner) RunCommand(ctx context.Context, host db.Host, req DeployRequest, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.commands = append(r.commands, command)
	return nil
}

type fakeProber struct {
	mu        sync.Mutex
	reachable bool
	probes    int
}

func (p *fakeProber) probe(ctx context.Context, address string, port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.reachable {
		return nil
	}
	return errors.New("connection refused")
}

func (p *fakeProber) setReachable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reachable = v
}

type testEnv struct {
	store  *sqlite.Store
	prov   *Provisioner
	runner *fakeRunner
	prober *fakeProber
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	runner := &fakeRunner{}
	prober := &fakeProber{}
	prov := New(Params{
		Store:         store,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Runner:        runner,
		Prober:        prober.probe,
		ProbeTimeout:  500 * time.Millisecond,
		ProbeInterval: 10 * time.Millisecond,
	})
	return &testEnv{store: store, prov: prov, runner: runner, prober: prober}
}

func (env *testEnv) addHost(t *testing.T, status db.HostStatus) db.Host {
	t.Helper()
	host := db.Host{
		ID:      uuid.New(),
		Name:    "h1",
		Address: "10.0.0.1",
		Port:    50051,
		SSHUser: "root",
		Status:  status,
	}
	require.NoError(t, env.store.Queries().Hosts().Create(context.Background(), &host))
	return host
}

func (env *testEnv) waitForStatus(t *testing.T, hostID uuid.UUID, want db.HostStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		host, err := env.store.Queries().Hosts().Get(context.Background(), hostID)
		require.NoError(t, err)
		if host.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("host never reached %s, stuck at %s", want, host.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeployHappyPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, db.HostStatusDown)
	env.prober.setReachable(true)

	jobID, err := env.prov.Deploy(ctx, host.ID, DeployRequest{
		Password: "secret",
		ImageRef: "quay.io/qarax/node:latest",
	})
	require.NoError(t, err)

	// The synchronous half already flipped the host to installing.
	fetched, err := env.store.Queries().Hosts().Get(ctx, host.ID)
	require.NoError(t, err)
	require.Contains(t,
		[]db.HostStatus{db.HostStatusInstalling, db.HostStatusUp}, fetched.Status)

	env.waitForStatus(t, host.ID, db.HostStatusUp)

	job, err := env.store.Queries().Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, db.JobStatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)

	env.runner.mu.Lock()
	defer env.runner.mu.Unlock()
	require.Len(t, env.runner.commands, 1)
	require.Contains(t, env.runner.commands[0], "bootc switch")
	require.Contains(t, env.runner.commands[0], "quay.io/qarax/node:latest")
}

func TestDeployFailsOnSSHError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, db.HostStatusDown)
	env.runner.fail = errors.New("authentication failed")

	jobID, err := env.prov.Deploy(ctx, host.ID, DeployRequest{Password: "wrong"})
	require.NoError(t, err)

	env.waitForStatus(t, host.ID, db.HostStatusInstallationFailed)

	job, err := env.store.Queries().Jobs().Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, db.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "authentication failed")
}

func TestDeployFailsOnProbeTimeout(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, db.HostStatusDown)
	// prober stays unreachable

	_, err := env.prov.Deploy(ctx, host.ID, DeployRequest{Password: "secret"})
	require.NoError(t, err)

	env.waitForStatus(t, host.ID, db.HostStatusInstallationFailed)

	env.prober.mu.Lock()
	defer env.prober.mu.Unlock()
	require.Greater(t, env.prober.probes, 1, "probe loop should retry before giving up")
}

func TestDeployRejectsWrongState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for _, status := range []db.HostStatus{db.HostStatusUp, db.HostStatusInstalling} {
		host := env.addHostWithName(t, "host-"+string(status), status)
		_, err := env.prov.Deploy(ctx, host.ID, DeployRequest{Password: "secret"})
		require.ErrorIs(t, err, ErrInvalidTransition)
	}
}

func (env *testEnv) addHostWithName(t *testing.T, name string, status db.HostStatus) db.Host {
	t.Helper()
	host := db.Host{
		ID:      uuid.New(),
		Name:    name,
		Address: "10.0.0.1",
		Port:    50051,
		SSHUser: "root",
		Status:  status,
	}
	require.NoError(t, env.store.Queries().Hosts().Create(context.Background(), &host))
	return host
}

func TestDeployRetriesFromInstallationFailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, db.HostStatusInstallationFailed)
	env.prober.setReachable(true)

	_, err := env.prov.Deploy(ctx, host.ID, DeployRequest{Password: "secret"})
	require.NoError(t, err)

	env.waitForStatus(t, host.ID, db.HostStatusUp)
}

func TestDeployRequiresCredentials(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	host := env.addHost(t, db.HostStatusDown)

	_, err := env.prov.Deploy(ctx, host.ID, DeployRequest{})
	require.ErrorIs(t, err, ErrMissingCredentials)

	fetched, err := env.store.Queries().Hosts().Get(ctx, host.ID)
	require.NoError(t, err)
	require.Equal(t, db.HostStatusDown, fetched.Status)
}

func TestDeployUnknownHost(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.prov.Deploy(ctx, uuid.New(), DeployRequest{Password: "secret"})
	require.ErrorIs(t, err, ErrNotFound)
}
