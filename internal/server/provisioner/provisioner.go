package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qaraxhq/qarax/internal/server/db"
)

const (
	// DefaultProbeTimeout bounds the wait for the node RPC port after the
	// image switch.
	DefaultProbeTimeout = 420 * time.Second
	// DefaultProbeInterval spaces reachability probes.
	DefaultProbeInterval = 5 * time.Second

	// rebootSettle gives the host time to actually go down before the
	// probe loop starts seeing the old system as "reachable".
	rebootSettle = 15 * time.Second

	jobTypeDeploy = "host_deploy"
)

var (
	// ErrNotFound indicates the host does not exist.
	ErrNotFound = errors.New("provisioner: host not found")
	// ErrInvalidTransition indicates deploy was requested from a state
	// other than down or installation_failed.
	ErrInvalidTransition = errors.New("provisioner: host not in a deployable state")
	// ErrMissingCredentials indicates the deploy request carried no SSH
	// authentication method.
	ErrMissingCredentials = errors.New("provisioner: ssh password or private key required")
)

// DeployRequest carries the credentials and image reference for one deploy.
type DeployRequest struct {
	SSHPort    uint16 `json:"ssh_port,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	ImageRef   string `json:"image_ref,omitempty"`
	Reboot     bool   `json:"reboot"`
}

// Runner executes a command on the host over SSH.
type Runner interface {
	RunCommand(ctx context.Context, host db.Host, req DeployRequest, command string) error
}

// Prober checks TCP reachability of the node RPC port.
type Prober func(ctx context.Context, address string, port uint16) error

// TCPProber dials the port directly.
func TCPProber(ctx context.Context, address string, port uint16) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(int(port))))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Provisioner drives hosts through down → installing → up by switching the
// immutable appliance image over SSH and probing the node port.
type Provisioner struct {
	store         db.Store
	logger        *slog.Logger
	runner        Runner
	prober        Prober
	probeTimeout  time.Duration
	probeInterval time.Duration
}

// Params wires the provisioner's dependencies; zero durations take the
// defaults.
type Params struct {
	Store         db.Store
	Logger        *slog.Logger
	Runner        Runner
	Prober        Prober
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
}

// New constructs a provisioner.
func New(params Params) *Provisioner {
	p := &Provisioner{
		store:         params.Store,
		logger:        params.Logger.With("component", "provisioner"),
		runner:        params.Runner,
		prober:        params.Prober,
		probeTimeout:  params.ProbeTimeout,
		probeInterval: params.ProbeInterval,
	}
	if p.runner == nil {
		p.runner = &sshRunner{}
	}
	if p.prober == nil {
		p.prober = TCPProber
	}
	if p.probeTimeout <= 0 {
		p.probeTimeout = DefaultProbeTimeout
	}
	if p.probeInterval <= 0 {
		p.probeInterval = DefaultProbeInterval
	}
	return p
}

// Deploy transitions the host to installing, records a job, and runs the
// installation asynchronously. The returned job id tracks progress.
func (p *Provisioner) Deploy(ctx context.Context, hostID uuid.UUID, req DeployRequest) (uuid.UUID, error) {
	if strings.TrimSpace(req.Password) == "" && strings.TrimSpace(req.PrivateKey) == "" {
		return uuid.Nil, ErrMissingCredentials
	}

	var host db.Host
	job := db.Job{
		ID:     uuid.New(),
		Type:   jobTypeDeploy,
		Status: db.JobStatusRunning,
	}

	err := p.store.WithTx(ctx, func(q db.Queries) error {
		h, err := q.Hosts().Get(ctx, hostID)
		if err != nil {
			return err
		}
		if h == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, hostID)
		}
		if h.Status != db.HostStatusDown && h.Status != db.HostStatusInstallationFailed {
			return fmt.Errorf("%w: status is %s", ErrInvalidTransition, h.Status)
		}
		host = *h

		if err := q.Hosts().UpdateStatus(ctx, hostID, db.HostStatusInstalling); err != nil {
			return err
		}
		job.ResourceID = &host.ID
		return q.Jobs().Create(ctx, &job)
	})
	if err != nil {
		return uuid.Nil, err
	}

	go p.install(host, req, job.ID)
	return job.ID, nil
}

// install runs detached from the request; it owns the terminal host status.
func (p *Provisioner) install(host db.Host, req DeployRequest, jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), p.probeTimeout+5*time.Minute)
	defer cancel()

	fail := func(stage string, err error) {
		p.logger.Error("host deploy failed", "host", host.ID, "stage", stage, "error", err)
		q := p.store.Queries()
		if updErr := q.Hosts().UpdateStatus(ctx, host.ID, db.HostStatusInstallationFailed); updErr != nil {
			p.logger.Error("mark host installation_failed", "host", host.ID, "error", updErr)
		}
		if updErr := q.Jobs().Update(ctx, jobID, db.JobStatusFailed, 100, fmt.Sprintf("%s: %v", stage, err)); updErr != nil {
			p.logger.Error("update deploy job", "job", jobID, "error", updErr)
		}
	}

	progress := func(pct int) {
		if err := p.store.Queries().Jobs().Update(ctx, jobID, db.JobStatusRunning, pct, ""); err != nil {
			p.logger.Warn("update deploy progress", "job", jobID, "error", err)
		}
	}

	if err := p.runner.RunCommand(ctx, host, req, buildSwitchScript(req)); err != nil {
		fail("image switch", err)
		return
	}
	progress(50)

	if req.Reboot {
		// The reboot command drops the SSH connection; give the machine a
		// moment to go down before probing.
		select {
		case <-time.After(rebootSettle):
		case <-ctx.Done():
			fail("reboot wait", ctx.Err())
			return
		}
	}

	if err := p.waitForNode(ctx, host); err != nil {
		fail("node probe", err)
		return
	}

	q := p.store.Queries()
	if err := q.Hosts().UpdateStatus(ctx, host.ID, db.HostStatusUp); err != nil {
		fail("status update", err)
		return
	}
	if err := q.Jobs().Update(ctx, jobID, db.JobStatusCompleted, 100, ""); err != nil {
		p.logger.Warn("complete deploy job", "job", jobID, "error", err)
	}
	p.logger.Info("host deployed", "host", host.ID, "address", host.Address)
}

// waitForNode polls the node RPC port until reachable or the timeout fires.
func (p *Provisioner) waitForNode(ctx context.Context, host db.Host) error {
	deadline := time.Now().Add(p.probeTimeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, p.probeInterval)
		err := p.prober(probeCtx, host.Address, host.Port)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("node at %s:%d not reachable before timeout: %w", host.Address, host.Port, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.probeInterval):
		}
	}
}

// buildSwitchScript produces the idempotent image-switch command executed
// on the host.
func buildSwitchScript(req DeployRequest) string {
	var b strings.Builder
	b.WriteString("set -eu\n")
	b.WriteString("run_privileged() {\n")
	b.WriteString("  if [ \"$(id -u)\" -eq 0 ]; then \"$@\"; else sudo -n \"$@\"; fi\n")
	b.WriteString("}\n")
	if strings.TrimSpace(req.ImageRef) != "" {
		fmt.Fprintf(&b, "run_privileged bootc switch --retain %s\n", shellQuote(req.ImageRef))
	}
	if req.Reboot {
		b.WriteString("run_privileged systemctl reboot || true\n")
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
