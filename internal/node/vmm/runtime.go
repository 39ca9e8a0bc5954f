package vmm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/qaraxhq/qarax/internal/node/hypervisor"
	"github.com/qaraxhq/qarax/internal/node/vmconfig"
)

// Process is the spawned VMM child as the runtime sees it. Recovered VMs
// have no process handle; their lifetime is tracked through the API socket.
type Process interface {
	PID() int
	Wait() <-chan error
	Stop(ctx context.Context, grace time.Duration) error
	Kill() error
}

// Launcher spawns a VMM bound to an API socket with console output going to
// the log path.
type Launcher interface {
	Launch(ctx context.Context, socketPath, consoleLogPath string) (Process, error)
}

// ClientFactory builds a hypervisor client for a VM's API socket.
type ClientFactory func(socketPath string) hypervisor.Client

// runtime is the per-VM state: the child process, its filesystem footprint,
// the TAP devices created for it, and the cached observed state. All
// lifecycle transitions for one VM serialize on mu.
type runtime struct {
	id             string
	socketPath     string
	consoleLogPath string
	configPath     string

	client hypervisor.Client
	proc   Process
	config vmconfig.VMConfig
	taps   []string

	mu       sync.Mutex
	observed hypervisor.State
	exitErr  error
	deleted  bool
}

func (r *runtime) setObserved(state hypervisor.State) {
	r.observed = state
}

// recordExit is called by the monitor goroutine when the child terminates
// without a preceding delete. The exit status stays attached for the next
// caller to see.
func (r *runtime) recordExit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return
	}
	r.observed = hypervisor.StateUnknown
	if err != nil {
		r.exitErr = fmt.Errorf("%w: %v", ErrExited, err)
	} else {
		r.exitErr = ErrExited
	}
}

// takeExit returns and clears any pending unexpected-exit error.
func (r *runtime) takeExit() error {
	err := r.exitErr
	r.exitErr = nil
	return err
}

// persistConfig writes the declarative config next to the socket so a node
// restart can re-derive managed devices.
func (r *runtime) persistConfig() error {
	raw, err := json.Marshal(r.config)
	if err != nil {
		return fmt.Errorf("encode vm config: %w", err)
	}
	if err := os.WriteFile(r.configPath, raw, 0o600); err != nil {
		return fmt.Errorf("persist vm config: %w", err)
	}
	return nil
}

// teardown releases everything the runtime owns: the child, the socket, the
// persisted config, and the managed TAP devices. Console logs are retained.
// Safe to call more than once.
func (r *runtime) teardown(ctx context.Context, m *Manager, grace time.Duration) {
	r.deleted = true

	if r.proc != nil {
		// Ask the guest to stop before reaping the child.
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		_ = r.client.Shutdown(shutdownCtx)
		cancel()
		if err := r.proc.Stop(ctx, grace); err != nil {
			m.logger.Warn("stop vmm process", "vm", r.id, "error", err)
		}
		r.proc = nil
	}

	if err := os.Remove(r.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Debug("remove api socket", "vm", r.id, "error", err)
	}
	if err := os.Remove(r.configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Debug("remove persisted config", "vm", r.id, "error", err)
	}

	for _, tap := range r.taps {
		if err := m.network.DeleteTap(ctx, tap); err != nil {
			m.logger.Warn("delete tap", "vm", r.id, "tap", tap, "error", err)
		}
	}
	r.taps = nil
}
