package vmm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/qaraxhq/qarax/internal/node/network"
	"github.com/qaraxhq/qarax/internal/node/vmconfig"
)

// Reconcile scans the runtime directory for sockets left by a previous node
// process. VMMs that still answer info() are re-adopted into the registry;
// dead sockets are unlinked. Managed TAP devices whose VM id prefix matches
// no live runtime are swept afterwards.
func (m *Manager) Reconcile(ctx context.Context) error {
	entries, err := os.ReadDir(m.runtimeDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sock" {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".sock")
		m.recoverVM(ctx, id)
	}

	m.sweepTaps(ctx)
	return nil
}

func (m *Manager) recoverVM(ctx context.Context, id string) {
	socketPath := m.socketPath(id)
	client := m.clients(socketPath)

	info, err := client.Info(ctx)
	if err != nil {
		m.logger.Info("unlinking dead socket", "vm", id, "error", err)
		_ = os.Remove(socketPath)
		_ = os.Remove(m.configPath(id))
		return
	}

	vm := &runtime{
		id:             id,
		socketPath:     socketPath,
		consoleLogPath: m.consoleLogPath(id),
		configPath:     m.configPath(id),
		client:         client,
		observed:       info.State,
	}

	// The persisted config carries the managed TAP names injected at
	// create time; without it the VM still recovers, just without device
	// ownership.
	if raw, err := os.ReadFile(vm.configPath); err == nil {
		var cfg vmconfig.VMConfig
		if err := json.Unmarshal(raw, &cfg); err == nil {
			vm.config = cfg
			for _, net := range cfg.Networks {
				if _, ok := network.TapOwner(net.Tap); ok {
					vm.taps = append(vm.taps, net.Tap)
				}
			}
		} else {
			m.logger.Warn("decode persisted config", "vm", id, "error", err)
		}
	}

	m.mu.Lock()
	if _, ok := m.vms[id]; ok {
		m.mu.Unlock()
		return
	}
	m.vms[id] = vm
	m.mu.Unlock()

	m.logger.Info("recovered vm", "vm", id, "state", string(info.State))
}

// sweepTaps removes managed TAP devices that no live runtime claims.
func (m *Manager) sweepTaps(ctx context.Context) {
	taps, err := m.network.ListManagedTaps(ctx)
	if err != nil {
		m.logger.Warn("list managed taps", "error", err)
		return
	}
	if len(taps) == 0 {
		return
	}

	m.mu.Lock()
	prefixes := make(map[string]bool, len(m.vms))
	for id := range m.vms {
		if owner, ok := network.TapOwner(network.TapName(id, 0)); ok {
			prefixes[owner] = true
		}
	}
	m.mu.Unlock()

	for _, tap := range taps {
		owner, ok := network.TapOwner(tap)
		if !ok || prefixes[owner] {
			continue
		}
		m.logger.Info("sweeping orphaned tap", "tap", tap)
		if err := m.network.DeleteTap(ctx, tap); err != nil {
			m.logger.Warn("delete orphaned tap", "tap", tap, "error", err)
		}
	}
}
