package network

import (
	"context"
	"fmt"
	"strings"
)

// Manager provisions the TAP devices backing guest NICs.
type Manager interface {
	CreateTap(ctx context.Context, name string) error
	DeleteTap(ctx context.Context, name string) error
	// ListManagedTaps returns the managed TAP devices currently present
	// on the host, identified by the qarax name prefix.
	ListManagedTaps(ctx context.Context) ([]string, error)
}

const tapPrefix = "qt"

// TapName derives the deterministic device name for a VM's NIC.
//
// Format: "qt" + first 8 hex chars of the VM id + "n" + NIC index, e.g.
// "qt24b6061en0" — well within the 15-char Linux interface name limit.
func TapName(vmID string, netIndex int) string {
	var hexID strings.Builder
	for _, r := range strings.ToLower(vmID) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			hexID.WriteRune(r)
			if hexID.Len() == 8 {
				break
			}
		}
	}
	return fmt.Sprintf("%s%sn%d", tapPrefix, hexID.String(), netIndex)
}

// TapOwner reports whether name is a managed TAP and, if so, the VM id
// prefix embedded in it.
func TapOwner(name string) (string, bool) {
	if !strings.HasPrefix(name, tapPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, tapPrefix)
	idx := strings.LastIndex(rest, "n")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

// Noop is a Manager that does nothing; used on non-Linux builds, by the VM
// manager when no network manager is supplied, and in tests.
type Noop struct{}

// NewNoop returns the do-nothing manager.
func NewNoop() Manager { return Noop{} }

func (Noop) CreateTap(ctx context.Context, name string) error { return nil }
func (Noop) DeleteTap(ctx context.Context, name string) error { return nil }
func (Noop) ListManagedTaps(ctx context.Context) ([]string, error) {
	return nil, nil
}
