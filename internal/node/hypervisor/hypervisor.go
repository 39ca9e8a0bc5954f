package hypervisor

import (
	"context"
	"errors"
	"fmt"
)

// State enumerates the lifecycle states reported by the hypervisor.
type State string

const (
	StateUnknown  State = "unknown"
	StateCreated  State = "created"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateShutdown State = "shutdown"
)

// ErrorKind classifies hypervisor API failures.
type ErrorKind string

const (
	// KindTransport covers socket connect failures and request timeouts.
	KindTransport ErrorKind = "transport"
	// KindProtocol covers responses the client could not parse.
	KindProtocol ErrorKind = "protocol"
	// KindState covers 4xx responses where the VM is in the wrong state
	// for the requested operation.
	KindState ErrorKind = "state"
	// KindServer covers 5xx responses from the hypervisor.
	KindServer ErrorKind = "server"
)

// Error is the typed failure returned by hypervisor clients.
type Error struct {
	Kind    ErrorKind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hypervisor: %s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("hypervisor: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("hypervisor: %s failed (%s)", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind from err, or empty when err is not a
// hypervisor error.
func KindOf(err error) ErrorKind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}

// VMInfo is the config+state snapshot returned by the info call.
type VMInfo struct {
	State            State
	MemoryActualSize *int64
	Config           []byte
}

// Client expresses the calls the VM manager needs against a single VMM
// process. Implementations are pure request/response; observed-state
// bookkeeping lives with the caller.
type Client interface {
	Create(ctx context.Context, config VMConfig) error
	Boot(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Info(ctx context.Context) (*VMInfo, error)
	AddNet(ctx context.Context, config NetConfig) error
	AddDisk(ctx context.Context, config DiskConfig) error
	AddFs(ctx context.Context, config FsConfig) error
	RemoveDevice(ctx context.Context, deviceID string) error
	Counters(ctx context.Context) (map[string]map[string]int64, error)
}
