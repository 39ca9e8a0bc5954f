package cloudhypervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/qaraxhq/qarax/internal/node/hypervisor"
)

// fakeVMM serves the cloud-hypervisor REST API over a unix socket with a
// tiny in-memory state machine.
type fakeVMM struct {
	mu    sync.Mutex
	state string
}

func startFakeVMM(t *testing.T) (*fakeVMM, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "vm.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on unix socket: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	vmm := &fakeVMM{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/vm.create", vmm.handle("", "created"))
	mux.HandleFunc("/api/v1/vm.boot", vmm.handle("created", "running"))
	mux.HandleFunc("/api/v1/vm.shutdown", vmm.handle("running", "shutdown"))
	mux.HandleFunc("/api/v1/vm.pause", vmm.handle("running", "paused"))
	mux.HandleFunc("/api/v1/vm.resume", vmm.handle("paused", "running"))
	mux.HandleFunc("/api/v1/vm.info", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		vmm.mu.Lock()
		state := vmm.state
		vmm.mu.Unlock()
		if state == "" {
			http.Error(w, "vm not created", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"state": state})
	})
	mux.HandleFunc("/api/v1/vm.counters", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]map[string]int64{
			"_net0": {"rx_bytes": 1024},
		})
	})

	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() { _ = server.Close() })

	return vmm, socketPath
}

func (f *fakeVMM) handle(requires, next string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if requires != "" && f.state != requires {
			http.Error(w, "vm is in the wrong state", http.StatusMethodNotAllowed)
			return
		}
		f.state = next
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestClientDrivesStateMachine(t *testing.T) {
	ctx := context.Background()
	_, socketPath := startFakeVMM(t)
	client := NewClient(socketPath)

	if err := client.Create(ctx, hypervisor.VMConfig{
		CPUs:   &hypervisor.CpusConfig{BootVcpus: 1, MaxVcpus: 1},
		Memory: &hypervisor.MemoryConfig{Size: 1 << 28},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	info, err := client.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.State != hypervisor.StateCreated {
		t.Fatalf("expected created, got %s", info.State)
	}

	if err := client.Boot(ctx); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := client.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := client.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	info, err = client.Info(ctx)
	if err != nil {
		t.Fatalf("info after shutdown: %v", err)
	}
	if info.State != hypervisor.StateShutdown {
		t.Fatalf("expected shutdown, got %s", info.State)
	}
}

func TestClientClassifiesStateErrors(t *testing.T) {
	ctx := context.Background()
	_, socketPath := startFakeVMM(t)
	client := NewClient(socketPath)

	// Boot before create: the fake answers 405.
	err := client.Boot(ctx)
	if err == nil {
		t.Fatalf("expected state error")
	}
	if hypervisor.KindOf(err) != hypervisor.KindState {
		t.Fatalf("expected state kind, got %v (%v)", hypervisor.KindOf(err), err)
	}
}

func TestClientClassifiesTransportErrors(t *testing.T) {
	ctx := context.Background()
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))

	err := client.Pause(ctx)
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if hypervisor.KindOf(err) != hypervisor.KindTransport {
		t.Fatalf("expected transport kind, got %v (%v)", hypervisor.KindOf(err), err)
	}
}

func TestClientReadsCounters(t *testing.T) {
	ctx := context.Background()
	_, socketPath := startFakeVMM(t)
	client := NewClient(socketPath)

	counters, err := client.Counters(ctx)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if counters["_net0"]["rx_bytes"] != 1024 {
		t.Fatalf("unexpected counters: %+v", counters)
	}
}

func TestCheckSocket(t *testing.T) {
	_, socketPath := startFakeVMM(t)
	if err := CheckSocket(socketPath); err != nil {
		t.Fatalf("expected live socket to be connectable: %v", err)
	}
	if err := CheckSocket(filepath.Join(t.TempDir(), "absent.sock")); err == nil {
		t.Fatalf("expected failure for absent socket")
	}
}
