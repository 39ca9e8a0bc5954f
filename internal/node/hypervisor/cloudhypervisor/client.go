package cloudhypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/qaraxhq/qarax/internal/node/hypervisor"
)

const (
	// requestTimeout bounds a single API round-trip.
	requestTimeout = 10 * time.Second
	// createTimeout extends the budget for vm.create and vm.boot, which
	// may allocate guest memory and load the payload.
	createTimeout = 30 * time.Second

	maxRetries  = 3
	baseBackoff = 100 * time.Millisecond
)

// Client speaks the cloud-hypervisor REST API over a per-VM unix socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient returns a client bound to the VM's API socket.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) Create(ctx context.Context, config hypervisor.VMConfig) error {
	body, err := json.Marshal(config)
	if err != nil {
		return &hypervisor.Error{Kind: hypervisor.KindProtocol, Op: "vm.create", Err: err}
	}
	_, err = c.do(ctx, http.MethodPut, "/api/v1/vm.create", body, createTimeout)
	return err
}

func (c *Client) Boot(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, "/api/v1/vm.boot", nil, createTimeout)
	return err
}

// Shutdown is idempotent at the hypervisor; transport failures are retried.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.withRetry(ctx, func() error {
		_, err := c.do(ctx, http.MethodPut, "/api/v1/vm.shutdown", nil, requestTimeout)
		return err
	})
}

func (c *Client) Pause(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, "/api/v1/vm.pause", nil, requestTimeout)
	return err
}

func (c *Client) Resume(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, "/api/v1/vm.resume", nil, requestTimeout)
	return err
}

func (c *Client) Info(ctx context.Context) (*hypervisor.VMInfo, error) {
	var body []byte
	err := c.withRetry(ctx, func() error {
		var doErr error
		body, doErr = c.do(ctx, http.MethodGet, "/api/v1/vm.info", nil, requestTimeout)
		return doErr
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		State            string          `json:"state"`
		MemoryActualSize *int64          `json:"memory_actual_size"`
		Config           json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &hypervisor.Error{Kind: hypervisor.KindProtocol, Op: "vm.info", Err: err}
	}

	return &hypervisor.VMInfo{
		State:            parseState(payload.State),
		MemoryActualSize: payload.MemoryActualSize,
		Config:           payload.Config,
	}, nil
}

func (c *Client) AddNet(ctx context.Context, config hypervisor.NetConfig) error {
	return c.putJSON(ctx, "vm.add-net", "/api/v1/vm.add-net", config)
}

func (c *Client) AddDisk(ctx context.Context, config hypervisor.DiskConfig) error {
	return c.putJSON(ctx, "vm.add-disk", "/api/v1/vm.add-disk", config)
}

func (c *Client) AddFs(ctx context.Context, config hypervisor.FsConfig) error {
	return c.putJSON(ctx, "vm.add-fs", "/api/v1/vm.add-fs", config)
}

func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	return c.putJSON(ctx, "vm.remove-device", "/api/v1/vm.remove-device", map[string]string{"id": deviceID})
}

func (c *Client) Counters(ctx context.Context) (map[string]map[string]int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/vm.counters", nil, requestTimeout)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return map[string]map[string]int64{}, nil
	}
	var counters map[string]map[string]int64
	if err := json.Unmarshal(body, &counters); err != nil {
		return nil, &hypervisor.Error{Kind: hypervisor.KindProtocol, Op: "vm.counters", Err: err}
	}
	return counters, nil
}

func (c *Client) putJSON(ctx context.Context, op, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &hypervisor.Error{Kind: hypervisor.KindProtocol, Op: op, Err: err}
	}
	_, err = c.do(ctx, http.MethodPut, path, body, requestTimeout)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, timeout time.Duration) ([]byte, error) {
	op := strings.TrimPrefix(path, "/api/v1/")

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, "http://localhost"+path, reqBody)
	if err != nil {
		return nil, &hypervisor.Error{Kind: hypervisor.KindProtocol, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &hypervisor.Error{Kind: hypervisor.KindTransport, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &hypervisor.Error{Kind: hypervisor.KindProtocol, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode >= 500:
		return nil, &hypervisor.Error{
			Kind:    hypervisor.KindServer,
			Op:      op,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(respBody)),
		}
	default:
		return nil, &hypervisor.Error{
			Kind:    hypervisor.KindState,
			Op:      op,
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(respBody)),
		}
	}
}

// withRetry retries fn on transport errors with exponential backoff. Only
// idempotent operations go through here.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || hypervisor.KindOf(lastErr) != hypervisor.KindTransport {
			return lastErr
		}
		if attempt < maxRetries {
			backoff := baseBackoff * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

func parseState(raw string) hypervisor.State {
	switch strings.ToLower(raw) {
	case "created":
		return hypervisor.StateCreated
	case "running":
		return hypervisor.StateRunning
	case "paused":
		return hypervisor.StatePaused
	case "shutdown":
		return hypervisor.StateShutdown
	default:
		return hypervisor.StateUnknown
	}
}

// CheckSocket reports whether the VM's API socket accepts connections.
func CheckSocket(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

var _ hypervisor.Client = (*Client)(nil)
