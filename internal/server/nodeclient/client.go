package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/qaraxhq/qarax/internal/node/vmconfig"
	"github.com/qaraxhq/qarax/internal/node/vmm"
)

// APIError captures error responses returned by a qarax-node daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("qarax-node returned status %d", e.Status)
}

// IsUnavailable reports whether err is worth retrying: the node was
// unreachable or answered 503.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusServiceUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Plain transport failures (connection refused, DNS) arrive as
	// url.Error without a status.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsNotFound reports a 404 from the node.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsInvalidState reports a failed-precondition answer from the node.
func IsInvalidState(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusPreconditionFailed
}

// IsInvalidConfig reports a config rejection from the node.
func IsInvalidConfig(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest
}

// Client talks to one qarax-node's RPC surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the node at address:port.
func New(address string, port uint16, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    "http://" + net.JoinHostPort(address, strconv.Itoa(int(port))),
		httpClient: httpClient,
	}
}

// CreateVM ships the declarative config to the node and returns the
// resulting state.
func (c *Client) CreateVM(ctx context.Context, cfg vmconfig.VMConfig) (*vmm.VMState, error) {
	var state vmm.VMState
	if err := c.do(ctx, http.MethodPost, "/v1/vms", cfg, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) StartVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return c.lifecycle(ctx, id, "start")
}

func (c *Client) StopVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return c.lifecycle(ctx, id, "stop")
}

func (c *Client) PauseVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return c.lifecycle(ctx, id, "pause")
}

func (c *Client) ResumeVM(ctx context.Context, id string) (*vmm.VMState, error) {
	return c.lifecycle(ctx, id, "resume")
}

func (c *Client) lifecycle(ctx context.Context, id, op string) (*vmm.VMState, error) {
	var state vmm.VMState
	if err := c.do(ctx, http.MethodPut, "/v1/vms/"+id+"/"+op, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) DeleteVM(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/vms/"+id, nil, nil)
}

func (c *Client) GetVMInfo(ctx context.Context, id string) (*vmm.VMState, error) {
	var state vmm.VMState
	if err := c.do(ctx, http.MethodGet, "/v1/vms/"+id, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) ListVMs(ctx context.Context) ([]vmm.VMState, error) {
	var states []vmm.VMState
	if err := c.do(ctx, http.MethodGet, "/v1/vms", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (c *Client) AddNetworkDevice(ctx context.Context, id string, spec vmconfig.NetSpec) error {
	return c.do(ctx, http.MethodPut, "/v1/vms/"+id+"/devices/net", spec, nil)
}

func (c *Client) RemoveNetworkDevice(ctx context.Context, id, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/vms/"+id+"/devices/net/"+deviceID, nil, nil)
}

func (c *Client) AddDiskDevice(ctx context.Context, id string, spec vmconfig.DiskSpec) error {
	return c.do(ctx, http.MethodPut, "/v1/vms/"+id+"/devices/disk", spec, nil)
}

func (c *Client) RemoveDiskDevice(ctx context.Context, id, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/vms/"+id+"/devices/disk/"+deviceID, nil, nil)
}

func (c *Client) AddFsDevice(ctx context.Context, id string, spec vmconfig.FsSpec) error {
	return c.do(ctx, http.MethodPut, "/v1/vms/"+id+"/devices/fs", spec, nil)
}

func (c *Client) RemoveFsDevice(ctx context.Context, id, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/vms/"+id+"/devices/fs/"+deviceID, nil, nil)
}

// Healthy probes the node's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var errPayload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errPayload); err == nil && errPayload.Error != "" {
		apiErr.Message = errPayload.Error
	}
	return apiErr
}
