package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	brokerRPC "github.com/pyropy/slotcluster/rpc/broker"
)

var (
	ErrNotFound = errors.New("not found")
	ErrRejected = errors.New("rejected by broker")
)

// Client talks to the broker's HTTP API. Transport failures and server
// errors are reported as model.ErrUnreachablePeer.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{
		baseURL: BaseURL(addr),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL prefixes addr with http:// unless it carries a scheme.
func BaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

func (c *Client) Addr() string {
	return c.baseURL
}

// GetTopology fetches the current topology and checks it against the
// fingerprint the broker computed.
func (c *Client) GetTopology(ctx context.Context) (model.Topology, error) {
	var reply brokerRPC.GetTopologyReply
	if err := c.do(ctx, http.MethodGet, "/topology", nil, &reply); err != nil {
		return model.Topology{}, err
	}

	if reply.Topology.Epoch != reply.Epoch {
		return model.Topology{}, fmt.Errorf("%w: reply epoch %d, topology epoch %d", model.ErrInvariantViolation, reply.Epoch, reply.Topology.Epoch)
	}
	if fp := reply.Topology.Fingerprint(); reply.Fingerprint != "" && fp != reply.Fingerprint {
		return model.Topology{}, fmt.Errorf("topology %d fingerprint mismatch: broker %s, decoded %s", reply.Epoch, reply.Fingerprint, fp)
	}

	return reply.Topology, nil
}

func (c *Client) ProposeUpdate(ctx context.Context, expectedEpoch uint64, delta model.Delta) (uint64, error) {
	var reply brokerRPC.ProposeUpdateReply
	args := brokerRPC.ProposeUpdateArgs{ExpectedEpoch: expectedEpoch, Delta: delta}
	if err := c.do(ctx, http.MethodPost, "/topology", args, &reply); err != nil {
		return 0, withExpected(err, expectedEpoch)
	}

	return reply.Epoch, nil
}

// Transition asks the broker to move a task to state to. applied is false
// when the task had already finished in that state.
func (c *Client) Transition(ctx context.Context, taskID uuid.UUID, expectedEpoch uint64, to model.MigrationState, reason string) (uint64, bool, error) {
	var reply brokerRPC.TransitionReply
	args := brokerRPC.TransitionArgs{ExpectedEpoch: expectedEpoch, To: to, Reason: reason}
	if err := c.do(ctx, http.MethodPost, brokerRPC.TransitionPath(taskID), args, &reply); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, false, fmt.Errorf("%w: %s", model.ErrTaskNotFound, taskID)
		}
		return 0, false, withExpected(err, expectedEpoch)
	}

	return reply.Epoch, reply.Applied, nil
}

func (c *Client) Register(ctx context.Context, address, adminAddress string) (model.ProxyRegistration, error) {
	var reply brokerRPC.RegisterProxyReply
	args := brokerRPC.RegisterProxyArgs{Address: address, AdminAddress: adminAddress}
	if err := c.do(ctx, http.MethodPost, "/proxies", args, &reply); err != nil {
		return model.ProxyRegistration{}, err
	}

	return reply.Proxy, nil
}

func (c *Client) Heartbeat(ctx context.Context, id uuid.UUID, epoch uint64) error {
	return c.do(ctx, http.MethodPost, brokerRPC.HeartbeatPath(id), brokerRPC.HeartbeatArgs{Epoch: epoch}, nil)
}

func (c *Client) ReportFailure(ctx context.Context, address, reporter string) error {
	return c.do(ctx, http.MethodPost, "/proxies/failures", brokerRPC.ReportFailureArgs{Address: address, Reporter: reporter}, nil)
}

func (c *Client) Proxies(ctx context.Context) ([]model.ProxyRegistration, error) {
	var reply brokerRPC.ProxiesReply
	if err := c.do(ctx, http.MethodGet, "/proxies", nil, &reply); err != nil {
		return nil, err
	}

	return reply.Proxies, nil
}

func (c *Client) FinishedTasks(ctx context.Context) ([]model.FinishedTask, error) {
	var reply brokerRPC.FinishedTasksReply
	if err := c.do(ctx, http.MethodGet, "/migrations/finished", nil, &reply); err != nil {
		return nil, err
	}

	return reply.Tasks, nil
}

// conflictError carries the current epoch reported with a 409 until the
// caller knows which epoch it expected.
type conflictError struct {
	current uint64
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("epoch conflict: current %d", e.current)
}

func (e *conflictError) Unwrap() error {
	return model.ErrEpochConflict
}

func withExpected(err error, expected uint64) error {
	var conflict *conflictError
	if errors.As(err, &conflict) {
		return &model.EpochConflictError{Expected: expected, Current: conflict.current}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, args, reply any) error {
	var body io.Reader
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if args != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", model.ErrUnreachablePeer, method, c.baseURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e brokerRPC.ErrorReply
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&e)

		switch {
		case resp.StatusCode == http.StatusConflict:
			return &conflictError{current: e.CurrentEpoch}
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, e.Error)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s %s: status %d: %s", model.ErrUnreachablePeer, method, path, resp.StatusCode, e.Error)
		default:
			return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, e.Error)
		}
	}

	if reply == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}

	return nil
}
