package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/core/proxy"
	"github.com/pyropy/slotcluster/core/topology"
	proxyRPC "github.com/pyropy/slotcluster/rpc/proxy"
)

// Prober reaches proxies on behalf of the control loop.
type Prober interface {
	// PingProxy sends PING to the RESP listener of a proxy.
	PingProxy(ctx context.Context, address string) error
	// ChunkHealth asks a proxy whether the primary of chunk answers.
	ChunkHealth(ctx context.Context, adminAddress, chunk string) error
	// Signals returns the migration signals a proxy recorded for a task.
	Signals(ctx context.Context, adminAddress, chunk string, task uuid.UUID) (proxyRPC.MigrationSignals, error)
}

// NetworkProber pings proxies over RESP and queries their admin API.
type NetworkProber struct {
	resp *proxy.Backends
	http *http.Client
}

func NewNetworkProber(timeout time.Duration) *NetworkProber {
	return &NetworkProber{
		resp: proxy.NewBackends(timeout),
		http: &http.Client{Timeout: timeout},
	}
}

func (p *NetworkProber) PingProxy(ctx context.Context, address string) error {
	return p.resp.Ping(ctx, address)
}

func (p *NetworkProber) ChunkHealth(ctx context.Context, adminAddress, chunk string) error {
	var reply proxyRPC.ChunkHealthReply
	if err := p.get(ctx, adminAddress, proxyRPC.ChunkHealthPath(chunk), &reply); err != nil {
		return err
	}
	if !reply.Healthy {
		return fmt.Errorf("%w: chunk %s reported unhealthy by %s", model.ErrUnreachablePeer, chunk, adminAddress)
	}

	return nil
}

func (p *NetworkProber) Signals(ctx context.Context, adminAddress, chunk string, task uuid.UUID) (proxyRPC.MigrationSignals, error) {
	var reply proxyRPC.MigrationSignals
	err := p.get(ctx, adminAddress, proxyRPC.MigrationPath(chunk, task), &reply)
	return reply, err
}

func (p *NetworkProber) Close() error {
	return p.resp.Close()
}

func (p *NetworkProber) get(ctx context.Context, adminAddress, path string, reply any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topology.BaseURL(adminAddress)+path, nil)
	if err != nil {
		return err
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrUnreachablePeer, adminAddress, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %s%s returned %d", model.ErrUnreachablePeer, adminAddress, path, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s%s returned %d", adminAddress, path, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(reply)
}
