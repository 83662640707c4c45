package broker

import (
	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
)

type GetTopologyReply struct {
	Topology    model.Topology `json:"topology"`
	Epoch       uint64         `json:"epoch"`
	Fingerprint string         `json:"fingerprint"`
}

type ProposeUpdateArgs struct {
	ExpectedEpoch uint64      `json:"expected_epoch"`
	Delta         model.Delta `json:"delta"`
}

type ProposeUpdateReply struct {
	Epoch uint64 `json:"epoch"`
}

// TransitionArgs advances or rolls back a migration task. ExpectedEpoch 0
// means the current epoch.
type TransitionArgs struct {
	ExpectedEpoch uint64               `json:"expected_epoch"`
	To            model.MigrationState `json:"to"`
	Reason        string               `json:"reason,omitempty"`
}

type TransitionReply struct {
	Epoch   uint64 `json:"epoch"`
	Applied bool   `json:"applied"`
}

type ErrorReply struct {
	Error        string `json:"error"`
	CurrentEpoch uint64 `json:"current_epoch,omitempty"`
}

// RegisterProxyArgs names the proxy's RESP address, which chunks refer to,
// and the address of its admin API.
type RegisterProxyArgs struct {
	Address      string `json:"address"`
	AdminAddress string `json:"admin_address"`
}

type RegisterProxyReply struct {
	Proxy model.ProxyRegistration `json:"proxy"`
}

type HeartbeatArgs struct {
	Epoch uint64 `json:"epoch"`
}

type ReportFailureArgs struct {
	Address  string `json:"address"`
	Reporter string `json:"reporter"`
}

type ProxiesReply struct {
	Proxies []model.ProxyRegistration `json:"proxies"`
}

type FinishedTasksReply struct {
	Tasks []model.FinishedTask `json:"tasks"`
}

type HealthReply struct {
	Status string `json:"status"`
	Epoch  uint64 `json:"epoch"`
}

func TransitionPath(id uuid.UUID) string {
	return "/migration/" + id.String() + "/transition"
}

func HeartbeatPath(id uuid.UUID) string {
	return "/proxies/" + id.String() + "/heartbeat"
}
