package proxy

import (
	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
)

type HealthReply struct {
	Status  string `json:"status"`
	Address string `json:"address"`
	Epoch   uint64 `json:"epoch"`
}

type TopologyReply struct {
	Topology    model.Topology `json:"topology"`
	Epoch       uint64         `json:"epoch"`
	Fingerprint string         `json:"fingerprint"`
	Halted      bool           `json:"halted"`
}

type PushTopologyReply struct {
	Epoch   uint64 `json:"epoch"`
	Applied bool   `json:"applied"`
}

type ChunkHealthReply struct {
	Chunk    string            `json:"chunk"`
	Healthy  bool              `json:"healthy"`
	Backends map[string]string `json:"backends"`
}

// MigrationSignals are the completion signals a proxy reports for a task.
type MigrationSignals struct {
	Task    uuid.UUID `json:"task"`
	Chunk   string    `json:"chunk"`
	Ready   bool      `json:"ready"`
	Copied  bool      `json:"copied"`
	Drained bool      `json:"drained"`
}

// PostSignalsArgs is sent by the bulk copy collaborator. Unset fields are left
// unchanged.
type PostSignalsArgs struct {
	Copied  *bool `json:"copied,omitempty"`
	Drained *bool `json:"drained,omitempty"`
}

type ErrorReply struct {
	Error string `json:"error"`
	Epoch uint64 `json:"epoch,omitempty"`
}

func ChunkHealthPath(chunk string) string {
	return "/chunks/" + chunk + "/health"
}

func MigrationPath(chunk string, task uuid.UUID) string {
	return "/chunks/" + chunk + "/migrations/" + task.String()
}

func SignalsPath(chunk string, task uuid.UUID) string {
	return MigrationPath(chunk, task) + "/signals"
}
