package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/core/topology"
	proxyRPC "github.com/pyropy/slotcluster/rpc/proxy"
	"go.uber.org/zap"
)

// AdminAPI is the proxy's HTTP interface for the coordinator, operators and
// the bulk copy collaborator.
type AdminAPI struct {
	mux      *http.ServeMux
	address  string
	cache    *topology.Cache
	backends *Backends
	tracker  *MigrationTracker
	log      *zap.SugaredLogger
}

func NewAdminAPI(address string, cache *topology.Cache, backends *Backends, tracker *MigrationTracker, log *zap.SugaredLogger) *AdminAPI {
	a := &AdminAPI{
		mux:      http.NewServeMux(),
		address:  address,
		cache:    cache,
		backends: backends,
		tracker:  tracker,
		log:      log,
	}

	a.routes()
	return a
}

func (a *AdminAPI) routes() {
	a.mux.HandleFunc("GET /health", a.handleHealth)
	a.mux.HandleFunc("GET /topology", a.handleGetTopology)
	a.mux.HandleFunc("POST /topology", a.handlePushTopology)
	a.mux.HandleFunc("GET /chunks/{chunk}/health", a.handleChunkHealth)
	a.mux.HandleFunc("GET /chunks/{chunk}/migrations/{task}", a.handleSignals)
	a.mux.HandleFunc("POST /chunks/{chunk}/migrations/{task}/signals", a.handlePostSignals)
}

func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *AdminAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if _, err := a.cache.Current(); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, proxyRPC.HealthReply{Status: status, Address: a.address, Epoch: a.cache.Epoch()})
}

func (a *AdminAPI) handleGetTopology(w http.ResponseWriter, _ *http.Request) {
	snap := a.cache.Peek()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, proxyRPC.ErrorReply{Error: "no topology loaded"})
		return
	}

	writeJSON(w, http.StatusOK, proxyRPC.TopologyReply{
		Topology:    snap.Topology,
		Epoch:       snap.Epoch(),
		Fingerprint: snap.Fingerprint,
		Halted:      a.cache.Halted() != nil,
	})
}

func (a *AdminAPI) handlePushTopology(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, proxyRPC.ErrorReply{Error: "failed to read body"})
		return
	}

	topo, err := model.DecodeTopology(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, proxyRPC.ErrorReply{Error: "invalid topology: " + err.Error()})
		return
	}

	applied, err := a.cache.Offer(topo)
	switch {
	case errors.Is(err, topology.ErrOldEpoch), errors.Is(err, model.ErrInvariantViolation):
		writeJSON(w, http.StatusConflict, proxyRPC.ErrorReply{Error: err.Error(), Epoch: a.cache.Epoch()})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, proxyRPC.ErrorReply{Error: err.Error(), Epoch: a.cache.Epoch()})
	default:
		writeJSON(w, http.StatusOK, proxyRPC.PushTopologyReply{Epoch: a.cache.Epoch(), Applied: applied})
	}
}

func (a *AdminAPI) handleChunkHealth(w http.ResponseWriter, r *http.Request) {
	snap := a.cache.Peek()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, proxyRPC.ErrorReply{Error: "no topology loaded"})
		return
	}

	chunk, ok := snap.Chunk(r.PathValue("chunk"))
	if !ok {
		writeJSON(w, http.StatusNotFound, proxyRPC.ErrorReply{Error: "unknown chunk", Epoch: snap.Epoch()})
		return
	}

	reply := a.chunkHealth(r.Context(), chunk)
	status := http.StatusOK
	if !reply.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, reply)
}

// chunkHealth pings every backend. The chunk is healthy while its primary
// answers.
func (a *AdminAPI) chunkHealth(ctx context.Context, chunk model.Chunk) proxyRPC.ChunkHealthReply {
	reply := proxyRPC.ChunkHealthReply{Chunk: chunk.ID, Backends: make(map[string]string, len(chunk.Backends))}
	for i, addr := range chunk.Backends {
		if err := a.backends.Ping(ctx, addr); err != nil {
			reply.Backends[addr] = err.Error()
			continue
		}
		reply.Backends[addr] = "ok"
		if i == 0 {
			reply.Healthy = true
		}
	}
	return reply
}

func (a *AdminAPI) handleSignals(w http.ResponseWriter, r *http.Request) {
	snap, taskID, ok := a.migrationRequest(w, r)
	if !ok {
		return
	}

	signals, err := a.tracker.Signals(r.Context(), snap, r.PathValue("chunk"), taskID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, proxyRPC.ErrorReply{Error: err.Error(), Epoch: snap.Epoch()})
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (a *AdminAPI) handlePostSignals(w http.ResponseWriter, r *http.Request) {
	snap, taskID, ok := a.migrationRequest(w, r)
	if !ok {
		return
	}

	var args proxyRPC.PostSignalsArgs
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&args); err != nil {
		writeJSON(w, http.StatusBadRequest, proxyRPC.ErrorReply{Error: "invalid json: " + err.Error()})
		return
	}

	signals, err := a.tracker.Post(snap, r.PathValue("chunk"), taskID, args)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, ErrNotSourceChunk) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, proxyRPC.ErrorReply{Error: err.Error(), Epoch: snap.Epoch()})
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (a *AdminAPI) migrationRequest(w http.ResponseWriter, r *http.Request) (*topology.Snapshot, uuid.UUID, bool) {
	taskID, err := uuid.Parse(r.PathValue("task"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, proxyRPC.ErrorReply{Error: "invalid task id"})
		return nil, uuid.Nil, false
	}

	snap := a.cache.Peek()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, proxyRPC.ErrorReply{Error: "no topology loaded"})
		return nil, uuid.Nil, false
	}

	return snap, taskID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
