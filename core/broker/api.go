package broker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	brokerRPC "github.com/pyropy/slotcluster/rpc/broker"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

// API serves the broker's HTTP interface.
type API struct {
	mux      *http.ServeMux
	store    *Store
	registry *ProxyRegistry
	log      *zap.SugaredLogger
}

func NewAPI(store *Store, registry *ProxyRegistry, log *zap.SugaredLogger) *API {
	a := &API{
		mux:      http.NewServeMux(),
		store:    store,
		registry: registry,
		log:      log,
	}

	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /health", a.handleHealth)
	a.mux.HandleFunc("GET /topology", a.handleGetTopology)
	a.mux.HandleFunc("POST /topology", a.handleProposeUpdate)
	a.mux.HandleFunc("POST /migration/{task_id}/transition", a.handleTransition)
	a.mux.HandleFunc("GET /migrations/finished", a.handleFinishedTasks)
	a.mux.HandleFunc("GET /proxies", a.handleProxies)
	a.mux.HandleFunc("POST /proxies", a.handleRegisterProxy)
	a.mux.HandleFunc("POST /proxies/failures", a.handleReportFailure)
	a.mux.HandleFunc("POST /proxies/{id}/heartbeat", a.handleHeartbeat)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, brokerRPC.HealthReply{Status: "ok", Epoch: a.store.Epoch()})
}

func (a *API) handleGetTopology(w http.ResponseWriter, r *http.Request) {
	topo, epoch := a.store.Topology(r.Context())
	writeJSON(w, http.StatusOK, brokerRPC.GetTopologyReply{
		Topology:    topo,
		Epoch:       epoch,
		Fingerprint: topo.Fingerprint(),
	})
}

func (a *API) handleProposeUpdate(w http.ResponseWriter, r *http.Request) {
	var args brokerRPC.ProposeUpdateArgs
	if !a.decode(w, r, &args) {
		return
	}

	a.log.Infow("api", "event", "ProposeUpdate", "expected_epoch", args.ExpectedEpoch, "changes", len(args.Delta.Changes))
	epoch, err := a.store.ProposeUpdate(r.Context(), args.ExpectedEpoch, args.Delta)
	if err != nil {
		a.writeError(w, err, epoch)
		return
	}

	writeJSON(w, http.StatusOK, brokerRPC.ProposeUpdateReply{Epoch: epoch})
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("task_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, brokerRPC.ErrorReply{Error: "invalid task id"})
		return
	}

	var args brokerRPC.TransitionArgs
	if !a.decode(w, r, &args) {
		return
	}

	a.log.Infow("api", "event", "Transition", "task", taskID, "to", args.To, "expected_epoch", args.ExpectedEpoch, "reason", args.Reason)
	epoch, applied, err := a.store.Transition(r.Context(), taskID, args.ExpectedEpoch, args.To, args.Reason)
	if err != nil {
		a.writeError(w, err, epoch)
		return
	}

	writeJSON(w, http.StatusOK, brokerRPC.TransitionReply{Epoch: epoch, Applied: applied})
}

func (a *API) handleFinishedTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, brokerRPC.FinishedTasksReply{Tasks: a.store.FinishedTasks()})
}

func (a *API) handleProxies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, brokerRPC.ProxiesReply{Proxies: a.registry.Proxies()})
}

func (a *API) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	var args brokerRPC.RegisterProxyArgs
	if !a.decode(w, r, &args) {
		return
	}

	p, err := a.registry.Register(r.Context(), args.Address, args.AdminAddress)
	if err != nil {
		a.writeError(w, err, 0)
		return
	}

	a.log.Infow("api", "status", "registered proxy", "id", p.ID, "address", p.Address, "admin", p.AdminAddress)
	writeJSON(w, http.StatusOK, brokerRPC.RegisterProxyReply{Proxy: p})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, brokerRPC.ErrorReply{Error: "invalid proxy id"})
		return
	}

	var args brokerRPC.HeartbeatArgs
	if !a.decode(w, r, &args) {
		return
	}

	if _, err := a.registry.Heartbeat(r.Context(), id, args.Epoch); err != nil {
		a.writeError(w, err, 0)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	var args brokerRPC.ReportFailureArgs
	if !a.decode(w, r, &args) {
		return
	}

	p, err := a.registry.ReportFailure(r.Context(), args.Address, args.Reporter)
	if err != nil {
		a.writeError(w, err, 0)
		return
	}

	a.log.Warnw("api", "event", "ReportFailure", "address", p.Address, "reporter", args.Reporter, "failed_checks", p.FailedChecks, "healthy", p.Healthy)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, brokerRPC.ErrorReply{Error: "failed to read body"})
		return false
	}

	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, brokerRPC.ErrorReply{Error: "invalid json: " + err.Error()})
		return false
	}

	return true
}

func (a *API) writeError(w http.ResponseWriter, err error, epoch uint64) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrEpochConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrTaskNotFound), errors.Is(err, ErrProxyNotFound):
		status = http.StatusNotFound
	case model.IsValidationError(err):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		a.log.Errorw("api", "ERROR", err)
	}

	writeJSON(w, status, brokerRPC.ErrorReply{Error: err.Error(), CurrentEpoch: epoch})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
