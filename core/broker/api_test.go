package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/logger"
	brokerRPC "github.com/pyropy/slotcluster/rpc/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*API, *Store) {
	t.Helper()

	s := newTestStore(t, "")
	seed(t, s)
	r, err := NewProxyRegistry(context.Background(), s, 3)
	require.NoError(t, err)

	return NewAPI(s, r, logger.Nop()), s
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIGetTopology(t *testing.T) {
	api, s := newTestAPI(t)

	rec := do(t, api, http.MethodGet, "/topology", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var reply brokerRPC.GetTopologyReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reply))

	topo, epoch := s.Topology(context.Background())
	assert.Equal(t, epoch, reply.Epoch)
	assert.Equal(t, topo.Fingerprint(), reply.Fingerprint)
	assert.Equal(t, topo.Fingerprint(), reply.Topology.Fingerprint())
}

func TestAPIProposeUpdate(t *testing.T) {
	api, _ := newTestAPI(t)
	delta := model.NewDelta(model.SetBackends("a", []string{"redis-a2:6379"}))

	rec := do(t, api, http.MethodPost, "/topology", brokerRPC.ProposeUpdateArgs{ExpectedEpoch: 1, Delta: delta})
	require.Equal(t, http.StatusOK, rec.Code)
	var ok brokerRPC.ProposeUpdateReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ok))
	assert.Equal(t, uint64(2), ok.Epoch)

	rec = do(t, api, http.MethodPost, "/topology", brokerRPC.ProposeUpdateArgs{ExpectedEpoch: 1, Delta: delta})
	require.Equal(t, http.StatusConflict, rec.Code)
	var conflict brokerRPC.ErrorReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conflict))
	assert.Equal(t, uint64(2), conflict.CurrentEpoch)

	rec = do(t, api, http.MethodPost, "/topology", brokerRPC.ProposeUpdateArgs{
		ExpectedEpoch: 2,
		Delta:         model.NewDelta(model.AssignSlots("b", model.NewSlotRange(0, 0))),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPITransition(t *testing.T) {
	api, s := newTestAPI(t)
	task := model.NewMigrationTask(model.NewSlotRange(0, 9), "a", "b", false)
	_, err := s.ProposeUpdate(context.Background(), 1, model.NewDelta(model.CreateMigration(task)))
	require.NoError(t, err)

	rec := do(t, api, http.MethodPost, brokerRPC.TransitionPath(task.ID), brokerRPC.TransitionArgs{
		ExpectedEpoch: 2,
		To:            model.MigrationRolledBack,
		Reason:        "operator",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var reply brokerRPC.TransitionReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reply))
	assert.True(t, reply.Applied)
	assert.Equal(t, uint64(3), reply.Epoch)

	rec = do(t, api, http.MethodPost, brokerRPC.TransitionPath(uuid.New()), brokerRPC.TransitionArgs{To: model.MigrationImporting})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, api, http.MethodPost, "/migration/not-a-uuid/transition", brokerRPC.TransitionArgs{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, api, http.MethodGet, "/migrations/finished", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var finished brokerRPC.FinishedTasksReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&finished))
	require.Len(t, finished.Tasks, 1)
	assert.Equal(t, task.ID, finished.Tasks[0].Task.ID)
}

func TestAPIProxyLifecycle(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := do(t, api, http.MethodPost, "/proxies", brokerRPC.RegisterProxyArgs{Address: "proxy-a:6380", AdminAddress: "proxy-a:6381"})
	require.Equal(t, http.StatusOK, rec.Code)
	var reg brokerRPC.RegisterProxyReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reg))

	rec = do(t, api, http.MethodPost, brokerRPC.HeartbeatPath(reg.Proxy.ID), brokerRPC.HeartbeatArgs{Epoch: 1})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, api, http.MethodPost, "/proxies/failures", brokerRPC.ReportFailureArgs{Address: "proxy-a:6380", Reporter: "c1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, api, http.MethodGet, "/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var proxies brokerRPC.ProxiesReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&proxies))
	require.Len(t, proxies.Proxies, 1)
	assert.Equal(t, uint64(1), proxies.Proxies[0].LastSeenEpoch)
	assert.Equal(t, 1, proxies.Proxies[0].FailedChecks)

	rec = do(t, api, http.MethodPost, "/proxies", brokerRPC.RegisterProxyArgs{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
