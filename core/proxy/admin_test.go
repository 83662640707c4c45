package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/logger"
	proxyRPC "github.com/pyropy/slotcluster/rpc/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdmin(t *testing.T, topo model.Topology) *AdminAPI {
	t.Helper()

	backends := NewBackends(200 * time.Millisecond)
	t.Cleanup(func() { backends.Close() })

	return NewAdminAPI(proxyA, newCache(t, topo), backends, NewMigrationTracker(backends, logger.Nop()), logger.Nop())
}

func call(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return rec
}

func TestAdminPushTopology(t *testing.T) {
	topo := twoProxyTopology(t, proxyA, "127.0.0.1:1", proxyB, "127.0.0.1:1", 2)
	admin := newAdmin(t, topo)

	older := twoProxyTopology(t, proxyA, "127.0.0.1:1", proxyB, "127.0.0.1:1", 1)
	body, err := older.Encode()
	require.NoError(t, err)
	rec := call(t, admin, http.MethodPost, "/topology", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	newer := apply(t, topo, model.SetBackends("a", []string{"127.0.0.2:1"}))
	body, err = newer.Encode()
	require.NoError(t, err)
	rec = call(t, admin, http.MethodPost, "/topology", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var reply proxyRPC.PushTopologyReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reply))
	assert.True(t, reply.Applied)
	assert.Equal(t, uint64(3), reply.Epoch)

	rec = call(t, admin, http.MethodGet, "/topology", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got proxyRPC.TopologyReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, newer.Fingerprint(), got.Fingerprint)
}

func TestAdminChunkHealth(t *testing.T) {
	store := startFakeStore(t)
	topo := twoProxyTopology(t, proxyA, store.Addr(), proxyB, "127.0.0.1:1", 1)
	admin := newAdmin(t, topo)

	rec := call(t, admin, http.MethodGet, proxyRPC.ChunkHealthPath("a"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, admin, http.MethodGet, proxyRPC.ChunkHealthPath("b"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = call(t, admin, http.MethodGet, proxyRPC.ChunkHealthPath("z"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminMigrationSignals(t *testing.T) {
	store := startFakeStore(t)
	topo := twoProxyTopology(t, proxyA, "127.0.0.1:1", proxyB, store.Addr(), 1)
	task := model.NewMigrationTask(model.NewSlotRange(0, 9), "a", "b", false)
	topo = apply(t, topo, model.CreateMigration(task))
	admin := newAdmin(t, topo)

	rec := call(t, admin, http.MethodGet, proxyRPC.MigrationPath("a", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var signals proxyRPC.MigrationSignals
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&signals))
	assert.True(t, signals.Ready, "destination primary answers ping")
	assert.False(t, signals.Copied)

	copied := true
	body, _ := json.Marshal(proxyRPC.PostSignalsArgs{Copied: &copied})
	rec = call(t, admin, http.MethodPost, proxyRPC.SignalsPath("a", task.ID), body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, admin, http.MethodGet, proxyRPC.MigrationPath("a", task.ID), nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&signals))
	assert.True(t, signals.Copied)
	assert.False(t, signals.Drained)

	rec = call(t, admin, http.MethodGet, proxyRPC.MigrationPath("b", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var atDestination proxyRPC.MigrationSignals
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&atDestination))
	assert.False(t, atDestination.Copied, "source signals are not reported for the destination")

	drained := true
	body, _ = json.Marshal(proxyRPC.PostSignalsArgs{Drained: &drained})
	rec = call(t, admin, http.MethodPost, proxyRPC.SignalsPath("b", task.ID), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, admin, http.MethodGet, proxyRPC.MigrationPath("a", task.ID), nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&signals))
	assert.False(t, signals.Drained, "a post under the destination does not count")

	rec = call(t, admin, http.MethodGet, proxyRPC.MigrationPath("a", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, admin, http.MethodGet, proxyRPC.MigrationPath("c", task.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
