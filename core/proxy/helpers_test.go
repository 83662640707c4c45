package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/core/topology"
	"github.com/pyropy/slotcluster/lib/logger"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"
)

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeStore is a minimal in-memory RESP key-value store.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
	srv  *redcon.Server
}

func startFakeStore(t *testing.T) *fakeStore {
	t.Helper()

	f := &fakeStore{data: make(map[string]string)}
	f.srv = redcon.NewServer("127.0.0.1:0", f.handle, nil, nil)

	signal := make(chan error, 1)
	go f.srv.ListenServeAndSignal(signal)
	require.NoError(t, <-signal)
	t.Cleanup(func() { f.srv.Close() })

	return f
}

func (f *fakeStore) Addr() string {
	return f.srv.Addr().String()
}

func (f *fakeStore) Set(k, v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[k] = v
}

func (f *fakeStore) Has(k string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[k]
	return ok
}

func (f *fakeStore) handle(conn redcon.Conn, cmd redcon.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch strings.ToUpper(string(cmd.Args[0])) {
	case "PING":
		conn.WriteString("PONG")
	case "HELLO":
		conn.WriteError("ERR unknown command 'HELLO'")
	case "GET":
		v, ok := f.data[string(cmd.Args[1])]
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulkString(v)
	case "SET":
		f.data[string(cmd.Args[1])] = string(cmd.Args[2])
		conn.WriteString("OK")
	case "DEL":
		n := 0
		for _, k := range cmd.Args[1:] {
			if _, ok := f.data[string(k)]; ok {
				delete(f.data, string(k))
				n++
			}
		}
		conn.WriteInt(n)
	case "EXISTS":
		n := 0
		for _, k := range cmd.Args[1:] {
			if _, ok := f.data[string(k)]; ok {
				n++
			}
		}
		conn.WriteInt(n)
	default:
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", cmd.Args[0]))
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// keyForSlot finds a key hashing to slot.
func keyForSlot(t *testing.T, slot int) []byte {
	t.Helper()

	for i := 0; i < 1_000_000; i++ {
		k := []byte(fmt.Sprintf("key:%d", i))
		if model.SlotOf(k) == slot {
			return k
		}
	}
	t.Fatalf("no key found for slot %d", slot)
	return nil
}

func apply(t *testing.T, topo model.Topology, changes ...model.Change) model.Topology {
	t.Helper()

	next, err := topo.Apply(model.NewDelta(changes...), testTime)
	require.NoError(t, err)
	return next
}

// twoProxyTopology puts chunk a behind proxyA and chunk b behind proxyB and
// advances to epoch.
func twoProxyTopology(t *testing.T, proxyA, backendA, proxyB, backendB string, epoch uint64) model.Topology {
	t.Helper()

	topo := apply(t, model.Topology{},
		model.AddChunk(model.Chunk{ID: "a", Proxy: proxyA, Backends: []string{backendA}}),
		model.AddChunk(model.Chunk{ID: "b", Proxy: proxyB, Backends: []string{backendB}}),
		model.AssignSlots("a", model.NewSlotRange(0, 8191)),
		model.AssignSlots("b", model.NewSlotRange(8192, 16383)),
	)
	for topo.Epoch < epoch {
		topo = apply(t, topo, model.SetBackends("a", []string{backendA}))
	}
	return topo
}

func newCache(t *testing.T, topo model.Topology) *topology.Cache {
	t.Helper()

	c := topology.NewCache(logger.Nop(), 0)
	_, err := c.Offer(topo)
	require.NoError(t, err)
	return c
}

// fakeKeys answers Exists from a set of chunk/key pairs.
type fakeKeys struct {
	present map[string]bool
	err     error
}

func (f fakeKeys) Exists(_ context.Context, chunk model.Chunk, key []byte) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.present[chunk.ID+"/"+string(key)], nil
}
