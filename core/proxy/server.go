package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/core/topology"
	proxyRPC "github.com/pyropy/slotcluster/rpc/proxy"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/redcon"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// MovedError redirects a client to the proxy serving a slot.
type MovedError struct {
	Slot    int
	Address string
}

func (e *MovedError) Error() string {
	return fmt.Sprintf("MOVED %d %s", e.Slot, e.Address)
}

// Server is the RESP front end of the proxy.
type Server struct {
	cache    *topology.Cache
	router   *Router
	backends *Backends
	tracker  *MigrationTracker
	log      *zap.SugaredLogger

	srv   *redcon.Server
	conns *atomic.Int64
}

func NewServer(address string, cache *topology.Cache, backends *Backends, tracker *MigrationTracker, log *zap.SugaredLogger) *Server {
	return &Server{
		cache:    cache,
		router:   NewRouter(address, backends),
		backends: backends,
		tracker:  tracker,
		log:      log,
		conns:    atomic.NewInt64(0),
	}
}

// ListenAndServe serves RESP on listen. signal, when not nil, receives nil
// once the listener is up or the listen error.
func (s *Server) ListenAndServe(listen string, signal chan error) error {
	s.srv = redcon.NewServer(listen, s.handle, s.accept, s.closed)
	return s.srv.ListenServeAndSignal(signal)
}

// Addr returns the listener address once serving.
func (s *Server) Addr() string {
	if s.srv == nil || s.srv.Addr() == nil {
		return ""
	}
	return s.srv.Addr().String()
}

func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// New connections are refused while the topology is missing, halted or
// older than the staleness bound.
func (s *Server) accept(conn redcon.Conn) bool {
	if _, err := s.cache.Current(); err != nil {
		s.log.Warnw("resp", "status", "rejecting connection", "remote", conn.RemoteAddr(), "ERROR", err)
		return false
	}

	s.conns.Inc()
	return true
}

func (s *Server) closed(_ redcon.Conn, _ error) {
	s.conns.Dec()
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	ctx := context.Background()
	name := strings.ToUpper(string(cmd.Args[0]))

	switch name {
	case "PING":
		if len(cmd.Args) > 1 {
			conn.WriteBulk(cmd.Args[1])
			return
		}
		conn.WriteString("PONG")
	case "ECHO":
		if len(cmd.Args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'echo' command")
			return
		}
		conn.WriteBulk(cmd.Args[1])
	case "QUIT":
		conn.WriteString("OK")
		conn.Close()
	case "AUTH":
		conn.WriteString("OK")
	case "SELECT":
		if len(cmd.Args) != 2 || string(cmd.Args[1]) != "0" {
			conn.WriteError("ERR SELECT is not allowed in cluster mode")
			return
		}
		conn.WriteString("OK")
	case "COMMAND":
		conn.WriteArray(0)
	case "INFO":
		conn.WriteBulkString(s.info())
	case "CLUSTER":
		s.handleCluster(conn, cmd.Args)
	case "UMCTL":
		s.handleControl(ctx, conn, cmd.Args)
	default:
		v, err := s.Execute(ctx, cmd.Args, false, 0)
		if err != nil {
			conn.WriteError(replyError(err))
			return
		}
		writeReply(conn, v)
	}
}

// Execute routes and runs a keyed command. Forwarded commands come from a
// peer proxy that routed them at epoch.
func (s *Server) Execute(ctx context.Context, args [][]byte, forwarded bool, epoch uint64) (interface{}, error) {
	spec, ok := LookupCommand(args[0])
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownCommand, args[0])
	}

	keys, err := spec.Keys(args)
	if err != nil {
		return nil, err
	}
	if _, err := KeysSlot(keys); err != nil {
		return nil, err
	}

	snap, err := s.cache.Current()
	if err != nil {
		return nil, err
	}

	d, err := s.router.Route(ctx, snap, Request{Key: keys[0], Keys: keys, Write: spec.Write, Forwarded: forwarded, Epoch: epoch})
	if err != nil {
		return nil, err
	}

	switch d.Kind {
	case ServeLocal:
		return s.backends.Do(ctx, d.Chunk.Primary(), args)
	case Forward:
		if d.Address == s.router.Address() {
			return s.backends.Do(ctx, d.Chunk.Primary(), args)
		}
		s.log.Debugw("resp", "event", "forward", "slot", d.Slot, "chunk", d.Chunk.ID, "proxy", d.Address, "epoch", snap.Epoch())
		return s.backends.Forward(ctx, d.Address, snap.Epoch(), args)
	default:
		return nil, &MovedError{Slot: d.Slot, Address: d.Address}
	}
}

func (s *Server) handleControl(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'umctl' command")
		return
	}

	switch strings.ToUpper(string(args[1])) {
	case "LISTDB":
		snap := s.cache.Peek()
		if snap == nil {
			conn.WriteArray(0)
			return
		}
		chunks := snap.Topology.ChunksOfProxy(s.router.Address())
		conn.WriteArray(len(chunks))
		for _, c := range chunks {
			conn.WriteBulkString(c.ID)
		}
	case "CLEARDB":
		s.cache.Clear()
		conn.WriteString("OK")
	case "INFOREPL":
		conn.WriteBulkString(s.replicationReport())
	case "INFOMGR":
		finished := s.tracker.Finished()
		conn.WriteArray(len(finished))
		for _, f := range finished {
			conn.WriteBulkString(fmt.Sprintf("%s %s %s %s %s %d", f.Task.ID, f.Task.Range, f.Task.Source, f.Task.Destination, f.State, f.Epoch))
		}
	case "TMPSWITCH":
		if len(args) != 3 {
			conn.WriteError("ERR wrong number of arguments for 'umctl tmpswitch' command")
			return
		}
		if err := s.commitImporting(args[2]); err != nil {
			conn.WriteError(replyError(err))
			return
		}
		conn.WriteString("OK")
	case "SETDB":
		if len(args) != 3 {
			conn.WriteError("ERR wrong number of arguments for 'umctl setdb' command")
			return
		}
		topo, err := model.DecodeTopology(args[2])
		if err != nil {
			conn.WriteError("ERR invalid topology: " + err.Error())
			return
		}
		if _, err := s.cache.Offer(topo); err != nil {
			conn.WriteError(replyError(err))
			return
		}
		conn.WriteString("OK")
	case "FWD":
		if len(args) < 4 {
			conn.WriteError("ERR wrong number of arguments for 'umctl fwd' command")
			return
		}
		epoch, err := strconv.ParseUint(string(args[2]), 10, 64)
		if err != nil {
			conn.WriteError("ERR invalid epoch")
			return
		}
		v, err := s.Execute(ctx, args[3:], true, epoch)
		if err != nil {
			conn.WriteError(replyError(err))
			return
		}
		writeReply(conn, v)
	default:
		conn.WriteError(fmt.Sprintf("ERR unknown umctl subcommand '%s'", args[1]))
	}
}

// commitImporting reports that the local source of an importing task has
// copied its range.
func (s *Server) commitImporting(raw []byte) error {
	id, err := uuid.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid task id: %w", err)
	}

	snap, err := s.cache.Current()
	if err != nil {
		return err
	}
	task, ok := snap.Topology.Migration(id)
	if !ok {
		return fmt.Errorf("%w: %s at epoch %d", model.ErrTaskNotFound, id, snap.Epoch())
	}
	if task.State != model.MigrationImporting {
		return fmt.Errorf("%w: task %s is %s", model.ErrInvalidTransition, id, task.State)
	}
	src, ok := snap.Chunk(task.Source)
	if !ok || src.Proxy != s.router.Address() {
		return fmt.Errorf("%w: source %s of task %s is not served here", ErrNotSourceChunk, task.Source, id)
	}

	copied := true
	_, err = s.tracker.Post(snap, task.Source, id, proxyRPC.PostSignalsArgs{Copied: &copied})
	return err
}

// replicationReport lists the local chunks with their replication role.
func (s *Server) replicationReport() string {
	snap := s.cache.Peek()
	if snap == nil {
		return ""
	}

	var b strings.Builder
	for _, c := range snap.Topology.ChunksOfProxy(s.router.Address()) {
		if c.ReplicaOf != "" {
			fmt.Fprintf(&b, "chunk:%s role:replica of:%s\r\n", c.ID, c.ReplicaOf)
			continue
		}

		var replicas []string
		for _, other := range snap.Topology.Chunks {
			if other.ReplicaOf == c.ID {
				replicas = append(replicas, other.ID)
			}
		}
		fmt.Fprintf(&b, "chunk:%s role:primary replicas:%s\r\n", c.ID, strings.Join(replicas, ","))
	}
	return b.String()
}

func (s *Server) info() string {
	var b strings.Builder
	b.WriteString("# Proxy\r\n")
	fmt.Fprintf(&b, "address:%s\r\n", s.router.Address())
	fmt.Fprintf(&b, "connected_clients:%d\r\n", s.conns.Load())
	b.WriteString("# Cluster\r\n")
	fmt.Fprintf(&b, "epoch:%d\r\n", s.cache.Epoch())
	if err := s.cache.Halted(); err != nil {
		b.WriteString("cluster_state:halted\r\n")
	} else if _, err := s.cache.Current(); err != nil {
		b.WriteString("cluster_state:stale\r\n")
	} else {
		b.WriteString("cluster_state:ok\r\n")
	}
	if snap := s.cache.Peek(); snap != nil {
		fmt.Fprintf(&b, "chunks:%d\r\n", len(snap.Topology.Chunks))
		fmt.Fprintf(&b, "migrations:%d\r\n", len(snap.Topology.Migrations))
	}
	return b.String()
}

// replyError maps routing and backend errors to RESP error replies.
func replyError(err error) string {
	var moved *MovedError
	var backendErr redis.Error

	switch {
	case errors.As(err, &moved):
		return moved.Error()
	case errors.As(err, &backendErr):
		return backendErr.Error()
	case errors.Is(err, model.ErrInvariantViolation):
		return "CLUSTERDOWN routing halted: " + err.Error()
	case errors.Is(err, topology.ErrOldEpoch):
		return "ERR old_epoch"
	case errors.Is(err, ErrMigrationWriteRejected), errors.Is(err, ErrKeysSplit), errors.Is(err, model.ErrStaleTopology):
		return "TRYAGAIN " + err.Error()
	case errors.Is(err, ErrSlotUnassigned):
		return "CLUSTERDOWN Hash slot not served"
	case errors.Is(err, ErrCrossSlot):
		return "CROSSSLOT Keys in request don't hash to the same slot"
	case errors.Is(err, model.ErrUnreachablePeer):
		return "TRYAGAIN backend unavailable: " + err.Error()
	default:
		return "ERR " + err.Error()
	}
}

func writeReply(conn redcon.Conn, v interface{}) {
	switch v := v.(type) {
	case nil:
		conn.WriteNull()
	case string:
		conn.WriteBulkString(v)
	case int64:
		conn.WriteInt64(v)
	case []interface{}:
		conn.WriteArray(len(v))
		for _, item := range v {
			writeReply(conn, item)
		}
	case redis.Error:
		conn.WriteError(v.Error())
	default:
		conn.WriteAny(v)
	}
}
