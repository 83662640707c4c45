package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/core/topology"
)

var (
	ErrSlotUnassigned         = errors.New("hash slot not served")
	ErrMigrationWriteRejected = errors.New("write rejected while the slot is switching to its destination")
	ErrKeysSplit              = errors.New("multi-key request spans both chunks of a migrating slot")
)

type DecisionKind int

const (
	ServeLocal DecisionKind = iota
	Forward
	Redirect
)

func (k DecisionKind) String() string {
	switch k {
	case ServeLocal:
		return "serve_local"
	case Forward:
		return "forward"
	case Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Decision tells the server where a request goes. Address is the proxy of
// Chunk for forwards and redirects.
type Decision struct {
	Kind    DecisionKind
	Slot    int
	Chunk   model.Chunk
	Address string
}

// Request is the routing view of a command. Key is the first key; Keys, when
// set, holds every key of a multi-key command. Forwarded requests come from
// another proxy and carry the epoch it routed them at.
type Request struct {
	Key       []byte
	Keys      [][]byte
	Write     bool
	Forwarded bool
	Epoch     uint64
}

// KeyChecker reports whether a chunk currently holds a key.
type KeyChecker interface {
	Exists(ctx context.Context, chunk model.Chunk, key []byte) (bool, error)
}

// Router classifies requests against a topology snapshot for the proxy at
// address.
type Router struct {
	address string
	keys    KeyChecker
}

func NewRouter(address string, keys KeyChecker) *Router {
	return &Router{
		address: address,
		keys:    keys,
	}
}

func (req Request) keys() [][]byte {
	if len(req.Keys) > 0 {
		return req.Keys
	}
	return [][]byte{req.Key}
}

func (r *Router) Address() string {
	return r.address
}

func (r *Router) local(c model.Chunk) bool {
	return c.Proxy == r.address
}

// Route decides how to serve req. The caller captures snap once and passes
// it for the whole request.
func (r *Router) Route(ctx context.Context, snap *topology.Snapshot, req Request) (Decision, error) {
	slot := model.SlotOf(req.Key)

	if req.Forwarded && req.Epoch > snap.Epoch() {
		return Decision{}, fmt.Errorf("%w: sender at epoch %d, local epoch %d", model.ErrStaleTopology, req.Epoch, snap.Epoch())
	}

	m, migrating := snap.Migration(slot)
	if !migrating || m.State == model.MigrationPrepared {
		owner, ok := snap.Owner(slot)
		if !ok {
			return Decision{}, fmt.Errorf("%w: %d", ErrSlotUnassigned, slot)
		}
		if r.local(owner) {
			return r.serve(slot, owner), nil
		}
		return r.redirect(req, slot, owner)
	}

	src, srcOK := snap.Chunk(m.Source)
	dst, dstOK := snap.Chunk(m.Destination)
	if !srcOK || !dstOK {
		return Decision{}, fmt.Errorf("%w: task %s names unknown chunks", model.ErrInvariantViolation, m.ID)
	}

	switch m.State {
	case model.MigrationImporting:
		return r.routeImporting(ctx, req, slot, src, dst)
	case model.MigrationSwitching:
		return r.routeSwitching(ctx, req, slot, src, dst)
	default:
		return Decision{}, fmt.Errorf("%w: task %s recorded as %s", model.ErrInvariantViolation, m.ID, m.State)
	}
}

// The source is authoritative while importing. Keys it no longer holds have
// already been copied and are served by the destination.
func (r *Router) routeImporting(ctx context.Context, req Request, slot int, src, dst model.Chunk) (Decision, error) {
	if r.local(src) {
		if req.Forwarded {
			return r.serve(slot, src), nil
		}

		present, err := r.present(ctx, src, req)
		if err != nil {
			return Decision{}, err
		}
		if present {
			return r.serve(slot, src), nil
		}
		return r.forward(slot, dst), nil
	}

	if r.local(dst) && req.Forwarded {
		return r.serve(slot, dst), nil
	}

	return r.redirect(req, slot, src)
}

// The destination is authoritative while switching. The source only answers
// reads for keys the destination does not have yet.
func (r *Router) routeSwitching(ctx context.Context, req Request, slot int, src, dst model.Chunk) (Decision, error) {
	if r.local(dst) {
		if req.Write || req.Forwarded {
			return r.serve(slot, dst), nil
		}

		present, err := r.present(ctx, dst, req)
		if err != nil {
			return Decision{}, err
		}
		if present {
			return r.serve(slot, dst), nil
		}
		return r.forward(slot, src), nil
	}

	if r.local(src) {
		if req.Forwarded {
			if req.Write {
				return Decision{}, ErrMigrationWriteRejected
			}
			return r.serve(slot, src), nil
		}
		return r.forward(slot, dst), nil
	}

	return r.redirect(req, slot, dst)
}

// present reports whether chunk holds the keys of req. Keys split between
// the two chunks of a migration cannot be served by either one alone.
func (r *Router) present(ctx context.Context, chunk model.Chunk, req Request) (bool, error) {
	keys := req.keys()
	held := 0
	for _, key := range keys {
		ok, err := r.keys.Exists(ctx, chunk, key)
		if err != nil {
			return false, err
		}
		if ok {
			held++
		}
	}

	if held > 0 && held < len(keys) {
		return false, fmt.Errorf("%w: %d of %d keys on %s", ErrKeysSplit, held, len(keys), chunk.ID)
	}
	return held > 0, nil
}

func (r *Router) serve(slot int, c model.Chunk) Decision {
	return Decision{Kind: ServeLocal, Slot: slot, Chunk: c, Address: c.Proxy}
}

func (r *Router) forward(slot int, c model.Chunk) Decision {
	return Decision{Kind: Forward, Slot: slot, Chunk: c, Address: c.Proxy}
}

// A forwarded request that does not belong here means the two proxies
// disagree on the topology; it is never bounced on to a third one.
func (r *Router) redirect(req Request, slot int, c model.Chunk) (Decision, error) {
	if req.Forwarded {
		return Decision{}, fmt.Errorf("%w: forwarded request for slot %d belongs to %s", model.ErrStaleTopology, slot, c.Proxy)
	}
	return Decision{Kind: Redirect, Slot: slot, Chunk: c, Address: c.Proxy}, nil
}
