package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/concurrent_map"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// Backends keeps one client per storage instance or peer proxy address.
type Backends struct {
	timeout time.Duration
	clients *concurrent_map.Map[string, *redis.Client]
}

func NewBackends(timeout time.Duration) *Backends {
	return &Backends{
		timeout: timeout,
		clients: concurrent_map.NewMap[string, *redis.Client](),
	}
}

func (b *Backends) client(addr string) *redis.Client {
	if c, ok := b.clients.Get(addr); ok {
		return c
	}

	c := redis.NewClient(&redis.Options{
		Addr:         addr,
		Protocol:     2,
		DialTimeout:  b.timeout,
		ReadTimeout:  b.timeout,
		WriteTimeout: b.timeout,
	})

	actual, loaded := b.clients.GetOrSet(addr, c)
	if loaded {
		c.Close()
	}

	return actual
}

// Do runs args against addr. Error replies of the backend are returned as
// redis.Error so they can be relayed unchanged.
func (b *Backends) Do(ctx context.Context, addr string, args [][]byte) (interface{}, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: chunk has no backend", model.ErrUnreachablePeer)
	}

	v, err := b.client(addr).Do(ctx, toInterfaces(args)...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, classify(addr, err)
}

// Forward sends args to the proxy at addr as a migration-control request
// stamped with epoch.
func (b *Backends) Forward(ctx context.Context, addr string, epoch uint64, args [][]byte) (interface{}, error) {
	fwd := make([]interface{}, 0, len(args)+3)
	fwd = append(fwd, "UMCTL", "FWD", strconv.FormatUint(epoch, 10))
	fwd = append(fwd, toInterfaces(args)...)

	v, err := b.client(addr).Do(ctx, fwd...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, classify(addr, err)
}

// Exists reports whether the chunk's primary holds key.
func (b *Backends) Exists(ctx context.Context, chunk model.Chunk, key []byte) (bool, error) {
	n, err := b.client(chunk.Primary()).Exists(ctx, string(key)).Result()
	if err != nil {
		return false, classify(chunk.Primary(), err)
	}

	return n > 0, nil
}

func (b *Backends) Ping(ctx context.Context, addr string) error {
	return classify(addr, b.client(addr).Ping(ctx).Err())
}

func (b *Backends) Close() error {
	var err error
	b.clients.Range(func(addr string, c *redis.Client) bool {
		err = multierr.Append(err, c.Close())
		b.clients.Delete(addr)
		return true
	})

	return err
}

func toInterfaces(args [][]byte) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}

func classify(addr string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}

	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return err
	}

	return fmt.Errorf("%w: %s: %v", model.ErrUnreachablePeer, addr, err)
}
