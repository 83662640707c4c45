package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/concurrent_map"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var (
	topologyKey        = ds.NewKey("/topology/current")
	finishedTaskPrefix = "/tasks/finished"
)

func finishedTaskKey(id uuid.UUID) ds.Key {
	return ds.NewKey(finishedTaskPrefix).ChildString(id.String())
}

// Store is the authoritative topology record. Writers are serialized and
// compare-and-swap on the epoch; readers load the current topology without
// locking. An update is written to the datastore before it becomes visible.
type Store struct {
	db  *dslvl.Datastore
	log *zap.SugaredLogger

	mu       sync.Mutex
	current  *atomic.Pointer[model.Topology]
	finished *concurrent_map.Map[uuid.UUID, model.FinishedTask]

	now func() time.Time
}

// OpenStore opens the datastore at path and loads the persisted topology. An
// empty path keeps everything in memory.
func OpenStore(ctx context.Context, path string, log *zap.SugaredLogger) (*Store, error) {
	db, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}

	s := &Store{
		db:       db,
		log:      log,
		current:  atomic.NewPointer(&model.Topology{}),
		finished: concurrent_map.NewMap[uuid.UUID, model.FinishedTask](),
		now:      time.Now,
	}

	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	b, err := s.db.Get(ctx, topologyKey)
	switch {
	case errors.Is(err, ds.ErrNotFound):
		s.log.Infow("store", "status", "empty store, starting at epoch 0")
	case err != nil:
		return fmt.Errorf("load topology: %w", err)
	default:
		topo, err := model.DecodeTopology(b)
		if err != nil {
			return fmt.Errorf("decode topology: %w", err)
		}
		if err := topo.Validate(); err != nil {
			return fmt.Errorf("persisted topology at epoch %d: %w", topo.Epoch, err)
		}
		s.current.Store(&topo)
		s.log.Infow("store", "status", "loaded topology", "epoch", topo.Epoch, "chunks", len(topo.Chunks), "migrations", len(topo.Migrations))
	}

	res, err := s.db.Query(ctx, dsq.Query{Prefix: finishedTaskPrefix})
	if err != nil {
		return fmt.Errorf("query finished tasks: %w", err)
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return r.Error
		}

		var f model.FinishedTask
		if err := json.Unmarshal(r.Value, &f); err != nil {
			return fmt.Errorf("decode finished task %s: %w", r.Key, err)
		}
		s.finished.Set(f.Task.ID, f)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Topology returns the current topology and its epoch.
func (s *Store) Topology(_ context.Context) (model.Topology, uint64) {
	topo := s.current.Load()
	return *topo, topo.Epoch
}

func (s *Store) Epoch() uint64 {
	return s.current.Load().Epoch
}

// ProposeUpdate applies delta if expectedEpoch is the current epoch and
// returns the new epoch. A mismatch returns *model.EpochConflictError.
func (s *Store) ProposeUpdate(ctx context.Context, expectedEpoch uint64, delta model.Delta) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit(ctx, expectedEpoch, delta, "")
}

// Transition moves a migration task to the state to. A task that already
// finished in that state is answered with the current epoch and applied set
// to false, so repeated rollbacks are harmless.
func (s *Store) Transition(ctx context.Context, taskID uuid.UUID, expectedEpoch uint64, to model.MigrationState, reason string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if f, ok := s.finished.Get(taskID); ok {
		if f.State == to {
			return cur.Epoch, false, nil
		}
		return cur.Epoch, false, fmt.Errorf("%w: task %s already %s", model.ErrInvalidTransition, taskID, f.State)
	}

	if expectedEpoch == 0 {
		expectedEpoch = cur.Epoch
	}

	epoch, err := s.commit(ctx, expectedEpoch, model.NewDelta(model.TransitionMigration(taskID, to)), reason)
	if err != nil {
		return epoch, false, err
	}

	return epoch, true, nil
}

// commit must be called with mu held.
func (s *Store) commit(ctx context.Context, expectedEpoch uint64, delta model.Delta, reason string) (uint64, error) {
	cur := s.current.Load()
	if expectedEpoch != cur.Epoch {
		return cur.Epoch, &model.EpochConflictError{Expected: expectedEpoch, Current: cur.Epoch}
	}

	now := s.now().UTC()
	next, err := cur.Apply(delta, now)
	if err != nil {
		return cur.Epoch, err
	}

	var finished []model.FinishedTask
	for id, state := range delta.Finishes() {
		task, ok := cur.Migration(id)
		if !ok {
			continue
		}
		finished = append(finished, model.FinishedTask{
			Task:       task,
			State:      state,
			Epoch:      next.Epoch,
			Reason:     reason,
			FinishedAt: now,
		})
	}

	if err := s.persist(ctx, next, finished); err != nil {
		return cur.Epoch, err
	}

	s.current.Store(&next)
	for _, f := range finished {
		s.finished.Set(f.Task.ID, f)
		s.log.Infow("store", "event", "migration finished", "task", f.Task.ID, "state", f.State, "epoch", f.Epoch, "reason", f.Reason)
	}
	s.log.Infow("store", "event", "topology committed", "epoch", next.Epoch, "changes", len(delta.Changes))

	return next.Epoch, nil
}

func (s *Store) persist(ctx context.Context, topo model.Topology, finished []model.FinishedTask) error {
	b, err := topo.Encode()
	if err != nil {
		return err
	}

	batch, err := s.db.Batch(ctx)
	if err != nil {
		return fmt.Errorf("persist epoch %d: %w", topo.Epoch, err)
	}

	if err := batch.Put(ctx, topologyKey, b); err != nil {
		return fmt.Errorf("persist epoch %d: %w", topo.Epoch, err)
	}

	for _, f := range finished {
		fb, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := batch.Put(ctx, finishedTaskKey(f.Task.ID), fb); err != nil {
			return fmt.Errorf("persist finished task %s: %w", f.Task.ID, err)
		}
	}

	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("persist epoch %d: %w", topo.Epoch, err)
	}

	return nil
}

// FinishedTask returns the record of a task that left the topology.
func (s *Store) FinishedTask(id uuid.UUID) (model.FinishedTask, bool) {
	return s.finished.Get(id)
}

func (s *Store) FinishedTasks() []model.FinishedTask {
	tasks := make([]model.FinishedTask, 0)
	s.finished.Range(func(_ uuid.UUID, f model.FinishedTask) bool {
		tasks = append(tasks, f)
		return true
	})

	slices.SortFunc(tasks, func(a, b model.FinishedTask) int {
		return a.FinishedAt.Compare(b.FinishedAt)
	})

	return tasks
}

// DeleteFinishedTask drops a finished task record.
func (s *Store) DeleteFinishedTask(ctx context.Context, id uuid.UUID) error {
	if err := s.db.Delete(ctx, finishedTaskKey(id)); err != nil {
		return err
	}

	s.finished.Delete(id)
	return nil
}
