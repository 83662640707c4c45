package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/lib/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()

	s, err := OpenStore(context.Background(), path, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	epoch, err := s.ProposeUpdate(ctx, 0, model.NewDelta(
		model.AddChunk(model.Chunk{ID: "a", Proxy: "proxy-a:6380", Backends: []string{"redis-a:6379"}}),
		model.AddChunk(model.Chunk{ID: "b", Proxy: "proxy-b:6380", Backends: []string{"redis-b:6379"}}),
		model.AssignSlots("a", model.NewSlotRange(0, 8191)),
		model.AssignSlots("b", model.NewSlotRange(8192, 16383)),
	))
	require.NoError(t, err)
	require.Equal(t, uint64(1), epoch)
}

// bumpTo advances the store to epoch with no-op backend updates.
func bumpTo(t *testing.T, s *Store, epoch uint64) {
	t.Helper()

	for s.Epoch() < epoch {
		_, err := s.ProposeUpdate(context.Background(), s.Epoch(), model.NewDelta(model.SetBackends("a", []string{"redis-a:6379"})))
		require.NoError(t, err)
	}
}

func TestEmptyStoreStartsAtEpochZero(t *testing.T) {
	s := newTestStore(t, "")

	topo, epoch := s.Topology(context.Background())
	assert.Equal(t, uint64(0), epoch)
	assert.Empty(t, topo.Chunks)
}

func TestProposeUpdateConflict(t *testing.T) {
	s := newTestStore(t, "")
	seed(t, s)

	_, err := s.ProposeUpdate(context.Background(), 0, model.NewDelta(model.RemoveChunk("a")))

	var conflict *model.EpochConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, uint64(0), conflict.Expected)
	assert.Equal(t, uint64(1), conflict.Current)
	assert.ErrorIs(t, err, model.ErrEpochConflict)
}

func TestProposeUpdateInvalidDeltaKeepsEpoch(t *testing.T) {
	s := newTestStore(t, "")
	seed(t, s)

	_, err := s.ProposeUpdate(context.Background(), 1, model.NewDelta(model.AssignSlots("a", model.NewSlotRange(9000, 9000))))
	assert.ErrorIs(t, err, model.ErrSlotOwned)
	assert.Equal(t, uint64(1), s.Epoch())
}

func TestConcurrentProposalsOnSameEpoch(t *testing.T) {
	s := newTestStore(t, "")
	seed(t, s)
	bumpTo(t, s, 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	epochs := make([]uint64, 2)
	start := make(chan struct{})

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			task := model.NewMigrationTask(model.NewSlotRange(i*100, i*100+99), "a", "b", false)
			epochs[i], errs[i] = s.ProposeUpdate(context.Background(), 5, model.NewDelta(model.CreateMigration(task)))
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded, conflicted := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
			assert.Equal(t, uint64(6), epochs[i])
		case errors.Is(err, model.ErrEpochConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, uint64(6), s.Epoch())
}

func TestTransitionRollbackIsIdempotent(t *testing.T) {
	s := newTestStore(t, "")
	seed(t, s)
	ctx := context.Background()

	task := model.NewMigrationTask(model.NewSlotRange(12, 12), "a", "b", false)
	_, err := s.ProposeUpdate(ctx, s.Epoch(), model.NewDelta(model.CreateMigration(task)))
	require.NoError(t, err)

	_, applied, err := s.Transition(ctx, task.ID, s.Epoch(), model.MigrationImporting, "destination ready")
	require.NoError(t, err)
	assert.True(t, applied)

	first, applied, err := s.Transition(ctx, task.ID, 0, model.MigrationRolledBack, "destination unreachable")
	require.NoError(t, err)
	assert.True(t, applied)
	afterFirst, _ := s.Topology(ctx)

	second, applied, err := s.Transition(ctx, task.ID, 0, model.MigrationRolledBack, "destination unreachable")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first, second)

	afterSecond, _ := s.Topology(ctx)
	assert.Equal(t, afterFirst.Fingerprint(), afterSecond.Fingerprint())

	owner, ok := afterSecond.Owner(12)
	require.True(t, ok)
	assert.Equal(t, "a", owner.ID)

	_, _, err = s.Transition(ctx, task.ID, 0, model.MigrationCompleted, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	f, ok := s.FinishedTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, model.MigrationRolledBack, f.State)
	assert.Equal(t, "destination unreachable", f.Reason)
}

func TestStoreReloadsPersistedState(t *testing.T) {
	path := t.TempDir()
	ctx := context.Background()

	s, err := OpenStore(ctx, path, logger.Nop())
	require.NoError(t, err)
	seed(t, s)

	task := model.NewMigrationTask(model.NewSlotRange(0, 9), "a", "b", false)
	_, err = s.ProposeUpdate(ctx, s.Epoch(), model.NewDelta(model.CreateMigration(task)))
	require.NoError(t, err)
	_, _, err = s.Transition(ctx, task.ID, 0, model.MigrationRolledBack, "operator")
	require.NoError(t, err)

	want, _ := s.Topology(ctx)
	require.NoError(t, s.Close())

	reopened := newTestStore(t, path)
	got, epoch := reopened.Topology(ctx)
	assert.Equal(t, uint64(3), epoch)
	assert.Equal(t, want.Fingerprint(), got.Fingerprint())

	_, ok := reopened.FinishedTask(task.ID)
	assert.True(t, ok)
}

func TestFinishedTaskMonitorPrunes(t *testing.T) {
	s := newTestStore(t, "")
	seed(t, s)
	ctx := context.Background()

	task := model.NewMigrationTask(model.NewSlotRange(0, 9), "a", "b", false)
	_, err := s.ProposeUpdate(ctx, s.Epoch(), model.NewDelta(model.CreateMigration(task)))
	require.NoError(t, err)
	_, _, err = s.Transition(ctx, task.ID, 0, model.MigrationRolledBack, "")
	require.NoError(t, err)

	monitor := NewFinishedTaskMonitor(s, logger.Nop(), time.Hour)
	assert.Equal(t, 0, monitor.Prune(ctx))

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, monitor.Prune(ctx))
	assert.Empty(t, s.FinishedTasks())
}
