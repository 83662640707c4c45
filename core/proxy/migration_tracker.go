package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/slotcluster/core/model"
	"github.com/pyropy/slotcluster/core/topology"
	"github.com/pyropy/slotcluster/lib/concurrent_map"
	proxyRPC "github.com/pyropy/slotcluster/rpc/proxy"
	"go.uber.org/zap"
)

var ErrNotSourceChunk = errors.New("copied and drained are reported by the source chunk")

// FinishedHistory is the number of finished tasks a proxy remembers.
var FinishedHistory = 64

type Pinger interface {
	Ping(ctx context.Context, addr string) error
}

// MigrationTracker keeps the completion signals of the migrations this proxy
// takes part in. Ready is probed on demand; copied and drained are posted by
// the bulk copy collaborator for the source chunk.
type MigrationTracker struct {
	pinger  Pinger
	log     *zap.SugaredLogger
	now     func() time.Time
	signals *concurrent_map.Map[uuid.UUID, proxyRPC.MigrationSignals]
	active  *concurrent_map.Map[uuid.UUID, model.MigrationTask]

	mu       sync.Mutex
	finished []model.FinishedTask
}

func NewMigrationTracker(pinger Pinger, log *zap.SugaredLogger) *MigrationTracker {
	return &MigrationTracker{
		pinger:  pinger,
		log:     log,
		now:     time.Now,
		signals: concurrent_map.NewMap[uuid.UUID, proxyRPC.MigrationSignals](),
		active:  concurrent_map.NewMap[uuid.UUID, model.MigrationTask](),
	}
}

func (t *MigrationTracker) lookup(snap *topology.Snapshot, chunkID string, taskID uuid.UUID) (model.MigrationTask, error) {
	task, ok := snap.Topology.Migration(taskID)
	if !ok {
		return model.MigrationTask{}, fmt.Errorf("%w: %s at epoch %d", model.ErrTaskNotFound, taskID, snap.Epoch())
	}
	if !task.Involves(chunkID) {
		return model.MigrationTask{}, fmt.Errorf("%w: chunk %s is not part of task %s", model.ErrTaskNotFound, chunkID, taskID)
	}

	return task, nil
}

// Signals returns the current signals of a task as seen by chunkID. Copied
// and drained are only reported for the source chunk.
func (t *MigrationTracker) Signals(ctx context.Context, snap *topology.Snapshot, chunkID string, taskID uuid.UUID) (proxyRPC.MigrationSignals, error) {
	task, err := t.lookup(snap, chunkID, taskID)
	if err != nil {
		return proxyRPC.MigrationSignals{}, err
	}

	var s proxyRPC.MigrationSignals
	if chunkID == task.Source {
		s, _ = t.signals.Get(taskID)
	}
	s.Task = taskID
	s.Chunk = chunkID

	if dst, ok := snap.Chunk(task.Destination); ok {
		s.Ready = t.pinger.Ping(ctx, dst.Primary()) == nil
	}

	return s, nil
}

// Post records signals reported for a task. Unset fields keep their value.
func (t *MigrationTracker) Post(snap *topology.Snapshot, chunkID string, taskID uuid.UUID, args proxyRPC.PostSignalsArgs) (proxyRPC.MigrationSignals, error) {
	task, err := t.lookup(snap, chunkID, taskID)
	if err != nil {
		return proxyRPC.MigrationSignals{}, err
	}
	if chunkID != task.Source {
		return proxyRPC.MigrationSignals{}, fmt.Errorf("%w: task %s source is %s, not %s", ErrNotSourceChunk, taskID, task.Source, chunkID)
	}

	s, _ := t.signals.Get(taskID)
	s.Task = taskID
	s.Chunk = chunkID
	if args.Copied != nil {
		s.Copied = *args.Copied
	}
	if args.Drained != nil {
		s.Drained = *args.Drained
	}
	t.signals.Set(taskID, s)

	t.log.Infow("migration", "event", "signals", "task", taskID, "chunk", chunkID, "copied", s.Copied, "drained", s.Drained)
	return s, nil
}

// Observe follows topology swaps. Tasks that left the topology are recorded
// as finished and their signals dropped.
func (t *MigrationTracker) Observe(snap *topology.Snapshot) {
	for _, id := range t.active.Keys() {
		if _, ok := snap.Topology.Migration(id); ok {
			continue
		}

		task, _ := t.active.Get(id)
		t.active.Delete(id)
		t.signals.Delete(id)
		t.finish(snap, task)
	}

	for _, task := range snap.Topology.Migrations {
		t.active.Set(task.ID, task)
	}
}

func (t *MigrationTracker) finish(snap *topology.Snapshot, task model.MigrationTask) {
	state := model.MigrationRolledBack
	if dst, ok := snap.Chunk(task.Destination); ok && dst.Slots.Covers(task.Range) {
		state = model.MigrationCompleted
	}

	f := model.FinishedTask{Task: task, State: state, Epoch: snap.Epoch(), FinishedAt: t.now()}

	t.mu.Lock()
	t.finished = append(t.finished, f)
	if over := len(t.finished) - FinishedHistory; over > 0 {
		t.finished = append([]model.FinishedTask(nil), t.finished[over:]...)
	}
	t.mu.Unlock()

	t.log.Infow("migration", "event", "finished", "task", task.ID, "range", task.Range.String(), "state", state, "epoch", f.Epoch)
}

// Finished returns the remembered finished tasks, oldest first.
func (t *MigrationTracker) Finished() []model.FinishedTask {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]model.FinishedTask(nil), t.finished...)
}
