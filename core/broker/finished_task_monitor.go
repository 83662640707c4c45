package broker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

var (
	FinishedTaskRetention = 24 * time.Hour
	PruneInterval         = time.Minute
)

type FinishedTaskMonitor struct {
	store     *Store
	log       *zap.SugaredLogger
	retention time.Duration
	interval  time.Duration
}

// NewFinishedTaskMonitor creates a monitor that drops finished task records
// once they are older than retention.
func NewFinishedTaskMonitor(store *Store, log *zap.SugaredLogger, retention time.Duration) *FinishedTaskMonitor {
	if retention <= 0 {
		retention = FinishedTaskRetention
	}

	return &FinishedTaskMonitor{
		store:     store,
		log:       log,
		retention: retention,
		interval:  PruneInterval,
	}
}

// Start runs the prune loop until ctx is done.
func (m *FinishedTaskMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Infow("startup", "status", "starting finished task monitor", "retention", m.retention)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Prune(ctx)
		}
	}
}

// Prune deletes expired records and returns how many were dropped.
func (m *FinishedTaskMonitor) Prune(ctx context.Context) int {
	now := m.store.now()
	pruned := 0

	for _, f := range m.store.FinishedTasks() {
		if !f.IsExpired(m.retention, now) {
			continue
		}

		if err := m.store.DeleteFinishedTask(ctx, f.Task.ID); err != nil {
			m.log.Warnw("prune", "task", f.Task.ID, "ERROR", err)
			continue
		}
		pruned++
	}

	if pruned > 0 {
		m.log.Infow("prune", "status", "dropped finished tasks", "count", pruned)
	}

	return pruned
}
