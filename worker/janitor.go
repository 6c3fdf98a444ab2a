package worker

import (
	"context"
	"log"
	"time"

	"docbatch/services"
)

const sweepBatch = 100

// Janitor deletes finished jobs once they are older than the retention
// period: the rows first, then the storage directory.
type Janitor struct {
	store     RetentionStore
	storage   *services.Storage
	retention time.Duration
	logger    *log.Logger
	now       func() time.Time
}

func NewJanitor(store RetentionStore, storage *services.Storage, retention time.Duration, logger *log.Logger) *Janitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Janitor{
		store:     store,
		storage:   storage,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

func (j *Janitor) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Printf("[Janitor] Sweep failed: %v", err)
			}
		}
	}
}

// Sweep removes one batch of expired jobs and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	ids, err := j.store.ListExpiredJobs(ctx, j.now().Add(-j.retention), sweepBatch)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, id := range ids {
		if err := j.store.DeleteJob(ctx, id); err != nil {
			j.logger.Printf("[Janitor] Failed to delete job %s: %v", id, err)
			continue
		}
		if err := j.storage.RemoveJob(id); err != nil {
			j.logger.Printf("[Janitor] Failed to remove storage of job %s: %v", id, err)
		}
		cleaned++
	}

	if cleaned > 0 {
		j.logger.Printf("[Janitor] Cleaned up %d expired jobs", cleaned)
	}
	return cleaned, nil
}
