package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"docbatch/services"
)

type Pool struct {
	queue          TaskQueue
	processor      *Processor
	packaging      PackagingRecoverer
	logger         *log.Logger
	dequeueTimeout time.Duration
	staleAfter     time.Duration
	recoveryEvery  time.Duration
	maxDeliveries  int
}

// NewPool builds the worker pool. A task whose processing keeps failing is
// moved to the failed queue on its maxDeliveries-th delivery; zero means no
// limit.
func NewPool(queue TaskQueue, processor *Processor, staleAfter time.Duration, maxDeliveries int, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		queue:          queue,
		processor:      processor,
		logger:         logger,
		dequeueTimeout: 5 * time.Second,
		staleAfter:     staleAfter,
		recoveryEvery:  5 * time.Minute,
		maxDeliveries:  maxDeliveries,
	}
}

// WithPackagingRecovery makes the recovery loop also finish abandoned
// packaging.
func (p *Pool) WithPackagingRecovery(r PackagingRecoverer) *Pool {
	p.packaging = r
	return p
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	p.logger.Printf("[Worker %d] Starting", workerID)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("[Worker %d] Shutting down", workerID)
			return
		default:
			// Atomic pop from pending and push to processing
			delivery, err := p.queue.Dequeue(ctx, p.dequeueTimeout)
			if errors.Is(err, services.ErrNoTask) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				p.logger.Printf("[Worker %d] Queue error: %v", workerID, err)
				sleepCtx(ctx, 5*time.Second)
				continue
			}

			p.handle(ctx, workerID, delivery)
		}
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, d *services.Delivery) {
	task := d.Task
	p.logger.Printf("[Worker %d] Processing file %s of job %s (delivery %d)", workerID, task.FileID, task.JobID, task.Delivery)

	outcome, err := p.processor.ProcessFile(ctx, task.FileID)
	switch {
	case errors.Is(err, services.ErrFileNotFound):
		p.logger.Printf("[Worker %d] File %s no longer exists; moving task to failed queue", workerID, task.FileID)
		if err := p.queue.Fail(ctx, d.Raw); err != nil {
			p.logger.Printf("[Worker %d] Failed to move task to failed queue: %v", workerID, err)
		}
		return
	case err != nil && ctx.Err() == nil && p.maxDeliveries > 0 && task.Delivery >= p.maxDeliveries:
		p.logger.Printf("[Worker %d] File %s not settled after %d deliveries, moving task to failed queue: %v", workerID, task.FileID, task.Delivery, err)
		if err := p.queue.Fail(ctx, d.Raw); err != nil {
			p.logger.Printf("[Worker %d] Failed to move task to failed queue: %v", workerID, err)
		}
		return
	case err != nil:
		// Left in the processing list; the recovery loop redelivers it.
		p.logger.Printf("[Worker %d] File %s not settled, will be redelivered: %v", workerID, task.FileID, err)
		return
	case outcome == FileInFlight:
		// Also left in the processing list, in case the other worker died.
		return
	}

	if err := p.queue.Ack(ctx, d.Raw); err != nil {
		p.logger.Printf("[Worker %d] Failed to ack task for file %s: %v", workerID, task.FileID, err)
	}
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.recoveryEvery)
	defer ticker.Stop()

	p.logger.Println("[Recovery] Starting stale task recovery loop")

	for {
		select {
		case <-ctx.Done():
			p.logger.Println("[Recovery] Shutting down")
			return
		case <-ticker.C:
			p.recoverStaleTasks(ctx)
		}
	}
}

func (p *Pool) recoverStaleTasks(ctx context.Context) {
	recovered, err := p.queue.RequeueStale(ctx, p.staleAfter)
	if err != nil {
		p.logger.Printf("[Recovery] Failed to requeue stale tasks: %v", err)
	}
	if recovered > 0 {
		p.logger.Printf("[Recovery] Recovered %d stale tasks", recovered)
	}

	if p.packaging == nil {
		return
	}
	packaged, err := p.packaging.RecoverStalePackaging(ctx)
	if err != nil {
		p.logger.Printf("[Recovery] Failed to recover stale packaging: %v", err)
	}
	if packaged > 0 {
		p.logger.Printf("[Recovery] Finished packaging of %d abandoned jobs", packaged)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
