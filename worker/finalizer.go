package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"docbatch/models"
	"docbatch/services"

	"github.com/google/uuid"
)

type FinalizeOutcome string

const (
	// FinalizePending means some files are still pending or processing.
	FinalizePending FinalizeOutcome = "pending"
	// FinalizeSkipped means another invocation already claimed the job.
	FinalizeSkipped   FinalizeOutcome = "skipped"
	FinalizeFinalized FinalizeOutcome = "finalized"
)

const (
	archiveStateAttempts = 3
	stalePackagingBatch  = 50
)

// Finalizer decides, each time it is triggered, whether a job is done and,
// if so, finalizes it. It is safe to trigger any number of times from any
// number of workers: the store's compare-and-set lets exactly one caller
// through.
type Finalizer struct {
	store    FinalizeStore
	packager Packager
	storage  *services.Storage
	mirror   ArchiveMirror
	logger   *log.Logger
	backoff  time.Duration

	// staleAfter is how long a claim may stay in packaging before another
	// caller takes it over.
	staleAfter time.Duration
	now        func() time.Time
}

func NewFinalizer(store FinalizeStore, packager Packager, storage *services.Storage, logger *log.Logger) *Finalizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Finalizer{
		store:      store,
		packager:   packager,
		storage:    storage,
		logger:     logger,
		backoff:    200 * time.Millisecond,
		staleAfter: 10 * time.Minute,
		now:        time.Now,
	}
}

// WithStaleAfter sets how long packaging may run before it is taken over.
func (f *Finalizer) WithStaleAfter(d time.Duration) *Finalizer {
	if d > 0 {
		f.staleAfter = d
	}
	return f
}

// WithMirror uploads every ready archive to mirror as well.
func (f *Finalizer) WithMirror(mirror ArchiveMirror) *Finalizer {
	f.mirror = mirror
	return f
}

func (f *Finalizer) Finalize(ctx context.Context, jobID uuid.UUID) (FinalizeOutcome, error) {
	files, err := f.store.ListJobFiles(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("failed to read files of job %s: %w", jobID, err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("job %s: %w", jobID, models.ErrNoFiles)
	}

	for _, file := range files {
		if !file.Status.IsTerminal() {
			return FinalizePending, nil
		}
	}

	status, err := models.DeriveJobStatus(models.Statuses(files))
	if err != nil {
		return "", err
	}

	claimed, err := f.store.ClaimFinalization(ctx, jobID, status)
	if errors.Is(err, services.ErrInvariantViolation) {
		f.logger.Printf("[Finalizer] INVARIANT VIOLATION: job %s finalization claim matched more than one row: %v", jobID, err)
		return "", err
	}
	if err != nil {
		return "", err
	}
	if !claimed {
		// The job is already terminal. Its claimer may have died before
		// recording an archive state; take over once that claim is stale.
		reclaimed, err := f.store.ReclaimPackaging(ctx, jobID, f.now().Add(-f.staleAfter))
		if err != nil {
			return "", err
		}
		if !reclaimed {
			return FinalizeSkipped, nil
		}
		f.logger.Printf("[Finalizer] Job %s was left packaging; packaging again", jobID)
	}

	// The claim is taken: finish even if the caller is shutting down, or
	// the job would stay in the packaging state.
	ctx = context.WithoutCancel(ctx)

	state := f.packageJob(ctx, jobID, files)
	if err := f.persistArchiveState(ctx, jobID, state); err != nil {
		f.logger.Printf("[Finalizer] Job %s finalized as %s but archive state %s was not saved: %v", jobID, status, state, err)
		return FinalizeFinalized, err
	}

	f.logger.Printf("[Finalizer] Job %s finalized with status %s (archive %s)", jobID, status, state)
	return FinalizeFinalized, nil
}

func (f *Finalizer) packageJob(ctx context.Context, jobID uuid.UUID, files []models.JobFile) models.ArchiveState {
	var artifacts []services.Artifact
	for _, file := range files {
		if file.Status != models.FileCompleted {
			continue
		}
		artifacts = append(artifacts, services.Artifact{
			Name: file.OutputName(),
			Path: f.storage.OutputPath(file),
		})
	}

	archivePath, err := f.packager.Package(ctx, jobID, artifacts)
	if errors.Is(err, services.ErrNoArtifacts) {
		f.logger.Printf("[Finalizer] Job %s has no converted files; no archive", jobID)
		return models.ArchiveUnavailable
	}
	if err != nil {
		f.logger.Printf("[Finalizer] Packaging failed for job %s: %v", jobID, err)
		return models.ArchiveUnavailable
	}

	if f.mirror != nil {
		if err := f.mirror.MirrorArchive(ctx, jobID, archivePath); err != nil {
			f.logger.Printf("[Finalizer] Failed to mirror archive of job %s: %v", jobID, err)
		}
	}
	return models.ArchiveReady
}

func (f *Finalizer) persistArchiveState(ctx context.Context, jobID uuid.UUID, state models.ArchiveState) error {
	var err error
	for attempt := 0; attempt < archiveStateAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(f.backoff * time.Duration(1<<(attempt-1)))
		}
		if err = f.store.SetArchiveState(ctx, jobID, state); err == nil {
			return nil
		}
	}
	return err
}

// RecoverStalePackaging re-runs finalization for jobs left in packaging
// longer than the stale period. It returns how many jobs were finalized.
func (f *Finalizer) RecoverStalePackaging(ctx context.Context) (int, error) {
	ids, err := f.store.ListStalePackaging(ctx, f.now().Add(-f.staleAfter), stalePackagingBatch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		outcome, err := f.Finalize(ctx, id)
		if err != nil {
			f.logger.Printf("[Finalizer] Failed to recover packaging of job %s: %v", id, err)
			continue
		}
		if outcome == FinalizeFinalized {
			recovered++
		}
	}
	return recovered, nil
}
