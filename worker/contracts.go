package worker

import (
	"context"
	"time"

	"docbatch/models"
	"docbatch/services"

	"github.com/google/uuid"
)

// FileStore is the part of the job store the conversion worker writes to.
// Every mutation is a conditional update that reports whether it applied.
type FileStore interface {
	GetJobFile(ctx context.Context, fileID uuid.UUID) (*models.JobFile, error)
	ClaimFile(ctx context.Context, fileID uuid.UUID, staleBefore time.Time) (bool, error)
	MarkJobProcessing(ctx context.Context, jobID uuid.UUID) error
	CompleteFile(ctx context.Context, fileID uuid.UUID) (bool, error)
	FailFile(ctx context.Context, fileID uuid.UUID, message string) (bool, error)
}

// FinalizeStore is the part of the job store the finalizer needs.
// ClaimFinalization must be a single atomic compare-and-set.
type FinalizeStore interface {
	ListJobFiles(ctx context.Context, jobID uuid.UUID) ([]models.JobFile, error)
	ClaimFinalization(ctx context.Context, jobID uuid.UUID, status models.JobStatus) (bool, error)
	SetArchiveState(ctx context.Context, jobID uuid.UUID, state models.ArchiveState) error
	ReclaimPackaging(ctx context.Context, jobID uuid.UUID, staleBefore time.Time) (bool, error)
	ListStalePackaging(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error)
}

// RetentionStore lists and deletes expired jobs.
type RetentionStore interface {
	ListExpiredJobs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	DeleteJob(ctx context.Context, jobID uuid.UUID) error
}

// Converter turns one source document into a PDF inside outputDir.
type Converter interface {
	Convert(ctx context.Context, inputPath string, outputDir string) (string, error)
}

type Packager interface {
	Package(ctx context.Context, jobID uuid.UUID, artifacts []services.Artifact) (string, error)
}

type ArchiveMirror interface {
	MirrorArchive(ctx context.Context, jobID uuid.UUID, localPath string) error
}

// JobFinalizer is triggered after every terminal file write.
type JobFinalizer interface {
	Finalize(ctx context.Context, jobID uuid.UUID) (FinalizeOutcome, error)
}

// PackagingRecoverer finishes finalizations whose packager went away.
type PackagingRecoverer interface {
	RecoverStalePackaging(ctx context.Context) (int, error)
}

type TaskQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*services.Delivery, error)
	Ack(ctx context.Context, raw string) error
	Fail(ctx context.Context, raw string) error
	RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error)
}
