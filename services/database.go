package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docbatch/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            UUID PRIMARY KEY,
	status        TEXT NOT NULL,
	archive_state TEXT NOT NULL DEFAULT 'none',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	finalized_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS job_files (
	id            UUID PRIMARY KEY,
	job_id        UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	filename      TEXT NOT NULL,
	status        TEXT NOT NULL,
	error_message TEXT,
	attempts      INTEGER NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, filename)
);
CREATE INDEX IF NOT EXISTS job_files_job_id_status_idx ON job_files (job_id, status);
`

type DatabaseService struct {
	db  *sql.DB
	now func() time.Time
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewDatabaseServiceFromDB(db), nil
}

// NewDatabaseServiceFromDB wraps an already opened handle.
func NewDatabaseServiceFromDB(db *sql.DB) *DatabaseService {
	return &DatabaseService{db: db, now: time.Now}
}

func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (d *DatabaseService) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// CreateJob inserts a job and all of its files in one transaction.
func (d *DatabaseService) CreateJob(ctx context.Context, jobID uuid.UUID, filenames []string) (*models.Job, []models.JobFile, error) {
	if len(filenames) == 0 {
		return nil, nil, models.ErrNoFiles
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := d.now().UTC()
	job := &models.Job{
		ID:           jobID,
		Status:       models.JobPending,
		ArchiveState: models.ArchiveNone,
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, status, archive_state, created_at) VALUES ($1, $2, $3, $4)`,
		job.ID, string(job.Status), string(job.ArchiveState), job.CreatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("failed to insert job: %w", err)
	}

	files := make([]models.JobFile, 0, len(filenames))
	for _, name := range filenames {
		f := models.JobFile{
			ID:        uuid.New(),
			JobID:     jobID,
			Filename:  name,
			Status:    models.FilePending,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_files (id, job_id, filename, status, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			f.ID, f.JobID, f.Filename, string(f.Status), f.UpdatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to insert job file %s: %w", name, err)
		}
		files = append(files, f)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit job: %w", err)
	}
	return job, files, nil
}

func (d *DatabaseService) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, status, archive_state, created_at, finalized_at FROM jobs WHERE id = $1`, jobID)

	var (
		job          models.Job
		status       string
		archiveState string
		finalizedAt  sql.NullTime
	)
	if err := row.Scan(&job.ID, &status, &archiveState, &job.CreatedAt, &finalizedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var err error
	if job.Status, err = models.ParseJobStatus(status); err != nil {
		return nil, err
	}
	if job.ArchiveState, err = models.ParseArchiveState(archiveState); err != nil {
		return nil, err
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time
		job.FinalizedAt = &t
	}
	return &job, nil
}

const jobFileColumns = `id, job_id, filename, status, error_message, attempts, started_at, updated_at`

func scanJobFile(scan func(dest ...any) error) (models.JobFile, error) {
	var (
		f         models.JobFile
		status    string
		errMsg    sql.NullString
		startedAt sql.NullTime
	)
	if err := scan(&f.ID, &f.JobID, &f.Filename, &status, &errMsg, &f.Attempts, &startedAt, &f.UpdatedAt); err != nil {
		return f, err
	}

	var err error
	if f.Status, err = models.ParseFileStatus(status); err != nil {
		return f, err
	}
	if errMsg.Valid {
		msg := errMsg.String
		f.ErrorMessage = &msg
	}
	if startedAt.Valid {
		t := startedAt.Time
		f.StartedAt = &t
	}
	return f, nil
}

func (d *DatabaseService) GetJobFile(ctx context.Context, fileID uuid.UUID) (*models.JobFile, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobFileColumns+` FROM job_files WHERE id = $1`, fileID)
	f, err := scanJobFile(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to load job file: %w", err)
	}
	return &f, nil
}

// ListJobFiles reads every file of a job in a single statement, so the
// statuses come from one snapshot.
func (d *DatabaseService) ListJobFiles(ctx context.Context, jobID uuid.UUID) ([]models.JobFile, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+jobFileColumns+` FROM job_files WHERE job_id = $1 ORDER BY filename`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job files: %w", err)
	}
	defer rows.Close()

	var files []models.JobFile
	for rows.Next() {
		f, err := scanJobFile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list job files: %w", err)
	}
	return files, nil
}

// ClaimFile moves a file to processing. A pending file is always claimable;
// a processing file only once its previous claim started before staleBefore.
func (d *DatabaseService) ClaimFile(ctx context.Context, fileID uuid.UUID, staleBefore time.Time) (bool, error) {
	now := d.now().UTC()
	res, err := d.db.ExecContext(ctx,
		`UPDATE job_files
		    SET status = $2, attempts = attempts + 1, started_at = $3, updated_at = $3
		  WHERE id = $1
		    AND (status = $4 OR (status = $2 AND started_at < $5))`,
		fileID, string(models.FileProcessing), now, string(models.FilePending), staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job file: %w", err)
	}
	return singleRow(res)
}

// MarkJobProcessing moves a pending job to processing. It is a no-op for
// any other status.
func (d *DatabaseService) MarkJobProcessing(ctx context.Context, jobID uuid.UUID) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = $2 WHERE id = $1 AND status = $3`,
		jobID, string(models.JobProcessing), string(models.JobPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	return nil
}

// CompleteFile records a successful conversion. It only applies to a file
// that is still processing, so a terminal status is never overwritten.
func (d *DatabaseService) CompleteFile(ctx context.Context, fileID uuid.UUID) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE job_files SET status = $2, error_message = NULL, updated_at = $3
		  WHERE id = $1 AND status = $4`,
		fileID, string(models.FileCompleted), d.now().UTC(), string(models.FileProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete job file: %w", err)
	}
	return singleRow(res)
}

// FailFile records a failed conversion with its reason.
func (d *DatabaseService) FailFile(ctx context.Context, fileID uuid.UUID, message string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE job_files SET status = $2, error_message = $3, updated_at = $4
		  WHERE id = $1 AND status = $5`,
		fileID, string(models.FileFailed), message, d.now().UTC(), string(models.FileProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to fail job file: %w", err)
	}
	return singleRow(res)
}

// ClaimFinalization is the compare-and-set that decides which caller
// finalizes a job. The job moves to its terminal status and the packaging
// archive state in one statement, and only while the job is non-terminal
// and none of its files are. It reports true for exactly one caller.
func (d *DatabaseService) ClaimFinalization(ctx context.Context, jobID uuid.UUID, status models.JobStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("cannot finalize job with non-terminal status %q", status)
	}

	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = $2, archive_state = $3, finalized_at = $4
		  WHERE id = $1
		    AND status IN ($5, $6)
		    AND NOT EXISTS (
		        SELECT 1 FROM job_files
		         WHERE job_id = $1 AND status IN ($7, $8))`,
		jobID, string(status), string(models.ArchivePackaging), d.now().UTC(),
		string(models.JobPending), string(models.JobProcessing),
		string(models.FilePending), string(models.FileProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim finalization: %w", err)
	}
	return singleRow(res)
}

// SetArchiveState records the packaging result of a finalized job.
func (d *DatabaseService) SetArchiveState(ctx context.Context, jobID uuid.UUID, state models.ArchiveState) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET archive_state = $2 WHERE id = $1 AND archive_state = $3`,
		jobID, string(state), string(models.ArchivePackaging),
	)
	if err != nil {
		return fmt.Errorf("failed to set archive state: %w", err)
	}
	ok, err := singleRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not packaging", jobID)
	}
	return nil
}

// ReclaimPackaging takes over a finalization whose packager stopped before
// recording an archive state. It applies only while the job is packaging and
// its claim is older than staleBefore, and it restarts the claim clock, so
// one caller wins per stale period.
func (d *DatabaseService) ReclaimPackaging(ctx context.Context, jobID uuid.UUID, staleBefore time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET finalized_at = $2
		  WHERE id = $1 AND archive_state = $3 AND finalized_at < $4`,
		jobID, d.now().UTC(), string(models.ArchivePackaging), staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim packaging: %w", err)
	}
	return singleRow(res)
}

// ListStalePackaging returns jobs that have been packaging since before
// staleBefore.
func (d *DatabaseService) ListStalePackaging(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM jobs
		  WHERE archive_state = $1 AND finalized_at < $2
		  ORDER BY finalized_at LIMIT $3`,
		string(models.ArchivePackaging), staleBefore.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale packaging jobs: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListExpiredJobs returns jobs finalized before cutoff whose packaging has
// settled.
func (d *DatabaseService) ListExpiredJobs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM jobs
		  WHERE finalized_at < $1 AND status IN ($2, $3, $4) AND archive_state <> $5
		  ORDER BY finalized_at LIMIT $6`,
		cutoff.UTC(),
		string(models.JobCompleted), string(models.JobFailed), string(models.JobPartialSuccess),
		string(models.ArchivePackaging), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteJob removes a job; its files go with it through ON DELETE CASCADE.
func (d *DatabaseService) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	ok, err := singleRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFound
	}
	return nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

// ErrInvariantViolation is returned when a conditional update touched more
// than one row. Every conditional update here is keyed by primary key, so
// this means the store's atomicity guarantee is broken.
var ErrInvariantViolation = errors.New("conditional update affected more than one row")

func singleRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	switch {
	case n == 0:
		return false, nil
	case n == 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %d rows", ErrInvariantViolation, n)
	}
}
