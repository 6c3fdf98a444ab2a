package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docbatch/models"
	"docbatch/services"

	"github.com/google/uuid"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// memStore mirrors the conditional updates of DatabaseService under a mutex.
type memStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.Job
	files  map[uuid.UUID]*models.JobFile
	claims int
	now    func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  map[uuid.UUID]*models.Job{},
		files: map[uuid.UUID]*models.JobFile{},
		now:   time.Now,
	}
}

func (s *memStore) addJob(names ...string) (uuid.UUID, []models.JobFile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobID := uuid.New()
	s.jobs[jobID] = &models.Job{
		ID:           jobID,
		Status:       models.JobPending,
		ArchiveState: models.ArchiveNone,
		CreatedAt:    s.now(),
	}
	files := make([]models.JobFile, 0, len(names))
	for _, name := range names {
		f := &models.JobFile{
			ID:        uuid.New(),
			JobID:     jobID,
			Filename:  name,
			Status:    models.FilePending,
			UpdatedAt: s.now(),
		}
		s.files[f.ID] = f
		files = append(files, *f)
	}
	return jobID, files
}

func (s *memStore) job(id uuid.UUID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) file(id uuid.UUID) models.JobFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.files[id]
}

func (s *memStore) setFile(id uuid.UUID, mutate func(f *models.JobFile)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.files[id])
}

func (s *memStore) claimCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

func (s *memStore) GetJobFile(ctx context.Context, fileID uuid.UUID) (*models.JobFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, services.ErrFileNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *memStore) ClaimFile(ctx context.Context, fileID uuid.UUID, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return false, nil
	}
	stale := f.Status == models.FileProcessing && f.StartedAt != nil && f.StartedAt.Before(staleBefore)
	if f.Status != models.FilePending && !stale {
		return false, nil
	}
	now := s.now()
	f.Status = models.FileProcessing
	f.StartedAt = &now
	f.Attempts++
	f.UpdatedAt = now
	return true, nil
}

func (s *memStore) MarkJobProcessing(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok && j.Status == models.JobPending {
		j.Status = models.JobProcessing
	}
	return nil
}

func (s *memStore) CompleteFile(ctx context.Context, fileID uuid.UUID) (bool, error) {
	return s.finishFile(fileID, models.FileCompleted, nil)
}

func (s *memStore) FailFile(ctx context.Context, fileID uuid.UUID, message string) (bool, error) {
	return s.finishFile(fileID, models.FileFailed, &message)
}

func (s *memStore) finishFile(fileID uuid.UUID, status models.FileStatus, message *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok || f.Status != models.FileProcessing {
		return false, nil
	}
	f.Status = status
	f.ErrorMessage = message
	f.UpdatedAt = s.now()
	return true, nil
}

func (s *memStore) ListJobFiles(ctx context.Context, jobID uuid.UUID) ([]models.JobFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.JobFile
	for _, f := range s.files {
		if f.JobID == jobID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (s *memStore) ClaimFinalization(ctx context.Context, jobID uuid.UUID, status models.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status.IsTerminal() {
		return false, nil
	}
	for _, f := range s.files {
		if f.JobID == jobID && !f.Status.IsTerminal() {
			return false, nil
		}
	}
	now := s.now()
	j.Status = status
	j.ArchiveState = models.ArchivePackaging
	j.FinalizedAt = &now
	s.claims++
	return true, nil
}

func (s *memStore) SetArchiveState(ctx context.Context, jobID uuid.UUID, state models.ArchiveState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.ArchiveState != models.ArchivePackaging {
		return fmt.Errorf("job %s is not packaging", jobID)
	}
	j.ArchiveState = state
	return nil
}

func (s *memStore) ReclaimPackaging(ctx context.Context, jobID uuid.UUID, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.ArchiveState != models.ArchivePackaging || j.FinalizedAt == nil || !j.FinalizedAt.Before(staleBefore) {
		return false, nil
	}
	now := s.now()
	j.FinalizedAt = &now
	return true, nil
}

func (s *memStore) ListStalePackaging(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for id, j := range s.jobs {
		if j.ArchiveState == models.ArchivePackaging && j.FinalizedAt != nil && j.FinalizedAt.Before(staleBefore) {
			out = append(out, id)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ageFinalization moves a job's finalization claim into the past.
func (s *memStore) ageFinalization(jobID uuid.UUID, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.jobs[jobID].FinalizedAt.Add(-by)
	s.jobs[jobID].FinalizedAt = &at
}

func (s *memStore) ListExpiredJobs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.ArchiveState != models.ArchivePackaging && j.FinalizedAt != nil && j.FinalizedAt.Before(cutoff) {
			out = append(out, id)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return services.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	for id, f := range s.files {
		if f.JobID == jobID {
			delete(s.files, id)
		}
	}
	return nil
}

// fakeConverter writes a small PDF next to each input, except for inputs
// listed in fail. Inputs listed in hang, or every input with block set, wait
// for the context instead. delay slows down every conversion.
type fakeConverter struct {
	fail  map[string]bool
	hang  map[string]bool
	block bool
	delay time.Duration
	calls atomic.Int32
}

func (c *fakeConverter) Convert(ctx context.Context, inputPath string, outputDir string) (string, error) {
	c.calls.Add(1)
	name := filepath.Base(inputPath)

	if c.block || c.hang[name] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.delay):
		}
	}
	if c.fail[name] {
		return "", services.ConvertError("document is corrupt", nil)
	}

	out := filepath.Join(outputDir, strings.TrimSuffix(name, filepath.Ext(name))+".pdf")
	if err := os.WriteFile(out, []byte("%PDF-1.4 "+name), 0644); err != nil {
		return "", err
	}
	return out, nil
}

// countingPackager counts Package calls before delegating.
type countingPackager struct {
	inner Packager
	calls atomic.Int32
}

func (p *countingPackager) Package(ctx context.Context, jobID uuid.UUID, artifacts []services.Artifact) (string, error) {
	p.calls.Add(1)
	return p.inner.Package(ctx, jobID, artifacts)
}

func writeSources(t *testing.T, storage *services.Storage, files []models.JobFile) {
	t.Helper()
	for _, f := range files {
		if err := storage.PrepareJob(f.JobID); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(storage.SourcePath(f), []byte("PK docx "+f.Filename), 0644); err != nil {
			t.Fatalf("failed to write source: %v", err)
		}
	}
}

type harness struct {
	store     *memStore
	storage   *services.Storage
	packager  *countingPackager
	finalizer *Finalizer
	converter *fakeConverter
	processor *Processor
}

func newHarness(t *testing.T, converter *fakeConverter) *harness {
	t.Helper()

	store := newMemStore()
	storage := services.NewStorage(t.TempDir())
	packager := &countingPackager{inner: services.NewZipPackager(storage)}
	finalizer := NewFinalizer(store, packager, storage, quietLogger())
	finalizer.backoff = time.Millisecond
	if converter == nil {
		converter = &fakeConverter{}
	}
	processor := NewProcessor(store, converter, storage, finalizer, 5*time.Second, time.Minute, quietLogger())

	return &harness{
		store:     store,
		storage:   storage,
		packager:  packager,
		finalizer: finalizer,
		converter: converter,
		processor: processor,
	}
}
