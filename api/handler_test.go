package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"docbatch/models"
	"docbatch/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	files   map[uuid.UUID][]models.JobFile
	deleted []uuid.UUID
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  map[uuid.UUID]*models.Job{},
		files: map[uuid.UUID][]models.JobFile{},
	}
}

func (s *fakeStore) CreateJob(ctx context.Context, jobID uuid.UUID, filenames []string) (*models.Job, []models.JobFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &models.Job{ID: jobID, Status: models.JobPending, ArchiveState: models.ArchiveNone, CreatedAt: time.Now()}
	files := make([]models.JobFile, len(filenames))
	for i, name := range filenames {
		files[i] = models.JobFile{ID: uuid.New(), JobID: jobID, Filename: name, Status: models.FilePending}
	}
	s.jobs[jobID] = job
	s.files[jobID] = files
	cp := *job
	return &cp, files, nil
}

func (s *fakeStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, services.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) ListJobFiles(ctx context.Context, jobID uuid.UUID) ([]models.JobFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.JobFile(nil), s.files[jobID]...), nil
}

func (s *fakeStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	delete(s.files, jobID)
	s.deleted = append(s.deleted, jobID)
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

func (s *fakeStore) put(job models.Job, files ...models.JobFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &job
	s.files[job.ID] = files
}

func (s *fakeStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakeQueue struct {
	mu         sync.Mutex
	tasks      []models.ConversionTask
	enqueueErr error
	pingErr    error
}

func (q *fakeQueue) EnqueueAll(ctx context.Context, tasks []models.ConversionTask) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, tasks...)
	return nil
}

func (q *fakeQueue) Ping(ctx context.Context) error { return q.pingErr }

type testAPI struct {
	store   *fakeStore
	queue   *fakeQueue
	storage *services.Storage
	router  *gin.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := newFakeStore()
	queue := &fakeQueue{}
	storage := services.NewStorage(t.TempDir())
	h := NewHandler(store, queue, storage, 10<<20, log.New(io.Discard, "", 0))

	r := gin.New()
	h.Register(r)
	return &testAPI{store: store, queue: queue, storage: storage, router: r}
}

func (a *testAPI) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func storageIsEmpty(t *testing.T, storage *services.Storage) bool {
	t.Helper()
	entries, err := os.ReadDir(storage.Root())
	if err != nil {
		t.Fatal(err)
	}
	return len(entries) == 0
}

func TestCreateJobAcceptsZipOfDocuments(t *testing.T) {
	a := newTestAPI(t)
	zipBytes := buildZip(t, map[string]string{
		"A.docx":            "a",
		"folder/B.docx":     "b",
		"notes.txt":         "skip",
		"__MACOSX/._A.docx": "skip",
	})

	w := a.do(uploadRequest(t, "batch.zip", zipBytes))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp createJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != models.JobPending || resp.FileCount != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if len(a.queue.tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(a.queue.tasks))
	}
	for _, task := range a.queue.tasks {
		if task.JobID != resp.JobID {
			t.Fatalf("task for wrong job: %+v", task)
		}
		if _, err := os.Stat(a.storage.InputDir(resp.JobID) + "/" + task.Filename); err != nil {
			t.Fatalf("extracted file missing: %v", err)
		}
	}
	if _, err := os.Stat(a.storage.JobDir(resp.JobID) + "/upload.zip"); !os.IsNotExist(err) {
		t.Fatal("upload should be removed after extraction")
	}
}

func TestCreateJobRejectsBadUploads(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		content  func(t *testing.T) []byte
		message  string
	}{
		{
			name:     "not a zip name",
			filename: "doc.docx",
			content:  func(t *testing.T) []byte { return []byte("x") },
			message:  "Only ZIP files are allowed",
		},
		{
			name:     "corrupt zip",
			filename: "batch.zip",
			content:  func(t *testing.T) []byte { return []byte("definitely not a zip") },
			message:  "Invalid ZIP file",
		},
		{
			name:     "no documents",
			filename: "batch.zip",
			content: func(t *testing.T) []byte {
				return buildZip(t, map[string]string{"readme.md": "x", "img.png": "y"})
			},
			message: "No DOCX files found in the ZIP archive",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAPI(t)
			w := a.do(uploadRequest(t, tc.filename, tc.content(t)))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tc.message) {
				t.Fatalf("expected %q in body, got %s", tc.message, w.Body.String())
			}
			if a.store.jobCount() != 0 || len(a.queue.tasks) != 0 {
				t.Fatal("no job may be created for a rejected upload")
			}
			if !storageIsEmpty(t, a.storage) {
				t.Fatal("storage should be cleaned up")
			}
		})
	}
}

func TestCreateJobMissingFileField(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(""))
	w := a.do(req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateJobEnqueueFailureRollsBack(t *testing.T) {
	a := newTestAPI(t)
	a.queue.enqueueErr = errors.New("redis down")

	w := a.do(uploadRequest(t, "batch.zip", buildZip(t, map[string]string{"A.docx": "a"})))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if a.store.jobCount() != 0 || len(a.store.deleted) != 1 {
		t.Fatal("job should be deleted when scheduling fails")
	}
	if !storageIsEmpty(t, a.storage) {
		t.Fatal("storage should be cleaned up")
	}
}

func TestGetJob(t *testing.T) {
	a := newTestAPI(t)
	msg := "conversion error: corrupt"
	jobID := uuid.New()
	a.store.put(
		models.Job{ID: jobID, Status: models.JobProcessing, ArchiveState: models.ArchiveNone, CreatedAt: time.Now()},
		models.JobFile{ID: uuid.New(), JobID: jobID, Filename: "A.docx", Status: models.FileCompleted},
		models.JobFile{ID: uuid.New(), JobID: jobID, Filename: "B.docx", Status: models.FileFailed, ErrorMessage: &msg},
		models.JobFile{ID: uuid.New(), JobID: jobID, Filename: "C.docx", Status: models.FileProcessing},
	)

	w := a.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp jobDetailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != models.JobProcessing || len(resp.Files) != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Progress.Completed != 1 || resp.Progress.Failed != 1 || resp.Progress.Processing != 1 || resp.Progress.Total != 3 {
		t.Fatalf("unexpected progress: %+v", resp.Progress)
	}
	if resp.Files[1].ErrorMessage == nil || *resp.Files[1].ErrorMessage != msg {
		t.Fatalf("expected error message on failed file, got %+v", resp.Files[1])
	}
	if resp.DownloadURL != "" {
		t.Fatalf("download url must be absent while processing, got %q", resp.DownloadURL)
	}
}

func TestGetJobNotFound(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	w = a.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/42", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", w.Code)
	}
}

func writeArchive(t *testing.T, storage *services.Storage, jobID uuid.UUID) []byte {
	t.Helper()
	content := buildZip(t, map[string]string{"A.pdf": "%PDF-1.4"})
	if err := storage.PrepareJob(jobID); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(storage.ArchivePath(jobID), content, 0644); err != nil {
		t.Fatal(err)
	}
	return content
}

func TestDownloadStates(t *testing.T) {
	cases := []struct {
		name    string
		status  models.JobStatus
		archive models.ArchiveState
		onDisk  bool
		code    int
	}{
		{"pending", models.JobPending, models.ArchiveNone, false, http.StatusConflict},
		{"processing", models.JobProcessing, models.ArchiveNone, false, http.StatusConflict},
		{"packaging", models.JobPartialSuccess, models.ArchivePackaging, false, http.StatusConflict},
		{"all failed", models.JobFailed, models.ArchiveUnavailable, false, http.StatusNotFound},
		{"packaging failed", models.JobCompleted, models.ArchiveUnavailable, false, http.StatusNotFound},
		{"ready but missing", models.JobCompleted, models.ArchiveReady, false, http.StatusNotFound},
		{"ready", models.JobPartialSuccess, models.ArchiveReady, true, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAPI(t)
			jobID := uuid.New()
			a.store.put(models.Job{ID: jobID, Status: tc.status, ArchiveState: tc.archive, CreatedAt: time.Now()})
			var content []byte
			if tc.onDisk {
				content = writeArchive(t, a.storage, jobID)
			}

			w := a.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID.String()+"/download", nil))
			if w.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, w.Code, w.Body.String())
			}
			if tc.code != http.StatusOK {
				return
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/zip" {
				t.Fatalf("unexpected content type %q", ct)
			}
			if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "job_"+jobID.String()+"_converted.zip") {
				t.Fatalf("unexpected content disposition %q", cd)
			}
			if !bytes.Equal(w.Body.Bytes(), content) {
				t.Fatal("served archive differs from stored archive")
			}
		})
	}
}

func TestGetJobIncludesDownloadURLWhenReady(t *testing.T) {
	a := newTestAPI(t)
	jobID := uuid.New()
	a.store.put(
		models.Job{ID: jobID, Status: models.JobCompleted, ArchiveState: models.ArchiveReady, CreatedAt: time.Now()},
		models.JobFile{ID: uuid.New(), JobID: jobID, Filename: "A.docx", Status: models.FileCompleted},
	)
	writeArchive(t, a.storage, jobID)

	w := a.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID.String(), nil))
	var resp jobDetailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DownloadURL != "/api/v1/jobs/"+jobID.String()+"/download" {
		t.Fatalf("unexpected download url %q", resp.DownloadURL)
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	a.queue.pingErr = errors.New("connection refused")
	w = a.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), `"redis":"unreachable"`) {
		t.Fatalf("expected 503 with redis unreachable, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRouterAllowsConfiguredOrigins(t *testing.T) {
	a := newTestAPI(t)
	h := NewHandler(a.store, a.queue, a.storage, 0, log.New(io.Discard, "", 0))
	r := NewRouter(h, gin.TestMode, "https://app.example, https://admin.example")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "https://admin.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example" {
		t.Fatalf("expected origin to be allowed, got %q (status %d)", got, w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected unknown origin to be rejected, got %d", w.Code)
	}
}
