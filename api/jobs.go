package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docbatch/models"
	"docbatch/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Extracted documents may be this many times larger than the upload.
const extractRatio = 10

// Room for multipart boundaries and headers on top of the file itself.
const multipartOverhead = 1 << 20

type createJobResponse struct {
	JobID     uuid.UUID        `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	FileCount int              `json:"file_count"`
	Message   string           `json:"message"`
}

type jobFileResponse struct {
	ID           uuid.UUID         `json:"id"`
	Filename     string            `json:"filename"`
	Status       models.FileStatus `json:"status"`
	ErrorMessage *string           `json:"error_message,omitempty"`
}

type jobDetailResponse struct {
	ID           uuid.UUID           `json:"id"`
	Status       models.JobStatus    `json:"status"`
	ArchiveState models.ArchiveState `json:"archive_state"`
	CreatedAt    time.Time           `json:"created_at"`
	FinalizedAt  *time.Time          `json:"finalized_at,omitempty"`
	Progress     models.Progress     `json:"progress"`
	Files        []jobFileResponse   `json:"files"`
	DownloadURL  string              `json:"download_url,omitempty"`
}

func (h *Handler) createJob(c *gin.Context) {
	ctx := c.Request.Context()

	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		jsonError(c, http.StatusBadRequest, "A ZIP file is required in the 'file' field")
		return
	}
	if !strings.EqualFold(filepath.Ext(fileHeader.Filename), ".zip") {
		jsonError(c, http.StatusBadRequest, "Only ZIP files are allowed")
		return
	}
	if h.maxUploadBytes > 0 && fileHeader.Size > h.maxUploadBytes {
		jsonError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes", h.maxUploadBytes))
		return
	}

	jobID := uuid.New()
	cleanup := func() {
		if err := h.storage.RemoveJob(jobID); err != nil {
			h.logger.Printf("[API] Failed to clean up storage of job %s: %v", jobID, err)
		}
	}

	if err := h.storage.PrepareJob(jobID); err != nil {
		h.logger.Printf("[API] Failed to prepare storage for job %s: %v", jobID, err)
		cleanup()
		jsonError(c, http.StatusInternalServerError, "Failed to process upload")
		return
	}

	uploadPath := filepath.Join(h.storage.JobDir(jobID), "upload.zip")
	if err := c.SaveUploadedFile(fileHeader, uploadPath); err != nil {
		h.logger.Printf("[API] Failed to save upload for job %s: %v", jobID, err)
		cleanup()
		jsonError(c, http.StatusInternalServerError, "Failed to process upload")
		return
	}

	names, err := services.ExtractDocuments(uploadPath, h.storage.InputDir(jobID), h.maxUploadBytes*extractRatio)
	_ = os.Remove(uploadPath)
	if err != nil {
		cleanup()
		switch {
		case errors.Is(err, services.ErrInvalidArchive):
			jsonError(c, http.StatusBadRequest, "Invalid ZIP file")
		case errors.Is(err, services.ErrNoDocuments):
			jsonError(c, http.StatusBadRequest, "No DOCX files found in the ZIP archive")
		case errors.Is(err, services.ErrUploadTooLarge):
			jsonError(c, http.StatusRequestEntityTooLarge, "Extracted documents are too large")
		default:
			h.logger.Printf("[API] Failed to extract upload for job %s: %v", jobID, err)
			jsonError(c, http.StatusInternalServerError, "Failed to process upload")
		}
		return
	}

	job, files, err := h.store.CreateJob(ctx, jobID, names)
	if err != nil {
		h.logger.Printf("[API] Failed to create job %s: %v", jobID, err)
		cleanup()
		jsonError(c, http.StatusInternalServerError, "Failed to process upload")
		return
	}

	tasks := make([]models.ConversionTask, len(files))
	for i, f := range files {
		tasks[i] = models.ConversionTask{FileID: f.ID, JobID: f.JobID, Filename: f.Filename}
	}
	if err := h.queue.EnqueueAll(ctx, tasks); err != nil {
		h.logger.Printf("[API] Failed to enqueue job %s: %v", jobID, err)
		if delErr := h.store.DeleteJob(context.WithoutCancel(ctx), jobID); delErr != nil {
			h.logger.Printf("[API] Failed to delete unscheduled job %s: %v", jobID, delErr)
		}
		cleanup()
		jsonError(c, http.StatusInternalServerError, "Failed to schedule conversion")
		return
	}

	h.logger.Printf("[API] Job %s accepted with %d documents", jobID, len(files))
	c.JSON(http.StatusAccepted, createJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		FileCount: len(files),
		Message:   "Job created successfully",
	})
}

func (h *Handler) loadJob(c *gin.Context) (*models.Job, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		jsonError(c, http.StatusBadRequest, "Invalid job id")
		return nil, false
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, services.ErrJobNotFound) {
		jsonError(c, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		h.logger.Printf("[API] Failed to load job %s: %v", jobID, err)
		jsonError(c, http.StatusInternalServerError, "Failed to load job")
		return nil, false
	}
	return job, true
}

func (h *Handler) getJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	files, err := h.store.ListJobFiles(c.Request.Context(), job.ID)
	if err != nil {
		h.logger.Printf("[API] Failed to list files of job %s: %v", job.ID, err)
		jsonError(c, http.StatusInternalServerError, "Failed to load job")
		return
	}

	resp := jobDetailResponse{
		ID:           job.ID,
		Status:       job.Status,
		ArchiveState: job.ArchiveState,
		CreatedAt:    job.CreatedAt,
		FinalizedAt:  job.FinalizedAt,
		Progress:     models.ProgressOf(files),
		Files:        make([]jobFileResponse, len(files)),
	}
	for i, f := range files {
		resp.Files[i] = jobFileResponse{
			ID:           f.ID,
			Filename:     f.Filename,
			Status:       f.Status,
			ErrorMessage: f.ErrorMessage,
		}
	}
	if h.downloadable(job) {
		resp.DownloadURL = fmt.Sprintf("/api/v1/jobs/%s/download", job.ID)
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) downloadJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	if !job.Status.IsTerminal() || job.ArchiveState == models.ArchivePackaging || job.ArchiveState == models.ArchiveNone {
		jsonError(c, http.StatusConflict, "Job is not ready for download")
		return
	}
	if !h.downloadable(job) {
		jsonError(c, http.StatusNotFound, "Result unavailable")
		return
	}

	c.Header("Content-Type", "application/zip")
	c.FileAttachment(h.storage.ArchivePath(job.ID), fmt.Sprintf("job_%s_converted.zip", job.ID))
}

// downloadable reports whether a finished archive can be served for job.
func (h *Handler) downloadable(job *models.Job) bool {
	return job.Status.IsTerminal() &&
		job.ArchiveState == models.ArchiveReady &&
		h.storage.ArchiveExists(job.ID)
}
