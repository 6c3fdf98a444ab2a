package models

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Job struct {
	ID           uuid.UUID    `json:"id"`
	Status       JobStatus    `json:"status"`
	ArchiveState ArchiveState `json:"archiveState"`
	CreatedAt    time.Time    `json:"createdAt"`
	FinalizedAt  *time.Time   `json:"finalizedAt,omitempty"`
}

type JobFile struct {
	ID           uuid.UUID  `json:"id"`
	JobID        uuid.UUID  `json:"jobId"`
	Filename     string     `json:"filename"`
	Status       FileStatus `json:"status"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	Attempts     int        `json:"attempts"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// OutputName is the name of the converted artifact, e.g. "report.docx" -> "report.pdf".
func (f JobFile) OutputName() string {
	return strings.TrimSuffix(f.Filename, filepath.Ext(f.Filename)) + ".pdf"
}

// Progress is a per-status count of a job's files.
type Progress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func ProgressOf(files []JobFile) Progress {
	p := Progress{Total: len(files)}
	for _, f := range files {
		switch f.Status {
		case FilePending:
			p.Pending++
		case FileProcessing:
			p.Processing++
		case FileCompleted:
			p.Completed++
		case FileFailed:
			p.Failed++
		}
	}
	return p
}

// Statuses returns the status of each file in order.
func Statuses(files []JobFile) []FileStatus {
	out := make([]FileStatus, len(files))
	for i, f := range files {
		out[i] = f.Status
	}
	return out
}
