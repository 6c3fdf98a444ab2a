package models

import (
	"errors"
	"fmt"
)

// JobStatus is the aggregate state of a batch.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobProcessing     JobStatus = "processing"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
	JobPartialSuccess JobStatus = "partial_success"
)

// FileStatus is the state of one document inside a batch.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
)

// ArchiveState tracks the packaged result of a terminal job.
type ArchiveState string

const (
	ArchiveNone        ArchiveState = "none"
	ArchivePackaging   ArchiveState = "packaging"
	ArchiveReady       ArchiveState = "ready"
	ArchiveUnavailable ArchiveState = "unavailable"
)

var (
	ErrNoFiles          = errors.New("job has no files")
	ErrNonTerminalFiles = errors.New("job still has non-terminal files")
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed, JobPartialSuccess:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobPartialSuccess
}

func (s FileStatus) Valid() bool {
	switch s {
	case FilePending, FileProcessing, FileCompleted, FileFailed:
		return true
	}
	return false
}

func (s FileStatus) IsTerminal() bool {
	return s == FileCompleted || s == FileFailed
}

// CanTransition reports whether a file may move from s to next.
// Files only move forward: pending -> processing -> completed|failed.
// processing -> processing is allowed so a stale claim can be retaken.
func (s FileStatus) CanTransition(next FileStatus) bool {
	switch s {
	case FilePending:
		return next == FileProcessing
	case FileProcessing:
		return next == FileProcessing || next == FileCompleted || next == FileFailed
	}
	return false
}

func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

func ParseFileStatus(raw string) (FileStatus, error) {
	s := FileStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown file status %q", raw)
	}
	return s, nil
}

func ParseArchiveState(raw string) (ArchiveState, error) {
	switch s := ArchiveState(raw); s {
	case ArchiveNone, ArchivePackaging, ArchiveReady, ArchiveUnavailable:
		return s, nil
	}
	return "", fmt.Errorf("unknown archive state %q", raw)
}

// DeriveJobStatus maps the terminal statuses of every file in a job to the
// job's terminal status. It has no side effects.
func DeriveJobStatus(statuses []FileStatus) (JobStatus, error) {
	if len(statuses) == 0 {
		return "", ErrNoFiles
	}

	completed, failed := 0, 0
	for _, s := range statuses {
		switch s {
		case FileCompleted:
			completed++
		case FileFailed:
			failed++
		default:
			return "", fmt.Errorf("%w: %s", ErrNonTerminalFiles, s)
		}
	}

	switch {
	case failed == 0:
		return JobCompleted, nil
	case completed == 0:
		return JobFailed, nil
	default:
		return JobPartialSuccess, nil
	}
}
