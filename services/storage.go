package services

import (
	"fmt"
	"os"
	"path/filepath"

	"docbatch/models"

	"github.com/google/uuid"
)

const archiveFilename = "converted_files.zip"

// Storage lays out job files on a volume shared by the API and workers:
//
//	<root>/<job_id>/in/<filename>
//	<root>/<job_id>/out/<name>.pdf
//	<root>/<job_id>/converted_files.zip
type Storage struct {
	root string
}

func NewStorage(root string) *Storage {
	return &Storage{root: root}
}

func (s *Storage) Root() string {
	return s.root
}

func (s *Storage) JobDir(jobID uuid.UUID) string {
	return filepath.Join(s.root, jobID.String())
}

func (s *Storage) InputDir(jobID uuid.UUID) string {
	return filepath.Join(s.JobDir(jobID), "in")
}

func (s *Storage) OutputDir(jobID uuid.UUID) string {
	return filepath.Join(s.JobDir(jobID), "out")
}

func (s *Storage) SourcePath(file models.JobFile) string {
	return filepath.Join(s.InputDir(file.JobID), file.Filename)
}

func (s *Storage) OutputPath(file models.JobFile) string {
	return filepath.Join(s.OutputDir(file.JobID), file.OutputName())
}

func (s *Storage) ArchivePath(jobID uuid.UUID) string {
	return filepath.Join(s.JobDir(jobID), archiveFilename)
}

// PrepareJob creates the input and output directories of a job.
func (s *Storage) PrepareJob(jobID uuid.UUID) error {
	for _, dir := range []string{s.InputDir(jobID), s.OutputDir(jobID)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create job directory: %w", err)
		}
	}
	return nil
}

// RemoveJob deletes everything stored for a job.
func (s *Storage) RemoveJob(jobID uuid.UUID) error {
	return os.RemoveAll(s.JobDir(jobID))
}

// ArchiveExists reports whether a non-empty archive is present for the job.
func (s *Storage) ArchiveExists(jobID uuid.UUID) bool {
	info, err := os.Stat(s.ArchivePath(jobID))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
