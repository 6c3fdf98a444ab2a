package services

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// Artifact is one converted file to put in a job's archive.
type Artifact struct {
	Name string
	Path string
}

// ZipPackager builds the downloadable archive of a job.
type ZipPackager struct {
	storage *Storage
}

func NewZipPackager(storage *Storage) *ZipPackager {
	return &ZipPackager{storage: storage}
}

// Package writes every artifact into the job's archive and returns its path.
// The archive is assembled in a temporary file and renamed into place, so a
// reader sees either no archive or a complete one. Any missing artifact fails
// the whole archive. With no artifacts nothing is written and ErrNoArtifacts
// is returned.
func (p *ZipPackager) Package(ctx context.Context, jobID uuid.UUID, artifacts []Artifact) (string, error) {
	archivePath := p.storage.ArchivePath(jobID)
	if len(artifacts) == 0 {
		_ = os.Remove(archivePath)
		return "", ErrNoArtifacts
	}

	sorted := make([]Artifact, len(artifacts))
	copy(sorted, artifacts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	dir := filepath.Dir(archivePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".converted_files-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, a := range sorted {
		if err := ctx.Err(); err != nil {
			zw.Close()
			tmp.Close()
			return "", err
		}
		if err := addToZip(zw, a); err != nil {
			zw.Close()
			tmp.Close()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		return "", fmt.Errorf("failed to publish archive: %w", err)
	}
	committed = true
	return archivePath, nil
}

func addToZip(zw *zip.Writer, a Artifact) error {
	src, err := os.Open(a.Path)
	if err != nil {
		return fmt.Errorf("converted file %s missing: %w", a.Name, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", a.Name, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build zip header for %s: %w", a.Name, err)
	}
	header.Name = a.Name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip error for %s: %w", a.Name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copy error for %s: %w", a.Name, err)
	}
	return nil
}
