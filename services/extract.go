package services

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const documentExt = ".docx"

// ExtractDocuments copies every .docx entry of the ZIP at zipPath into
// destDir and returns the stored file names in archive order. Folders are
// flattened; clashing base names get a numeric suffix. Entries under
// __MACOSX/, AppleDouble "._" files and everything that is not a .docx are
// skipped. An entry whose name escapes the archive root rejects the whole
// upload. maxBytes bounds the total uncompressed size written; 0 disables
// the bound.
func ExtractDocuments(zipPath, destDir string, maxBytes int64) ([]string, error) {
	mt, err := mimetype.DetectFile(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if !isZipType(mt) {
		return nil, fmt.Errorf("%w: upload is %s", ErrInvalidArchive, mt.String())
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create input directory: %w", err)
	}

	var (
		names   []string
		taken   = map[string]bool{}
		written int64
	)
	for _, f := range zr.File {
		if !isDocumentEntry(f) {
			continue
		}
		if !safeEntryName(f.Name) {
			return nil, fmt.Errorf("%w: unsafe entry path %q", ErrInvalidArchive, f.Name)
		}

		name := uniqueName(path.Base(strings.ReplaceAll(f.Name, "\\", "/")), taken)
		budget := int64(-1)
		if maxBytes > 0 {
			budget = maxBytes - written
		}
		n, err := extractEntry(f, filepath.Join(destDir, name), budget)
		if err != nil {
			return nil, err
		}
		written += n
		taken[strings.ToLower(name)] = true
		names = append(names, name)
	}

	if len(names) == 0 {
		return nil, ErrNoDocuments
	}
	return names, nil
}

// isZipType accepts ZIP and every ZIP based container (jar, docx, ...).
func isZipType(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

func isDocumentEntry(f *zip.File) bool {
	if f.FileInfo().IsDir() {
		return false
	}
	name := strings.ReplaceAll(f.Name, "\\", "/")
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return false
	}
	base := path.Base(name)
	if strings.HasPrefix(base, "._") {
		return false
	}
	return strings.EqualFold(path.Ext(base), documentExt)
}

func safeEntryName(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func uniqueName(base string, taken map[string]bool) string {
	if !taken[strings.ToLower(base)] {
		return base
	}
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if !taken[strings.ToLower(candidate)] {
			return candidate
		}
	}
}

// extractEntry writes one entry and returns the bytes written. A negative
// budget means unbounded.
func extractEntry(f *zip.File, dest string, budget int64) (int64, error) {
	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Base(dest), err)
	}

	var r io.Reader = src
	if budget >= 0 {
		r = io.LimitReader(src, budget+1)
	}
	n, err := io.Copy(out, r)
	closeErr := out.Close()

	switch {
	case errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF):
		return n, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	case err != nil:
		return n, fmt.Errorf("failed to extract %s: %w", f.Name, err)
	case closeErr != nil:
		return n, fmt.Errorf("failed to write %s: %w", filepath.Base(dest), closeErr)
	case budget >= 0 && n > budget:
		return n, ErrUploadTooLarge
	}
	return n, nil
}
