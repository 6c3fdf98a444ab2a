package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LibreOfficeService converts documents with a headless soffice process.
type LibreOfficeService struct {
	binary string
	// profileRoot holds one throwaway user profile per conversion; soffice
	// refuses to run two processes against the same profile.
	profileRoot string
}

func NewLibreOfficeService(binary string) *LibreOfficeService {
	return &LibreOfficeService{
		binary:      binary,
		profileRoot: filepath.Join(os.TempDir(), "docbatch-lo"),
	}
}

// Convert writes <outputDir>/<name>.pdf for inputPath and returns its path.
// The process is killed when ctx ends.
func (l *LibreOfficeService) Convert(ctx context.Context, inputPath string, outputDir string) (string, error) {
	info, err := os.Stat(inputPath)
	if err != nil {
		return "", InputError("source document not found", err)
	}
	if info.Size() == 0 {
		return "", InputError("source document is empty", nil)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", OutputError("failed to create output directory", err)
	}

	profileDir := filepath.Join(l.profileRoot, uuid.NewString())
	defer os.RemoveAll(profileDir)

	absInput, err := filepath.Abs(inputPath)
	if err != nil {
		return "", InputError("invalid source path", err)
	}
	absOut, err := filepath.Abs(outputDir)
	if err != nil {
		return "", OutputError("invalid output directory", err)
	}

	cmd := exec.CommandContext(ctx, l.binary, libreOfficeArgs(profileDir, absOut, absInput)...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	// soffice may leave children holding the pipes after a kill.
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return "", TimeoutError("converter killed after deadline", ctxErr)
		}
		return "", ConvertError(fmt.Sprintf("libreoffice exited with error: %s", strings.TrimSpace(stderr.String())), err)
	}

	outputPath := filepath.Join(outputDir, pdfName(inputPath))
	if _, err := os.Stat(outputPath); err != nil {
		return "", OutputError("converter produced no PDF", err)
	}
	return outputPath, nil
}

func libreOfficeArgs(profileDir, outputDir, inputPath string) []string {
	return []string{
		"-env:UserInstallation=file://" + filepath.ToSlash(profileDir),
		"--headless",
		"--norestore",
		"--convert-to", "pdf",
		"--outdir", outputDir,
		inputPath,
	}
}

func pdfName(inputPath string) string {
	base := filepath.Base(inputPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".pdf"
}
