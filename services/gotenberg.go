package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

type GotenbergService struct {
	baseURL string
	pdfa    string
	client  *http.Client
}

const pdfaConformance = "PDF/A-2b"

func NewGotenbergService(baseURL string, archival bool) *GotenbergService {
	svc := &GotenbergService{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
	if archival {
		svc.pdfa = pdfaConformance
	}
	return svc
}

// Convert posts inputPath to Gotenberg's LibreOffice route and writes the
// returned PDF to <outputDir>/<name>.pdf.
func (g *GotenbergService) Convert(ctx context.Context, inputPath string, outputDir string) (string, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return "", InputError("source document not found", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("files", filepath.Base(inputPath))
	if err != nil {
		return "", ConvertError("failed to create form file", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", InputError("failed to read source document", err)
	}
	if g.pdfa != "" {
		if err := writer.WriteField("pdfa", g.pdfa); err != nil {
			return "", ConvertError("failed to write form field", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", ConvertError("failed to close multipart writer", err)
	}

	url := fmt.Sprintf("%s/forms/libreoffice/convert", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", ConvertError("failed to create request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", TimeoutError("gotenberg did not answer before the deadline", ctx.Err())
		}
		return "", ConvertError("gotenberg request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("gotenberg returned status %d: %s", resp.StatusCode, string(bodyBytes))
		// Gotenberg answers 400 for documents LibreOffice cannot open.
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnsupportedMediaType {
			return "", InputError(msg, nil)
		}
		return "", ConvertError(msg, nil)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", OutputError("failed to create output directory", err)
	}
	outputPath := filepath.Join(outputDir, pdfName(inputPath))
	tmp, err := os.CreateTemp(outputDir, ".gotenberg-*.pdf")
	if err != nil {
		return "", OutputError("failed to create output file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", TimeoutError("gotenberg response interrupted by the deadline", ctx.Err())
		}
		return "", OutputError("failed to save converted file", err)
	}
	if err := tmp.Close(); err != nil {
		return "", OutputError("failed to save converted file", err)
	}
	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return "", OutputError("failed to save converted file", err)
	}

	return outputPath, nil
}
