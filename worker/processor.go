package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"docbatch/config"
	"docbatch/models"
	"docbatch/services"

	"github.com/google/uuid"
)

type FileOutcome string

const (
	FileConverted FileOutcome = "converted"
	FileRejected  FileOutcome = "failed"
	// FileDuplicate is a delivery for a file that is already terminal.
	FileDuplicate FileOutcome = "duplicate"
	// FileInFlight is a delivery for a file another worker is converting.
	FileInFlight FileOutcome = "in_flight"
)

// Processor converts one job file per call and records its terminal status.
type Processor struct {
	store      FileStore
	converter  Converter
	storage    *services.Storage
	finalizer  JobFinalizer
	timeout    time.Duration
	staleAfter time.Duration
	logger     *log.Logger
	now        func() time.Time
}

// NewProcessor builds a Processor. staleAfter is raised to the conversion
// timeout plus config.StaleMargin when shorter, so a claim is never taken
// over while its conversion may still be running.
func NewProcessor(store FileStore, converter Converter, storage *services.Storage, finalizer JobFinalizer, timeout, staleAfter time.Duration, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	if floor := timeout + config.StaleMargin; staleAfter < floor {
		logger.Printf("[Processor] Stale period %s is shorter than timeout %s plus margin; using %s", staleAfter, timeout, floor)
		staleAfter = floor
	}
	return &Processor{
		store:      store,
		converter:  converter,
		storage:    storage,
		finalizer:  finalizer,
		timeout:    timeout,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// ProcessFile runs the conversion of one file. Converter faults never come
// back as errors; they are recorded on the file. An error means the terminal
// status or the finalization trigger could not be persisted and the task
// should be delivered again.
func (p *Processor) ProcessFile(ctx context.Context, fileID uuid.UUID) (FileOutcome, error) {
	file, err := p.store.GetJobFile(ctx, fileID)
	if err != nil {
		return "", err
	}

	if file.Status.IsTerminal() {
		p.logger.Printf("[Processor] File %s already %s; duplicate delivery", fileID, file.Status)
		// The earlier delivery may have died between its terminal write and
		// the trigger, so trigger again; finalization is idempotent.
		if _, err := p.finalizer.Finalize(ctx, file.JobID); err != nil {
			return FileDuplicate, fmt.Errorf("finalize job %s: %w", file.JobID, err)
		}
		return FileDuplicate, nil
	}

	claimed, err := p.store.ClaimFile(ctx, fileID, p.now().Add(-p.staleAfter))
	if err != nil {
		return "", err
	}
	if !claimed {
		p.logger.Printf("[Processor] File %s is being converted elsewhere", fileID)
		return FileInFlight, nil
	}

	if err := p.store.MarkJobProcessing(ctx, file.JobID); err != nil {
		p.logger.Printf("[Processor] Failed to mark job %s processing: %v", file.JobID, err)
	}

	startTime := p.now()
	convErr := p.convert(ctx, *file)
	if convErr != nil && ctx.Err() != nil {
		// Shutting down: leave the file processing so it is redelivered.
		return "", fmt.Errorf("conversion of %s interrupted: %w", fileID, ctx.Err())
	}

	outcome := FileConverted
	var applied bool
	if convErr == nil {
		applied, err = p.store.CompleteFile(ctx, fileID)
	} else {
		outcome = FileRejected
		applied, err = p.store.FailFile(ctx, fileID, convErr.Error())
	}
	if err != nil {
		return "", fmt.Errorf("failed to record %s for file %s: %w", outcome, fileID, err)
	}

	switch {
	case !applied:
		p.logger.Printf("[Processor] File %s already had a terminal status; result discarded", fileID)
	case convErr != nil:
		p.logger.Printf("[Processor] File %s (%s) failed: %s", fileID, file.Filename, convErr.Error())
	default:
		p.logger.Printf("[Processor] File %s (%s) converted (%.2fs)", fileID, file.Filename, p.now().Sub(startTime).Seconds())
	}

	if _, err := p.finalizer.Finalize(ctx, file.JobID); err != nil {
		return outcome, fmt.Errorf("finalize job %s: %w", file.JobID, err)
	}
	return outcome, nil
}

func (p *Processor) convert(ctx context.Context, file models.JobFile) *services.ConversionError {
	inputPath := p.storage.SourcePath(file)
	if info, err := os.Stat(inputPath); err != nil {
		return services.InputError("source document not found", err)
	} else if !info.Mode().IsRegular() {
		return services.InputError("source document is not a regular file", nil)
	}

	outputDir := p.storage.OutputDir(file.JobID)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return services.OutputError("failed to create output directory", err)
	}

	convCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.converter.Convert(convCtx, inputPath, outputDir); err != nil {
		if ctx.Err() == nil && errors.Is(convCtx.Err(), context.DeadlineExceeded) {
			return services.TimeoutError(fmt.Sprintf("conversion exceeded %s", p.timeout), err)
		}
		return services.AsConversionError(err)
	}

	info, err := os.Stat(p.storage.OutputPath(file))
	if err != nil {
		return services.OutputError("converted PDF is missing", err)
	}
	if info.Size() == 0 {
		return services.OutputError("converted PDF is empty", nil)
	}
	return nil
}
