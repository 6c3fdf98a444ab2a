package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversionTask is the queue payload: one task per job file.
type ConversionTask struct {
	FileID     uuid.UUID `json:"fileId"`
	JobID      uuid.UUID `json:"jobId"`
	Filename   string    `json:"filename"`
	Delivery   int       `json:"delivery"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}
