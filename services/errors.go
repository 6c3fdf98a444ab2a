package services

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrFileNotFound = errors.New("job file not found")
	ErrNoArtifacts  = errors.New("no converted files to package")
	ErrNoTask       = errors.New("no task available")

	ErrInvalidArchive = errors.New("invalid ZIP file")
	ErrNoDocuments    = errors.New("no DOCX files found in the ZIP archive")
	ErrUploadTooLarge = errors.New("extracted documents exceed the upload limit")
)

// FailureKind categorises why a file could not be converted. The string
// value is the prefix of the error message stored on the file.
type FailureKind string

const (
	FailureInput      FailureKind = "input error"
	FailureTimeout    FailureKind = "timeout"
	FailureConversion FailureKind = "conversion error"
	FailureOutput     FailureKind = "output error"
)

// ConversionError is a per-file conversion fault. It is recorded on the
// file, never propagated past the worker.
type ConversionError struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

func newConversionError(kind FailureKind, message string, err error) *ConversionError {
	return &ConversionError{Kind: kind, Message: message, Err: err}
}

func InputError(message string, err error) *ConversionError {
	return newConversionError(FailureInput, message, err)
}

func TimeoutError(message string, err error) *ConversionError {
	return newConversionError(FailureTimeout, message, err)
}

func ConvertError(message string, err error) *ConversionError {
	return newConversionError(FailureConversion, message, err)
}

func OutputError(message string, err error) *ConversionError {
	return newConversionError(FailureOutput, message, err)
}

// AsConversionError returns err as a *ConversionError, wrapping unknown
// errors as generic conversion failures.
func AsConversionError(err error) *ConversionError {
	if err == nil {
		return nil
	}
	var ce *ConversionError
	if errors.As(err, &ce) {
		return ce
	}
	return ConvertError(err.Error(), err)
}
