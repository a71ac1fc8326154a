package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/storage"
	"github.com/mvp-joe/cortexd/internal/vectorstore"
)

var (
	// ErrLibraryNotFound is returned when a library ID or path is unknown.
	ErrLibraryNotFound = errors.New("library not found")

	// ErrTaskNotFound is returned when a task ID is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAlreadyIndexing is returned when a library already has an active run.
	ErrAlreadyIndexing = errors.New("library is already indexing")

	// ErrVectorStore marks failures talking to the vector store.
	ErrVectorStore = errors.New("vector store unavailable")
)

// ErrorClass groups errors by how the pipeline reacts to them.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	// ClassConfiguration errors are fatal for the triggering operation and never retried.
	ClassConfiguration
	// ClassTransient errors are retried with backoff up to a ceiling.
	ClassTransient
	// ClassFatal errors fail the whole run.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ConfigError is a configuration error: bad path, invalid pattern,
// dimensionality mismatch.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// Classify maps an error to its class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var cfgErr *ConfigError
	switch {
	case errors.As(err, &cfgErr), errors.Is(err, vectorstore.ErrDimensionMismatch):
		return ClassConfiguration
	case errors.Is(err, ErrVectorStore):
		return ClassFatal
	case errors.Is(err, embed.ErrTransient), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, vectorstore.ErrProviderMismatch):
		return ClassTransient
	}
	return ClassUnknown
}

// TriggerCode is the kind of failure returned by trigger handlers.
type TriggerCode string

const (
	CodeNotFound        TriggerCode = "not_found"
	CodeConflict        TriggerCode = "conflict"
	CodeInvalidArgument TriggerCode = "invalid_argument"
	CodeInternal        TriggerCode = "internal"
)

// TriggerError is the typed failure returned by Service handlers.
type TriggerError struct {
	Code TriggerCode
	Err  error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TriggerError) Unwrap() error {
	return e.Err
}

// asTriggerError wraps err with the code matching its cause. nil stays nil.
func asTriggerError(err error) error {
	if err == nil {
		return nil
	}
	var te *TriggerError
	if errors.As(err, &te) {
		return err
	}

	code := CodeInternal
	switch {
	case errors.Is(err, ErrLibraryNotFound), errors.Is(err, ErrTaskNotFound), errors.Is(err, storage.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrAlreadyIndexing), errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrDuplicateRoot):
		code = CodeConflict
	case Classify(err) == ClassConfiguration:
		code = CodeInvalidArgument
	}
	return &TriggerError{Code: code, Err: err}
}
