package assets

import (
	"errors"
	"fmt"

	"github.com/kilupskalvis/assetstore/internal/catalog"
	"github.com/kilupskalvis/assetstore/internal/thumbnail"
)

// Sentinel errors returned by the service. Match with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrStorage    = errors.New("storage failure")
	ErrNotFound   = errors.New("asset not found")

	ErrCorruptInput = thumbnail.ErrCorruptInput
	ErrSchema       = catalog.ErrSchema
)

// Fields reported by ValidationError.
const (
	FieldPayload   = "payload"
	FieldSize      = "size"
	FieldMimeType  = "mime_type"
	FieldHash      = "hash"
	FieldThumbnail = "thumbnail"
)

// ValidationError describes rejected input. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
