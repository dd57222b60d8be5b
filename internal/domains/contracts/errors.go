package contracts

import (
	"errors"
	"strings"
)

var ErrBusy = errors.New("another call session is active")

const (
	ErrorCategoryTransport = "transport"
	ErrorCategoryConfig    = "config"
	ErrorCategoryPayload   = "payload"
	ErrorCategoryResource  = "resource"
	ErrorCategoryBusy      = "busy"
	ErrorCategoryStorage   = "storage"
)

// CategorizedError tags an error with one of the ErrorCategory* values so
// metrics and logs can group failures without string matching.
type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryConfig:
		return ErrorCategoryConfig
	case ErrorCategoryPayload:
		return ErrorCategoryPayload
	case ErrorCategoryResource:
		return ErrorCategoryResource
	case ErrorCategoryBusy:
		return ErrorCategoryBusy
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	default:
		return ErrorCategoryTransport
	}
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	if errors.Is(err, ErrBusy) {
		return ErrorCategoryBusy
	}
	return ErrorCategoryTransport
}
