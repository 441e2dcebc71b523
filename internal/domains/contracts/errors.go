package contracts

import (
	"errors"
	"strings"
)

var (
	ErrServiceNotAvailable = errors.New("service not available")
	ErrKeysUnavailable     = errors.New("legal identity keys unavailable")
	ErrUnknownCorrelation  = errors.New("unknown correlation id")
	ErrSessionNotLoaded    = errors.New("session not loaded")
)

const (
	ErrorCategoryTransport     = "transport"
	ErrorCategoryConfiguration = "configuration"
	ErrorCategoryCapability    = "capability"
	ErrorCategorySecurity      = "security"
	ErrorCategoryProtocol      = "protocol"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Category + ": " + e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryConfiguration:
		return ErrorCategoryConfiguration
	case ErrorCategoryCapability:
		return ErrorCategoryCapability
	case ErrorCategorySecurity:
		return ErrorCategorySecurity
	case ErrorCategoryProtocol:
		return ErrorCategoryProtocol
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
		return err
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

// ErrorCategory returns the taxonomy category of err, defaulting to transport.
func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	return ErrorCategoryTransport
}

// ServiceNotAvailable reports that an extension was never discovered or built.
func ServiceNotAvailable(extension string) error {
	return &CategorizedError{
		Category: ErrorCategoryCapability,
		Err:      &serviceError{extension: extension},
	}
}

type serviceError struct {
	extension string
}

func (e *serviceError) Error() string {
	return ErrServiceNotAvailable.Error() + ": " + e.extension
}

func (e *serviceError) Unwrap() error {
	return ErrServiceNotAvailable
}

// IsFatal reports whether err must stop session construction instead of being retried.
func IsFatal(err error) bool {
	return err != nil && ErrorCategory(err) == ErrorCategorySecurity
}
