package errors

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryInvalidInput     Category = "invalid_input"
	CategoryInvalidState     Category = "invalid_state"
	CategoryStaleState       Category = "stale_state"
	CategoryIOFailure        Category = "io_failure"
	CategoryNetworkTransient Category = "network_transient"
	CategoryUnreachable      Category = "daemon_unreachable"
	CategoryInternalFailure  Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// New mints a classified error with a fresh message.
func New(category Category, code, hint, format string, args ...any) error {
	return &classifiedError{
		category: category,
		code:     code,
		hint:     hint,
		cause:    fmt.Errorf(format, args...),
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// IsCategory reports whether err carries the given classification.
func IsCategory(err error, category Category) bool {
	return CategoryOf(err) == category
}
