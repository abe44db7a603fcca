package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory drives retry and propagation decisions across the
// kernel.
type ErrorCategory string

const (
	// CategoryTransient covers network faults, timeouts, and lock
	// contention. Retried with backoff.
	CategoryTransient ErrorCategory = "transient"

	// CategoryResource covers VRAM exhaustion and model-load failure.
	// Never retried blindly; the loop falls back to another model.
	CategoryResource ErrorCategory = "resource"

	// CategoryFatal covers schema, programming, and invariant
	// violations. The task fails immediately.
	CategoryFatal ErrorCategory = "fatal"

	// CategoryAgent covers malformed tool args, unknown tools, invalid
	// delegation targets, and parse failures. Surfaced to the model as
	// a failed tool result; the loop continues.
	CategoryAgent ErrorCategory = "agent"
)

// KernelError is a categorized error with the operation that produced
// it. All cross-component failures travel as KernelError so callers can
// branch on category without string matching.
type KernelError struct {
	// Category classifies the failure.
	Category ErrorCategory

	// Op names the failing operation ("models.load", "storage.append").
	Op string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Category)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *KernelError) Unwrap() error { return e.Cause }

// NewError builds a KernelError.
func NewError(category ErrorCategory, op, message string) *KernelError {
	return &KernelError{Category: category, Op: op, Message: message}
}

// WrapError builds a KernelError around a cause.
func WrapError(category ErrorCategory, op string, cause error) *KernelError {
	return &KernelError{Category: category, Op: op, Cause: cause}
}

// CategoryOf extracts the category from an error chain. Errors that do
// not carry an explicit category are classified from their content.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Category
	}
	return ClassifyError(err)
}

// IsTransient reports whether err classifies as TRANSIENT.
func IsTransient(err error) bool { return CategoryOf(err) == CategoryTransient }

// IsResource reports whether err classifies as RESOURCE.
func IsResource(err error) bool { return CategoryOf(err) == CategoryResource }

// IsFatal reports whether err classifies as FATAL.
func IsFatal(err error) bool { return CategoryOf(err) == CategoryFatal }

// IsAgent reports whether err classifies as AGENT.
func IsAgent(err error) bool { return CategoryOf(err) == CategoryAgent }

// ClassifyError infers a category from an uncategorized error's
// content. Unknown errors default to FATAL so they are never silently
// retried.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "out of memory"),
		strings.Contains(msg, "oom"),
		strings.Contains(msg, "vram"),
		strings.Contains(msg, "insufficient memory"),
		strings.Contains(msg, "model load"),
		strings.Contains(msg, "no space left"):
		return CategoryResource

	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "temporarily unavailable"),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "eof"):
		return CategoryTransient

	case strings.Contains(msg, "unknown tool"),
		strings.Contains(msg, "invalid argument"),
		strings.Contains(msg, "invalid arguments"),
		strings.Contains(msg, "schema validation"),
		strings.Contains(msg, "parse"),
		strings.Contains(msg, "delegation"):
		return CategoryAgent
	}

	return CategoryFatal
}
