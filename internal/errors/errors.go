// Package errors provides structured error types and the outbox error
// taxonomy for the sync core.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/flowdeck/syncd/internal/model"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrOffline      = errors.New("network unavailable")
	ErrDenied       = errors.New("access denied")
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("constraint violation")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrQueueFull    = errors.New("action queue is full")
)

// BackendError represents an error returned by the remote backend.
type BackendError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s (status %d): %s: %v", e.Op, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("backend %s (status %d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError creates a backend error for an HTTP status.
func NewBackendError(op string, statusCode int, message string) *BackendError {
	return &BackendError{Op: op, StatusCode: statusCode, Message: message}
}

// StorageError marks a durable-store write failure. The outbox persistence
// ladder reacts to Quota errors with its degradation tiers.
type StorageError struct {
	Tier  string
	Quota bool
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Tier, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Classify maps an error to the outbox taxonomy.
//
// permission: auth/authorization denial (401/403, RLS-style rejections).
// business: semantic rejection (not-found, duplicate key, constraint).
// timeout: deadline exceeded. network: transport-level connectivity.
// Everything else is unknown.
func Classify(err error) model.ErrorClass {
	if err == nil {
		return model.ErrClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return model.ErrClassTimeout
	}
	if errors.Is(err, ErrDenied) {
		return model.ErrClassPermission
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return model.ErrClassBusiness
	}
	if errors.Is(err, ErrOffline) {
		return model.ErrClassNetwork
	}

	var be *BackendError
	if errors.As(err, &be) {
		switch {
		case be.StatusCode == 401 || be.StatusCode == 403:
			return model.ErrClassPermission
		case be.StatusCode == 404 || be.StatusCode == 409 || be.StatusCode == 422:
			return model.ErrClassBusiness
		case be.StatusCode == 408:
			return model.ErrClassTimeout
		case be.StatusCode >= 500:
			return model.ErrClassNetwork
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return model.ErrClassTimeout
		}
		return model.ErrClassNetwork
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies by message content, for errors that arrive as
// bare strings (persisted lastError values, backend bodies).
func ClassifyMessage(msg string) model.ErrorClass {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out") || strings.Contains(m, "deadline"):
		return model.ErrClassTimeout
	case strings.Contains(m, "unauthorized") || strings.Contains(m, "forbidden") ||
		strings.Contains(m, "permission") || strings.Contains(m, "row-level security") ||
		strings.Contains(m, "jwt"):
		return model.ErrClassPermission
	case strings.Contains(m, "not found") || strings.Contains(m, "duplicate") ||
		strings.Contains(m, "constraint") || strings.Contains(m, "violates"):
		return model.ErrClassBusiness
	case strings.Contains(m, "network") || strings.Contains(m, "connection") ||
		strings.Contains(m, "refused") || strings.Contains(m, "unreachable") ||
		strings.Contains(m, "offline") || strings.Contains(m, "fetch"):
		return model.ErrClassNetwork
	default:
		return model.ErrClassUnknown
	}
}

// IsRetryable reports whether an error class may be retried. Permission and
// business errors are terminal.
func IsRetryable(class model.ErrorClass) bool {
	switch class {
	case model.ErrClassPermission, model.ErrClassBusiness:
		return false
	default:
		return true
	}
}

// IsQuota reports whether an error indicates storage exhaustion, which
// triggers the outbox degradation ladder.
func IsQuota(err error) bool {
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	var se *StorageError
	if errors.As(err, &se) && se.Quota {
		return true
	}
	m := strings.ToLower(fmt.Sprint(err))
	return strings.Contains(m, "quota") || strings.Contains(m, "no space") ||
		strings.Contains(m, "database or disk is full")
}
