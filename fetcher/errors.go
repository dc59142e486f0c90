package fetcher

import (
	"errors"
	"fmt"
)

// ErrTimeout indicates a timeout while issuing a request. Retryable.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure. Retryable.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrClientRejected indicates the source rejected the request outright
// (HTTP 4xx). Never retried.
type ErrClientRejected struct {
	Status int
	Err    error
}

func (e ErrClientRejected) Error() string {
	return fmt.Errorf("client_rejected (status %d): %w", e.Status, e.Err).Error()
}

func (e ErrClientRejected) Unwrap() error {
	return e.Err
}

// ErrUnavailable indicates a transient failure (5xx or exhausted retries).
type ErrUnavailable struct {
	Status int
	Err    error
}

func (e ErrUnavailable) Error() string {
	return fmt.Errorf("unavailable (status %d): %w", e.Status, e.Err).Error()
}

func (e ErrUnavailable) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var rejected ErrClientRejected
	if errors.As(err, &rejected) {
		return "client_rejected"
	}
	var unavailable ErrUnavailable
	if errors.As(err, &unavailable) {
		return "unavailable"
	}
	return "other"
}

// retryable reports whether the failure class may succeed on a later
// attempt. Client rejections and malformed URLs are permanent.
func retryable(err error) bool {
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return true
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return true
	}
	var unavailable ErrUnavailable
	if errors.As(err, &unavailable) {
		return true
	}
	return false
}
