// Package errors consolidates the error taxonomy for the zq-data store.
//
// This package provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Write path
	ErrStaleRecord     = errors.New("record below partition high-water mark")
	ErrBufferFull      = errors.New("write-ahead buffer over capacity")
	ErrPartitionClosed = errors.New("partition is closed")
	ErrDegraded        = errors.New("partition degraded, read-only")

	// Read path
	ErrPartitionMissing = errors.New("partition missing")
	ErrCorruptSegment   = errors.New("segment failed validation")
	ErrNotFound         = errors.New("not found")

	// Recovery
	ErrCrashRecovery = errors.New("append log unrecoverable")

	// Subscriptions
	ErrSubscriberLagging  = errors.New("subscriber lagging, queue bound exceeded")
	ErrSubscriptionClosed = errors.New("subscription is closed")

	// Validation
	ErrInvalidKey      = errors.New("invalid partition key")
	ErrInvalidFreq     = errors.New("invalid frequency")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidInterval = errors.New("invalid time interval")

	// Lifecycle
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsRejected returns true if the write was rejected but may be retried
// after backpressure clears.
func IsRejected(err error) bool {
	return errors.Is(err, ErrBufferFull)
}

// IsStale returns true if the write fell below the high-water mark.
// Such records are candidates for out-of-band backfill, never for retry.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleRecord)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidFreq) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidInterval)
}

// IsCorrupt returns true if err indicates on-disk damage. Corruption is
// fatal for the affected segment or log, never for the process.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptSegment) || errors.Is(err, ErrCrashRecovery)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}
