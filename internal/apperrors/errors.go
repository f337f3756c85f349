// Package apperrors defines the error kinds shared by the capture and sync
// paths. Callers branch on kinds with errors.As / errors.Is.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for expected conditions
var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyQueued     = errors.New("delivery already queued for sync")
	ErrQueueEntryMissing = errors.New("offline queue entry not found")
)

// ValidationError is returned when a submitted signature or payload is
// rejected before persistence. Kinds lists every failed check.
type ValidationError struct {
	Kinds []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Kinds, ", "))
}

// NewValidationError creates a validation error from the failed check kinds
func NewValidationError(kinds ...string) *ValidationError {
	return &ValidationError{Kinds: kinds}
}

// TransientSyncError wraps a failure of a single ERP sync attempt that is
// worth retrying (network errors, gateway 5xx, attempt timeouts).
type TransientSyncError struct {
	DeliveryID uuid.UUID
	Step       string
	Err        error
}

func (e *TransientSyncError) Error() string {
	return fmt.Sprintf("sync of delivery %s failed at %s: %v", e.DeliveryID, e.Step, e.Err)
}

func (e *TransientSyncError) Unwrap() error {
	return e.Err
}

// TerminalSyncError is returned once every attempt of a sync has failed.
// The confirmation stays unsynced and the caller escalates it.
type TerminalSyncError struct {
	DeliveryID uuid.UUID
	Attempts   int
	Err        error
}

func (e *TerminalSyncError) Error() string {
	return fmt.Sprintf("sync of delivery %s exhausted after %d attempts: %v", e.DeliveryID, e.Attempts, e.Err)
}

func (e *TerminalSyncError) Unwrap() error {
	return e.Err
}

// DurabilityError reports that an offline queue tier could not persist or
// load a user's queue.
type DurabilityError struct {
	Tier   string
	UserID string
	Err    error
	At     time.Time
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("offline queue %s tier unavailable for user %s: %v", e.Tier, e.UserID, e.Err)
}

func (e *DurabilityError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err carries a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTerminal reports whether err carries a TerminalSyncError
func IsTerminal(err error) bool {
	var target *TerminalSyncError
	return errors.As(err, &target)
}

// IsTransient reports whether err carries a TransientSyncError
func IsTransient(err error) bool {
	var target *TransientSyncError
	return errors.As(err, &target)
}
