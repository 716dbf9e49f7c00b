// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates bad or ambiguous input that the caller can correct
// and retry within the same conversational turn.
var ErrValidation = errors.New("validation failed")

// ErrPermissionDenied indicates the user lacks membership in any group
// authorized for the requested intent.
var ErrPermissionDenied = errors.New("permission denied")

// ErrQuotaExceeded indicates the requested resource delta would exceed the
// tenant's quota ceiling in at least one dimension.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrBudgetThreshold indicates the projected cost crossed the configured
// budget fraction. Soft outcome: the same user must confirm in a later turn.
var ErrBudgetThreshold = errors.New("budget threshold exceeded")

// ErrExternalTimeout indicates an external connector call timed out. Retryable.
var ErrExternalTimeout = errors.New("external call timed out")

// ErrExternalRejection indicates an external system explicitly rejected the
// operation. Not retryable.
var ErrExternalRejection = errors.New("external system rejected the operation")

// ErrApprovalExpired indicates an approval request passed its expiry without
// resolution and was auto-denied.
var ErrApprovalExpired = errors.New("approval request expired")

// ErrWorkflowFatal indicates a workflow step exhausted its retries; the run
// transitions to failed and compensation runs.
var ErrWorkflowFatal = errors.New("workflow step failed terminally")
