/*
errors.go - Centralized error types for the circulation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Storage packages return these sentinels; the API maps them to HTTP status.

ERROR CATEGORIES:
  1. Transition errors  - Operation not legal from the current status
  2. Input errors       - Bad due dates, malformed copies
  3. Authorization      - Caller lacks a capability
  4. Ledger errors      - Not found, duplicates, compare-and-set conflicts

RETRY POLICY:
  ErrConcurrencyConflict is the only retryable class and never leaves this
  package: the Machine retries it a bounded number of times and then
  reports ErrTransientFailure; the Matcher moves on to the next candidate.
  Everything else fails identically on retry and goes straight to the caller.

SEE ALSO:
  - machine.go: Produces TransitionError and ErrTransientFailure
  - renewal.go: Produces PermissionDeniedError
*/
package circulation

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when an operation is not legal from the
	// copy's current status. No mutation happened.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnauthorized is returned when the actor lacks the capability for a
	// privileged operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidRenewalDate is returned when a renewal date is not strictly
	// after today.
	ErrInvalidRenewalDate = errors.New("renewal date must be after today")

	// ErrInvalidLoanDate is returned when a loan due date is not strictly after today.
	ErrInvalidLoanDate = errors.New("loan due date must be after today")

	// ErrNoCopyAvailable is the matcher's negative result: no copy of the title
	// could be reserved.
	ErrNoCopyAvailable = errors.New("no copy available")

	// ErrConcurrencyConflict is returned by a ledger when compare-and-set finds
	// a different status or version than expected.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrTransientFailure is returned when a single-copy operation kept losing
	// compare-and-set races and gave up.
	ErrTransientFailure = errors.New("transient failure, try again")

	ErrCopyNotFound      = errors.New("copy not found")
	ErrDuplicateCopy     = errors.New("copy already exists")
	ErrCopyInUse         = errors.New("copy is on loan or reserved")
	ErrInvalidCopy       = errors.New("invalid copy record")
	ErrRequestInProgress = errors.New("request with this idempotency key is in progress")
	ErrTitleNotFound     = errors.New("title not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError names the attempted operation and the status it ran into.
type TransitionError struct {
	Op     Operation
	CopyID CopyID
	Status Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: cannot %s copy %s in status %s", e.Op, e.CopyID, e.Status)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// PermissionDeniedError is what callers of the RenewalAuthority see when the
// actor lacks the capability.
type PermissionDeniedError struct {
	Actor      ActorID
	Capability Capability
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s lacks %s", e.Actor, e.Capability)
}

func (e *PermissionDeniedError) Unwrap() error {
	return ErrUnauthorized
}

// InvariantError reports a copy record that violates a field invariant.
type InvariantError struct {
	CopyID CopyID
	Rule   string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("copy %s violates %s rule: %s", e.CopyID, e.Rule, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvalidCopy
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrTransientFailure)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidRenewalDate) ||
		errors.Is(err, ErrInvalidLoanDate) ||
		errors.Is(err, ErrInvalidCopy) ||
		errors.Is(err, ErrDuplicateCopy) ||
		errors.Is(err, ErrCopyInUse)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCopyNotFound) || errors.Is(err, ErrTitleNotFound)
}
