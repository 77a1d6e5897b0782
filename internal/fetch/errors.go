// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/depotdock/depotdock/internal/catalog"
)

// Class tags a download failure so the caller can decide whether a retry
// action makes sense. Nothing in this package swallows an error; everything
// asynchronous is surfaced with one of these tags.
type Class string

const (
	// ClassAuthRequired marks failures where the downloader needs an
	// out-of-band confirmation or one-time code. Surfaced distinctly from
	// plain failures so the caller can prompt for the follow-up action.
	ClassAuthRequired Class = "authentication-required"

	// ClassTransientConflict marks a conflicting external client process.
	ClassTransientConflict Class = "transient-conflict"

	// ClassConflictTimeout marks a conflict that never cleared within the
	// bounded backoff schedule.
	ClassConflictTimeout Class = "conflict-timeout"

	// ClassFatalCredential marks invalid credentials; never retried.
	ClassFatalCredential Class = "fatal-credential"

	// ClassCatalogUnresolved marks a build or branch the catalog has no
	// record of; retrying cannot change a nonexistent record.
	ClassCatalogUnresolved Class = "catalog-unresolved"

	// ClassPartialSequence marks a multi-depot run that failed after some
	// depots completed.
	ClassPartialSequence Class = "partial-sequence-failure"

	// ClassCancelled marks a run terminated by Cancel or context
	// cancellation.
	ClassCancelled Class = "cancelled"

	// ClassFatal marks everything else: malformed arguments, downloader
	// crashes, filesystem failures. Not retried.
	ClassFatal Class = "fatal"
)

type (
	// AuthRequiredError reports that the downloader is gated on an
	// out-of-band confirmation or one-time code.
	AuthRequiredError struct {
		Depot catalog.DepotRef
		Hint  string // the downloader line that signaled the gate
	}

	// ConflictTimeoutError reports that the conflicting process never
	// exited within the bounded backoff schedule.
	ConflictTimeoutError struct {
		Process  string
		Attempts int
	}

	// TransientConflictError reports a downloader run that failed because a
	// conflicting client held the install; retryable within the backoff
	// schedule.
	TransientConflictError struct {
		Detail string
	}

	// CredentialError reports invalid credentials; fatal on first
	// occurrence.
	CredentialError struct {
		Detail string
	}

	// PartialSequenceError reports a failure on depot Completed+1 of Total
	// in a sequential multi-depot download. The completed depots stay on
	// disk, but no active-version pointer is set.
	PartialSequenceError struct {
		Completed int
		Total     int
		Depot     catalog.DepotRef
		Err       error
	}

	// UsageError reports that the downloader rejected its invocation as
	// malformed. The arguments will not improve on retry; fatal first time.
	UsageError struct {
		Detail string
	}

	// CancelledError reports a run terminated through Cancel or context
	// cancellation.
	CancelledError struct {
		Err error
	}

	// downloaderError carries the exit failure of one downloader run along
	// with the output retained for classification.
	downloaderError struct {
		exitErr error
		tail    string
	}
)

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("depot %d requires an authentication follow-up: %s", e.Depot.DepotID, e.Hint)
}

func (e *ConflictTimeoutError) Error() string {
	return fmt.Sprintf("conflicting process %q still running after %d checks", e.Process, e.Attempts)
}

func (e *TransientConflictError) Error() string {
	return "conflicting client holds the install: " + e.Detail
}

func (e *CredentialError) Error() string {
	return "invalid credentials: " + e.Detail
}

func (e *PartialSequenceError) Error() string {
	return fmt.Sprintf("depot %d failed after %d of %d depots completed: %v",
		e.Depot.DepotID, e.Completed, e.Total, e.Err)
}

// Unwrap exposes the per-depot cause for errors.Is/As chains.
func (e *PartialSequenceError) Unwrap() error { return e.Err }

func (e *UsageError) Error() string {
	return "downloader rejected its invocation: " + e.Detail
}

func (e *CancelledError) Error() string {
	if e.Err == nil {
		return "download cancelled"
	}
	return fmt.Sprintf("download cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

func (e *downloaderError) Error() string {
	if e.tail != "" {
		return fmt.Sprintf("downloader failed: %v: %s", e.exitErr, e.tail)
	}
	return fmt.Sprintf("downloader failed: %v", e.exitErr)
}

func (e *downloaderError) Unwrap() error { return e.exitErr }

// Classify maps an error to its retry-decision tag.
func Classify(err error) Class {
	var (
		authErr      *AuthRequiredError
		conflictErr  *ConflictTimeoutError
		transientErr *TransientConflictError
		credErr      *CredentialError
		partialErr   *PartialSequenceError
		cancelErr    *CancelledError
		usageErr     *UsageError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return ClassAuthRequired
	case errors.As(err, &conflictErr):
		return ClassConflictTimeout
	case errors.As(err, &transientErr):
		return ClassTransientConflict
	case errors.As(err, &credErr):
		return ClassFatalCredential
	case errors.As(err, &partialErr):
		return ClassPartialSequence
	case errors.As(err, &cancelErr):
		return ClassCancelled
	case errors.As(err, &usageErr):
		return ClassFatal
	case errors.Is(err, catalog.ErrBuildNotFound), errors.Is(err, catalog.ErrBranchNotFound):
		return ClassCatalogUnresolved
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	default:
		return ClassFatal
	}
}
