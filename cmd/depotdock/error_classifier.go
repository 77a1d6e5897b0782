// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"

	"github.com/depotdock/depotdock/internal/fetch"
	"github.com/depotdock/depotdock/internal/issue"
)

// Exit codes for download failures, keyed by failure class so scripts can
// branch on the outcome.
const (
	exitCodeFailure       = 1
	exitCodeAuthRequired  = 3
	exitCodeConflict      = 4
	exitCodeCredential    = 5
	exitCodeCancelled     = 6
	exitCodePartial       = 7
	exitCodeCatalogLookup = 8
)

// downloadVerdict is the per-class rendering of a download failure: the exit
// code scripts see and the hints humans see.
type downloadVerdict struct {
	code  int
	hints []string
}

var downloadVerdicts = map[fetch.Class]downloadVerdict{
	fetch.ClassAuthRequired: {
		code: exitCodeAuthRequired,
		hints: []string{
			"Complete the pending account confirmation or enter the one-time code",
			"Re-run the download once the account is confirmed",
		},
	},
	fetch.ClassTransientConflict: {
		code: exitCodeConflict,
		hints: []string{
			"Close the conflicting client and retry",
			"Check 'downloader.conflict_process' if the wrong process is being detected",
		},
	},
	fetch.ClassConflictTimeout: {
		code: exitCodeConflict,
		hints: []string{
			"Close the conflicting client and retry",
			"Check 'downloader.conflict_process' if the wrong process is being detected",
		},
	},
	fetch.ClassFatalCredential: {
		code: exitCodeCredential,
		hints: []string{
			"Check 'catalog.username' in the config file",
			"Verify the secret exported in the configured environment variable",
		},
	},
	fetch.ClassCancelled: {
		code: exitCodeCancelled,
	},
	fetch.ClassPartialSequence: {
		code: exitCodePartial,
		hints: []string{
			"Completed depots stay on disk; re-running resumes from a clean launch",
			"No active version pointer was changed",
		},
	},
	fetch.ClassCatalogUnresolved: {
		code: exitCodeCatalogLookup,
		hints: []string{
			"Check the branch name and build ID against 'depotdock builds <branch>'",
		},
	},
}

// classifyDownloadError converts a download failure into an ExitError with a
// class-specific exit code and hints the user can act on.
func classifyDownloadError(err error) *ExitError {
	verdict, ok := downloadVerdicts[fetch.Classify(err)]
	if !ok {
		verdict = downloadVerdict{code: exitCodeFailure}
	}

	rep := issue.New("download build").Because(err)
	var authErr *fetch.AuthRequiredError
	if errors.As(err, &authErr) && authErr.Hint != "" {
		rep.On(authErr.Hint)
	}
	for _, hint := range verdict.hints {
		rep.Hint(hint)
	}

	return &ExitError{Code: verdict.code, Err: rep}
}
