// SPDX-License-Identifier: MPL-2.0

// Package issue turns failures into user-facing reports: what was being
// attempted, which file/branch/build was involved, and what the user can do
// about it. Reports are plain errors, so they travel through errors.Is/As
// chains like any other wrapped error, and the CLI renders their hints.
package issue

import (
	"errors"
	"fmt"
	"strings"
)

// Report is an error carrying the failed operation, the subject it acted on,
// and remediation hints. Construct one fluently:
//
//	return issue.New("download build").
//		On("public/build_9001").
//		Hint("Close the conflicting client and retry").
//		Because(err)
type Report struct {
	// Op is the operation that failed, as a verb phrase
	// (e.g. "download build", "migrate branch").
	Op string

	// Subject is the file, branch, or build the operation acted on.
	// Optional.
	Subject string

	// Hints are remediation steps shown to the user. Optional.
	Hints []string

	// Cause is the underlying failure. Optional.
	Cause error
}

// New starts a report for the given operation.
func New(op string) *Report {
	return &Report{Op: op}
}

// On names the subject the operation acted on.
func (r *Report) On(subject string) *Report {
	r.Subject = subject
	return r
}

// Hint appends one remediation step. Call once per hint.
func (r *Report) Hint(hint string) *Report {
	r.Hints = append(r.Hints, hint)
	return r
}

// Because records the underlying failure.
func (r *Report) Because(err error) *Report {
	r.Cause = err
	return r
}

// Error renders the one-line form: could not <op> (<subject>): <cause>.
func (r *Report) Error() string {
	var b strings.Builder
	b.WriteString("could not ")
	b.WriteString(r.Op)
	if r.Subject != "" {
		b.WriteString(" (")
		b.WriteString(r.Subject)
		b.WriteString(")")
	}
	if r.Cause != nil {
		b.WriteString(": ")
		b.WriteString(r.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is/As.
func (r *Report) Unwrap() error {
	return r.Cause
}

// Render returns the multi-line form for terminal output: the one-line
// message, one "hint:" line per remediation step, and in verbose mode the
// unwrapped cause chain.
func (r *Report) Render(verbose bool) string {
	var b strings.Builder
	b.WriteString(r.Error())

	for _, hint := range r.Hints {
		b.WriteString("\n  hint: ")
		b.WriteString(hint)
	}

	if verbose && r.Cause != nil {
		b.WriteString("\n\ncaused by:")
		for err := r.Cause; err != nil; err = errors.Unwrap(err) {
			fmt.Fprintf(&b, "\n  -> %s", err.Error())
		}
	}

	return b.String()
}
