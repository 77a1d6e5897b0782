// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"regexp"
	"strconv"
	"strings"
)

// Phase names the stage a download attempt is in.
type Phase string

const (
	// PhasePreflight covers the conflicting-process check.
	PhasePreflight Phase = "preflight"
	// PhaseLaunch covers downloader process startup, once per depot.
	PhaseLaunch Phase = "launch"
	// PhaseStreaming covers progress parsed from the downloader's output.
	PhaseStreaming Phase = "streaming"
	// PhaseAuthGate signals that the downloader is waiting for an
	// out-of-band confirmation or one-time code.
	PhaseAuthGate Phase = "auth-gate"
	// PhaseNormalize covers post-download directory normalization.
	PhaseNormalize Phase = "normalize"
	// PhaseDone is the terminal success phase.
	PhaseDone Phase = "done"
	// PhaseFailed is the terminal failure phase.
	PhaseFailed Phase = "failed"
)

// ProgressEvent is one coalesced update delivered to the caller. Percent is
// -1 while no numeric progress has been parsed yet.
type ProgressEvent struct {
	Phase   Phase
	DepotID uint32
	Percent float64
	Message string
}

var (
	// percentPattern matches "42%", " 7.5 %", "[100%]".
	percentPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)

	// ratioPattern matches "current/total" chunk counters like "512 / 2048".
	ratioPattern = regexp.MustCompile(`\b(\d+)\s*/\s*(\d+)\b`)
)

// Output marker sets for the external downloader. Exit text and stream text
// share these: the invocation contract only promises human-readable
// progress, so classification is substring-based and case-insensitive.
var (
	authGateMarkers = []string{
		"auth code required",
		"enter the code sent",
		"two-factor",
		"waiting for account confirmation",
	}

	credentialMarkers = []string{
		"invalid password",
		"invalid credentials",
		"login denied",
	}

	conflictMarkers = []string{
		"client is already running",
		"another instance holds the install lock",
		"content lock held",
	}

	completionMarkers = []string{
		"depot download complete",
		"all chunks verified",
	}

	usageMarkers = []string{
		"unknown argument",
		"usage:",
	}
)

type (
	// lineClass is what a single output line signaled.
	lineClass int

	// progressParser accumulates the most recent percentage from a
	// downloader output stream. It is not safe for concurrent use; the
	// orchestrator owns one per depot attempt and reads it from the same
	// goroutine that feeds it.
	progressParser struct {
		percent  float64 // most recent parsed percentage, -1 when unknown
		authHint string  // first auth-gate line observed
	}
)

const (
	lineNoise lineClass = iota
	lineProgress
	lineAuthGate
	lineCredential
	lineConflict
	lineComplete
	lineUsage
)

func newProgressParser() *progressParser {
	return &progressParser{percent: -1}
}

// feed parses one output line, updates the retained percentage, and reports
// what the line signaled.
func (p *progressParser) feed(line string) lineClass {
	lower := strings.ToLower(line)

	switch {
	case matchesAny(lower, authGateMarkers):
		if p.authHint == "" {
			p.authHint = strings.TrimSpace(line)
		}
		return lineAuthGate
	case matchesAny(lower, credentialMarkers):
		return lineCredential
	case matchesAny(lower, conflictMarkers):
		return lineConflict
	case matchesAny(lower, usageMarkers):
		return lineUsage
	case matchesAny(lower, completionMarkers):
		p.percent = 100
		return lineComplete
	}

	if m := percentPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v <= 100 {
			p.percent = v
			return lineProgress
		}
	}
	if m := ratioPattern.FindStringSubmatch(line); m != nil {
		cur, err1 := strconv.ParseFloat(m[1], 64)
		total, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil && total > 0 && cur <= total {
			p.percent = cur / total * 100
			return lineProgress
		}
	}
	return lineNoise
}

func matchesAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
