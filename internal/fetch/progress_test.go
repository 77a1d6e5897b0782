// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"math"
	"testing"
)

func TestProgressParserFeed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		line        string
		wantClass   lineClass
		wantPercent float64
	}{
		{
			name:        "plain percent",
			line:        "downloading depot 11: 42%",
			wantClass:   lineProgress,
			wantPercent: 42,
		},
		{
			name:        "fractional percent with spacing",
			line:        " verifying 7.5 % ",
			wantClass:   lineProgress,
			wantPercent: 7.5,
		},
		{
			name:        "bracketed percent",
			line:        "[100%] chunk window flushed",
			wantClass:   lineProgress,
			wantPercent: 100,
		},
		{
			name:        "chunk ratio",
			line:        "chunks 512 / 2048 written",
			wantClass:   lineProgress,
			wantPercent: 25,
		},
		{
			name:        "percent over 100 is noise",
			line:        "retry allowance at 250%",
			wantClass:   lineNoise,
			wantPercent: -1,
		},
		{
			name:        "ratio over total is noise",
			line:        "weird counter 9/4",
			wantClass:   lineNoise,
			wantPercent: -1,
		},
		{
			name:        "auth gate",
			line:        "Waiting for account confirmation before continuing",
			wantClass:   lineAuthGate,
			wantPercent: -1,
		},
		{
			name:        "auth gate two-factor",
			line:        "Two-Factor code needed",
			wantClass:   lineAuthGate,
			wantPercent: -1,
		},
		{
			name:        "credential failure",
			line:        "FATAL: Invalid Password for account",
			wantClass:   lineCredential,
			wantPercent: -1,
		},
		{
			name:        "conflict",
			line:        "another instance holds the install lock",
			wantClass:   lineConflict,
			wantPercent: -1,
		},
		{
			name:        "usage text",
			line:        "Usage: downloader [flags]",
			wantClass:   lineUsage,
			wantPercent: -1,
		},
		{
			name:        "completion marker forces 100",
			line:        "depot download complete",
			wantClass:   lineComplete,
			wantPercent: 100,
		},
		{
			name:        "plain noise",
			line:        "connecting to content server",
			wantClass:   lineNoise,
			wantPercent: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newProgressParser()
			got := p.feed(tt.line)
			if got != tt.wantClass {
				t.Errorf("feed(%q) class = %d, want %d", tt.line, got, tt.wantClass)
			}
			if math.Abs(p.percent-tt.wantPercent) > 1e-9 {
				t.Errorf("feed(%q) percent = %v, want %v", tt.line, p.percent, tt.wantPercent)
			}
		})
	}
}

func TestProgressParserKeepsLatestPercent(t *testing.T) {
	t.Parallel()

	p := newProgressParser()
	for _, line := range []string{"10%", "connecting...", "35%", "noise", "80%"} {
		p.feed(line)
	}
	if p.percent != 80 {
		t.Errorf("percent = %v, want 80", p.percent)
	}
}

func TestProgressParserKeepsFirstAuthHint(t *testing.T) {
	t.Parallel()

	p := newProgressParser()
	p.feed("auth code required: check your email")
	p.feed("auth code required: still waiting")
	if p.authHint != "auth code required: check your email" {
		t.Errorf("authHint = %q, want first gate line", p.authHint)
	}
}
