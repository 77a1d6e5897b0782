// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"context"
	"fmt"
	"time"
)

// DefaultBackoff is the bounded wait schedule shared by the preflight
// conflict check and per-depot retry: an immediate try, then two growing
// waits. After the last entry the operation fails rather than retrying
// indefinitely.
var DefaultBackoff = []time.Duration{0, 5 * time.Second, 15 * time.Second}

// ConflictDetector reports whether a conflicting external client process is
// currently running. The production implementation is platform-specific;
// tests substitute scripted detectors.
type ConflictDetector interface {
	Running(name string) (bool, error)
}

// awaitConflictClear re-checks the conflicting process after each delay of
// the backoff schedule. It returns nil as soon as the conflict clears and a
// ConflictTimeoutError when it never does within the schedule.
func (o *Orchestrator) awaitConflictClear(ctx context.Context) error {
	if o.cfg.ConflictProcess == "" {
		return nil
	}

	for _, delay := range o.backoff {
		if err := sleepCtx(ctx, delay); err != nil {
			return &CancelledError{Err: err}
		}
		running, err := o.detector.Running(o.cfg.ConflictProcess)
		if err != nil {
			return fmt.Errorf("preflight conflict check: %w", err)
		}
		if !running {
			return nil
		}
		o.logger.Info("conflicting process running, will re-check",
			"process", o.cfg.ConflictProcess)
	}

	return &ConflictTimeoutError{Process: o.cfg.ConflictProcess, Attempts: len(o.backoff)}
}

// sleepCtx sleeps for d unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
