// SPDX-License-Identifier: MPL-2.0

// Package fetch drives the external downloader executable to install one
// version of a branch and normalizes the result on disk.
//
// A download runs Preflight (conflicting-process check with bounded
// backoff), then one downloader invocation per depot in strict sequence,
// streaming parsed progress to the caller, and finally directory
// normalization plus state-store bookkeeping. The orchestrator tracks at
// most one live downloader process at a time; Cancel kills it and the run
// terminates with a cancelled classification.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/depotdock/depotdock/internal/catalog"
	"github.com/depotdock/depotdock/internal/fsutil"
	"github.com/depotdock/depotdock/internal/layout"
	"github.com/depotdock/depotdock/internal/state"
)

const (
	// defaultFlushInterval bounds how often coalesced progress events reach
	// the caller.
	defaultFlushInterval = 250 * time.Millisecond

	// secretEnvVar carries the downloader credential so it never appears on
	// the command line.
	secretEnvVar = "DEPOTDOCK_DOWNLOADER_SECRET"

	// outputTailLines is how many trailing output lines are retained for
	// failure classification and error messages.
	outputTailLines = 8
)

type (
	// Config is the static configuration for an Orchestrator.
	Config struct {
		Root            string // managed install root
		ProductID       string
		DownloaderPath  string
		Username        string
		Secret          string
		ConflictProcess string // executable name that blocks downloads while running
	}

	// Request describes one download. BuildID may be empty, in which case
	// the branch's current build is resolved through the catalog cache.
	// Kind selects the directory naming convention of the result. Events,
	// when non-nil, receives coalesced progress; it should be buffered, as
	// sends never block (a slow consumer drops intermediate updates, never
	// stalls the download).
	Request struct {
		Branch  string
		BuildID string
		Kind    layout.IDKind
		Events  chan<- ProgressEvent
	}

	// Outcome reports a fully successful download.
	Outcome struct {
		Branch          string
		BuildID         string
		ManifestID      string // primary manifest, set for manifest-keyed runs
		CompletedDepots int
		TotalDepots     int
		VersionDir      string
		SizeBytes       int64
	}

	// Orchestrator runs downloads one depot at a time and records completed
	// versions in the state store.
	Orchestrator struct {
		cfg      Config
		runner   Runner
		detector ConflictDetector
		catalog  *catalog.Cache
		store    *state.Store
		logger   *log.Logger
		backoff  []time.Duration
		flush    time.Duration

		mu        sync.Mutex
		active    Handle
		cancelled atomic.Bool
	}

	// Option configures an Orchestrator during construction.
	Option func(*Orchestrator)
)

// WithRunner substitutes the process runner; test seam.
func WithRunner(r Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// WithDetector substitutes the conflict detector; test seam.
func WithDetector(d ConflictDetector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// WithBackoff overrides the bounded retry/backoff schedule. An empty
// schedule keeps the default.
func WithBackoff(schedule []time.Duration) Option {
	return func(o *Orchestrator) {
		if len(schedule) > 0 {
			o.backoff = schedule
		}
	}
}

// WithFlushInterval overrides how often progress events are flushed.
func WithFlushInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.flush = d
		}
	}
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator over the given catalog cache and state store.
func New(cfg Config, cat *catalog.Cache, store *state.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		runner:   NewExecRunner(),
		detector: NewProcessDetector(),
		catalog:  cat,
		store:    store,
		logger:   log.Default(),
		backoff:  DefaultBackoff,
		flush:    defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Download fetches every depot of the requested build in sequence, then
// normalizes the directory layout and records the version as active. On a
// mid-sequence failure the error is a *PartialSequenceError reporting how
// many depots completed, and no active-version pointer is touched.
func (o *Orchestrator) Download(ctx context.Context, req Request) (*Outcome, error) {
	o.cancelled.Store(false)

	emit(req.Events, ProgressEvent{Phase: PhasePreflight, Percent: -1, Message: "checking for conflicting processes"})
	if err := o.awaitConflictClear(ctx); err != nil {
		emit(req.Events, ProgressEvent{Phase: PhaseFailed, Percent: -1, Message: err.Error()})
		return nil, err
	}

	buildID, depots, err := o.resolveDepots(ctx, req)
	if err != nil {
		emit(req.Events, ProgressEvent{Phase: PhaseFailed, Percent: -1, Message: err.Error()})
		return nil, err
	}

	versionID := buildID
	if req.Kind == layout.KindManifest {
		// First listed depot acts as primary; an arbitrary tie-break, not a
		// semantic guarantee.
		versionID = depots[0].ManifestID
	}
	targetDir, err := layout.VersionDir(o.cfg.Root, req.Branch, versionID, req.Kind)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating version dir %s: %w", targetDir, err)
	}

	completed := 0
	for _, depot := range depots {
		// Cancel can land while no process is running; the next depot must
		// not launch.
		if o.cancelled.Load() {
			return nil, &CancelledError{}
		}
		if err := o.downloadDepotWithRetry(ctx, req, depot, targetDir); err != nil {
			emit(req.Events, ProgressEvent{Phase: PhaseFailed, DepotID: depot.DepotID, Percent: -1, Message: err.Error()})

			var cancelErr *CancelledError
			if errors.As(err, &cancelErr) {
				return nil, err
			}
			return nil, &PartialSequenceError{
				Completed: completed,
				Total:     len(depots),
				Depot:     depot,
				Err:       err,
			}
		}
		completed++
		o.logger.Info("depot downloaded",
			"branch", req.Branch, "depot", depot.DepotID, "completed", completed, "total", len(depots))
	}

	emit(req.Events, ProgressEvent{Phase: PhaseNormalize, Percent: 100, Message: "normalizing directory layout"})
	branchDir := layout.BranchDir(o.cfg.Root, req.Branch)
	if err := normalizeLayout(branchDir, targetDir, depots); err != nil {
		return nil, err
	}

	size, err := fsutil.DirSize(targetDir)
	if err != nil {
		o.logger.Warn("sizing downloaded version failed", "dir", targetDir, "err", err)
		size = 0
	}

	outcome := &Outcome{
		Branch:          req.Branch,
		BuildID:         buildID,
		CompletedDepots: completed,
		TotalDepots:     len(depots),
		VersionDir:      targetDir,
		SizeBytes:       size,
	}
	if req.Kind == layout.KindManifest {
		outcome.ManifestID = versionID
	}

	// A run cancelled after its last depot finished must not become the
	// active version.
	if o.cancelled.Load() {
		return nil, &CancelledError{}
	}
	if err := o.recordVersion(req, outcome); err != nil {
		return nil, err
	}

	emit(req.Events, ProgressEvent{Phase: PhaseDone, Percent: 100, Message: "download complete"})
	return outcome, nil
}

// Cancel kills the tracked downloader process, if any. The in-flight
// Download call terminates with a cancelled classification and the single
// active-process slot is released.
func (o *Orchestrator) Cancel() error {
	o.cancelled.Store(true)

	o.mu.Lock()
	h := o.active
	o.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Kill()
}

// resolveDepots resolves the depot refs for the request, going through the
// branch cache when no explicit build was asked for.
func (o *Orchestrator) resolveDepots(ctx context.Context, req Request) (string, []catalog.DepotRef, error) {
	if req.BuildID != "" {
		depots, err := o.catalog.ResolveDepotsForBuild(ctx, req.BuildID)
		if err != nil {
			return "", nil, err
		}
		if len(depots) == 0 {
			return "", nil, fmt.Errorf("%w: build %s lists no depots", catalog.ErrBuildNotFound, req.BuildID)
		}
		return req.BuildID, depots, nil
	}

	res, err := o.catalog.Resolve(ctx, req.Branch)
	if err != nil {
		return "", nil, err
	}
	if res.Stale {
		o.logger.Warn("catalog unavailable, using last-known-good resolution",
			"branch", req.Branch, "build", res.BuildID)
	}
	if len(res.Depots) == 0 {
		return "", nil, fmt.Errorf("%w: build %s lists no depots", catalog.ErrBuildNotFound, res.BuildID)
	}
	return res.BuildID, res.Depots, nil
}

// downloadDepotWithRetry runs one depot download, retrying conflict-type and
// authentication-type failures along the bounded backoff schedule. All other
// failures are fatal on first occurrence.
func (o *Orchestrator) downloadDepotWithRetry(ctx context.Context, req Request, depot catalog.DepotRef, targetDir string) error {
	var lastErr error
	for _, delay := range o.backoff {
		if err := sleepCtx(ctx, delay); err != nil {
			return &CancelledError{Err: err}
		}
		if o.cancelled.Load() {
			return &CancelledError{}
		}

		err := o.runDepotOnce(ctx, req, depot, targetDir)
		if err == nil {
			return nil
		}
		lastErr = err

		switch Classify(err) {
		case ClassAuthRequired, ClassTransientConflict:
			o.logger.Warn("retryable depot failure",
				"depot", depot.DepotID, "class", Classify(err), "err", err)
		default:
			return err
		}
	}
	return lastErr
}

// runDepotOnce launches the downloader for a single depot and supervises its
// output until exit. The most recent parsed percentage is flushed to the
// caller on a fixed interval, coalescing bursts of output into one event.
func (o *Orchestrator) runDepotOnce(ctx context.Context, req Request, depot catalog.DepotRef, targetDir string) error {
	emit(req.Events, ProgressEvent{Phase: PhaseLaunch, DepotID: depot.DepotID, Percent: -1, Message: "starting downloader"})

	cmd := Command{
		Path: o.cfg.DownloaderPath,
		Args: o.downloaderArgs(depot, targetDir),
		Dir:  o.cfg.Root,
		Env:  []string{secretEnvVar + "=" + o.cfg.Secret},
	}

	handle, err := o.runner.Start(ctx, cmd)
	if err != nil {
		return fmt.Errorf("launching downloader: %w", err)
	}
	o.track(handle)
	defer o.untrack()

	parser := newProgressParser()
	ticker := time.NewTicker(o.flush)
	defer ticker.Stop()

	var (
		tail        []string
		sawAuthGate bool
		sawCred     bool
		sawConflict bool
		sawUsage    bool
		lastFlushed = -2.0
	)

	lines := handle.Lines()
	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			tail = appendTail(tail, line)
			switch parser.feed(line) {
			case lineAuthGate:
				if !sawAuthGate {
					sawAuthGate = true
					// A state change, not rate-bound progress: flush now.
					emit(req.Events, ProgressEvent{
						Phase:   PhaseAuthGate,
						DepotID: depot.DepotID,
						Percent: parser.percent,
						Message: parser.authHint,
					})
				}
			case lineCredential:
				sawCred = true
			case lineConflict:
				sawConflict = true
			case lineUsage:
				sawUsage = true
			}
		case <-ticker.C:
			if parser.percent != lastFlushed {
				lastFlushed = parser.percent
				emit(req.Events, ProgressEvent{
					Phase:   PhaseStreaming,
					DepotID: depot.DepotID,
					Percent: parser.percent,
				})
			}
		}
	}

	waitErr := handle.Wait()
	if waitErr == nil {
		return nil
	}

	if o.cancelled.Load() || ctx.Err() != nil {
		return &CancelledError{Err: waitErr}
	}

	// Exit code was nonzero; the output text decides retryability.
	switch {
	case sawCred:
		return &CredentialError{Detail: strings.Join(tail, " | ")}
	case sawAuthGate:
		return &AuthRequiredError{Depot: depot, Hint: parser.authHint}
	case sawConflict:
		return &TransientConflictError{Detail: strings.Join(tail, " | ")}
	case sawUsage:
		return &UsageError{Detail: strings.Join(tail, " | ")}
	default:
		return &downloaderError{exitErr: waitErr, tail: strings.Join(tail, " | ")}
	}
}

// downloaderArgs builds the invocation per the external downloader contract:
// product ID, one depot/manifest pair, target directory, and the username.
// The secret travels via environment, never argv.
func (o *Orchestrator) downloaderArgs(depot catalog.DepotRef, targetDir string) []string {
	return []string{
		"-product", o.cfg.ProductID,
		"-depot", strconv.FormatUint(uint64(depot.DepotID), 10),
		"-manifest", depot.ManifestID,
		"-dir", targetDir,
		"-username", o.cfg.Username,
	}
}

// recordVersion writes the version record and flips the branch's active
// pointer; called only after every depot completed.
func (o *Orchestrator) recordVersion(req Request, outcome *Outcome) error {
	key := filepath.Base(outcome.VersionDir)
	rec := state.VersionRecord{
		DownloadedAt: time.Now().UTC(),
		SizeBytes:    outcome.SizeBytes,
		Active:       true,
		Path:         outcome.VersionDir,
	}
	if req.Kind == layout.KindManifest {
		rec.ManifestID = outcome.ManifestID
		rec.BuildID = outcome.BuildID
	} else {
		rec.BuildID = outcome.BuildID
	}

	if err := o.store.PutVersion(req.Branch, key, rec); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	if req.Kind == layout.KindManifest {
		if err := o.store.SetActiveManifest(req.Branch, outcome.ManifestID); err != nil {
			return fmt.Errorf("setting active manifest: %w", err)
		}
		return nil
	}
	if err := o.store.SetActiveBuild(req.Branch, outcome.BuildID); err != nil {
		return fmt.Errorf("setting active build: %w", err)
	}
	return nil
}

// track claims the single active-process slot.
func (o *Orchestrator) track(h Handle) {
	o.mu.Lock()
	o.active = h
	o.mu.Unlock()
}

// untrack releases the single active-process slot.
func (o *Orchestrator) untrack() {
	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()
}

// emit sends a progress event without ever blocking the download on a slow
// consumer; intermediate updates are dropped once the channel is full.
func emit(events chan<- ProgressEvent, ev ProgressEvent) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}

// appendTail keeps the last outputTailLines of downloader output.
func appendTail(tail []string, line string) []string {
	if strings.TrimSpace(line) == "" {
		return tail
	}
	tail = append(tail, line)
	if len(tail) > outputTailLines {
		tail = tail[1:]
	}
	return tail
}
