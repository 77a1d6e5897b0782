// SPDX-License-Identifier: MPL-2.0

package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a branch resolution stays fresh.
	DefaultTTL = 5 * time.Minute

	// refreshFraction is the share of TTL after which a background refresh
	// is triggered on access, so hot entries rarely expire outright.
	refreshFraction = 0.8

	// backgroundRefreshTimeout bounds a refresh that no caller is waiting on.
	backgroundRefreshTimeout = 30 * time.Second
)

type (
	// Resolution is a cached branch resolution. Stale marks a value served
	// from a previous successful fetch after a refresh failure.
	Resolution struct {
		Branch  string
		BuildID string
		Depots  []DepotRef
		Stale   bool
	}

	// branchEntry is the cached state for one branch.
	branchEntry struct {
		buildID   string
		depots    []DepotRef
		fetchedAt time.Time
	}

	// Cache is a time-boxed cache over a Resolver. Concurrent callers of an
	// expired entry share a single in-flight fetch; a refresh already in
	// progress is never re-entered. The cache holds no reference back to any
	// cached accessor: every fetch goes straight to the primitive Resolver.
	Cache struct {
		resolver Resolver
		ttl      time.Duration
		logger   *log.Logger
		now      func() time.Time

		group singleflight.Group

		mu         sync.Mutex
		branches   map[string]branchEntry
		refreshing map[string]bool
	}

	// CacheOption configures a Cache during construction.
	CacheOption func(*Cache)
)

// WithTTL overrides the default 5 minute TTL. Zero or negative values keep
// the default.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithLogger sets the structured logger used for refresh diagnostics.
func WithLogger(l *log.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// withClock overrides the time source; test seam.
func withClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache wraps a primitive Resolver. The resolver is passed top-down at
// construction; nothing is injected back into it afterwards.
func NewCache(resolver Resolver, opts ...CacheOption) *Cache {
	c := &Cache{
		resolver:   resolver,
		ttl:        DefaultTTL,
		logger:     log.Default(),
		now:        time.Now,
		branches:   map[string]branchEntry{},
		refreshing: map[string]bool{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the branch's current build and depot refs, served from
// cache when fresh. When a refresh fails and a previous successful fetch
// exists, that value is returned with Stale set instead of an error.
func (c *Cache) Resolve(ctx context.Context, branch string) (Resolution, error) {
	c.mu.Lock()
	entry, ok := c.branches[branch]
	age := c.now().Sub(entry.fetchedAt)
	c.mu.Unlock()

	if ok && age < c.ttl {
		if float64(age) >= float64(c.ttl)*refreshFraction {
			c.refreshInBackground(branch)
		}
		return Resolution{Branch: branch, BuildID: entry.buildID, Depots: entry.depots}, nil
	}

	fresh, err := c.fetchBranch(ctx, branch)
	if err != nil {
		if ok {
			// Last-known-good fallback with an explicit staleness flag.
			c.logger.Warn("catalog refresh failed, serving stale resolution",
				"branch", branch, "err", err)
			return Resolution{Branch: branch, BuildID: entry.buildID, Depots: entry.depots, Stale: true}, nil
		}
		return Resolution{}, err
	}
	return Resolution{Branch: branch, BuildID: fresh.buildID, Depots: fresh.depots}, nil
}

// ResolveDepotsForBranch returns the depot refs for a branch. When buildID is
// empty, the branch's current build is resolved first (through the cache).
// An explicit buildID bypasses the branch entry and resolves directly.
func (c *Cache) ResolveDepotsForBranch(ctx context.Context, branch, buildID string) ([]DepotRef, error) {
	if buildID == "" {
		res, err := c.Resolve(ctx, branch)
		if err != nil {
			return nil, err
		}
		return res.Depots, nil
	}
	return c.ResolveDepotsForBuild(ctx, buildID)
}

// ResolveDepotsForBuild resolves an explicit build's depot refs. Concurrent
// callers for the same build share one catalog call.
func (c *Cache) ResolveDepotsForBuild(ctx context.Context, buildID string) ([]DepotRef, error) {
	v, err, _ := c.group.Do("build:"+buildID, func() (any, error) {
		return c.resolver.DepotsForBuild(ctx, buildID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]DepotRef), nil
}

// CurrentBuildID returns the branch's current build ID, served from cache
// when fresh.
func (c *Cache) CurrentBuildID(ctx context.Context, branch string) (string, error) {
	res, err := c.Resolve(ctx, branch)
	if err != nil {
		return "", err
	}
	return res.BuildID, nil
}

// AllBranchBuildIDs returns the current build ID per branch. The result is
// not branch-entry cached, but concurrent callers share one catalog call.
func (c *Cache) AllBranchBuildIDs(ctx context.Context) (map[string]string, error) {
	v, err, _ := c.group.Do("branches", func() (any, error) {
		return c.resolver.AllBranchBuildIDs(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

// RecentBuilds passes a history query through to the resolver. History
// availability is reported as-is; nothing is fabricated from the cache.
func (c *Cache) RecentBuilds(ctx context.Context, branch string, maxCount int) (BuildHistory, error) {
	return c.resolver.RecentBuilds(ctx, branch, maxCount)
}

// Invalidate drops every cached entry immediately, regardless of TTL. Called
// on external catalog-changed signals.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.branches = map[string]branchEntry{}
}

// InvalidateBranch drops the cached entry for one branch.
func (c *Cache) InvalidateBranch(branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.branches, branch)
}

// fetchBranch performs the primitive two-step resolution (current build,
// then its depots) under single-flight, storing the result on success.
func (c *Cache) fetchBranch(ctx context.Context, branch string) (branchEntry, error) {
	v, err, _ := c.group.Do("branch:"+branch, func() (any, error) {
		buildID, err := c.resolver.CurrentBuildID(ctx, branch)
		if err != nil {
			return branchEntry{}, err
		}
		depots, err := c.resolver.DepotsForBuild(ctx, buildID)
		if err != nil {
			return branchEntry{}, fmt.Errorf("resolving depots for current build %s: %w", buildID, err)
		}

		entry := branchEntry{buildID: buildID, depots: depots, fetchedAt: c.now()}
		c.mu.Lock()
		c.branches[branch] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return branchEntry{}, err
	}
	return v.(branchEntry), nil
}

// refreshInBackground refreshes a still-fresh entry so it never expires
// under steady access. The refresh-in-progress flag prevents re-entrant
// refreshes from the same cache instance; failures keep the current entry
// and are only logged, since the caller already has a fresh-enough value.
func (c *Cache) refreshInBackground(branch string) {
	c.mu.Lock()
	if c.refreshing[branch] {
		c.mu.Unlock()
		return
	}
	c.refreshing[branch] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, branch)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()

		if _, err := c.fetchBranch(ctx, branch); err != nil {
			c.logger.Warn("background catalog refresh failed", "branch", branch, "err", err)
		}
	}()
}
