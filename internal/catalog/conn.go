// SPDX-License-Identifier: MPL-2.0

// Package catalog resolves branches and builds against the remote content
// distribution service.
//
// Conn is the uncached primitive client: it owns the long-lived session with
// the catalog API and performs one HTTP round-trip per call. Cache wraps a
// Conn (or any Resolver) with a TTL, background refresh, and single-flight
// deduplication; Watcher feeds external "catalog changed" signals into the
// cache. The cache only ever calls the primitive Resolver, never its own
// cached accessors.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// defaultConnectTimeout bounds a single connect/login round-trip.
	defaultConnectTimeout = 30 * time.Second

	// defaultMaxConnectAttempts bounds automatic reconnection.
	defaultMaxConnectAttempts = 3

	// maxJSONResponseBytes is the upper bound on API response size (10 MB).
	// Prevents unbounded memory consumption from malformed responses.
	maxJSONResponseBytes = 10 << 20
)

var (
	// ErrBuildNotFound is returned when the catalog has no record of the
	// requested build.
	ErrBuildNotFound = errors.New("build not found in catalog")

	// ErrBranchNotFound is returned when the catalog has no record of the
	// requested branch.
	ErrBranchNotFound = errors.New("branch not found in catalog")

	// ErrNotConnected is returned when a resolution call is made before
	// Connect succeeded and reconnection also failed.
	ErrNotConnected = errors.New("catalog connection not established")
)

type (
	// DepotRef pairs a depot with the manifest that fully specifies its
	// downloadable payload. A build may require one or more depot refs.
	DepotRef struct {
		DepotID    uint32 `json:"depot_id"`
		ManifestID string `json:"manifest_id"`
	}

	// BuildRecord is one entry of a branch's build history.
	BuildRecord struct {
		BuildID   string    `json:"build_id"`
		CreatedAt time.Time `json:"created_at"`
	}

	// BuildHistory is the result of a recent-builds query. When the remote
	// catalog exposes only the current build, Builds holds exactly that one
	// entry and HistoryAvailable is false; callers must render the flag
	// rather than fabricate history.
	BuildHistory struct {
		Builds           []BuildRecord
		HistoryAvailable bool
	}

	// Resolver is the uncached primitive fetch surface consumed by Cache.
	// *Conn implements it against the real catalog API.
	Resolver interface {
		CurrentBuildID(ctx context.Context, branch string) (string, error)
		AllBranchBuildIDs(ctx context.Context) (map[string]string, error)
		DepotsForBuild(ctx context.Context, buildID string) ([]DepotRef, error)
		RecentBuilds(ctx context.Context, branch string, maxCount int) (BuildHistory, error)
	}

	// Conn is a long-lived connection to the catalog API. Connect must
	// succeed before resolution calls; each resolution call re-establishes
	// the session automatically up to maxConnectAttempts when it has
	// lapsed.
	Conn struct {
		httpClient         *http.Client
		baseURL            string
		productID          string
		username           string
		secret             string
		userAgent          string
		connectTimeout     time.Duration
		maxConnectAttempts int

		mu           sync.Mutex
		sessionToken string
	}

	// ConnOption configures a Conn during construction.
	ConnOption func(*Conn)

	// sessionResponse is the JSON wire format for the session endpoint.
	sessionResponse struct {
		Token string `json:"token"`
	}

	// branchBuildResponse is the JSON wire format for current-build queries.
	branchBuildResponse struct {
		BuildID string `json:"build_id"`
	}

	// branchesResponse is the JSON wire format for the all-branches query.
	branchesResponse struct {
		Branches map[string]string `json:"branches"`
	}

	// depotsResponse is the JSON wire format for depot resolution.
	depotsResponse struct {
		Depots []DepotRef `json:"depots"`
	}

	// historyResponse is the JSON wire format for build history queries.
	historyResponse struct {
		Builds           []BuildRecord `json:"builds"`
		HistoryAvailable bool          `json:"history_available"`
	}
)

// WithHTTPClient sets a custom HTTP client, useful for tests or proxies.
func WithHTTPClient(c *http.Client) ConnOption {
	return func(cn *Conn) { cn.httpClient = c }
}

// WithBaseURL overrides the catalog API base URL, primarily for test servers.
func WithBaseURL(base string) ConnOption {
	return func(cn *Conn) { cn.baseURL = strings.TrimRight(base, "/") }
}

// WithCredentials sets the account used to open the catalog session.
func WithCredentials(username, secret string) ConnOption {
	return func(cn *Conn) {
		cn.username = username
		cn.secret = secret
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) ConnOption {
	return func(cn *Conn) { cn.userAgent = ua }
}

// WithConnectTimeout bounds a single connect attempt. Zero or negative
// values keep the 30s default.
func WithConnectTimeout(d time.Duration) ConnOption {
	return func(cn *Conn) {
		if d > 0 {
			cn.connectTimeout = d
		}
	}
}

// WithMaxConnectAttempts bounds automatic reconnection. Values below 1 keep
// the default.
func WithMaxConnectAttempts(n int) ConnOption {
	return func(cn *Conn) {
		if n >= 1 {
			cn.maxConnectAttempts = n
		}
	}
}

// NewConn creates a Conn for the given product. The connection is not
// established until Connect is called.
func NewConn(productID string, opts ...ConnOption) *Conn {
	c := &Conn{
		httpClient:         http.DefaultClient,
		baseURL:            "https://catalog.depotdock.dev",
		productID:          productID,
		userAgent:          "depotdock/dev",
		connectTimeout:     defaultConnectTimeout,
		maxConnectAttempts: defaultMaxConnectAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens a session with the catalog. Each attempt is bounded by the
// connect timeout; up to maxConnectAttempts attempts are made before the
// last error is returned.
func (c *Conn) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("connect canceled: %w", err)
		}
		if err := c.connectOnce(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("connecting to catalog after %d attempts: %w", c.maxConnectAttempts, lastErr)
}

// Connected reports whether a session token is currently held.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken != ""
}

// CurrentBuildID returns the branch's current build ID.
func (c *Conn) CurrentBuildID(ctx context.Context, branch string) (string, error) {
	var out branchBuildResponse
	path := fmt.Sprintf("/v1/products/%s/branches/%s/build", url.PathEscape(c.productID), url.PathEscape(branch))
	if err := c.getJSON(ctx, path, &out); err != nil {
		if errors.Is(err, errStatusNotFound) {
			return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return "", fmt.Errorf("resolving current build for %s: %w", branch, err)
	}
	return out.BuildID, nil
}

// AllBranchBuildIDs returns the current build ID for every branch of the
// product.
func (c *Conn) AllBranchBuildIDs(ctx context.Context) (map[string]string, error) {
	var out branchesResponse
	path := fmt.Sprintf("/v1/products/%s/branches", url.PathEscape(c.productID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("resolving branch builds: %w", err)
	}
	return out.Branches, nil
}

// DepotsForBuild returns the depot/manifest pairs that make up a build.
// Returns ErrBuildNotFound when the catalog has no record; retrying will not
// change a nonexistent record, so callers must not retry this error.
func (c *Conn) DepotsForBuild(ctx context.Context, buildID string) ([]DepotRef, error) {
	var out depotsResponse
	path := fmt.Sprintf("/v1/products/%s/builds/%s/depots", url.PathEscape(c.productID), url.PathEscape(buildID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		if errors.Is(err, errStatusNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, buildID)
		}
		return nil, fmt.Errorf("resolving depots for build %s: %w", buildID, err)
	}
	return out.Depots, nil
}

// RecentBuilds returns up to maxCount recent builds of a branch. The remote
// may expose only the current build; in that case the result holds that one
// entry and HistoryAvailable is false.
func (c *Conn) RecentBuilds(ctx context.Context, branch string, maxCount int) (BuildHistory, error) {
	var out historyResponse
	path := fmt.Sprintf("/v1/products/%s/branches/%s/history?limit=%d",
		url.PathEscape(c.productID), url.PathEscape(branch), maxCount)
	if err := c.getJSON(ctx, path, &out); err != nil {
		if errors.Is(err, errStatusNotFound) {
			return BuildHistory{}, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return BuildHistory{}, fmt.Errorf("resolving build history for %s: %w", branch, err)
	}

	builds := out.Builds
	if len(builds) > maxCount {
		builds = builds[:maxCount]
	}
	return BuildHistory{Builds: builds, HistoryAvailable: out.HistoryAvailable}, nil
}

// errStatusNotFound is an internal marker for 404 responses; public methods
// translate it to the appropriate sentinel.
var errStatusNotFound = errors.New("not found")

// connectOnce performs a single session handshake bounded by connectTimeout.
func (c *Conn) connectOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	body := strings.NewReader(url.Values{
		"username": {c.username},
		"secret":   {c.secret},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/session", body)
	if err != nil {
		return fmt.Errorf("creating session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opening session: unexpected status %d", resp.StatusCode)
	}

	var sr sessionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(&sr); err != nil {
		return fmt.Errorf("decoding session response: %w", err)
	}
	if sr.Token == "" {
		return errors.New("session response carried no token")
	}

	c.mu.Lock()
	c.sessionToken = sr.Token
	c.mu.Unlock()
	return nil
}

// ensureConnected re-establishes a lapsed session before a resolution call.
func (c *Conn) ensureConnected(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// getJSON performs an authenticated GET, decoding the JSON response into out.
// A 401 drops the session token and retries once through reconnection.
func (c *Conn) getJSON(ctx context.Context, path string, out any) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		c.mu.Lock()
		token := c.sessionToken
		c.mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return nil
		case http.StatusNotFound:
			resp.Body.Close()
			return errStatusNotFound
		case http.StatusUnauthorized:
			resp.Body.Close()
			// Session lapsed; drop the token and reconnect once.
			c.mu.Lock()
			c.sessionToken = ""
			c.mu.Unlock()
			if err := c.ensureConnected(ctx); err != nil {
				return err
			}
		default:
			resp.Body.Close()
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	}
	return ErrNotConnected
}
