// SPDX-License-Identifier: MPL-2.0

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newCatalogServer spins up a fake catalog API. Branch "public" has build
// 1000 with two depots; branch "alt" exposes no deep history.
func newCatalogServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var sessions atomic.Int64
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/session", func(w http.ResponseWriter, r *http.Request) {
		sessions.Add(1)
		writeJSON(t, w, map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("GET /v1/products/prod/branches", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"branches": map[string]string{"public": "1000", "alt": "2000"}})
	})
	mux.HandleFunc("GET /v1/products/prod/branches/public/build", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"build_id": "1000"})
	})
	mux.HandleFunc("GET /v1/products/prod/builds/1000/depots", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"depots": []DepotRef{
			{DepotID: 10, ManifestID: "100"},
			{DepotID: 11, ManifestID: "101"},
		}})
	})
	mux.HandleFunc("GET /v1/products/prod/branches/alt/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"builds":            []BuildRecord{{BuildID: "2000", CreatedAt: time.Now().UTC()}},
			"history_available": false,
		})
	})
	// Everything else is unknown to the catalog.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &sessions
}

func newTestConn(t *testing.T, srv *httptest.Server, opts ...ConnOption) *Conn {
	t.Helper()

	base := []ConnOption{
		WithBaseURL(srv.URL),
		WithCredentials("tester", "hunter2"),
	}
	return NewConn("prod", append(base, opts...)...)
}

func TestConn_ResolvesDepotsForBuild(t *testing.T) {
	t.Parallel()

	srv, _ := newCatalogServer(t)
	conn := newTestConn(t, srv)

	depots, err := conn.DepotsForBuild(context.Background(), "1000")
	if err != nil {
		t.Fatalf("DepotsForBuild() error = %v", err)
	}
	want := []DepotRef{{DepotID: 10, ManifestID: "100"}, {DepotID: 11, ManifestID: "101"}}
	if len(depots) != len(want) {
		t.Fatalf("got %d depots, want %d", len(depots), len(want))
	}
	for i := range want {
		if depots[i] != want[i] {
			t.Errorf("depot[%d] = %+v, want %+v", i, depots[i], want[i])
		}
	}
}

func TestConn_BuildNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newCatalogServer(t)
	conn := newTestConn(t, srv)

	_, err := conn.DepotsForBuild(context.Background(), "9999")
	if !errors.Is(err, ErrBuildNotFound) {
		t.Fatalf("DepotsForBuild() error = %v, want ErrBuildNotFound", err)
	}
}

func TestConn_BranchNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newCatalogServer(t)
	conn := newTestConn(t, srv)

	_, err := conn.CurrentBuildID(context.Background(), "nightly")
	if !errors.Is(err, ErrBranchNotFound) {
		t.Fatalf("CurrentBuildID() error = %v, want ErrBranchNotFound", err)
	}
}

func TestConn_RecentBuilds_HistoryUnavailable(t *testing.T) {
	t.Parallel()

	srv, _ := newCatalogServer(t)
	conn := newTestConn(t, srv)

	hist, err := conn.RecentBuilds(context.Background(), "alt", 10)
	if err != nil {
		t.Fatalf("RecentBuilds() error = %v", err)
	}
	if hist.HistoryAvailable {
		t.Error("HistoryAvailable = true, want false")
	}
	if len(hist.Builds) != 1 {
		t.Fatalf("got %d builds, want exactly the current one", len(hist.Builds))
	}
	if hist.Builds[0].BuildID != "2000" {
		t.Errorf("build = %q, want 2000", hist.Builds[0].BuildID)
	}
}

func TestConn_ConnectsLazilyOnce(t *testing.T) {
	t.Parallel()

	srv, sessions := newCatalogServer(t)
	conn := newTestConn(t, srv)

	ctx := context.Background()
	if _, err := conn.CurrentBuildID(ctx, "public"); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.AllBranchBuildIDs(ctx); err != nil {
		t.Fatal(err)
	}

	if got := sessions.Load(); got != 1 {
		t.Errorf("session handshakes = %d, want 1", got)
	}
}

func TestConn_ReconnectsOnExpiredSession(t *testing.T) {
	t.Parallel()

	var sessions atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", func(w http.ResponseWriter, r *http.Request) {
		sessions.Add(1)
		writeJSON(t, w, map[string]string{"token": "tok"})
	})
	mux.HandleFunc("GET /v1/products/prod/branches/public/build", func(w http.ResponseWriter, r *http.Request) {
		// First resolution call is rejected to simulate a lapsed session.
		if sessions.Load() < 2 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(t, w, map[string]string{"build_id": "1000"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn := newTestConn(t, srv)
	id, err := conn.CurrentBuildID(context.Background(), "public")
	if err != nil {
		t.Fatalf("CurrentBuildID() error = %v", err)
	}
	if id != "1000" {
		t.Errorf("build = %q, want 1000", id)
	}
	if got := sessions.Load(); got != 2 {
		t.Errorf("session handshakes = %d, want 2 (initial + reconnect)", got)
	}
}

func TestConn_ConnectAttemptsBounded(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	conn := newTestConn(t, srv, WithMaxConnectAttempts(3))
	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() succeeded against a broken catalog")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
}

func TestConn_ConnectTimeoutBounds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server observes the client abort and
		// cancels the request context; otherwise Close hangs in cleanup.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	conn := newTestConn(t, srv,
		WithConnectTimeout(50*time.Millisecond),
		WithMaxConnectAttempts(1),
	)

	start := time.Now()
	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() succeeded against a hanging catalog")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect() hung for %v instead of honoring the timeout", elapsed)
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}
