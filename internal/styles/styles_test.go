package styles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetLocalDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	content := `<style xmlns="http://purl.org/net/xbiblio/csl">apa</style>`
	if err := os.WriteFile(filepath.Join(dir, "apa.csl"), []byte(content), 0o644); err != nil {
		t.Fatalf("write style: %v", err)
	}
	store := newTestStore(t, Config{LocalDir: dir})

	result, err := store.Get(context.Background(), "apa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.Source != "local" {
		t.Fatalf("expected local source, got %q", result.Source)
	}
	if result.Content != content {
		t.Fatalf("unexpected content %q", result.Content)
	}
	sum := sha256.Sum256([]byte(content))
	if result.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected digest %q", result.SHA256)
	}

	result, err = store.Get(context.Background(), "apa")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if result.Source != "cache" {
		t.Fatalf("expected cache source on repeat, got %q", result.Source)
	}

	// The explicit .csl suffix maps to the same cache entry.
	result, err = store.Get(context.Background(), "apa.csl")
	if err != nil {
		t.Fatalf("get with suffix: %v", err)
	}
	if result.Source != "cache" || result.Content != content {
		t.Fatalf("expected cached entry for suffixed id, got %+v", result)
	}
}

func TestGetRemote(t *testing.T) {
	t.Parallel()
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/chicago-author-date.csl" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"abc123"`)
		w.Write([]byte("<style>chicago</style>"))
	}))
	t.Cleanup(srv.Close)
	store := newTestStore(t, Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

	result, err := store.Get(context.Background(), "chicago-author-date")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.Source != "remote" {
		t.Fatalf("expected remote source, got %q", result.Source)
	}
	if result.Content != "<style>chicago</style>" {
		t.Fatalf("unexpected content %q", result.Content)
	}
	if result.ETag != `"abc123"` {
		t.Fatalf("expected upstream etag, got %q", result.ETag)
	}

	result, err = store.Get(context.Background(), "chicago-author-date")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if result.Source != "cache" {
		t.Fatalf("expected cache source on repeat, got %q", result.Source)
	}
	if requests != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", requests)
	}
}

func TestGetDirectURL(t *testing.T) {
	t.Parallel()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("<style>custom</style>"))
	}))
	t.Cleanup(srv.Close)
	// A URL reference bypasses the local directory entirely.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "custom.csl"), []byte("local copy"), 0o644); err != nil {
		t.Fatalf("write style: %v", err)
	}
	store := newTestStore(t, Config{LocalDir: dir, HTTPClient: srv.Client()})

	result, err := store.Get(context.Background(), srv.URL+"/styles/custom.csl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotPath != "/styles/custom.csl" {
		t.Fatalf("expected URL fetched as-is, got path %q", gotPath)
	}
	if result.Source != "remote" || result.Content != "<style>custom</style>" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestGetValidation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, Config{})
	if _, err := store.Get(context.Background(), "   "); err == nil || err.Error() != "styles: style id or URL required" {
		t.Fatalf("expected required error, got %v", err)
	}
}

func TestGetRemoteNotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	t.Cleanup(srv.Close)
	store := newTestStore(t, Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

	_, err := store.Get(context.Background(), "no-such-style")
	if err == nil || !strings.Contains(err.Error(), "404 Not Found") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestMissingLocalDirDisablesLocal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<style>remote</style>"))
	}))
	t.Cleanup(srv.Close)
	store := newTestStore(t, Config{
		BaseURL:    srv.URL,
		LocalDir:   filepath.Join(t.TempDir(), "does-not-exist"),
		HTTPClient: srv.Client(),
	})

	result, err := store.Get(context.Background(), "apa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.Source != "remote" {
		t.Fatalf("expected remote fallthrough, got %q", result.Source)
	}
}

func TestWatcherInvalidatesCache(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "apa.csl")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("write style: %v", err)
	}
	store := newTestStore(t, Config{LocalDir: dir})

	result, err := store.Get(context.Background(), "apa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.Content != "old" || result.Source != "local" {
		t.Fatalf("unexpected first read %+v", result)
	}

	if err := os.WriteFile(path, []byte("new"), 0o644); err != nil {
		t.Fatalf("rewrite style: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		result, err = store.Get(context.Background(), "apa")
		if err != nil {
			t.Fatalf("get after rewrite: %v", err)
		}
		if result.Content == "new" {
			if result.Source != "local" {
				t.Fatalf("expected local re-read, got %q", result.Source)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never invalidated, still %+v", result)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, Config{LocalDir: t.TempDir()})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
