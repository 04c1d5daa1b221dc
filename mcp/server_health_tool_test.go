package mcp

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

// stubRunner answers --version probes per binary path without executing
// anything.
type stubRunner struct {
	versions map[string]string
	err      error
}

func (r stubRunner) Run(_ context.Context, path string, _ []string, _ string) (string, string, error) {
	if r.err != nil {
		return "", "", r.err
	}
	return r.versions[path], "", nil
}

func writeFakeBinary(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestHandleHealthTool(t *testing.T) {
	t.Parallel()

	pandocPath := writeFakeBinary(t, "pandoc")
	enginePath := writeFakeBinary(t, "weasyprint")
	stub := newZoteroStub(t, map[string]http.HandlerFunc{
		"/api/users/0/items": jsonResponse(`[]`),
	})

	s := newTestServer(t, Config{
		PandocPath:    pandocPath,
		PDFEngine:     "weasyprint",
		PDFEnginePath: enginePath,
		ZoteroURL:     stub.URL,
		FileTTL:       30 * time.Minute,
	})
	s.locator.Runner = stubRunner{versions: map[string]string{
		pandocPath: "pandoc 3.1.9\nFeatures: +server +lua",
		enginePath: "WeasyPrint version 61.2",
	}}
	registerTestArtifact(t, s, "pdf bytes", "paper.pdf", "pdf")

	_, out, err := s.handleHealthTool(context.Background(), nil, healthInput{})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if out.Pandoc != pandocPath {
		t.Fatalf("expected pandoc path %q, got %q", pandocPath, out.Pandoc)
	}
	if out.PandocVersion != "pandoc 3.1.9" {
		t.Fatalf("expected first version line, got %q", out.PandocVersion)
	}
	if out.PDFEngine != "weasyprint" {
		t.Fatalf("expected configured engine, got %q", out.PDFEngine)
	}
	if out.PDFEngineVersion != "WeasyPrint version 61.2" {
		t.Fatalf("unexpected engine version: %q", out.PDFEngineVersion)
	}
	if len(out.PDFEngineWarnings) != 0 {
		t.Fatalf("unexpected engine warnings: %v", out.PDFEngineWarnings)
	}
	if !out.ZoteroReachable || out.ZoteroError != "" {
		t.Fatalf("expected zotero reachable, got %+v", out)
	}
	if out.ZoteroURL != stub.URL {
		t.Fatalf("unexpected zotero url: %q", out.ZoteroURL)
	}
	if out.FilesRoot != s.registry.FilesRoot() {
		t.Fatalf("unexpected files root: %q", out.FilesRoot)
	}
	if out.FileTTLSeconds != 1800 {
		t.Fatalf("expected ttl 1800s, got %d", out.FileTTLSeconds)
	}
	if out.RegistrySize != 1 {
		t.Fatalf("expected registry size 1, got %d", out.RegistrySize)
	}
	if out.DeleteAfterDownload {
		t.Fatal("expected delete-after-download off")
	}
	if out.PID != os.Getpid() {
		t.Fatalf("expected own pid, got %d", out.PID)
	}
	if matched := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`).MatchString(out.Now); !matched {
		t.Fatalf("unexpected timestamp format: %q", out.Now)
	}
	if out.LatencyMs < 0 {
		t.Fatalf("negative latency: %v", out.LatencyMs)
	}
}

func TestHandleHealthToolMissingPandoc(t *testing.T) {
	t.Parallel()

	stub := newZoteroStub(t, nil)
	s := newTestServer(t, Config{
		PandocPath: "/nonexistent/pandoc-bin",
		ZoteroURL:  stub.URL,
	})

	_, out, err := s.handleHealthTool(context.Background(), nil, healthInput{})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if out.Pandoc != "missing:/nonexistent/pandoc-bin" {
		t.Fatalf("expected explicit missing marker, got %q", out.Pandoc)
	}
	if out.PandocVersion != "unknown" {
		t.Fatalf("expected unknown version, got %q", out.PandocVersion)
	}
	if out.ZoteroReachable {
		t.Fatal("expected zotero unreachable against an empty stub")
	}
	if out.ZoteroError == "" {
		t.Fatal("expected a zotero error message")
	}
}
