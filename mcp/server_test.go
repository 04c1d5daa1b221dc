package mcp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/refd"
)

// newTestServer builds a server with test-friendly defaults: a throwaway
// files root and a discarding logger. Callers reach handlers directly on the
// returned *server.
func newTestServer(t *testing.T, cfg Config) *server {
	t.Helper()
	if strings.TrimSpace(cfg.FilesRoot) == "" {
		cfg.FilesRoot = t.TempDir()
	}
	srv, err := NewServer(NewServerRequest{
		Config: cfg,
		Logger: pslog.NewStructured(context.Background(), io.Discard),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s := srv.(*server)
	t.Cleanup(func() { _ = s.styles.Close() })
	return s
}

// newZoteroStub serves canned responses for the Zotero API routes a test
// needs. Unregistered routes answer 404, which the client maps to its
// not-found errors.
func newZoteroStub(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func jsonResponse(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	applyDefaults(&cfg)

	if cfg.Listen != refd.DefaultListen {
		t.Fatalf("expected default listen %q, got %q", refd.DefaultListen, cfg.Listen)
	}
	if cfg.MCPPath != refd.DefaultMCPPath {
		t.Fatalf("expected default mcp path %q, got %q", refd.DefaultMCPPath, cfg.MCPPath)
	}
	if want := "http://" + refd.DefaultListen; cfg.PublicBaseURL != want {
		t.Fatalf("expected public base url %q, got %q", want, cfg.PublicBaseURL)
	}
	if cfg.FilesRoot == "" {
		t.Fatal("expected a files root default")
	}
	if cfg.FileTTL != refd.DefaultFileTTL {
		t.Fatalf("expected file ttl %v, got %v", refd.DefaultFileTTL, cfg.FileTTL)
	}
	if cfg.ReapInterval != refd.DefaultReapInterval {
		t.Fatalf("expected reap interval %v, got %v", refd.DefaultReapInterval, cfg.ReapInterval)
	}
	if cfg.ConvertTimeout != refd.DefaultConvertTimeout {
		t.Fatalf("expected convert timeout %v, got %v", refd.DefaultConvertTimeout, cfg.ConvertTimeout)
	}
	if cfg.ZoteroURL != refd.DefaultZoteroURL {
		t.Fatalf("expected zotero url %q, got %q", refd.DefaultZoteroURL, cfg.ZoteroURL)
	}
	if cfg.ZoteroLibraryType != refd.DefaultZoteroLibraryType {
		t.Fatalf("expected library type %q, got %q", refd.DefaultZoteroLibraryType, cfg.ZoteroLibraryType)
	}
	if cfg.ZoteroTimeout != refd.DefaultZoteroTimeout {
		t.Fatalf("expected zotero timeout %v, got %v", refd.DefaultZoteroTimeout, cfg.ZoteroTimeout)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Listen:            "127.0.0.1:19180",
		MCPPath:           "/tools",
		PublicBaseURL:     "https://refd.example.com",
		FileTTL:           15 * time.Minute,
		ZoteroURL:         "http://127.0.0.1:23120",
		ZoteroLibraryType: "group",
	}
	applyDefaults(&cfg)

	if cfg.Listen != "127.0.0.1:19180" {
		t.Fatalf("listen overwritten: %q", cfg.Listen)
	}
	if cfg.MCPPath != "/tools" {
		t.Fatalf("mcp path overwritten: %q", cfg.MCPPath)
	}
	if cfg.PublicBaseURL != "https://refd.example.com" {
		t.Fatalf("public base url overwritten: %q", cfg.PublicBaseURL)
	}
	if cfg.FileTTL != 15*time.Minute {
		t.Fatalf("file ttl overwritten: %v", cfg.FileTTL)
	}
	if cfg.ZoteroURL != "http://127.0.0.1:23120" {
		t.Fatalf("zotero url overwritten: %q", cfg.ZoteroURL)
	}
	if cfg.ZoteroLibraryType != "group" {
		t.Fatalf("library type overwritten: %q", cfg.ZoteroLibraryType)
	}
}

func TestValidateConfigRejectsBadLibraryType(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	applyDefaults(&cfg)
	cfg.ZoteroLibraryType = "shared"
	err := validateConfig(cfg)
	if err == nil {
		t.Fatal("expected error for invalid library type")
	}
	if !strings.Contains(err.Error(), `"shared"`) {
		t.Fatalf("expected error naming the bad type, got %v", err)
	}
}

func TestValidateConfigRejectsNegativeLibraryID(t *testing.T) {
	t.Parallel()

	cfg := Config{ZoteroLibraryID: -7}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected error for negative library id")
	}
}

func TestCleanHTTPPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", refd.DefaultMCPPath},
		{"  ", refd.DefaultMCPPath},
		{"mcp", "/mcp"},
		{"/mcp", "/mcp"},
		{"/mcp/", "/mcp"},
		{"/a/../b", "/b"},
	}
	for _, tc := range tests {
		if got := cleanHTTPPath(tc.in); got != tc.want {
			t.Fatalf("cleanHTTPPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewServerRejectsInvalidLibraryType(t *testing.T) {
	t.Parallel()

	_, err := NewServer(NewServerRequest{
		Config: Config{
			FilesRoot:         t.TempDir(),
			ZoteroLibraryType: "shared",
		},
		Logger: pslog.NewStructured(context.Background(), io.Discard),
	})
	if err == nil {
		t.Fatal("expected NewServer to reject invalid library type")
	}
}

func TestDefaultServerInstructionsMentionWorkflow(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	applyDefaults(&cfg)
	instructions := defaultServerInstructions(cfg)

	for _, want := range []string{
		toolSearchItems,
		toolBuildExports,
		toolResolveCitekeys,
		"/files/",
		"Content-first",
	} {
		if !strings.Contains(instructions, want) {
			t.Fatalf("instructions missing %q:\n%s", want, instructions)
		}
	}
}

func TestDefaultServerInstructionsReflectTokenRule(t *testing.T) {
	t.Parallel()

	cfg := Config{DeleteAfterDownload: true}
	applyDefaults(&cfg)
	if got := defaultServerInstructions(cfg); !strings.Contains(got, "single-use") {
		t.Fatalf("expected single-use token rule, got:\n%s", got)
	}

	cfg = Config{}
	applyDefaults(&cfg)
	if got := defaultServerInstructions(cfg); !strings.Contains(got, "repeat downloads") {
		t.Fatalf("expected repeat-download token rule, got:\n%s", got)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	ts := httptest.NewServer(s.buildMux())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
