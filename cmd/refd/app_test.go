package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

// newTestRootCommand rebuilds the command tree against a clean global viper
// so bindings from earlier tests cannot leak.
func newTestRootCommand(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	return newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newTestRootCommand(t)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestServeBindingsResolveDefaults(t *testing.T) {
	_ = newTestRootCommand(t)

	cfg := serveConfigFromViper()
	if cfg.Listen != "localhost:9180" {
		t.Fatalf("expected default listen, got %q", cfg.Listen)
	}
	if cfg.MCPPath != "/mcp" {
		t.Fatalf("expected default mcp path, got %q", cfg.MCPPath)
	}
	if cfg.PublicBaseURL != "" || cfg.FilesRoot != "" {
		t.Fatalf("expected empty derive-me defaults, got %+v", cfg)
	}
	if cfg.FileTTL != time.Hour {
		t.Fatalf("expected 1h file ttl, got %s", cfg.FileTTL)
	}
	if cfg.ReapInterval != 5*time.Minute {
		t.Fatalf("expected 5m reap interval, got %s", cfg.ReapInterval)
	}
	if cfg.ConvertTimeout != 2*time.Minute {
		t.Fatalf("expected 2m convert timeout, got %s", cfg.ConvertTimeout)
	}
	if cfg.ZoteroURL != "http://127.0.0.1:23119" {
		t.Fatalf("expected local zotero url, got %q", cfg.ZoteroURL)
	}
	if cfg.ZoteroLibraryType != "user" || cfg.ZoteroLibraryID != 0 {
		t.Fatalf("expected user library 0, got %+v", cfg)
	}
	if cfg.ZoteroTimeout != 10*time.Second {
		t.Fatalf("expected 10s zotero timeout, got %s", cfg.ZoteroTimeout)
	}
	if cfg.DeleteAfterDownload {
		t.Fatalf("expected delete-after-download off by default")
	}
}

func TestServeBindingsHonorEnvironment(t *testing.T) {
	t.Setenv("REFD_LISTEN", "127.0.0.1:7777")
	t.Setenv("REFD_FILE_TTL", "30m")
	t.Setenv("REFD_DELETE_AFTER_DOWNLOAD", "true")
	t.Setenv("REFD_ZOTERO_LIBRARY_ID", "42")
	t.Setenv("REFD_ZOTERO_LIBRARY_TYPE", "group")
	t.Setenv("REFD_STYLES_DIR", "/srv/styles")
	_ = newTestRootCommand(t)

	cfg := serveConfigFromViper()
	if cfg.Listen != "127.0.0.1:7777" {
		t.Fatalf("expected env listen, got %q", cfg.Listen)
	}
	if cfg.FileTTL != 30*time.Minute {
		t.Fatalf("expected 30m file ttl, got %s", cfg.FileTTL)
	}
	if !cfg.DeleteAfterDownload {
		t.Fatalf("expected delete-after-download from env")
	}
	if cfg.ZoteroLibraryID != 42 || cfg.ZoteroLibraryType != "group" {
		t.Fatalf("expected group library 42, got %+v", cfg)
	}
	if cfg.StylesDir != "/srv/styles" {
		t.Fatalf("expected styles dir from env, got %q", cfg.StylesDir)
	}
}

func TestServeBindingsHonorFlags(t *testing.T) {
	cmd := newTestRootCommand(t)
	serveCmd, _, err := cmd.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	if err := serveCmd.Flags().Set("public-base-url", "https://docs.example.com"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if err := serveCmd.Flags().Set("convert-timeout", "45s"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg := serveConfigFromViper()
	if cfg.PublicBaseURL != "https://docs.example.com" {
		t.Fatalf("expected flag public base url, got %q", cfg.PublicBaseURL)
	}
	if cfg.ConvertTimeout != 45*time.Second {
		t.Fatalf("expected 45s convert timeout, got %s", cfg.ConvertTimeout)
	}
}

func TestLoadConfigFileExplicitMissing(t *testing.T) {
	t.Setenv("REFD_CONFIG_DIR", t.TempDir())
	_ = newTestRootCommand(t)
	viper.Set("config", filepath.Join(t.TempDir(), "nope.yaml"))

	if _, err := loadConfigFile(); err == nil || !strings.Contains(err.Error(), "config file") {
		t.Fatalf("expected missing explicit config error, got %v", err)
	}
}

func TestLoadConfigFileDefaultAbsent(t *testing.T) {
	t.Setenv("REFD_CONFIG_DIR", t.TempDir())
	_ = newTestRootCommand(t)

	path, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if path != "" {
		t.Fatalf("expected no config file, got %q", path)
	}
}

func TestLoadConfigFileDefaultLocation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("REFD_CONFIG_DIR", dir)
	content := "serve:\n  listen: 0.0.0.0:9999\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_ = newTestRootCommand(t)

	path, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if path != filepath.Join(dir, "config.yaml") {
		t.Fatalf("expected default config path, got %q", path)
	}
	if got := serveConfigFromViper().Listen; got != "0.0.0.0:9999" {
		t.Fatalf("expected listen from config file, got %q", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("home dir: %v", err)
	}
	got, err := expandPath("~/refd/config.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "refd", "config.yaml") {
		t.Fatalf("expected home expansion, got %q", got)
	}

	got, err = expandPath("relative/path")
	if err != nil {
		t.Fatalf("expand relative: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}

	got, err = expandPath("")
	if err != nil || got != "" {
		t.Fatalf("expected empty passthrough, got %q, %v", got, err)
	}
}

func TestRootCommandListsSubcommands(t *testing.T) {
	cmd := newTestRootCommand(t)
	want := map[string]bool{"serve": false, "config": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected subcommand %q, got %v", name, cmd.Commands())
		}
	}
}
