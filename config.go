package refd

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = "localhost:9180"
	// DefaultMCPPath is the HTTP path the streamable MCP handler is mounted on.
	DefaultMCPPath = "/mcp"
	// DefaultFileTTL bounds how long a registered artifact stays downloadable.
	DefaultFileTTL = time.Hour
	// DefaultReapInterval sets the tick frequency for expired-artifact sweeps.
	DefaultReapInterval = 5 * time.Minute
	// DefaultConvertTimeout caps a single pandoc invocation.
	DefaultConvertTimeout = 2 * time.Minute
	// DefaultZoteroURL points at the local Zotero HTTP API.
	DefaultZoteroURL = "http://127.0.0.1:23119"
	// DefaultZoteroLibraryType selects the personal library unless configured otherwise.
	DefaultZoteroLibraryType = "user"
	// DefaultZoteroTimeout bounds individual Zotero API calls.
	DefaultZoteroTimeout = 10 * time.Second
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// SupportedFormats lists the export formats the builder accepts, in the order
// they are presented to callers.
var SupportedFormats = []string{"docx", "pdf"}

// DefaultFilesRoot returns the directory registered artifacts are staged
// under when no explicit files root is configured.
func DefaultFilesRoot() string {
	return filepath.Join(os.TempDir(), "refd-files")
}

// DefaultConfigDir returns the default configuration directory ($HOME/.refd,
// overridable through REFD_CONFIG_DIR).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("REFD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".refd"), nil
}
