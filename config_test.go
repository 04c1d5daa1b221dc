package refd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFilesRoot(t *testing.T) {
	if got := DefaultFilesRoot(); got != filepath.Join(os.TempDir(), "refd-files") {
		t.Fatalf("unexpected files root %q", got)
	}
}

func TestDefaultConfigDir(t *testing.T) {
	t.Setenv("REFD_CONFIG_DIR", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("home dir: %v", err)
	}
	dir, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if dir != filepath.Join(home, ".refd") {
		t.Fatalf("expected home config dir, got %q", dir)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	t.Setenv("REFD_CONFIG_DIR", "/etc/refd")
	dir, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if dir != "/etc/refd" {
		t.Fatalf("expected override, got %q", dir)
	}

	t.Setenv("REFD_CONFIG_DIR", "relative/refd")
	dir, err = DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if !filepath.IsAbs(dir) {
		t.Fatalf("expected absolute path, got %q", dir)
	}
}
