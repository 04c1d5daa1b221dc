package refd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// PDFEngineCandidates lists the engines probed for PDF output, in preference
// order.
var PDFEngineCandidates = []string{"wkhtmltopdf", "weasyprint", "xelatex"}

// DependencyError reports a required external tool that could not be located.
// The builder turns it into a client build kit instead of failing the call.
type DependencyError struct {
	Tool   string
	Detail string
}

func (e *DependencyError) Error() string { return e.Detail }

// Locator resolves the external conversion toolchain from explicit
// configuration or the server PATH.
type Locator struct {
	// PandocPath points at the pandoc binary. Empty means PATH lookup.
	PandocPath string
	// PDFEngine names the preferred PDF engine (one of PDFEngineCandidates).
	PDFEngine string
	// PDFEnginePath points at the engine binary for hosts where the engine
	// is installed outside PATH.
	PDFEnginePath string
	// Runner executes --version probes. Nil disables version reporting.
	Runner Runner

	// lookPath stands in for exec.LookPath in tests.
	lookPath func(name string) (string, error)
}

// Pandoc resolves the pandoc binary. An explicitly configured path that does
// not exist is a *DependencyError rather than a silent PATH fallback.
func (l *Locator) Pandoc() (string, error) {
	if explicit := strings.TrimSpace(l.PandocPath); explicit != "" {
		if fileExists(explicit) {
			return explicit, nil
		}
		return "", &DependencyError{
			Tool:   "pandoc",
			Detail: fmt.Sprintf("REFD_PANDOC_PATH points to %s, but the file does not exist.", explicit),
		}
	}
	if found, err := l.look("pandoc"); err == nil {
		return found, nil
	}
	return "", &DependencyError{
		Tool:   "pandoc",
		Detail: "Pandoc not found on server. Install pandoc or set REFD_PANDOC_PATH to its location.",
	}
}

// RenderEngine picks the PDF engine for one invocation. The configured
// preference wins, then the caller's request, then the first available
// candidate. The returned name is empty when nothing could be found; the
// warnings explain what was skipped. Never fatal: pandoc is still invoked
// without --pdf-engine and reports its own failure.
func (l *Locator) RenderEngine(requested string) (string, []string) {
	var warnings []string

	enginePath := strings.TrimSpace(l.PDFEnginePath)
	enginePathExists := enginePath != "" && fileExists(enginePath)
	if enginePath != "" && !enginePathExists {
		warnings = append(warnings, fmt.Sprintf("REFD_PDF_ENGINE_PATH set to %s but the file does not exist.", enginePath))
	}
	configured := strings.TrimSpace(l.PDFEngine)
	requested = strings.TrimSpace(requested)

	pathSupports := func(name string) bool {
		if !enginePathExists {
			return false
		}
		if configured != "" {
			return configured == name
		}
		return strings.HasPrefix(strings.ToLower(filepath.Base(enginePath)), name)
	}
	available := func(name string) bool {
		if pathSupports(name) {
			return true
		}
		_, err := l.look(name)
		return err == nil
	}

	if slices.Contains(PDFEngineCandidates, configured) && available(configured) {
		return configured, warnings
	}
	if slices.Contains(PDFEngineCandidates, requested) && available(requested) {
		return requested, warnings
	}
	for _, candidate := range PDFEngineCandidates {
		if available(candidate) {
			return candidate, warnings
		}
	}
	warnings = append(warnings, "No PDF engine found (wkhtmltopdf/weasyprint/xelatex). Pandoc may fail to produce PDF.")
	return "", warnings
}

// EnginePath resolves the binary for a previously chosen engine name, or
// empty when it cannot be found anymore.
func (l *Locator) EnginePath(name string) string {
	if name == "" {
		return ""
	}
	enginePath := strings.TrimSpace(l.PDFEnginePath)
	if enginePath != "" && fileExists(enginePath) {
		configured := strings.TrimSpace(l.PDFEngine)
		if configured == name || (configured == "" && strings.HasPrefix(strings.ToLower(filepath.Base(enginePath)), name)) {
			return enginePath
		}
	}
	if found, err := l.look(name); err == nil {
		return found
	}
	return ""
}

// PandocVersion reports the first line of pandoc --version, or empty when
// pandoc or the runner is unavailable.
func (l *Locator) PandocVersion(ctx context.Context) string {
	path, err := l.Pandoc()
	if err != nil {
		return ""
	}
	return l.versionLine(ctx, path)
}

// EngineVersion reports the first line of <engine> --version.
func (l *Locator) EngineVersion(ctx context.Context, name string) string {
	path := l.EnginePath(name)
	if path == "" {
		return ""
	}
	return l.versionLine(ctx, path)
}

func (l *Locator) versionLine(ctx context.Context, path string) string {
	if l.Runner == nil {
		return ""
	}
	stdout, _, err := l.Runner.Run(ctx, path, []string{"--version"}, "")
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(stdout, "\n")
	return strings.TrimSpace(line)
}

func (l *Locator) look(name string) (string, error) {
	if l.lookPath != nil {
		return l.lookPath(name)
	}
	return exec.LookPath(name)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
