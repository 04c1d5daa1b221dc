package refd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"
	"pkt.systems/refd/internal/bib"
	"pkt.systems/refd/internal/clock"
	"pkt.systems/refd/internal/exportname"
	"pkt.systems/refd/internal/svcfields"
)

// BuildRequest carries one conversion job. Formats are processed in the
// order given; a failed format never blocks its siblings.
type BuildRequest struct {
	// DocumentText is the Markdown source. A leading BOM is stripped and
	// CRLF/CR line endings are normalized before pandoc sees it.
	DocumentText string
	// Formats names the outputs to produce ("docx", "pdf").
	Formats []string
	// OutputBasename overrides the derived artifact basename.
	OutputBasename string
	// BibliographyContent is CSL JSON (string, array, or object with an
	// items array) or YAML bibliography text.
	BibliographyContent json.RawMessage
	// StyleContent is raw CSL XML written verbatim to the scratch dir.
	StyleContent string
	// UseCiteproc toggles --citeproc. Nil means true.
	UseCiteproc *bool
	// PDFEngine asks for a specific engine for this build.
	PDFEngine string
	// ExtraArgs are appended last so callers can override earlier flags.
	ExtraArgs []string
}

// ArtifactSummary is the caller-facing slice of a registered artifact.
type ArtifactSummary struct {
	Format      string
	Filename    string
	Token       string
	DownloadURL string
	Size        int64
}

// BuildResult reports what a build produced. It never carries file bytes;
// artifacts are fetched through their download URLs.
type BuildResult struct {
	Basename            string
	Artifacts           []ArtifactSummary
	Warnings            []string
	ChosenEngine        string
	ChosenEngineVersion string
	ExpiresAfter        time.Duration
	// ClientBuild is set instead of Artifacts when pandoc is missing on
	// the server.
	ClientBuild *ClientBuildKit
}

// BuilderConfig carries the collaborators for NewBuilder.
type BuilderConfig struct {
	// Registry takes ownership of finished outputs. Required.
	Registry *Registry
	// Locator resolves pandoc and the PDF engine. Nil means PATH-only.
	Locator *Locator
	// Runner executes pandoc. Nil selects ExecRunner.
	Runner Runner
	// PublicBaseURL prefixes download URLs, without a trailing slash.
	PublicBaseURL string
	// ConvertTimeout caps each pandoc invocation. Zero selects
	// DefaultConvertTimeout.
	ConvertTimeout time.Duration
	// Clock injects time for tests. Nil selects the wall clock.
	Clock clock.Clock
	// Logger receives build events. Nil disables logging.
	Logger pslog.Logger
}

// Builder turns Markdown into registered docx/pdf artifacts via pandoc.
type Builder struct {
	registry       *Registry
	locator        *Locator
	runner         Runner
	publicBaseURL  string
	convertTimeout time.Duration
	clock          clock.Clock
	logger         pslog.Logger
	metrics        *builderMetrics
}

// NewBuilder wires a Builder. The registry is the only required
// collaborator.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Registry == nil {
		return nil, errors.New("builder: registry required")
	}
	if cfg.Locator == nil {
		cfg.Locator = &Locator{}
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = DefaultConvertTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.Locator.Runner == nil {
		cfg.Locator.Runner = cfg.Runner
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if baseURL == "" {
		baseURL = "http://" + DefaultListen
	}
	builderLogger := svcfields.WithSubsystem(logger, "export.builder")
	return &Builder{
		registry:       cfg.Registry,
		locator:        cfg.Locator,
		runner:         cfg.Runner,
		publicBaseURL:  baseURL,
		convertTimeout: cfg.ConvertTimeout,
		clock:          cfg.Clock,
		logger:         builderLogger,
		metrics:        newBuilderMetrics(builderLogger),
	}, nil
}

// Build runs the requested conversions and registers every produced file.
// Validation failures and unusable bibliography content are errors; a
// missing pandoc yields a result carrying a ClientBuildKit; everything
// downstream of a started conversion degrades to per-format warnings.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	if len(req.Formats) == 0 {
		return nil, errors.New("no formats specified; provide at least one of: docx, pdf")
	}
	var bad []string
	for _, format := range req.Formats {
		if !slices.Contains(SupportedFormats, format) {
			bad = append(bad, format)
		}
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("unsupported formats: %s (supported: docx, pdf)", strings.Join(bad, ", "))
	}

	basename := exportname.Derive(req.DocumentText, req.OutputBasename)

	pandocPath, err := b.locator.Pandoc()
	if err != nil {
		var depErr *DependencyError
		if errors.As(err, &depErr) {
			b.logger.Warn("pandoc unavailable, returning client build kit", "detail", depErr.Detail)
			return &BuildResult{
				Basename:    basename,
				ClientBuild: newClientBuildKit(depErr.Error(), req, basename),
			}, nil
		}
		return nil, err
	}

	b.metrics.recordBuild(ctx)
	start := b.clock.Now()
	scratch := filepath.Join(os.TempDir(), "refd-export-"+xid.New().String())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	docPath := filepath.Join(scratch, "doc.md")
	if err := os.WriteFile(docPath, []byte(normalizeDocumentText(req.DocumentText)), 0o644); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}

	var bibPath string
	if hasJSONContent(req.BibliographyContent) {
		normalized, err := bib.NormalizeBibliography(req.BibliographyContent)
		if err != nil {
			return nil, fmt.Errorf("invalid bibliographyContent: %w", err)
		}
		bibPath = filepath.Join(scratch, "refs.json")
		if err := os.WriteFile(bibPath, []byte(normalized), 0o644); err != nil {
			return nil, fmt.Errorf("write bibliography: %w", err)
		}
	}
	var stylePath string
	if strings.TrimSpace(req.StyleContent) != "" {
		stylePath = filepath.Join(scratch, "style.csl")
		if err := os.WriteFile(stylePath, []byte(req.StyleContent), 0o644); err != nil {
			return nil, fmt.Errorf("write style: %w", err)
		}
	}

	useCiteproc := req.UseCiteproc == nil || *req.UseCiteproc
	var extraPath string
	if enginePath := strings.TrimSpace(b.locator.PDFEnginePath); enginePath != "" && fileExists(enginePath) {
		extraPath = filepath.Dir(enginePath)
	}

	var (
		artifacts    []ArtifactSummary
		warnings     []string
		chosenEngine string
	)
	for _, format := range req.Formats {
		filename := basename + "." + format
		outPath := filepath.Join(scratch, filename)
		args := []string{docPath, "-o", outPath}
		if useCiteproc {
			args = append(args, "--citeproc")
		}
		if format == "pdf" {
			engine, engineWarnings := b.locator.RenderEngine(req.PDFEngine)
			warnings = append(warnings, engineWarnings...)
			if engine != "" {
				args = append(args, "--pdf-engine="+engine)
				chosenEngine = engine
			}
		}
		if bibPath != "" {
			args = append(args, "--bibliography", bibPath)
		}
		if stylePath != "" {
			args = append(args, "--csl", stylePath)
		}
		args = append(args, req.ExtraArgs...)

		b.logger.Debug("pandoc invocation", "format", format, "command", pandocPath+" "+strings.Join(args, " "))
		runCtx, cancel := context.WithTimeout(ctx, b.convertTimeout)
		_, stderr, runErr := b.runner.Run(runCtx, pandocPath, args, extraPath)
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
		cancel()
		if runErr != nil {
			msg := strings.TrimSpace(stderr)
			switch {
			case timedOut:
				msg = fmt.Sprintf("pandoc %s conversion timed out after %s", format, b.convertTimeout)
			case msg == "":
				msg = fmt.Sprintf("pandoc failed for %s: %v", format, runErr)
			}
			b.logger.Warn("conversion failed", "format", format, "error", runErr)
			b.metrics.recordConversionFailure(ctx, format)
			warnings = append(warnings, msg)
			continue
		}

		info, statErr := os.Stat(outPath)
		if errors.Is(statErr, os.ErrNotExist) {
			b.metrics.recordConversionFailure(ctx, format)
			warnings = append(warnings, fmt.Sprintf("artifact %s missing at %s", format, outPath))
			continue
		}
		if statErr != nil {
			b.metrics.recordConversionFailure(ctx, format)
			warnings = append(warnings, fmt.Sprintf("artifact %s stat failed: %v", format, statErr))
			continue
		}

		entry, regErr := b.registry.Register(RegisterRequest{
			SourcePath: outPath,
			Filename:   filename,
			Size:       info.Size(),
			Format:     format,
		})
		if regErr != nil {
			b.logger.Error("artifact registration failed", "format", format, "error", regErr)
			warnings = append(warnings, fmt.Sprintf("artifact %s registration failed: %v", format, regErr))
			continue
		}
		artifacts = append(artifacts, ArtifactSummary{
			Format:      format,
			Filename:    entry.Filename,
			Token:       entry.Token,
			DownloadURL: b.publicBaseURL + "/files/" + entry.Token,
			Size:        entry.Size,
		})
	}

	var engineVersion string
	if chosenEngine != "" {
		engineVersion = b.locator.EngineVersion(ctx, chosenEngine)
	}
	b.logger.Info("export build finished",
		"formats", strings.Join(req.Formats, ","),
		"artifacts", len(artifacts),
		"warnings", len(warnings),
		"elapsed", b.clock.Now().Sub(start),
	)
	return &BuildResult{
		Basename:            basename,
		Artifacts:           artifacts,
		Warnings:            warnings,
		ChosenEngine:        chosenEngine,
		ChosenEngineVersion: engineVersion,
		ExpiresAfter:        b.registry.TTL(),
	}, nil
}

// normalizeDocumentText strips a leading UTF-8 BOM and folds CRLF/CR line
// endings to LF.
func normalizeDocumentText(text string) string {
	text = strings.TrimPrefix(text, "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// hasJSONContent reports whether a raw JSON value carries anything beyond
// absent or null.
func hasJSONContent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}
