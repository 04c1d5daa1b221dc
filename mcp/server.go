package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/pslog"
	"pkt.systems/refd"
	"pkt.systems/refd/internal/styles"
	"pkt.systems/refd/internal/svcfields"
	"pkt.systems/refd/internal/version"
	"pkt.systems/refd/internal/zotero"
)

// Config controls the refd MCP server runtime behavior.
type Config struct {
	// Listen is the host:port the HTTP listener binds.
	Listen string
	// MCPPath is the route serving the MCP streamable HTTP transport.
	MCPPath string
	// PublicBaseURL prefixes download URLs handed to clients. Empty derives
	// http://<Listen>.
	PublicBaseURL string
	// FilesRoot is the directory holding registered artifacts.
	FilesRoot string
	// FileTTL bounds how long a download token stays valid.
	FileTTL time.Duration
	// DeleteAfterDownload makes tokens single-use.
	DeleteAfterDownload bool
	// ReapInterval spaces the expired-artifact sweeps.
	ReapInterval time.Duration
	// ConvertTimeout caps one pandoc invocation.
	ConvertTimeout time.Duration
	// PandocPath pins the pandoc binary. Empty means PATH lookup.
	PandocPath string
	// PDFEngine names the preferred PDF engine.
	PDFEngine string
	// PDFEnginePath pins the engine binary outside PATH.
	PDFEnginePath string
	// ZoteroURL is the Zotero API root (the desktop local API by default).
	ZoteroURL string
	// ZoteroAPIKey authenticates against the Zotero web API. The local API
	// ignores it.
	ZoteroAPIKey string
	// ZoteroLibraryID selects the library (0 for the local API).
	ZoteroLibraryID int
	// ZoteroLibraryType is "user" or "group".
	ZoteroLibraryType string
	// ZoteroTimeout bounds one Zotero API call.
	ZoteroTimeout time.Duration
	// StylesDir, when set, is a watched local directory of .csl files
	// consulted before the styles repository.
	StylesDir string
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics when set.
	MetricsListen string
	// PprofListen serves pprof when set.
	PprofListen string
}

// Server is the MCP service contract.
type Server interface {
	Run(context.Context) error
}

// NewServerRequest wraps constructor inputs.
type NewServerRequest struct {
	Config Config
	Logger pslog.Logger
}

type server struct {
	cfg          Config
	logger       pslog.Logger
	lifecycleLog pslog.Logger
	transportLog pslog.Logger
	toolsLog     pslog.Logger
	filesLog     pslog.Logger
	registry     *refd.Registry
	locator      *refd.Locator
	builder      *refd.Builder
	zotero       *zotero.Client
	styles       *styles.Store
	httpServer   *http.Server
	mcpHTTPPath  string
	tracing      bool
}

// NewServer constructs the refd MCP server.
func NewServer(req NewServerRequest) (Server, error) {
	cfg := req.Config
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logger := req.Logger
	if logger == nil {
		logger = pslog.NewStructured(context.Background(), os.Stderr).With("app", "refd")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		lifecycleLog: svcfields.WithSubsystem(logger, "server.lifecycle"),
		transportLog: svcfields.WithSubsystem(logger, "mcp.transport.http"),
		toolsLog:     svcfields.WithSubsystem(logger, "mcp.tools"),
		filesLog:     svcfields.WithSubsystem(logger, "files.http"),
		mcpHTTPPath:  cleanHTTPPath(cfg.MCPPath),
		tracing:      strings.TrimSpace(cfg.OTLPEndpoint) != "",
	}

	registry, err := refd.NewRegistry(refd.RegistryConfig{
		FilesRoot:           cfg.FilesRoot,
		TTL:                 cfg.FileTTL,
		DeleteAfterDownload: cfg.DeleteAfterDownload,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact registry: %w", err)
	}
	s.registry = registry

	s.locator = &refd.Locator{
		PandocPath:    cfg.PandocPath,
		PDFEngine:     cfg.PDFEngine,
		PDFEnginePath: cfg.PDFEnginePath,
	}

	builder, err := refd.NewBuilder(refd.BuilderConfig{
		Registry:       registry,
		Locator:        s.locator,
		PublicBaseURL:  cfg.PublicBaseURL,
		ConvertTimeout: cfg.ConvertTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("export builder: %w", err)
	}
	s.builder = builder

	zoteroClient, err := zotero.New(zotero.Config{
		BaseURL:     cfg.ZoteroURL,
		APIKey:      cfg.ZoteroAPIKey,
		LibraryID:   cfg.ZoteroLibraryID,
		LibraryType: cfg.ZoteroLibraryType,
		Timeout:     cfg.ZoteroTimeout,
		UserAgent:   "refd/" + version.Current(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	s.zotero = zoteroClient

	stylesStore, err := styles.New(styles.Config{
		LocalDir: cfg.StylesDir,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	s.styles = stylesStore

	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: s.buildMux(),
	}

	return s, nil
}

func (s *server) Run(ctx context.Context) error {
	s.lifecycleLog.Info("starting refd MCP server",
		"listen", s.cfg.Listen,
		"mcp_path", s.mcpHTTPPath,
		"files_root", s.registry.FilesRoot(),
		"file_ttl", s.registry.TTL(),
		"zotero_url", s.cfg.ZoteroURL,
	)

	telemetry, err := refd.SetupTelemetry(ctx, s.cfg.OTLPEndpoint, s.cfg.MetricsListen, s.cfg.PprofListen, s.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		if telemetry == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			s.lifecycleLog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	s.registry.StartSweeper(s.cfg.ReapInterval)
	defer s.registry.StopSweeper()
	defer func() {
		_ = s.styles.Close()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.lifecycleLog.Info("refd MCP server stopped")
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *server) buildMux() *http.ServeMux {
	mcpSrv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "refd",
		Version: version.Current(),
	}, &mcpsdk.ServerOptions{
		Instructions:       defaultServerInstructions(s.cfg),
		InitializedHandler: s.handleInitialized,
	})
	s.registerTools(mcpSrv)

	streamable := mcpsdk.NewStreamableHTTPHandler(func(_ *http.Request) *mcpsdk.Server {
		return mcpSrv
	}, nil)

	mux := http.NewServeMux()
	mux.Handle(s.mcpHTTPPath, s.wrap("mcp", s.transportLog, streamable))
	mux.Handle("/files/", s.wrap("files.get", s.filesLog, http.HandlerFunc(s.handleFileDownload)))
	mux.HandleFunc("/healthz", handleHealthz)
	return mux
}

func (s *server) registerTools(srv *mcpsdk.Server) {
	descriptions := buildToolDescriptions(s.cfg)
	desc := func(name string) string {
		description, ok := descriptions[name]
		if !ok {
			panic(fmt.Sprintf("missing MCP tool description for %q", name))
		}
		return description
	}

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolBuildExports,
		Description: desc(toolBuildExports),
	}, withStructuredToolErrors(s.handleBuildExportsTool))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolSearchItems,
		Description: desc(toolSearchItems),
	}, withStructuredToolErrors(s.handleSearchItemsTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolItemMetadata,
		Description: desc(toolItemMetadata),
	}, withStructuredToolErrors(s.handleItemMetadataTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolItemFulltext,
		Description: desc(toolItemFulltext),
	}, withStructuredToolErrors(s.handleItemFulltextTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolGetCollections,
		Description: desc(toolGetCollections),
	}, withStructuredToolErrors(s.handleGetCollectionsTool))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolExportBibliography,
		Description: desc(toolExportBibliography),
	}, withStructuredToolErrors(s.handleExportBibliographyTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolEnsureStyle,
		Description: desc(toolEnsureStyle),
	}, withStructuredToolErrors(s.handleEnsureStyleTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolEnsureYAMLCitations,
		Description: desc(toolEnsureYAMLCitations),
	}, withStructuredToolErrors(s.handleEnsureYAMLCitationsTool))
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolResolveCitekeys,
		Description: desc(toolResolveCitekeys),
	}, withStructuredToolErrors(s.handleResolveCitekeysTool))

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        toolHealth,
		Description: desc(toolHealth),
	}, withStructuredToolErrors(s.handleHealthTool))
}

func (s *server) handleInitialized(_ context.Context, req *mcpsdk.InitializedRequest) {
	if req == nil || req.Session == nil {
		return
	}
	s.transportLog.Debug("mcp session initialized", "session_id", req.Session.ID())
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func defaultServerInstructions(cfg Config) string {
	formats := strings.Join(refd.SupportedFormats, "/")
	ttl := cfg.FileTTL
	if ttl <= 0 {
		ttl = refd.DefaultFileTTL
	}
	tokenRule := "tokens stay valid for repeat downloads until expiry"
	if cfg.DeleteAfterDownload {
		tokenRule = "tokens are single-use; download each artifact exactly once"
	}
	return strings.TrimSpace(fmt.Sprintf(`
refd MCP server operating manual:
- Library reads: zotero_search_items for discovery, then zotero_item_metadata / zotero_item_fulltext by item key. zotero_get_collections lists collection keys.
- Export workflow: write Markdown, optionally fetch a bibliography (zotero_export_bibliography_content, csljson) and a style (zotero_ensure_style_content), then call zotero_build_exports_content with formats %s.
- Content-first: every tool takes content inline as strings; no tool reads or writes client paths.
- Artifacts: builds return download tokens and URLs under %s/files/. Fetch with curl within %s; %s.
- Citekeys: zotero_resolve_citekeys verifies keys via Better BibTeX, a provided bibliography, and Zotero item-key lookups.
- Front matter: zotero_ensure_yaml_citations_content keeps bibliography/csl/link-citations keys consistent before a build.
- Diagnostics: zotero_health reports pandoc, PDF engine, and Zotero availability plus process stats.
`, formats, strings.TrimRight(cfg.PublicBaseURL, "/"), ttl, tokenRule))
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = refd.DefaultListen
	}
	if strings.TrimSpace(cfg.MCPPath) == "" {
		cfg.MCPPath = refd.DefaultMCPPath
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		cfg.PublicBaseURL = "http://" + cfg.Listen
	}
	if strings.TrimSpace(cfg.FilesRoot) == "" {
		cfg.FilesRoot = refd.DefaultFilesRoot()
	}
	if cfg.FileTTL <= 0 {
		cfg.FileTTL = refd.DefaultFileTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = refd.DefaultReapInterval
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = refd.DefaultConvertTimeout
	}
	if strings.TrimSpace(cfg.ZoteroURL) == "" {
		cfg.ZoteroURL = refd.DefaultZoteroURL
	}
	if strings.TrimSpace(cfg.ZoteroLibraryType) == "" {
		cfg.ZoteroLibraryType = refd.DefaultZoteroLibraryType
	}
	if cfg.ZoteroTimeout <= 0 {
		cfg.ZoteroTimeout = refd.DefaultZoteroTimeout
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("listen address required")
	}
	switch cfg.ZoteroLibraryType {
	case "user", "group":
	default:
		return fmt.Errorf("zotero library type must be user or group, got %q", cfg.ZoteroLibraryType)
	}
	if cfg.ZoteroLibraryID < 0 {
		return fmt.Errorf("zotero library id must not be negative")
	}
	return nil
}

func cleanHTTPPath(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return refd.DefaultMCPPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
