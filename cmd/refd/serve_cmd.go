package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/refd"
	"pkt.systems/refd/internal/svcfields"
	"pkt.systems/refd/mcp"
)

func newServeCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the refd MCP server",
		Long: `Serve the MCP streamable HTTP transport plus the /files download
endpoint and /healthz. Zotero is reached over its local HTTP API; pandoc and
a PDF engine are located on demand, so the server starts fine without them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			cliLogger := svcfields.WithSubsystem(baseLogger, "cli.serve")
			svcfields.WithSubsystem(baseLogger, "server.lifecycle.init").Info(
				"welcome to refd",
				"app", "refd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			srv, err := mcp.NewServer(mcp.NewServerRequest{
				Config: serveConfigFromViper(),
				Logger: baseLogger,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", refd.DefaultListen, "listen address for the MCP and files endpoints")
	flags.String("mcp-path", refd.DefaultMCPPath, "HTTP path serving the MCP streamable transport")
	flags.String("public-base-url", "", "base URL prefixing download links (empty derives http://<listen>)")
	flags.String("files-root", "", "directory holding downloadable artifacts (empty uses <os temp>/refd-files)")
	flags.Duration("file-ttl", refd.DefaultFileTTL, "lifetime of a download token")
	flags.Bool("delete-after-download", false, "make download tokens single-use")
	flags.Duration("reap-interval", refd.DefaultReapInterval, "sweep interval for expired artifacts")
	flags.Duration("convert-timeout", refd.DefaultConvertTimeout, "maximum duration of one pandoc invocation")
	flags.String("pandoc-path", "", "pandoc binary (empty searches PATH)")
	flags.String("pdf-engine", "", "preferred PDF engine (wkhtmltopdf, weasyprint, or xelatex; empty auto-detects)")
	flags.String("pdf-engine-path", "", "PDF engine binary outside PATH")
	flags.String("zotero-url", refd.DefaultZoteroURL, "Zotero API root")
	flags.String("zotero-api-key", "", "Zotero web API key (the local API ignores it)")
	flags.Int("zotero-library-id", 0, "Zotero library id (0 for the local API)")
	flags.String("zotero-library-type", refd.DefaultZoteroLibraryType, "Zotero library type (user or group)")
	flags.Duration("zotero-timeout", refd.DefaultZoteroTimeout, "timeout per Zotero API call")
	flags.String("styles-dir", "", "watched local directory of .csl styles consulted before the styles repository")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317; empty disables tracing)")
	flags.String("metrics-listen", refd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", refd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")

	for _, binding := range serveBindings {
		mustBindServeFlag(binding.key, binding.env, flags.Lookup(binding.flag))
	}

	return cmd
}

// serveBindings ties every serve option to its viper key and environment
// variable. The config file nests them under "serve:".
var serveBindings = []struct {
	key  string
	env  string
	flag string
}{
	{"serve.listen", "REFD_LISTEN", "listen"},
	{"serve.mcp-path", "REFD_MCP_PATH", "mcp-path"},
	{"serve.public-base-url", "REFD_PUBLIC_BASE_URL", "public-base-url"},
	{"serve.files-root", "REFD_FILES_ROOT", "files-root"},
	{"serve.file-ttl", "REFD_FILE_TTL", "file-ttl"},
	{"serve.delete-after-download", "REFD_DELETE_AFTER_DOWNLOAD", "delete-after-download"},
	{"serve.reap-interval", "REFD_REAP_INTERVAL", "reap-interval"},
	{"serve.convert-timeout", "REFD_CONVERT_TIMEOUT", "convert-timeout"},
	{"serve.pandoc-path", "REFD_PANDOC_PATH", "pandoc-path"},
	{"serve.pdf-engine", "REFD_PDF_ENGINE", "pdf-engine"},
	{"serve.pdf-engine-path", "REFD_PDF_ENGINE_PATH", "pdf-engine-path"},
	{"serve.zotero-url", "REFD_ZOTERO_URL", "zotero-url"},
	{"serve.zotero-api-key", "REFD_ZOTERO_API_KEY", "zotero-api-key"},
	{"serve.zotero-library-id", "REFD_ZOTERO_LIBRARY_ID", "zotero-library-id"},
	{"serve.zotero-library-type", "REFD_ZOTERO_LIBRARY_TYPE", "zotero-library-type"},
	{"serve.zotero-timeout", "REFD_ZOTERO_TIMEOUT", "zotero-timeout"},
	{"serve.styles-dir", "REFD_STYLES_DIR", "styles-dir"},
	{"serve.otlp-endpoint", "REFD_OTLP_ENDPOINT", "otlp-endpoint"},
	{"serve.metrics-listen", "REFD_METRICS_LISTEN", "metrics-listen"},
	{"serve.pprof-listen", "REFD_PPROF_LISTEN", "pprof-listen"},
}

// mustBindServeFlag wires flag, viper key, and environment variable together.
func mustBindServeFlag(viperKey, envVar string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for %s not found", viperKey))
	}
	if err := viper.BindPFlag(viperKey, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(viperKey, envVar); err != nil {
		panic(err)
	}
}

func serveConfigFromViper() mcp.Config {
	return mcp.Config{
		Listen:              viper.GetString("serve.listen"),
		MCPPath:             viper.GetString("serve.mcp-path"),
		PublicBaseURL:       viper.GetString("serve.public-base-url"),
		FilesRoot:           viper.GetString("serve.files-root"),
		FileTTL:             viper.GetDuration("serve.file-ttl"),
		DeleteAfterDownload: viper.GetBool("serve.delete-after-download"),
		ReapInterval:        viper.GetDuration("serve.reap-interval"),
		ConvertTimeout:      viper.GetDuration("serve.convert-timeout"),
		PandocPath:          viper.GetString("serve.pandoc-path"),
		PDFEngine:           viper.GetString("serve.pdf-engine"),
		PDFEnginePath:       viper.GetString("serve.pdf-engine-path"),
		ZoteroURL:           viper.GetString("serve.zotero-url"),
		ZoteroAPIKey:        viper.GetString("serve.zotero-api-key"),
		ZoteroLibraryID:     viper.GetInt("serve.zotero-library-id"),
		ZoteroLibraryType:   viper.GetString("serve.zotero-library-type"),
		ZoteroTimeout:       viper.GetDuration("serve.zotero-timeout"),
		StylesDir:           viper.GetString("serve.styles-dir"),
		OTLPEndpoint:        viper.GetString("serve.otlp-endpoint"),
		MetricsListen:       viper.GetString("serve.metrics-listen"),
		PprofListen:         viper.GetString("serve.pprof-listen"),
	}
}
