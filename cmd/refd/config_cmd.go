package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/refd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage refd configuration files",
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.refd/" + refd.DefaultConfigFileName
	if dir, err := refd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, refd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := refd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, refd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file, environment, and defaults merged)",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if configFile != "" {
				fmt.Fprintf(out, "# config file: %s\n", configFile)
			}
			data, err := effectiveConfigYAML()
			if err != nil {
				return err
			}
			if _, err := out.Write(data); err != nil {
				return err
			}
			if usage := filesRootUsageLine(); usage != "" {
				fmt.Fprintln(out, usage)
			}
			return nil
		},
	}
	return cmd
}

type configOption struct {
	key     string
	value   *yaml.Node
	comment string
}

func strNode(value string) *yaml.Node {
	node := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
	if value == "" {
		node.Style = yaml.DoubleQuotedStyle
	}
	return node
}

func boolNode(value bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(value)}
}

func intNode(value int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(value)}
}

func renderConfigYAML(header string, options []configOption) ([]byte, error) {
	serveMap := &yaml.Node{Kind: yaml.MappingNode}
	for _, opt := range options {
		keyNode := &yaml.Node{
			Kind:        yaml.ScalarNode,
			Tag:         "!!str",
			Value:       opt.key,
			HeadComment: opt.comment,
		}
		serveMap.Content = append(serveMap.Content, keyNode, opt.value)
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "serve", HeadComment: header},
		serveMap,
	}}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func defaultConfigYAML() ([]byte, error) {
	options := []configOption{
		{"listen", strNode(refd.DefaultListen), "listen address for the MCP and files endpoints"},
		{"mcp-path", strNode(refd.DefaultMCPPath), "HTTP path serving the MCP streamable transport"},
		{"public-base-url", strNode(""), "base URL put in download links; set when behind a reverse proxy (empty derives http://<listen>)"},
		{"files-root", strNode(""), "directory holding downloadable artifacts (empty uses <os temp>/refd-files)"},
		{"file-ttl", strNode(refd.DefaultFileTTL.String()), "lifetime of a download token"},
		{"delete-after-download", boolNode(false), "make download tokens single-use"},
		{"reap-interval", strNode(refd.DefaultReapInterval.String()), "sweep interval for expired artifacts"},
		{"convert-timeout", strNode(refd.DefaultConvertTimeout.String()), "maximum duration of one pandoc invocation"},
		{"pandoc-path", strNode(""), "pandoc binary (empty searches PATH)"},
		{"pdf-engine", strNode(""), "preferred PDF engine: wkhtmltopdf, weasyprint, or xelatex (empty auto-detects)"},
		{"pdf-engine-path", strNode(""), "PDF engine binary outside PATH"},
		{"zotero-url", strNode(refd.DefaultZoteroURL), "Zotero API root (the desktop local API by default)"},
		{"zotero-api-key", strNode(""), "Zotero web API key; the local API ignores it"},
		{"zotero-library-id", intNode(0), "Zotero library id (0 for the local API)"},
		{"zotero-library-type", strNode(refd.DefaultZoteroLibraryType), "Zotero library type: user or group"},
		{"zotero-timeout", strNode(refd.DefaultZoteroTimeout.String()), "timeout per Zotero API call"},
		{"styles-dir", strNode(""), "watched local directory of .csl styles consulted before the styles repository"},
		{"otlp-endpoint", strNode(""), "OTLP collector endpoint (empty disables tracing)"},
		{"metrics-listen", strNode(refd.DefaultMetricsListen), "Prometheus metrics listen address (empty disables)"},
		{"pprof-listen", strNode(refd.DefaultPprofListen), "pprof listen address (empty disables)"},
	}
	header := "refd configuration. Flags and REFD_* environment variables override these values."
	return renderConfigYAML(header, options)
}

func effectiveConfigYAML() ([]byte, error) {
	cfg := serveConfigFromViper()
	options := []configOption{
		{key: "listen", value: strNode(cfg.Listen)},
		{key: "mcp-path", value: strNode(cfg.MCPPath)},
		{key: "public-base-url", value: strNode(cfg.PublicBaseURL)},
		{key: "files-root", value: strNode(cfg.FilesRoot)},
		{key: "file-ttl", value: strNode(cfg.FileTTL.String())},
		{key: "delete-after-download", value: boolNode(cfg.DeleteAfterDownload)},
		{key: "reap-interval", value: strNode(cfg.ReapInterval.String())},
		{key: "convert-timeout", value: strNode(cfg.ConvertTimeout.String())},
		{key: "pandoc-path", value: strNode(cfg.PandocPath)},
		{key: "pdf-engine", value: strNode(cfg.PDFEngine)},
		{key: "pdf-engine-path", value: strNode(cfg.PDFEnginePath)},
		{key: "zotero-url", value: strNode(cfg.ZoteroURL)},
		{key: "zotero-api-key", value: strNode(cfg.ZoteroAPIKey)},
		{key: "zotero-library-id", value: intNode(cfg.ZoteroLibraryID)},
		{key: "zotero-library-type", value: strNode(cfg.ZoteroLibraryType)},
		{key: "zotero-timeout", value: strNode(cfg.ZoteroTimeout.String())},
		{key: "styles-dir", value: strNode(cfg.StylesDir)},
		{key: "otlp-endpoint", value: strNode(cfg.OTLPEndpoint)},
		{key: "metrics-listen", value: strNode(cfg.MetricsListen)},
		{key: "pprof-listen", value: strNode(cfg.PprofListen)},
	}
	return renderConfigYAML("effective refd configuration", options)
}

// filesRootUsageLine reports what the artifact directory currently holds.
// Empty when the directory does not exist yet.
func filesRootUsageLine() string {
	root := viper.GetString("serve.files-root")
	if root == "" {
		root = refd.DefaultFilesRoot()
	}
	var files int
	var total int64
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		files++
		total += info.Size()
		return nil
	})
	if err != nil {
		return ""
	}
	return fmt.Sprintf("# files-root usage: %d artifact file(s), %s", files, humanize.IBytes(uint64(total)))
}
