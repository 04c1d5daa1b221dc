package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/refd"
	"pkt.systems/refd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("REFD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "refd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if executed != nil && executed.Name() == "serve" {
				svcfields.WithSubsystem(baseLogger, "cli.serve").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "refd",
		Short:         "refd serves a Zotero-backed reference MCP server with pandoc document exports",
		SilenceErrors: true,
		Example: `
  # Serve against the local Zotero desktop API
  refd serve

  # Public downloads behind a reverse proxy, single-use tokens
  refd serve --public-base-url https://docs.example.com --delete-after-download

  # Pin the conversion toolchain
  refd serve --pandoc-path /opt/pandoc/bin/pandoc --pdf-engine weasyprint

  # Generate a starter config at $HOME/.refd/config.yaml
  refd config init
`,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.refd/"+refd.DefaultConfigFileName+")")
	if err := viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}
	if err := viper.BindEnv("config", "REFD_CONFIG"); err != nil {
		panic(err)
	}

	cmd.AddCommand(newServeCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfigFile reads the --config file into viper, falling back to the
// default location when present. A missing default file is not an error; a
// missing explicit file is.
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := refd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, refd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
