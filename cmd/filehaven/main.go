// filehaven is a multi-tenant encrypted file storage server.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/filehaven/filehaven/internal/config"
	"github.com/filehaven/filehaven/internal/logging/loki"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filehaven",
		Short: "filehaven - multi-tenant encrypted file storage",
		Long: `filehaven stores files for many tenants under one storage root.
Every file is encrypted at rest and every tenant is held to its plan's quota.

QUICK START:

  export FILEHAVEN_SECRET=$(openssl rand -hex 32)
  export FILEHAVEN_TOKEN_SECRET=$(openssl rand -hex 32)

  filehaven tenant create --name acme --plan FREE
  filehaven token issue --tenant 1
  filehaven serve`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTenantCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newTokenCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "filehaven %s\n", Version)
			_, _ = fmt.Fprintf(out, "  commit:  %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  built:   %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	})

	return rootCmd
}

// loadConfig reads the config file, applies the --log-level flag and
// validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogging configures the global logger and, when a Loki URL is set,
// ships logs there too. The returned func flushes the Loki writer.
func setupLogging(cfg *config.Config) func() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	stop := func() {}

	if cfg.Logging.LokiURL != "" {
		hostname, _ := os.Hostname()
		lw := loki.NewWriter(loki.Config{
			URL:    cfg.Logging.LokiURL,
			Labels: map[string]string{"instance": hostname},
		})
		lw.Start()
		out = zerolog.MultiLevelWriter(out, lw)
		stop = lw.Stop
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return stop
}
