package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RTX-TreDiX/GCPMS/internal/archive"
	"github.com/RTX-TreDiX/GCPMS/internal/config"
	"github.com/RTX-TreDiX/GCPMS/internal/keys"
	"github.com/RTX-TreDiX/GCPMS/internal/logging"
	"github.com/RTX-TreDiX/GCPMS/internal/remotesync"
	"github.com/RTX-TreDiX/GCPMS/internal/settings"
)

const (
	appName = "GCPMS"
	version = "v1.4.0"
)

var cfg *config.Config

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, keys.ErrConfigInvalid) {
			log.Fatal().Err(err).Msg("Refusing to start with invalid key material")
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, logLevel, logFormat string

	rootCmd := &cobra.Command{
		Use:     "gcpms",
		Short:   "Encrypted gold, coin and currency price collector",
		Version: version,
		Long: `GCPMS collects tether, dollar, gold and coin prices on a fixed interval,
stores every sample encrypted under a session key in an append-only ledger,
and lets clients download, verify and chart that ledger.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				loaded.Log.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				loaded.Log.Format = logFormat
			}
			if err := logging.Setup(loaded.Log.Level, loaded.Log.Format, os.Stderr); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "gcpms.yaml", "Configuration file (missing file uses defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console|json)")

	rootCmd.AddCommand(
		newCollectCmd(),
		newSyncCmd(),
		newSeriesCmd(),
		newSettingsCmd(),
		newKeygenCmd(),
		newServeCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
			},
		},
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openVault() *settings.Vault {
	return settings.NewVault(cfg.Paths.Settings, keys.ApplicationKey())
}

func fetcherFactory() remotesync.FetcherFactory {
	if cfg.Sync.Transport == config.TransportBlob {
		return remotesync.BlobFactory(cfg.Sync.BlobURL, cfg.Sync.BlobKey)
	}
	return remotesync.SFTPFactory(cfg.Sync.RemotePath, cfg.Sync.KnownHosts)
}

func openArchive() (*archive.Archive, error) {
	a, err := archive.Open(archive.Config{
		DSN:             cfg.Archive.DSN,
		MaxOpenConns:    cfg.Archive.MaxOpenConns,
		MaxIdleConns:    cfg.Archive.MaxIdleConns,
		ConnMaxLifetime: cfg.Archive.ConnMaxLifetime,
		QueryTimeout:    cfg.Archive.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Archive.QueryTimeout)
	defer cancel()
	if err := a.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
