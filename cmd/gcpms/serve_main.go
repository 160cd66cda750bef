package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RTX-TreDiX/GCPMS/internal/codec"
	"github.com/RTX-TreDiX/GCPMS/internal/httpapi"
	"github.com/RTX-TreDiX/GCPMS/internal/metrics"
	"github.com/RTX-TreDiX/GCPMS/internal/series"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the price series over HTTP",
		Long: `Loads the local ledger with the saved session key and serves the series,
sync and settings endpoints, plus /metrics and a /ws feed of merge events.`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (defaults to http.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.HTTP.Addr
	}

	m := metrics.New(nil)
	store := series.NewStore(m)
	client := newSyncClient(m)

	if rep, err := client.Reload(store); err != nil {
		log.Warn().Err(err).Msg("Local ledger not loaded; run a sync first")
	} else {
		log.Info().Int("points", store.Len()).Int("failed", len(rep.Failed)).Msg("Local ledger loaded")
	}

	serverCfg := httpapi.DefaultServerConfig().ForSyncTimeout(cfg.Sync.Timeout)
	serverCfg.Addr = addr
	server := httpapi.NewServer(serverCfg, store, client, openVault(), m)

	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func codecOptions() []codec.Option {
	if cfg.Ledger.PerRecordIV {
		return []codec.Option{codec.WithRandomIV()}
	}
	return nil
}
