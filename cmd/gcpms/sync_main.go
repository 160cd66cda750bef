package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RTX-TreDiX/GCPMS/internal/ledger"
	"github.com/RTX-TreDiX/GCPMS/internal/metrics"
	"github.com/RTX-TreDiX/GCPMS/internal/remotesync"
	"github.com/RTX-TreDiX/GCPMS/internal/series"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download the remote ledger and verify it",
		Long: `Fetches the collector's ledger over the saved connection, replaces the
local copy and checks that the session key decrypts it. Without --key and
--iv the session key saved by a previous sync is used.`,
		RunE: runSync,
	}
	cmd.Flags().String("key", "", "Session key (64 hex chars)")
	cmd.Flags().String("iv", "", "Session IV (32 hex chars)")
	return cmd
}

func newSyncClient(m *metrics.Registry) *remotesync.Client {
	return remotesync.New(openVault(), ledger.New(cfg.Paths.Ledger, cfg.Paths.KeyHash, m), fetcherFactory(), remotesync.Options{
		Timeout:     cfg.Sync.Timeout,
		PerRecordIV: cfg.Ledger.PerRecordIV,
		Metrics:     m,
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	iv, _ := cmd.Flags().GetString("iv")

	ctx, stop := signalContext()
	defer stop()

	store := series.NewStore(nil)
	res, rep, err := newSyncClient(nil).Sync(ctx, store, remotesync.SessionInput{Key: key, IV: iv})
	if res.Outcome != remotesync.Success {
		return fmt.Errorf("sync %s: %w", res.Outcome, res.Err)
	}
	if err != nil {
		return err
	}
	if !res.Persisted {
		log.Warn().Msg("Session key could not be saved; pass --key and --iv again next time")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Outcome:  %s\n", res.Outcome)
	fmt.Fprintf(out, "Bytes:    %d\n", res.Bytes)
	fmt.Fprintf(out, "Records:  %d\n", res.Records)
	fmt.Fprintf(out, "Merged:   %d (%d failed)\n", rep.Added, len(rep.Failed))
	if latest, ok := store.Latest(); ok {
		fmt.Fprintf(out, "Latest:   %s\n", latest.Timestamp())
	}
	return nil
}
