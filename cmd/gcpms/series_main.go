package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RTX-TreDiX/GCPMS/internal/keys"
	"github.com/RTX-TreDiX/GCPMS/internal/series"
)

func newSeriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series <usdt|usd|gold|coin>",
		Short: "Print one price series from the local ledger",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeries,
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	cmd.Flags().Int("tail", 0, "Only print the last N points")
	cmd.Flags().Bool("from-archive", false, "Read records from the Postgres archive instead of the local ledger")
	cmd.Flags().String("key", "", "Session key for --from-archive (defaults to the saved one)")
	cmd.Flags().String("iv", "", "Session IV for --from-archive")
	return cmd
}

func runSeries(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	tail, _ := cmd.Flags().GetInt("tail")
	fromArchive, _ := cmd.Flags().GetBool("from-archive")

	store := series.NewStore(nil)
	if fromArchive {
		if err := loadFromArchive(cmd, store); err != nil {
			return err
		}
	} else if _, err := newSyncClient(nil).Reload(store); err != nil {
		return fmt.Errorf("reload local ledger: %w", err)
	}

	points, err := store.Series(args[0])
	if err != nil {
		return err
	}
	if tail > 0 && tail < len(points) {
		points = points[len(points)-tail:]
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(points)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tVALUE")
	for _, p := range points {
		fmt.Fprintf(w, "%s\t%d\n", p.Timestamp, p.Value)
	}
	return w.Flush()
}

func loadFromArchive(cmd *cobra.Command, store *series.Store) error {
	key, _ := cmd.Flags().GetString("key")
	iv, _ := cmd.Flags().GetString("iv")

	var session keys.SessionKey
	if key != "" || iv != "" {
		sk, err := keys.ParseSession(key, iv)
		if err != nil {
			return err
		}
		session = sk
	} else {
		conn, err := openVault().Load()
		if err != nil {
			return err
		}
		if conn == nil || !conn.HasSession() {
			return fmt.Errorf("no saved session key; pass --key and --iv")
		}
		if session, err = conn.Session(); err != nil {
			return err
		}
	}

	a, err := openArchive()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	n, err := a.Count(ctx)
	if err != nil {
		return err
	}
	rep, err := store.Merge(a.Records(ctx, ""), session, codecOptions()...)
	if err != nil {
		return err
	}
	log.Info().Int("rows", n).Int("merged", rep.Added).Int("failed", len(rep.Failed)).Msg("Archive loaded")
	return nil
}
