package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RTX-TreDiX/GCPMS/internal/keys"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a session key",
		Long: `Prints a fresh random session key and IV. With --write the pair is also
stored in paths.key_file, replacing the current one; the collector then
clears the ledger on its next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			write, _ := cmd.Flags().GetBool("write")

			sk, err := keys.Generate()
			if err != nil {
				return err
			}
			if write {
				if err := keys.Save(cfg.Paths.KeyFile, sk); err != nil {
					return err
				}
				log.Info().Str("path", cfg.Paths.KeyFile).Msg("Session key written")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key: %s\niv:  %s\n", sk.KeyHex(), sk.IVHex())
			return nil
		},
	}
	cmd.Flags().Bool("write", false, "Store the new key in paths.key_file")
	return cmd
}
