package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/RTX-TreDiX/GCPMS/internal/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage the encrypted connection settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the saved connection with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openVault().Load()
			if err != nil {
				return err
			}
			if conn == nil {
				return errors.New("no connection settings saved")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(conn.Redacted())
		},
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Save the remote connection",
		Long: `Saves host, port, user and password encrypted under the application key.
The password is prompted for when --password is not given. A session key
saved by an earlier sync is kept.`,
		RunE: runSettingsSet,
	}
	setCmd.Flags().String("host", "", "Remote host")
	setCmd.Flags().Int("port", 22, "Remote SSH port")
	setCmd.Flags().String("user", "", "Remote user")
	setCmd.Flags().String("password", "", "Remote password")
	setCmd.MarkFlagRequired("host")
	setCmd.MarkFlagRequired("user")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the saved connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return openVault().Clear()
		},
	}

	cmd.AddCommand(showCmd, setCmd, clearCmd)
	return cmd
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")

	if !cmd.Flags().Changed("password") {
		p, err := promptPassword(cmd)
		if err != nil {
			return err
		}
		password = p
	}

	next := settings.Connection{Host: host, Port: port, Username: user, Password: password}
	v := openVault()
	err := v.Update(func(cur *settings.Connection) (settings.Connection, error) {
		if cur != nil {
			next.SessionKey, next.SessionIV = cur.SessionKey, cur.SessionIV
		}
		return next, nil
	})
	if errors.Is(err, settings.ErrUndecryptable) {
		err = v.Save(next)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved connection to %s\n", next.Address())
	return nil
}

func promptPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
