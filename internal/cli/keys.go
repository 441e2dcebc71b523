package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"idwallet/go-core/internal/identity"
)

var ErrKeysExist = errors.New("legal identity keys already exist; pass --force to replace them")

func newKeysCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the legal identity signing keys",
	}
	cmd.AddCommand(newKeysInitCmd(g), newKeysRestoreCmd(g), newKeysShowCmd(g))
	return cmd
}

func newKeysInitCmd(g *globals) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate new keys and print the recovery phrase",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keyring, err := g.keyring()
			if err != nil {
				return err
			}
			if _, err := keyring.Load(); err == nil && !force {
				return ErrKeysExist
			} else if err != nil && !errors.Is(err, identity.ErrNoKeys) {
				return err
			}
			keys, mnemonic, err := keyring.Generate()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "key id: %s\nrecovery phrase: %s\n", keys.ID, mnemonic)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace existing keys")
	return cmd
}

func newKeysRestoreCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <word>...",
		Short: "Restore keys from a recovery phrase",
		Args:  cobra.MinimumNArgs(12),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyring, err := g.keyring()
			if err != nil {
				return err
			}
			keys, err := keyring.Restore(strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "key id: %s\n", keys.ID)
			return err
		},
	}
}

func newKeysShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the id of the stored keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keyring, err := g.keyring()
			if err != nil {
				return err
			}
			keys, err := keyring.Load()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "key id: %s\ncreated: %s\n", keys.ID, keys.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
			return err
		},
	}
}
