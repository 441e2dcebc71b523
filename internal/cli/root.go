// Package cli is the command tree of the idwallet-session binary.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"idwallet/go-core/internal/config"
	"idwallet/go-core/internal/identity"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func Execute() error {
	return NewRootCmd().Execute()
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	stderr     io.Writer
}

func (g *globals) config() (config.Config, error) {
	return config.Load(g.configPath)
}

func (g *globals) runtime() (*runtime, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	out := g.stderr
	if out == nil {
		out = os.Stderr
	}
	return wire(cfg, out)
}

func (g *globals) keyring() (*identity.Keyring, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	return identity.NewKeyring(identity.FileStore{Path: cfg.Keys.Path}, os.Getenv(cfg.Keys.PassphraseEnv)), nil
}

func NewRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "idwallet-session",
		Short:         "Run and inspect the wallet session core",
		Long:          "idwallet-session builds the messaging session of a wallet profile, keeps it connected, discovers server services and exposes session metrics.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			g.stderr = cmd.ErrOrStderr()
		},
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "path to the YAML config (default "+config.DefaultPath+")")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(g),
		newDiscoverCmd(g),
		newKeysCmd(g),
	)
	return rootCmd
}
