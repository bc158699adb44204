package cli

import (
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	cfgFile    string
	verboseLog bool
)

func SetVersion(v string) {
	version = v
}

// RootCmd is the root command
var RootCmd = &cobra.Command{
	Use:   "cnote",
	Short: "Local-first expense ledger with device-to-device sync",
	Long: `cnote - Local-first expense ledger with device-to-device sync

Keep your ledger on each device and merge it with another device on the
same network. No accounts, no cloud.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// For internal use, keep an alias
var rootCmd = RootCmd

func Execute() error {
	return RootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/cnote/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "verbose output")
}
