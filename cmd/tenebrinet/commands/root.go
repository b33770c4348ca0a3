package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.2.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tenebrinet",
	Short: "Deception platform for capturing and classifying attacker activity",
	Long: `TenebriNET runs a set of protocol emulators (shell, web, file transfer)
that look like neglected production services. Every interaction is captured
verbatim, classified into a threat category, persisted, and pushed to live
feed subscribers. Nothing an attacker sends is ever executed.`,
	Version: Version,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults)")
}
