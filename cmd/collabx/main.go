package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "collabx",
		Short: "Real-time collaborative editing gateway",
		Long: `collabx keeps one shared document per session in sync across
everyone connected to it, with live cursors and selections.

Run "collabx serve" to start the gateway and "collabx join" to take part
in a session from the terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		joinCmd(),
		versionCmd(),
	)
	return rootCmd
}
