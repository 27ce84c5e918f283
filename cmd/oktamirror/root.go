package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "oktamirror",
	Short:         "Oktamirror mirrors an Okta tenant into versioned access-graph snapshots.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() error {
	return rootCmd.Execute()
}

// commandPath names the executed subcommand for log attribution.
func commandPath() string {
	if cmd, _, err := rootCmd.Find(os.Args[1:]); err == nil && cmd != nil {
		return cmd.CommandPath()
	}
	return rootCmd.Use
}

func init() {
	rootCmd.AddCommand(syncCmd, serveCmd, versionsCmd, historyCmd)
}
