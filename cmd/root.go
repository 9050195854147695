// Package cmd wires the sidecoach daemon's CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sidecoach",
	Short: "SideCoach - local coaching daemon for coding practice",
	Long: `SideCoach is the local daemon behind the browser coaching assistant.
The browser extension detects practice problems and POSTs request envelopes
to this process, which coaches through hints, code reviews, mock interviews
and concept explanations without ever revealing a solution.

Running sidecoach with no subcommand starts the daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
