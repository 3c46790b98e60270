package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "slackbridge",
	Short: "Bridge Slack conversations to long-lived agent sessions",
	Long:  "SlackBridge keeps a Socket Mode connection open, routes mentions and mapped threads to backend sessions, and delivers responses back as threaded replies.",
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
