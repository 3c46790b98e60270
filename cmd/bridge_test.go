package cmd

import "testing"

func TestBridgeCommandIsRegistered(t *testing.T) {
	t.Parallel()

	for _, c := range rootCmd.Commands() {
		if c.Name() == "bridge" {
			return
		}
	}
	t.Fatal("bridge subcommand is not registered on the root command")
}
