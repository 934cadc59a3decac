package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wc-demo",
	Short: "wc-demo is a reference CLI for the wcrelay session protocol core",
	Long: `wc-demo drives the wcrelay client facade end to end: a dapp-side
command proposes a pairing and session and prints the pairing URI; a
wallet-side command scans that URI and auto-approves the resulting
session.

This tool is a demonstration harness, not a product surface: it exists
to exercise client.Client against a real relay.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
