package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycore/wcrelay/client"
	"github.com/relaycore/wcrelay/config"
	"github.com/relaycore/wcrelay/sequence"
)

var (
	walletConfigDir string
	walletEnvFile   string
	walletName      string
	walletURI       string
	walletAccounts  string
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Pair via a scanned URI and auto-approve the resulting session",
	RunE:  runWallet,
}

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.Flags().StringVar(&walletConfigDir, "config-dir", "config", "configuration directory")
	walletCmd.Flags().StringVar(&walletEnvFile, "env-file", ".env", "dotenv file to load (empty to skip)")
	walletCmd.Flags().StringVar(&walletName, "name", "wc-demo-wallet", "app metadata name advertised to the peer")
	walletCmd.Flags().StringVar(&walletURI, "uri", "", "pairing uri printed by the dapp side (required)")
	walletCmd.Flags().StringVar(&walletAccounts, "accounts", "eip155:1:0x0000000000000000000000000000000000000000", "comma-separated accounts to approve sessions with")
	_ = walletCmd.MarkFlagRequired("uri")
}

func runWallet(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(config.LoaderOptions{ConfigDir: walletConfigDir, EnvFile: walletEnvFile})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	c, err := client.NewFromConfig(ctx, cfg, true, &sequence.AppMetadata{Name: walletName})
	if err != nil {
		return fmt.Errorf("failed to build client: %w", err)
	}
	defer c.Close()

	accounts := strings.Split(walletAccounts, ",")

	c.On(client.EventSessionProposal, func(evt client.Event) {
		fmt.Printf("<< session_proposal on %s, auto-approving\n", evt.Topic)
		approveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		settled, err := c.Approve(approveCtx, client.ApproveParams{Topic: evt.Topic, Accounts: accounts})
		if err != nil {
			fmt.Printf("!! failed to approve session on %s: %v\n", evt.Topic, err)
			return
		}
		fmt.Printf(">> session settled on %s with accounts %v\n", settled.Topic, accounts)
	})
	c.On(client.EventSessionDeleted, func(evt client.Event) {
		fmt.Printf("<< session_deleted on %s: %s\n", evt.Topic, evt.Reason)
	})

	if err := c.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	settled, err := c.Pair(ctx, walletURI)
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}
	fmt.Printf(">> pairing settled on topic %s\n", settled.Topic)

	<-ctx.Done()
	return nil
}
