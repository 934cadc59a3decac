package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaycore/wcrelay/client"
	"github.com/relaycore/wcrelay/config"
	"github.com/relaycore/wcrelay/sequence"
)

var (
	dappConfigDir string
	dappEnvFile   string
	dappName      string
)

var dappCmd = &cobra.Command{
	Use:   "dapp",
	Short: "Propose a pairing and session as the dapp side",
	RunE:  runDapp,
}

func init() {
	rootCmd.AddCommand(dappCmd)
	dappCmd.Flags().StringVar(&dappConfigDir, "config-dir", "config", "configuration directory")
	dappCmd.Flags().StringVar(&dappEnvFile, "env-file", ".env", "dotenv file to load (empty to skip)")
	dappCmd.Flags().StringVar(&dappName, "name", "wc-demo-dapp", "app metadata name advertised to the peer")
}

func runDapp(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(config.LoaderOptions{ConfigDir: dappConfigDir, EnvFile: dappEnvFile})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	c, err := client.NewFromConfig(ctx, cfg, false, &sequence.AppMetadata{Name: dappName})
	if err != nil {
		return fmt.Errorf("failed to build client: %w", err)
	}
	defer c.Close()

	c.On(client.EventSessionRequest, func(evt client.Event) {
		fmt.Printf("<< session_request on %s: %+v\n", evt.Topic, evt.Session.Call)
	})
	c.On(client.EventSessionDeleted, func(evt client.Event) {
		fmt.Printf("<< session_deleted on %s: %s\n", evt.Topic, evt.Reason)
	})

	if err := c.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	settled, err := c.Connect(ctx, client.ConnectParams{
		SessionPermissions: sequence.Permissions{
			JSONRPC: sequence.JSONRPCPermissions{Methods: []string{"personal_sign", "eth_sendTransaction"}},
		},
	}, func(uri string) {
		fmt.Printf(">> pairing uri: %s\n", uri)
	})
	if err != nil {
		return fmt.Errorf("session did not settle: %w", err)
	}

	summary, _ := json.MarshalIndent(settled, "", "  ")
	fmt.Printf(">> session settled:\n%s\n", summary)

	<-ctx.Done()
	return nil
}
