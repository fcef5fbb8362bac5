package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/quiche/internal/client"
	"github.com/michaelbrown/quiche/internal/config"
)

var (
	configFlag string
	serverFlag string
)

var rootCmd = &cobra.Command{
	Use:   "quiche",
	Short: "Quiche - sandboxed interactive code runner",
	Long: `Quiche runs submitted Python programs in fresh, resource-capped containers
and relays their output back to the requester, one run per requester at a time.

Start a server with "quiche serve", then attach to a channel with "quiche attach".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./quiche.yaml or ~/.quiche/quiche.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Server URL for client commands (default http://localhost:<server.port>)")
}

func loadConfig() (*config.Config, error) {
	if configFlag != "" {
		return config.LoadFile(configFlag)
	}
	return config.Load()
}

// newClient builds an API client for the configured server.
func newClient() (*client.Client, error) {
	if serverFlag != "" {
		return client.New(serverFlag), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return client.New(fmt.Sprintf("http://localhost:%d", cfg.Server.Port)), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
