package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgrok/pgrok/internal/client"
	"github.com/pgrok/pgrok/internal/relay"
)

var (
	clientTunnelID      string
	clientServerAddress string
	clientLocalAddress  string
	clientProxyPort     int
	clientUsername      string
	clientPassword      string
)

// startCmd implements spec §6's "start" CLI command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Connect to the relay server and expose a local HTTP service",
	RunE:  runStart,
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&clientTunnelID, "tunnelId", "", "tunnel id to claim (empty lets the server mint one)")
	f.StringVar(&clientServerAddress, "serverAddress", "", "relay server address, e.g. https://relay.example.com")
	f.StringVar(&clientLocalAddress, "localAddress", "", "local HTTP service to forward to, e.g. http://127.0.0.1:3000")
	f.IntVar(&clientProxyPort, "proxyPort", 0, "local port to serve the dispatch reverse-proxy on (0 disables it)")
	f.StringVar(&clientUsername, "username", "", "control-channel auth username")
	f.StringVar(&clientPassword, "password", "", "control-channel auth password")
	startCmd.MarkFlagRequired("serverAddress")
	startCmd.MarkFlagRequired("localAddress")
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := applyEnvOverrides(cmd); err != nil {
		return fmt.Errorf("applying environment overrides: %w", err)
	}

	level := relay.LogLevelInfo
	if debug {
		level = relay.LogLevelDebug
	}
	logger := relay.NewLogger("client", level)

	c, err := client.New(logger, client.Config{
		TunnelID:      clientTunnelID,
		ServerAddress: clientServerAddress,
		LocalAddress:  clientLocalAddress,
		ProxyPort:     clientProxyPort,
		Username:      clientUsername,
		Password:      clientPassword,
		KeepAlive:     25 * time.Second,
		Debug:         debug,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return c.Run(ctx)
}
