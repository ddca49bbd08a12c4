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
	tcpServerAddress string
	tcpLocalAddress  string
)

// startTCPCmd implements spec §6's "start-tcp" CLI command.
var startTCPCmd = &cobra.Command{
	Use:   "start-tcp",
	Short: "Connect to the relay server and expose a local TCP service",
	RunE:  runStartTCP,
}

func init() {
	f := startTCPCmd.Flags()
	f.StringVar(&tcpServerAddress, "serverAddress", "", "relay server address, e.g. https://relay.example.com")
	f.StringVar(&tcpLocalAddress, "localAddress", "", "local TCP service to forward to, e.g. 127.0.0.1:5432")
	startTCPCmd.MarkFlagRequired("serverAddress")
	startTCPCmd.MarkFlagRequired("localAddress")
}

func runStartTCP(cmd *cobra.Command, args []string) error {
	if err := applyEnvOverrides(cmd); err != nil {
		return fmt.Errorf("applying environment overrides: %w", err)
	}

	level := relay.LogLevelInfo
	if debug {
		level = relay.LogLevelDebug
	}
	logger := relay.NewLogger("client-tcp", level)

	c, err := client.New(logger, client.Config{
		ServerAddress: tcpServerAddress,
		LocalAddress:  tcpLocalAddress,
		TCPMode:       true,
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
