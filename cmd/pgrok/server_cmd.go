package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgrok/pgrok/internal/auth"
	"github.com/pgrok/pgrok/internal/metrics"
	"github.com/pgrok/pgrok/internal/relay"
	"github.com/pgrok/pgrok/internal/server"
)

var (
	serverPort         int
	serverLocalhost    bool
	serverSingleTunnel bool
	serverTCPPort      int
	serverProxyPort    int
	serverAuthFile     string
	serverMetrics      bool
	serverEnableWSRelay bool
)

// startServerCmd implements spec §6's "start-server" CLI command.
var startServerCmd = &cobra.Command{
	Use:   "start-server",
	Short: "Run the relay server",
	RunE:  runStartServer,
}

func init() {
	f := startServerCmd.Flags()
	f.IntVar(&serverPort, "port", 8080, "public HTTP listener port")
	f.BoolVar(&serverLocalhost, "localhost", false, "bind listeners to 127.0.0.1 instead of all interfaces")
	f.BoolVar(&serverSingleTunnel, "singleTunnel", false, "admit at most one tunnel and serve all public paths from it")
	f.IntVar(&serverTCPPort, "tcpPort", 0, "public TCP listener port (0 disables the TCP surface)")
	f.IntVar(&serverProxyPort, "proxyPort", 0, "unused on the server; reserved for symmetry with the client flag set")
	f.StringVar(&serverAuthFile, "authFile", "", "path to a bcrypt credentials file (empty disables auth)")
	f.BoolVar(&serverMetrics, "metrics", false, "expose Prometheus metrics on /metrics")
	f.BoolVar(&serverEnableWSRelay, "enableWebSocketRelay", false, "relay bidirectional WebSocket traffic over the control channel")
}

func runStartServer(cmd *cobra.Command, args []string) error {
	if err := applyEnvOverrides(cmd); err != nil {
		return fmt.Errorf("applying environment overrides: %w", err)
	}

	level := relay.LogLevelInfo
	if debug {
		level = relay.LogLevelDebug
	}
	logger := relay.NewLogger("server", level)

	cfg := server.Config{
		SingleTunnel:         serverSingleTunnel,
		EnableWebSocketRelay: serverEnableWSRelay,
		Debug:                debug,
	}

	if serverAuthFile != "" {
		checker, err := auth.NewFileChecker(logger.Fork("auth"), serverAuthFile)
		if err != nil {
			return fmt.Errorf("loading auth file: %w", err)
		}
		cfg.Auth = checker
	}

	var promCollector *metrics.Prometheus
	if serverMetrics {
		promCollector = metrics.NewPrometheus()
		cfg.Metrics = promCollector
	}

	s := server.New(logger, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	host := ""
	if serverLocalhost {
		host = "127.0.0.1"
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.Run(ctx, fmt.Sprintf("%s:%d", host, serverPort))
	}()
	if serverTCPPort > 0 {
		go func() {
			errCh <- s.RunTCP(ctx, fmt.Sprintf("%s:%d", host, serverTCPPort))
		}()
	}

	return <-errCh
}
