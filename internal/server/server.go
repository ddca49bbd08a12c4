// Package server implements the relay server: the public HTTP and TCP
// listeners, the control-channel upgrade path, the tunnel registry
// wiring, and the liveness/idle-reaper background loops (spec §4.2–§4.8).
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/tomasen/realip"

	"github.com/pgrok/pgrok/internal/auth"
	"github.com/pgrok/pgrok/internal/metrics"
	"github.com/pgrok/pgrok/internal/registry"
	"github.com/pgrok/pgrok/internal/relay"
)

// Config holds the tunable knobs named across spec §4.3–§4.8.
type Config struct {
	SingleTunnel bool

	RequestDeadline time.Duration // default 120s, spec §4.3
	PingInterval    time.Duration // default 30s, spec §4.8
	MissedPings     int           // default 2, spec §4.8
	ReapInterval    time.Duration // default 5m, spec §4.8
	IdleTimeout     time.Duration // default 30m, spec §4.8

	EnableWebSocketRelay bool

	Auth    auth.Checker
	Metrics metrics.Collector

	Debug bool
}

func (c *Config) setDefaults() {
	if c.RequestDeadline <= 0 {
		c.RequestDeadline = 120 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MissedPings <= 0 {
		c.MissedPings = 2
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.Auth == nil {
		c.Auth = auth.AllowAll{}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop{}
	}
}

// Server is the relay server process (spec §2 component "Server").
type Server struct {
	relay.ShutdownGroup

	cfg Config
	reg *registry.Registry

	httpSrv  *http.Server
	listener net.Listener

	tcp *tcpRelay
}

// New constructs a Server. Call Run to start the public HTTP listener
// and RunTCP to additionally start the public TCP listener.
func New(logger relay.Logger, cfg Config) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg: cfg,
		reg: registry.New(logger.Fork("registry"), cfg.SingleTunnel),
	}
	s.Init(logger, s)
	s.tcp = newTCPRelay(logger.Fork("tcp"), cfg.Metrics)
	return s
}

// HandleOnceShutdown implements relay.OnceShutdownHandler.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	s.tcp.Close()
	return completionErr
}

// Run starts the public HTTP listener (control-channel upgrades, public
// HTTP ingress, status page) and blocks until it stops.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.ShutdownOnContext(ctx)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return s.Errorf("listen on %s: %s", addr, err)
	}
	s.listener = l

	var handler http.Handler = http.HandlerFunc(s.serveHTTP)
	if s.cfg.Debug {
		handler = requestlog.Wrap(handler)
	}
	s.httpSrv = &http.Server{Handler: handler}

	s.ILogf("listening for control channels and public HTTP traffic on %s", addr)
	go func() {
		s.StartShutdown(s.httpSrv.Serve(l))
	}()
	go s.runIdleReaper(ctx)
	go s.runLivenessLoop(ctx)

	return s.WaitShutdown()
}

// RunTCP starts the public TCP listener that multiplexes raw TCP
// connections onto the single connected TCP-mode client (spec §4.5,
// §6 "Public TCP surface").
func (s *Server) RunTCP(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return s.Errorf("listen on %s: %s", addr, err)
	}
	s.AddChildFunc(func(error) { l.Close() })
	s.ILogf("listening for public TCP traffic on %s", addr)
	return s.tcp.acceptPublic(ctx, l)
}

func clientIP(r *http.Request) string {
	return realip.FromRequest(r)
}
