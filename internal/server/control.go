package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pgrok/pgrok/internal/relay"
)

// serveHTTP is the single entry point for the public HTTP listener: it
// dispatches control-channel upgrades, the status page, and public
// ingress traffic (spec §4.3 "Reserved paths").
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/tunnel":
		s.handleTunnelUpgrade(w, r)
	case r.URL.Path == "/$status":
		s.serveStatus(w, r)
	case r.URL.Path == "/metrics":
		s.serveMetrics(w, r)
	default:
		s.serveIngress(w, r)
	}
}

// handleTunnelUpgrade accepts a new control-channel connection (spec
// §4.2 "On a new control-channel acceptance" and §6 "Control-channel
// upgrade"): validate the protocol upgrade, parse id/proto, check auth,
// register, and enter the tunnel's processing loop.
func (s *Server) handleTunnelUpgrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tunnelID := q.Get("id")
	if tunnelID == "" {
		tunnelID = relay.NewTunnelID()
	}
	proto := q.Get("proto")
	if proto == "" {
		proto = "http"
	}

	if user, pass, ok := r.BasicAuth(); ok || s.cfg.Auth != nil {
		if err := s.cfg.Auth.Authenticate(user, pass, tunnelID); err != nil {
			s.WLogf("rejecting control-channel upgrade for %q: %s", tunnelID, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	wsConn, err := relay.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.WLogf("websocket upgrade failed for %s (client %s): %s", tunnelID, clientIP(r), err)
		return
	}
	conn := relay.NewFrameConn(wsConn)

	switch proto {
	case "tcp":
		if err := s.acceptTCPTunnel(tunnelID, conn); err != nil {
			s.WLogf("rejecting tcp control channel for %q: %s", tunnelID, err)
			conn.Close()
			return
		}
	default:
		s.acceptHTTPTunnel(tunnelID, conn)
	}
}

// acceptTCPTunnel attaches conn to the server's sole tcpRelay and
// registers it under tunnelID so it is covered by the idle reaper, the
// liveness loop, and the status page the same way an HTTP tunnel is
// (spec §4.8).
func (s *Server) acceptTCPTunnel(tunnelID string, conn relay.FrameConn) error {
	onExit := func(id string) {
		if s.reg.Remove(id) {
			s.cfg.Metrics.TunnelRemoved(id, "tcp")
		}
	}
	if err := s.tcp.acceptClient(tunnelID, onExit, conn); err != nil {
		return err
	}
	if err := s.reg.Register(&tcpTunnelHandle{tcpRelay: s.tcp}); err != nil {
		s.tcp.disconnectClient()
		return err
	}
	s.cfg.Metrics.TunnelRegistered(tunnelID, "tcp")
	return nil
}

func (s *Server) acceptHTTPTunnel(tunnelID string, conn relay.FrameConn) {
	t := newHTTPTunnel(tunnelID, conn, s, func(id string) {
		if s.reg.Remove(id) {
			s.cfg.Metrics.TunnelRemoved(id, "http")
		}
	}, s.cfg, s.Logger)

	if err := s.reg.Register(t); err != nil {
		s.WLogf("rejecting control channel for %q: %s", tunnelID, err)
		t.Close()
		return
	}
	s.cfg.Metrics.TunnelRegistered(tunnelID, "http")
	s.AddChild(t)
	go t.run(context.Background())
}

// serveIngress routes a public (non-reserved-path) request to a tunnel
// by id, per spec §4.3 "Public-side ingress" and §6 "Public HTTP
// surface".
func (s *Server) serveIngress(w http.ResponseWriter, r *http.Request) {
	var tunnelID string
	if !s.cfg.SingleTunnel {
		tunnelID, _ = firstPathSegment(r.URL.Path)
		if tunnelID == "" {
			writeJSONError(w, http.StatusBadRequest, "Bad Request", "path must start with /<tunnel-id>/")
			return
		}
	}

	t, err := s.reg.Lookup(tunnelID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Not Found", "unknown tunnel")
		return
	}
	ht, ok := t.(*httpTunnel)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "Bad Request", "tunnel does not accept HTTP traffic")
		return
	}
	ht.ServeIngress(w, r)
}

// Dispatch implements Router: it is invoked when a client sends
// $dispatch$ to forward a request to a sibling tunnel (spec §4.3
// "HTTP tunnel — server side").
func (s *Server) Dispatch(ctx context.Context, req *relay.HTTPRequestEnvelope) *relay.HTTPResponseEnvelope {
	siblingID, _ := firstPathSegment(req.URL)
	if siblingID == "" {
		return errorEnvelope(req.RequestID, http.StatusBadRequest, "Bad Request", "dispatch path must start with /<tunnel-id>/")
	}

	t, err := s.reg.Lookup(siblingID)
	if err != nil {
		return errorEnvelope(req.RequestID, http.StatusNotFound, "Not Found", "unknown sibling tunnel")
	}
	sibling, ok := t.(*httpTunnel)
	if !ok {
		return errorEnvelope(req.RequestID, http.StatusBadRequest, "Bad Request", "sibling tunnel does not accept HTTP traffic")
	}

	forwarded := *req
	forwarded.RequestID = relay.NewRequestID()

	deadline := deadlineFromContext(ctx, sibling.requestDeadline)
	resp := sibling.forward(ctx, &forwarded, deadline)
	resp.RequestID = req.RequestID
	return resp
}

func deadlineFromContext(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

func firstPathSegment(path string) (seg string, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, "/"
	}
	return trimmed[:idx], trimmed[idx:]
}
