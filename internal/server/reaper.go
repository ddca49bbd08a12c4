package server

import (
	"context"
	"time"
)

// runIdleReaper periodically removes tunnels that have seen no traffic
// for IdleTimeout (spec §4.8 "Idle reaping").
func (s *Server) runIdleReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.IdleTimeout)
			for _, t := range s.reg.ReapIdle(cutoff) {
				s.cfg.Metrics.TunnelRemoved(t.ID, t.Kind)
			}
		}
	}
}

// runLivenessLoop pings every registered HTTP tunnel every PingInterval
// and force-closes any tunnel that has not produced a frame (including
// a pong) in MissedPings intervals (spec §4.8 "Liveness").
func (s *Server) runLivenessLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingAndReapDead()
		}
	}
}

// pingAndReapDead force-closes any registered tunnel — HTTP or TCP —
// that has produced no activity in MissedPings intervals, and actively
// pings every HTTP tunnel that is still within that window. TCP tunnels
// are not server-pinged: their liveness is carried by the client-sent
// heartbeat envelope (spec §4.5 "Heartbeat"), which already touches
// their LastActivity on receipt, so a staleness check alone covers
// them here.
func (s *Server) pingAndReapDead() {
	timeout := s.cfg.PingInterval * time.Duration(s.cfg.MissedPings)
	for _, t := range s.reg.Tunnels() {
		if time.Since(t.LastActivity()) > timeout {
			s.WLogf("tunnel %q missed %d pings, closing", t.ID(), s.cfg.MissedPings)
			t.Close()
			continue
		}
		if ht, ok := t.(*httpTunnel); ok {
			ht.sendPing()
		}
	}
}
