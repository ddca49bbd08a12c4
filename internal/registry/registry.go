// Package registry implements the server-side tunnel registry: an
// in-memory, concurrency-safe mapping from tunnel id to active tunnel
// (spec §4.2).
package registry

import (
	"sync"
	"time"

	"github.com/pgrok/pgrok/internal/relay"
)

// Tunnel is the minimal view of a tunnel that the registry and the
// status page / reaper need. The registry holds a non-owning
// reference: it is the tunnel's own processing loop that calls Remove
// on exit (spec §3 "Ownership").
type Tunnel interface {
	ID() string
	Kind() string
	LastActivity() time.Time
	RequestCount() int64
	OpenSubStreams() int64
	Close() error
}

// Registry is the concurrent id -> Tunnel map described in spec §4.2.
// Single-tunnel mode admits at most one tunnel and ignores the supplied
// id for lookups.
type Registry struct {
	logger       relay.Logger
	singleTunnel bool

	mu      sync.RWMutex
	tunnels map[string]Tunnel
	sole    Tunnel
}

// New creates an empty registry. When singleTunnel is true, Register
// fails with relay.ErrSingleTunnelOccupied once any tunnel is present,
// and Lookup ignores its id argument.
func New(logger relay.Logger, singleTunnel bool) *Registry {
	return &Registry{
		logger:       logger,
		singleTunnel: singleTunnel,
		tunnels:      make(map[string]Tunnel),
	}
}

// Register adds a tunnel under its id. Fails with relay.ErrIDInUse if
// the id is already registered, or relay.ErrSingleTunnelOccupied in
// single-tunnel mode if a tunnel is already registered.
func (r *Registry) Register(t Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.singleTunnel {
		if r.sole != nil {
			return relay.ErrSingleTunnelOccupied
		}
		r.sole = t
		r.tunnels[t.ID()] = t
		r.logger.ILogf("registered sole tunnel %q (%s)", t.ID(), t.Kind())
		return nil
	}

	if _, exists := r.tunnels[t.ID()]; exists {
		return relay.ErrIDInUse
	}
	r.tunnels[t.ID()] = t
	r.logger.ILogf("registered tunnel %q (%s)", t.ID(), t.Kind())
	return nil
}

// Lookup returns the tunnel for id, or relay.ErrNotFound. In
// single-tunnel mode the id is ignored and the sole tunnel (if any) is
// returned, per spec §4.2.
func (r *Registry) Lookup(id string) (Tunnel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.singleTunnel {
		if r.sole == nil {
			return nil, relay.ErrNotFound
		}
		return r.sole, nil
	}

	t, ok := r.tunnels[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return t, nil
}

// Remove deletes the tunnel with the given id if present, and reports
// whether it was present. Idempotent.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok {
		return false
	}
	delete(r.tunnels, id)
	if r.sole == t {
		r.sole = nil
	}
	r.logger.ILogf("removed tunnel %q", id)
	return true
}

// Summary is a point-in-time snapshot entry for the status page and
// the idle reaper.
type Summary struct {
	ID             string
	Kind           string
	LastActivity   time.Time
	RequestCount   int64
	OpenSubStreams int64
}

// Tunnels returns a point-in-time list of the registered tunnels
// themselves, for callers (the liveness loop) that need to act on them
// rather than just read their stats.
func (r *Registry) Tunnels() []Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// Snapshot returns a point-in-time list of (id, summary) pairs, sorted
// by id for deterministic rendering.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.tunnels))
	for id, t := range r.tunnels {
		out = append(out, Summary{
			ID:             id,
			Kind:           t.Kind(),
			LastActivity:   t.LastActivity(),
			RequestCount:   t.RequestCount(),
			OpenSubStreams: t.OpenSubStreams(),
		})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// ReapIdle removes and closes every tunnel whose LastActivity is older
// than the cutoff, returning a Summary of each one removed so the
// caller can report it (e.g. to metrics) without a second lookup
// (spec §4.8).
func (r *Registry) ReapIdle(cutoff time.Time) []Summary {
	r.mu.Lock()
	var toReap []Tunnel
	for id, t := range r.tunnels {
		if t.LastActivity().Before(cutoff) {
			delete(r.tunnels, id)
			if r.sole == t {
				r.sole = nil
			}
			toReap = append(toReap, t)
		}
	}
	r.mu.Unlock()

	reaped := make([]Summary, 0, len(toReap))
	for _, t := range toReap {
		reaped = append(reaped, Summary{
			ID:             t.ID(),
			Kind:           t.Kind(),
			LastActivity:   t.LastActivity(),
			RequestCount:   t.RequestCount(),
			OpenSubStreams: t.OpenSubStreams(),
		})
		r.logger.ILogf("idle reaper removing tunnel %q (last activity %s)", t.ID(), t.LastActivity())
		t.Close()
	}
	return reaped
}
