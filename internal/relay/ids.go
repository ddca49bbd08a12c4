package relay

import "github.com/google/uuid"

// NewTunnelID mints a tunnel id when a client connects without
// specifying one (spec §4.2 "In multi-tunnel mode... if absent, the
// server mints a UUID").
func NewTunnelID() string {
	return uuid.NewString()
}

// NewRequestID mints a request id, unique across a tunnel with
// negligible collision probability (spec §4.7).
func NewRequestID() string {
	return uuid.NewString()
}

// NewConnectionID mints a TCP sub-stream connection id, unique within a
// tunnel (spec §3 "TCP sub-stream").
func NewConnectionID() string {
	return uuid.NewString()
}
