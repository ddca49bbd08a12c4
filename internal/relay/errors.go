package relay

import "errors"

// Registry and routing errors named by spec §4.2/§4.7/§7.
var (
	ErrIDInUse               = errors.New("tunnel id already in use")
	ErrNotFound              = errors.New("tunnel not found")
	ErrSingleTunnelOccupied  = errors.New("server already has a single tunnel registered")
	ErrRequestIDCollision    = errors.New("request id collision")
	ErrTunnelDisconnected    = errors.New("tunnel disconnected")
	ErrRequestTimedOut       = errors.New("request timed out")
	ErrRequestAlreadyHandled = errors.New("request already completed")
)
