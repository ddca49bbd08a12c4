package client

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgrok/pgrok/internal/relay"
)

// tcpHeartbeatInterval is how often the client sends a heartbeat
// control envelope on a TCP-mode control channel (spec §4.5
// "Heartbeat"). Absence of a reply for twice this interval is treated
// as a liveness failure and forces a reconnect.
const tcpHeartbeatInterval = 30 * time.Second

// tcpForwarder is the client-side TCP sub-stream mirror (spec §4.5
// "Client mirrors"): on init it dials the local service, relays data
// frames in both directions, and tears the sub-stream down on close.
//
// Grounded on spec.md §4.5 and share/proxy.go's dial-and-bridge
// pattern, reworked from an ssh.Channel bridge to base64 data frames.
type tcpForwarder struct {
	logger    relay.Logger
	localAddr string

	mu      sync.Mutex
	streams map[string]net.Conn

	lastHeartbeatAck atomic.Value // time.Time
}

func newTCPForwarder(logger relay.Logger, localAddr string) *tcpForwarder {
	return &tcpForwarder{logger: logger, localAddr: localAddr, streams: make(map[string]net.Conn)}
}

func (f *tcpForwarder) run(ctx context.Context, conn relay.FrameConn) error {
	f.lastHeartbeatAck.Store(time.Now())

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.heartbeatLoop(heartbeatCtx, conn)

	defer f.closeAll()

	for {
		fr, err := conn.RecvFrame()
		if err != nil {
			return err
		}
		switch fr.Kind {
		case relay.FrameKindPing:
			conn.SendFrame(relay.Frame{Kind: relay.FrameKindPong})
		case relay.FrameKindPong:
		case relay.FrameKindTCP:
			if fr.TCP.Type == relay.TCPEnvelopeControl {
				f.lastHeartbeatAck.Store(time.Now())
				continue
			}
			f.handleEnvelope(ctx, conn, fr.TCP)
		default:
			f.logger.WLogf("unexpected frame kind %s on client tcp control channel", fr.Kind)
		}
	}
}

// heartbeatLoop sends a `{type:"control", connectionId:"heartbeat"}`
// TCP envelope every tcpHeartbeatInterval (spec §4.5 "Heartbeat"). If
// no reply has touched lastHeartbeatAck for twice that interval, the
// connection is presumed dead: it is closed so the caller's read loop
// in run unblocks with an error and the supervisor's connectionLoop
// reconnects.
func (f *tcpForwarder) heartbeatLoop(ctx context.Context, conn relay.FrameConn) {
	ticker := time.NewTicker(tcpHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
				Type:         relay.TCPEnvelopeControl,
				ConnectionID: relay.HeartbeatConnectionID,
			}}); err != nil {
				return
			}
			last := f.lastHeartbeatAck.Load().(time.Time)
			if time.Since(last) > 2*tcpHeartbeatInterval {
				f.logger.WLogf("no heartbeat reply in %s, forcing reconnect", 2*tcpHeartbeatInterval)
				conn.Close()
				return
			}
		}
	}
}

func (f *tcpForwarder) handleEnvelope(ctx context.Context, conn relay.FrameConn, env *relay.TCPEnvelope) {
	switch env.Type {
	case relay.TCPEnvelopeInit:
		f.handleInit(ctx, conn, env)
	case relay.TCPEnvelopeData:
		f.writeLocal(env)
	case relay.TCPEnvelopeClose:
		f.closeStream(env.ConnectionID)
	}
}

func (f *tcpForwarder) handleInit(ctx context.Context, conn relay.FrameConn, env *relay.TCPEnvelope) {
	localConn, err := net.DialTimeout("tcp", f.localAddr, 10*time.Second)
	if err != nil {
		conn.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
			Type:         relay.TCPEnvelopeError,
			ConnectionID: env.ConnectionID,
			Error:        err.Error(),
		}})
		return
	}

	f.mu.Lock()
	f.streams[env.ConnectionID] = localConn
	f.mu.Unlock()

	go f.readLocalLoop(conn, env.ConnectionID, localConn)
}

func (f *tcpForwarder) readLocalLoop(conn relay.FrameConn, id string, localConn net.Conn) {
	defer f.closeStream(id)
	buf := make([]byte, 8*1024)
	for {
		n, err := localConn.Read(buf)
		if n > 0 {
			sendErr := conn.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
				Type:         relay.TCPEnvelopeData,
				ConnectionID: id,
				Data:         append([]byte(nil), buf[:n]...),
			}})
			if sendErr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				f.logger.DLogf("read from local service for sub-stream %q failed: %s", id, err)
			}
			conn.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
				Type:         relay.TCPEnvelopeClose,
				ConnectionID: id,
			}})
			return
		}
	}
}

func (f *tcpForwarder) writeLocal(env *relay.TCPEnvelope) {
	f.mu.Lock()
	conn, ok := f.streams[env.ConnectionID]
	f.mu.Unlock()
	if !ok {
		f.logger.WLogf("data frame for unknown sub-stream %q", env.ConnectionID)
		return
	}
	if _, err := conn.Write(env.Data); err != nil {
		f.logger.DLogf("write to local service for sub-stream %q failed: %s", env.ConnectionID, err)
		f.closeStream(env.ConnectionID)
	}
}

func (f *tcpForwarder) closeStream(id string) {
	f.mu.Lock()
	conn, ok := f.streams[id]
	if ok {
		delete(f.streams, id)
	}
	f.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (f *tcpForwarder) closeAll() {
	f.mu.Lock()
	streams := f.streams
	f.streams = make(map[string]net.Conn)
	f.mu.Unlock()
	for _, conn := range streams {
		conn.Close()
	}
}
