package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgrok/pgrok/internal/metrics"
	"github.com/pgrok/pgrok/internal/relay"
)

// tcpRelay implements the public TCP surface (spec §4.5, §6): at most
// one client control channel may be attached at a time, and every
// accepted public TCP connection becomes a sub-stream multiplexed over
// it. A second client attempting to attach while one is already
// connected is rejected outright (spec §4.5 "at most one client control
// channel at a time").
type tcpRelay struct {
	relay.ShutdownGroup

	metrics metrics.Collector

	mu      sync.Mutex
	id      string
	onExit  func(id string)
	client  relay.FrameConn
	streams map[string]*tcpStream
	stats   relay.ConnStats

	lastActivity atomic.Value // time.Time
	streamCount  atomic.Int64
}

type tcpStream struct {
	id   string
	conn net.Conn
	once sync.Once
}

func (s *tcpStream) close() {
	s.once.Do(func() { s.conn.Close() })
}

func newTCPRelay(logger relay.Logger, m metrics.Collector) *tcpRelay {
	t := &tcpRelay{metrics: m, streams: make(map[string]*tcpStream)}
	t.Init(logger, t)
	t.lastActivity.Store(time.Now())
	return t
}

// HandleOnceShutdown implements relay.OnceShutdownHandler. It is invoked
// once, when the server itself is shutting down for good.
func (t *tcpRelay) HandleOnceShutdown(completionErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
	for id, s := range t.streams {
		s.close()
		delete(t.streams, id)
	}
	return completionErr
}

// registry.Tunnel implementation for the currently attached client, so
// the TCP relay participates in the idle reaper, liveness loop, and
// status page alongside HTTP tunnels (spec §4.8).

func (t *tcpRelay) ID() string   { return t.id }
func (t *tcpRelay) Kind() string { return "tcp" }
func (t *tcpRelay) LastActivity() time.Time {
	return t.lastActivity.Load().(time.Time)
}
func (t *tcpRelay) RequestCount() int64   { return t.streamCount.Load() }
func (t *tcpRelay) OpenSubStreams() int64 { return t.stats.Open() }

func (t *tcpRelay) touch() { t.lastActivity.Store(time.Now()) }

func (t *tcpRelay) disconnectClient() {
	t.mu.Lock()
	c := t.client
	t.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// tcpTunnelHandle is the registry.Tunnel registered for the currently
// attached TCP client. Its Close forces a disconnect of that client
// only; unlike tcpRelay.Close (promoted from relay.ShutdownGroup, used
// for the server's own permanent teardown), the relay itself survives
// and can accept a future client.
type tcpTunnelHandle struct {
	*tcpRelay
}

func (h *tcpTunnelHandle) Close() error {
	h.tcpRelay.disconnectClient()
	return nil
}

// acceptClient attaches conn as the sole TCP-mode control channel,
// registered under id. onExit is invoked once, after the client
// detaches (whether cleanly or due to a forced disconnect), so the
// caller can remove it from the registry.
// Returns relay.ErrSingleTunnelOccupied if one is already attached.
func (t *tcpRelay) acceptClient(id string, onExit func(string), conn relay.FrameConn) error {
	t.mu.Lock()
	if t.client != nil {
		t.mu.Unlock()
		return relay.ErrSingleTunnelOccupied
	}
	t.client = conn
	t.id = id
	t.onExit = onExit
	t.mu.Unlock()

	t.touch()
	t.ILogf("tcp client %q attached", id)
	go t.runClientLoop(conn)
	return nil
}

func (t *tcpRelay) runClientLoop(conn relay.FrameConn) {
	defer t.detachClient(conn)
	for {
		f, err := conn.RecvFrame()
		if err != nil {
			t.WLogf("tcp control channel closed: %s", err)
			return
		}
		t.touch()

		switch f.Kind {
		case relay.FrameKindPing:
			conn.SendFrame(relay.Frame{Kind: relay.FrameKindPong})
		case relay.FrameKindPong:
		case relay.FrameKindTCP:
			if f.TCP.Type == relay.TCPEnvelopeControl {
				t.handleHeartbeat(conn, f.TCP)
				continue
			}
			t.handleClientEnvelope(f.TCP)
		default:
			t.WLogf("unexpected frame kind %s on tcp control channel", f.Kind)
		}
	}
}

// handleHeartbeat acknowledges a client heartbeat (spec §4.5
// "Heartbeat": `{type:"control", connectionId:"heartbeat"}`) by echoing
// the same envelope shape back, so the client can detect a stalled
// connection and force a reconnect.
func (t *tcpRelay) handleHeartbeat(conn relay.FrameConn, env *relay.TCPEnvelope) {
	if env.ConnectionID != relay.HeartbeatConnectionID {
		t.WLogf("control envelope with unexpected connection id %q", env.ConnectionID)
		return
	}
	if err := conn.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
		Type:         relay.TCPEnvelopeControl,
		ConnectionID: relay.HeartbeatConnectionID,
	}}); err != nil {
		t.DLogf("failed to acknowledge heartbeat: %s", err)
	}
}

func (t *tcpRelay) detachClient(conn relay.FrameConn) {
	t.mu.Lock()
	id := t.id
	onExit := t.onExit
	if t.client == conn {
		t.client = nil
		t.id = ""
		t.onExit = nil
	}
	streams := t.streams
	t.streams = make(map[string]*tcpStream)
	t.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	t.ILogf("tcp client %q detached", id)
	if onExit != nil {
		onExit(id)
	}
}

func (t *tcpRelay) handleClientEnvelope(env *relay.TCPEnvelope) {
	t.mu.Lock()
	s, ok := t.streams[env.ConnectionID]
	t.mu.Unlock()
	if !ok {
		t.WLogf("tcp envelope for unknown sub-stream %q", env.ConnectionID)
		return
	}
	switch env.Type {
	case relay.TCPEnvelopeData:
		if _, err := s.conn.Write(env.Data); err != nil {
			t.DLogf("write to public sub-stream %q failed: %s", s.id, err)
			t.closeStream(s.id)
		}
	case relay.TCPEnvelopeClose, relay.TCPEnvelopeError:
		t.closeStream(s.id)
	}
}

func (t *tcpRelay) closeStream(id string) {
	t.mu.Lock()
	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	t.mu.Unlock()
	if ok {
		s.close()
		t.stats.Closed()
		t.metrics.SubStreamClosed(id)
	}
}

// acceptPublic runs the public TCP accept loop (spec §4.5, §6): every
// accepted connection becomes a sub-stream of the sole attached client,
// or is refused immediately if none is attached.
func (t *tcpRelay) acceptPublic(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go t.handlePublicConn(conn)
	}
}

func (t *tcpRelay) handlePublicConn(conn net.Conn) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		conn.Close()
		return
	}

	id := relay.NewConnectionID()
	s := &tcpStream{id: id, conn: conn}
	t.mu.Lock()
	t.streams[id] = s
	t.mu.Unlock()
	t.stats.Opened()
	t.streamCount.Add(1)
	t.metrics.SubStreamOpened(id)

	host, port := splitHostPort(conn.RemoteAddr().String())
	if err := client.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
		Type:         relay.TCPEnvelopeInit,
		ConnectionID: id,
		Host:         host,
		Port:         port,
	}}); err != nil {
		t.closeStream(id)
		return
	}

	buf := make([]byte, 8*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sendErr := client.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
				Type:         relay.TCPEnvelopeData,
				ConnectionID: id,
				Data:         append([]byte(nil), buf[:n]...),
			}})
			if sendErr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				t.DLogf("read from public sub-stream %q failed: %s", id, err)
			}
			break
		}
	}

	client.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
		Type:         relay.TCPEnvelopeClose,
		ConnectionID: id,
	}})
	t.closeStream(id)
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
