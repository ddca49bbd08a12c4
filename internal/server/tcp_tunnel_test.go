package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pgrok/pgrok/internal/metrics"
	"github.com/pgrok/pgrok/internal/relay"
)

func TestTCPRelayRejectsSecondClient(t *testing.T) {
	logger := relay.NewLogger("test", relay.LogLevelError)
	r := newTCPRelay(logger, metrics.Noop{})
	defer r.Close()

	a, _ := newPipePair()
	if err := r.acceptClient("t1", nil, a); err != nil {
		t.Fatalf("first acceptClient: %s", err)
	}

	b, _ := newPipePair()
	if err := r.acceptClient("t2", nil, b); err != relay.ErrSingleTunnelOccupied {
		t.Fatalf("second acceptClient = %v, want ErrSingleTunnelOccupied", err)
	}
}

func TestTCPRelayAcknowledgesHeartbeat(t *testing.T) {
	logger := relay.NewLogger("test", relay.LogLevelError)
	r := newTCPRelay(logger, metrics.Noop{})
	defer r.Close()

	serverSide, clientSide := newPipePair()
	if err := r.acceptClient("t1", nil, serverSide); err != nil {
		t.Fatalf("acceptClient: %s", err)
	}

	if err := clientSide.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
		Type:         relay.TCPEnvelopeControl,
		ConnectionID: relay.HeartbeatConnectionID,
	}}); err != nil {
		t.Fatalf("send heartbeat: %s", err)
	}

	f, err := clientSide.RecvFrame()
	if err != nil {
		t.Fatalf("recv heartbeat ack: %s", err)
	}
	if f.Kind != relay.FrameKindTCP || f.TCP.Type != relay.TCPEnvelopeControl || f.TCP.ConnectionID != relay.HeartbeatConnectionID {
		t.Fatalf("got %+v, want a control/heartbeat envelope", f)
	}
}

func TestTCPTunnelHandleRegistersAndDeregisters(t *testing.T) {
	logger := relay.NewLogger("test", relay.LogLevelError)
	r := newTCPRelay(logger, metrics.Noop{})
	defer r.Close()

	removed := make(chan string, 1)
	serverSide, clientSide := newPipePair()
	if err := r.acceptClient("t1", func(id string) { removed <- id }, serverSide); err != nil {
		t.Fatalf("acceptClient: %s", err)
	}

	handle := &tcpTunnelHandle{tcpRelay: r}
	if handle.ID() != "t1" || handle.Kind() != "tcp" {
		t.Fatalf("got id=%q kind=%q, want id=t1 kind=tcp", handle.ID(), handle.Kind())
	}

	clientSide.Close()

	select {
	case id := <-removed:
		if id != "t1" {
			t.Fatalf("onExit fired for %q, want t1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onExit to fire after disconnect")
	}
}

func TestTCPRelayMultiplexesPublicConnection(t *testing.T) {
	logger := relay.NewLogger("test", relay.LogLevelError)
	r := newTCPRelay(logger, metrics.Noop{})
	defer r.Close()

	// local echo service the "client" dials into on init.
	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer localLn.Close()
	go func() {
		for {
			conn, err := localLn.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()

	serverSide, clientSide := newPipePair()
	if err := r.acceptClient("t1", nil, serverSide); err != nil {
		t.Fatalf("acceptClient: %s", err)
	}

	publicLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer publicLn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.acceptPublic(ctx, publicLn)

	// drive the "client" side: on init, dial the local echo service and
	// bridge data frames both ways.
	go func() {
		streams := map[string]net.Conn{}
		for {
			f, err := clientSide.RecvFrame()
			if err != nil {
				return
			}
			if f.Kind != relay.FrameKindTCP {
				continue
			}
			env := f.TCP
			switch env.Type {
			case relay.TCPEnvelopeInit:
				lc, err := net.Dial("tcp", localLn.Addr().String())
				if err != nil {
					continue
				}
				streams[env.ConnectionID] = lc
				go func(id string, lc net.Conn) {
					buf := make([]byte, 4096)
					for {
						n, err := lc.Read(buf)
						if n > 0 {
							clientSide.SendFrame(relay.Frame{Kind: relay.FrameKindTCP, TCP: &relay.TCPEnvelope{
								Type: relay.TCPEnvelopeData, ConnectionID: id, Data: append([]byte(nil), buf[:n]...),
							}})
						}
						if err != nil {
							return
						}
					}
				}(env.ConnectionID, lc)
			case relay.TCPEnvelopeData:
				if lc, ok := streams[env.ConnectionID]; ok {
					lc.Write(env.Data)
				}
			case relay.TCPEnvelopeClose:
				if lc, ok := streams[env.ConnectionID]; ok {
					lc.Close()
					delete(streams, env.ConnectionID)
				}
			}
		}
	}()

	conn, err := net.Dial("tcp", publicLn.Addr().String())
	if err != nil {
		t.Fatalf("dial public listener: %s", err)
	}
	defer conn.Close()

	msg := []byte("hello over the wire")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %s", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %s", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}
