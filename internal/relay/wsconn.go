package relay

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// FrameConn is a duplex control-channel transport: one SendFrame/
// RecvFrame call moves exactly one text frame. Reads are only ever
// performed by the owning processing loop (spec §5 "Shared-resource
// policy"); writes from multiple goroutines are serialized internally
// so frames are never interleaved on the wire.
type FrameConn interface {
	SendFrame(f Frame) error
	RecvFrame() (Frame, error)
	Close() error
}

// wsFrameConn adapts a *websocket.Conn into a FrameConn, grounded on the
// teacher's NewWebSocketConn usage (share/client.go, share/server_handler.go).
type wsFrameConn struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
}

// NewFrameConn wraps an established websocket connection.
func NewFrameConn(conn *websocket.Conn) FrameConn {
	return &wsFrameConn{conn: conn}
}

func (c *wsFrameConn) SendFrame(f Frame) error {
	raw, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func (c *wsFrameConn) RecvFrame() (Frame, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return DecodeFrame(string(data))
	}
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close()
}

// Upgrader is the shared gorilla/websocket upgrader configuration used
// by the server's control-channel accept path.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
