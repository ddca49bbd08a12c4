// Package client implements the tunnel client (spec §2 "Client", §4.4,
// §4.6): it dials the server's control-channel endpoint, maintains the
// Idle → Connecting → Connected → Draining → Backoff state machine, and
// forwards every received request envelope to the configured local
// service.
//
// Grounded on the teacher's share/client.go (Client, NewClient,
// connectionLoop, keepAliveLoop), generalized from an SSH-over-websocket
// handshake to the relay control-channel protocol.
package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/pgrok/pgrok/internal/relay"
)

// State names the supervisor's position in the connection state machine
// (spec §4.6).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Config holds the client's tunable knobs (spec §6 CLI/env surface).
type Config struct {
	TunnelID      string
	ServerAddress string
	LocalAddress  string

	TCPMode bool // connect with proto=tcp instead of proto=http

	// ProxyPort, if nonzero, starts a local reverse-proxy listener that
	// wraps incoming requests as $dispatch$ frames routed through the
	// server to a sibling tunnel (spec §4.3, §4.4).
	ProxyPort int

	KeepAlive        time.Duration // 0 disables the client-initiated keepalive
	MaxRetryInterval time.Duration
	MaxRetryCount    int // negative means unlimited

	Username string
	Password string

	Debug bool
}

func (c *Config) setDefaults() {
	if c.MaxRetryInterval < time.Second {
		c.MaxRetryInterval = 2 * time.Minute
	}
	if c.MaxRetryCount == 0 {
		c.MaxRetryCount = 100
	}
}

// Client is the tunnel client process.
type Client struct {
	relay.ShutdownGroup

	cfg       Config
	serverURL string

	state State

	forwarder     *httpForwarder
	tcpForwarder  *tcpForwarder
}

// New constructs a Client. Call Run to dial and block until shutdown.
func New(logger relay.Logger, cfg Config) (*Client, error) {
	cfg.setDefaults()

	u, err := normalizeServerURL(cfg.ServerAddress)
	if err != nil {
		return nil, fmt.Errorf("client: invalid server address %q: %w", cfg.ServerAddress, err)
	}

	c := &Client{cfg: cfg, serverURL: u.String()}
	c.Init(logger, c)

	if cfg.TCPMode {
		c.tcpForwarder = newTCPForwarder(logger.Fork("tcp"), cfg.LocalAddress)
	} else {
		c.forwarder = newHTTPForwarder(logger.Fork("forward"), cfg.LocalAddress)
	}
	return c, nil
}

func normalizeServerURL(addr string) (*url.URL, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	return u, nil
}

// HandleOnceShutdown implements relay.OnceShutdownHandler.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

// Run dials the server and blocks, reconnecting with backoff until ctx
// is cancelled or MaxRetryCount is exhausted (spec §4.6).
func (c *Client) Run(ctx context.Context) error {
	c.ShutdownOnContext(ctx)
	go c.connectionLoop(ctx)
	if c.cfg.ProxyPort > 0 && !c.cfg.TCPMode {
		go c.forwarder.runDispatchProxy(ctx, fmt.Sprintf("127.0.0.1:%d", c.cfg.ProxyPort))
	}
	return c.WaitShutdown()
}

func (c *Client) setState(s State) {
	c.state = s
	c.DLogf("state -> %s", s)
}

// connectionLoop mirrors the teacher's connectionLoop (share/client.go):
// dial, run the session to completion, then back off and retry. Jitter
// is applied manually in [0.8, 1.2] per spec §4.6, rather than via the
// backoff library's own (different-shaped) jitter option.
func (c *Client) connectionLoop(ctx context.Context) {
	defer c.StartShutdown(nil)

	b := &backoff.Backoff{Min: time.Second, Factor: 1.5, Max: c.cfg.MaxRetryInterval}
	var lastErr error
	for !c.IsStartedShutdown() {
		if lastErr != nil {
			attempt := int(b.Attempt())
			if c.cfg.MaxRetryCount >= 0 && attempt >= c.cfg.MaxRetryCount {
				c.ELogf("giving up after %d attempts: %s", attempt, lastErr)
				return
			}
			d := jitter(b.Duration())
			c.setState(StateBackoff)
			c.ILogf("connection error: %s; retrying in %s (attempt %d)", lastErr, d, attempt+1)
			select {
			case <-time.After(d):
			case <-c.ShutdownStartedChan():
				return
			}
		}

		lastErr = c.runOnce(ctx)
		if lastErr == nil {
			b.Reset()
		}
	}
}

// jitter scales d by a uniform factor in [0.8, 1.2] (spec §4.6).
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}

func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setState(StateConnected)
	c.ILogf("connected to %s", c.serverURL)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.cfg.KeepAlive > 0 {
		go c.keepAliveLoop(sessionCtx, conn)
	}

	var runErr error
	if c.cfg.TCPMode {
		runErr = c.tcpForwarder.run(sessionCtx, conn)
	} else {
		runErr = c.forwarder.run(sessionCtx, conn)
	}
	c.setState(StateDraining)
	conn.Close()
	return runErr
}

func (c *Client) dial(ctx context.Context) (relay.FrameConn, error) {
	proto := "http"
	if c.cfg.TCPMode {
		proto = "tcp"
	}
	target := fmt.Sprintf("%s/tunnel?id=%s&proto=%s", c.serverURL, url.QueryEscape(c.cfg.TunnelID), proto)

	d := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	header := make(map[string][]string)
	if c.cfg.Username != "" || c.cfg.Password != "" {
		header["Authorization"] = []string{basicAuthHeader(c.cfg.Username, c.cfg.Password)}
	}

	wsConn, _, err := d.DialContext(ctx, target, header)
	if err != nil {
		return nil, err
	}
	return relay.NewFrameConn(wsConn), nil
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func (c *Client) keepAliveLoop(ctx context.Context, conn relay.FrameConn) {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SendFrame(relay.Frame{Kind: relay.FrameKindPing}); err != nil {
				return
			}
		}
	}
}
