package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pgrok/pgrok/internal/metrics"
	"github.com/pgrok/pgrok/internal/relay"
	"github.com/pgrok/pgrok/internal/reqcorrelator"
)

// Router resolves a $dispatch$ frame (spec §4.3) to a sibling tunnel and
// forwards it, returning the response envelope to relay back as
// $dispatchresponse$.
type Router interface {
	Dispatch(ctx context.Context, req *relay.HTTPRequestEnvelope) *relay.HTTPResponseEnvelope
}

// httpTunnel is the server-side HTTP tunnel (spec §4.3): it owns one
// control channel, a request correlator, and (optionally) a set of
// relayed public WebSocket connections.
type httpTunnel struct {
	relay.ShutdownGroup

	id      string
	conn    relay.FrameConn
	corr    *reqcorrelator.Correlator
	router  Router
	metrics metrics.Collector

	requestDeadline time.Duration
	wsEnabled       bool

	lastActivity atomic.Value // time.Time
	requestCount atomic.Int64

	wsMu    sync.Mutex
	wsConns map[string]*websocket.Conn
	openWS  relay.ConnStats

	onExit func(id string)
}

func newHTTPTunnel(id string, conn relay.FrameConn, router Router, onExit func(string), cfg Config, logger relay.Logger) *httpTunnel {
	t := &httpTunnel{
		id:              id,
		conn:            conn,
		corr:            reqcorrelator.New(logger.Fork("correlator")),
		router:          router,
		metrics:         cfg.Metrics,
		requestDeadline: cfg.RequestDeadline,
		wsEnabled:       cfg.EnableWebSocketRelay,
		wsConns:         make(map[string]*websocket.Conn),
		onExit:          onExit,
	}
	t.Init(logger.Fork("http-tunnel[%s]", id), t)
	t.lastActivity.Store(time.Now())
	return t
}

// registry.Tunnel implementation.

func (t *httpTunnel) ID() string   { return t.id }
func (t *httpTunnel) Kind() string { return "http" }
func (t *httpTunnel) LastActivity() time.Time {
	return t.lastActivity.Load().(time.Time)
}
func (t *httpTunnel) RequestCount() int64   { return t.requestCount.Load() }
func (t *httpTunnel) OpenSubStreams() int64 { return t.openWS.Open() }

func (t *httpTunnel) touch() { t.lastActivity.Store(time.Now()) }

// sendPing emits a liveness ping (spec §4.8); failures are left for the
// tunnel's own run loop to observe on its next read.
func (t *httpTunnel) sendPing() {
	if err := t.conn.SendFrame(relay.Frame{Kind: relay.FrameKindPing}); err != nil {
		t.DLogf("failed to send liveness ping: %s", err)
	}
}

// HandleOnceShutdown implements relay.OnceShutdownHandler.
func (t *httpTunnel) HandleOnceShutdown(completionErr error) error {
	err := t.conn.Close()
	t.corr.Drain(relay.ErrTunnelDisconnected)
	t.closeAllWS()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (t *httpTunnel) closeAllWS() {
	t.wsMu.Lock()
	defer t.wsMu.Unlock()
	for id, c := range t.wsConns {
		c.Close()
		delete(t.wsConns, id)
		t.openWS.Closed()
	}
}

// run is the tunnel's processing loop (spec §4.3): it owns all reads
// from the control channel.
func (t *httpTunnel) run(ctx context.Context) {
	t.ShutdownOnContext(ctx)
	defer func() {
		t.StartShutdown(nil)
		if t.onExit != nil {
			t.onExit(t.id)
		}
	}()

	for {
		f, err := t.conn.RecvFrame()
		if err != nil {
			t.WLogf("control channel closed: %s", err)
			return
		}
		t.touch()

		switch f.Kind {
		case relay.FrameKindPing:
			if err := t.conn.SendFrame(relay.Frame{Kind: relay.FrameKindPong}); err != nil {
				t.WLogf("failed to send pong: %s", err)
				return
			}
		case relay.FrameKindPong:
			// liveness timer reset happens via touch() above
		case relay.FrameKindHTTPResponse:
			resp := f.HTTPResponse
			if !t.corr.Complete(resp.RequestID, resp) {
				t.WLogf("%s: %q", relay.ErrRequestAlreadyHandled, resp.RequestID)
			}
		case relay.FrameKindDispatch:
			go t.handleDispatch(ctx, f.HTTPRequest)
		case relay.FrameKindWSRelay:
			t.handleInboundWSRelay(f.WSRelay)
		default:
			t.WLogf("unexpected frame kind %s on http tunnel control channel", f.Kind)
		}
	}
}

func (t *httpTunnel) handleDispatch(ctx context.Context, req *relay.HTTPRequestEnvelope) {
	resp := t.router.Dispatch(ctx, req)
	if err := t.conn.SendFrame(relay.Frame{Kind: relay.FrameKindDispatchResponse, HTTPResponse: resp}); err != nil {
		t.WLogf("failed to send dispatch response for request %q: %s", req.RequestID, err)
	}
}

// forward sends env on the control channel and waits for its matching
// response, timeout, or disconnect (spec §4.3 "Public-side ingress").
func (t *httpTunnel) forward(ctx context.Context, env *relay.HTTPRequestEnvelope, deadline time.Time) *relay.HTTPResponseEnvelope {
	resultCh, ok := t.corr.Insert(env.RequestID, deadline)
	if !ok {
		t.ELogf("%s: %s", relay.ErrRequestIDCollision, env.RequestID)
		return errorEnvelope(env.RequestID, http.StatusInternalServerError, "Internal Server Error", relay.ErrRequestIDCollision.Error())
	}

	if err := t.conn.SendFrame(relay.Frame{Kind: relay.FrameKindHTTPRequest, HTTPRequest: env}); err != nil {
		t.corr.Fail(env.RequestID, relay.ErrTunnelDisconnected)
		<-resultCh
		t.metrics.RequestDisconnected(t.id)
		return errorEnvelope(env.RequestID, http.StatusServiceUnavailable, "Tunnel Disconnected", err.Error())
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			if res.Err == relay.ErrRequestTimedOut {
				t.metrics.RequestTimedOut(t.id)
				return errorEnvelope(env.RequestID, http.StatusGatewayTimeout, "Gateway Timeout", "client did not respond in time")
			}
			t.metrics.RequestDisconnected(t.id)
			return errorEnvelope(env.RequestID, http.StatusServiceUnavailable, "Tunnel Disconnected", res.Err.Error())
		}
		t.requestCount.Add(1)
		t.metrics.RequestCompleted(t.id, res.Response.StatusCode)
		return res.Response
	case <-ctx.Done():
		t.corr.Fail(env.RequestID, ctx.Err())
		return errorEnvelope(env.RequestID, http.StatusServiceUnavailable, "Tunnel Disconnected", ctx.Err().Error())
	}
}

// ServeIngress handles one public HTTP request routed to this tunnel
// (spec §4.3 "Public-side ingress").
func (t *httpTunnel) ServeIngress(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		if !t.wsEnabled {
			http.Error(w, "WebSocket relay is not supported by this server", http.StatusNotImplemented)
			return
		}
		t.serveWebSocketIngress(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Bad Request", "failed to read request body")
		return
	}

	env := &relay.HTTPRequestEnvelope{
		RequestID:          relay.NewRequestID(),
		Method:             r.Method,
		URL:                r.URL.String(),
		Headers:            collectHeaders(r.Header),
		Body:                body,
		IsWebSocketRequest: false,
	}

	deadline := time.Now().Add(t.requestDeadline)
	resp := t.forward(r.Context(), env, deadline)
	deliverResponse(w, resp)
}

func (t *httpTunnel) serveWebSocketIngress(w http.ResponseWriter, r *http.Request) {
	conn, err := relay.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.DLogf("websocket upgrade failed: %s", err)
		return
	}
	connID := relay.NewConnectionID()
	t.wsMu.Lock()
	t.wsConns[connID] = conn
	t.wsMu.Unlock()
	t.openWS.Opened()

	defer func() {
		t.wsMu.Lock()
		delete(t.wsConns, connID)
		t.wsMu.Unlock()
		t.openWS.Closed()
		conn.Close()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.conn.SendFrame(relay.Frame{Kind: relay.FrameKindWSRelay, WSRelay: &relay.WSRelayFrame{ConnectionID: connID, Close: true}})
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := t.conn.SendFrame(relay.Frame{Kind: relay.FrameKindWSRelay, WSRelay: &relay.WSRelayFrame{ConnectionID: connID, Data: data}}); err != nil {
			return
		}
	}
}

func (t *httpTunnel) handleInboundWSRelay(f *relay.WSRelayFrame) {
	t.wsMu.Lock()
	conn, ok := t.wsConns[f.ConnectionID]
	t.wsMu.Unlock()
	if !ok {
		t.WLogf("ws-relay frame for unknown connection %q", f.ConnectionID)
		return
	}
	if f.Close {
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
		t.DLogf("failed to relay websocket data to public connection %q: %s", f.ConnectionID, err)
	}
}

func errorEnvelope(requestID string, status int, title, detail string) *relay.HTTPResponseEnvelope {
	body, _ := jsonError(title, detail)
	return &relay.HTTPResponseEnvelope{
		RequestID:    requestID,
		StatusCode:   status,
		Headers:      relay.HTTPHeaders{"Content-Type": "application/json"},
		Body:         body,
		ErrorMessage: detail,
	}
}

func collectHeaders(h http.Header) relay.HTTPHeaders {
	out := make(relay.HTTPHeaders, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func deliverResponse(w http.ResponseWriter, resp *relay.HTTPResponseEnvelope) {
	for name, value := range resp.Headers {
		if relay.IsHopByHop(name) {
			continue
		}
		w.Header().Set(name, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

func writeJSONError(w http.ResponseWriter, status int, title, detail string) {
	body, _ := jsonError(title, detail)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func jsonError(title, detail string) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"error":%q,"message":%q}`, title, detail)), nil
}
