package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pgrok/pgrok/internal/relay"
)

// runDispatchProxy serves the local reverse-proxy listener named by
// spec §4.4: requests accepted here are wrapped as $dispatch$ frames
// and routed through the server to a sibling tunnel, identified by the
// first path segment of the incoming request (spec §4.3 "HTTP tunnel —
// server side").
//
// Grounded on the teacher's NewTCPProxy / local-listener-to-remote
// pattern (share/proxy.go), reworked from a raw TCP dial to an
// envelope round trip.
func (f *httpForwarder) runDispatchProxy(ctx context.Context, addr string) {
	srv := &http.Server{Addr: addr, Handler: http.HandlerFunc(f.serveDispatch)}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	f.logger.ILogf("dispatch proxy listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		f.logger.ELogf("dispatch proxy stopped: %s", err)
	}
}

func (f *httpForwarder) serveDispatch(w http.ResponseWriter, r *http.Request) {
	conn, ok := f.currentConn.Load().(relay.FrameConn)
	if !ok || conn == nil {
		http.Error(w, "not connected to server", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	env := &relay.HTTPRequestEnvelope{
		RequestID: relay.NewRequestID(),
		Method:    r.Method,
		URL:       r.URL.String(),
		Headers:   collectRequestHeaders(r.Header),
		Body:      body,
	}

	resultCh, ok := f.dispatchCorr.Insert(env.RequestID, time.Now().Add(120*time.Second))
	if !ok {
		http.Error(w, "request id collision", http.StatusInternalServerError)
		return
	}

	if err := conn.SendFrame(relay.Frame{Kind: relay.FrameKindDispatch, HTTPRequest: env}); err != nil {
		f.dispatchCorr.Fail(env.RequestID, relay.ErrTunnelDisconnected)
		http.Error(w, "failed to dispatch: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			http.Error(w, res.Err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeDispatchResponse(w, res.Response)
	case <-r.Context().Done():
		f.dispatchCorr.Fail(env.RequestID, r.Context().Err())
	}
}

func writeDispatchResponse(w http.ResponseWriter, resp *relay.HTTPResponseEnvelope) {
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

func collectRequestHeaders(h http.Header) relay.HTTPHeaders {
	out := make(relay.HTTPHeaders, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		out[name] = values[0]
	}
	return out
}
