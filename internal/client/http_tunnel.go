package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pgrok/pgrok/internal/relay"
	"github.com/pgrok/pgrok/internal/reqcorrelator"
)

// httpForwarder is the client-side half of the HTTP tunnel (spec §4.4
// "Client mirrors"): for every HTTP request envelope received on the
// control channel, it performs a real local HTTP call and emits the
// response envelope tagged with the same request id.
//
// Grounded on spec.md §4.4; there is no single teacher file for this
// (the teacher forwards SSH channels, not HTTP envelopes) but the
// explicit-error, no-panic style follows share/client.go's
// connectStreams.
type httpForwarder struct {
	logger    relay.Logger
	localBase string

	dispatchCorr *reqcorrelator.Correlator
	currentConn  atomic.Value // relay.FrameConn

	localClient *http.Client
}

func newHTTPForwarder(logger relay.Logger, localAddress string) *httpForwarder {
	return &httpForwarder{
		logger:       logger,
		localBase:    strings.TrimRight(localAddress, "/"),
		dispatchCorr: reqcorrelator.New(logger.Fork("dispatch")),
		localClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

// run owns the control channel for one connected session: it reads
// frames until the connection dies or ctx is cancelled.
func (f *httpForwarder) run(ctx context.Context, conn relay.FrameConn) error {
	f.currentConn.Store(conn)
	defer f.dispatchCorr.Drain(relay.ErrTunnelDisconnected)

	for {
		fr, err := conn.RecvFrame()
		if err != nil {
			return err
		}

		switch fr.Kind {
		case relay.FrameKindPing:
			if err := conn.SendFrame(relay.Frame{Kind: relay.FrameKindPong}); err != nil {
				return err
			}
		case relay.FrameKindPong:
		case relay.FrameKindHTTPRequest:
			go f.handleRequest(ctx, conn, fr.HTTPRequest)
		case relay.FrameKindDispatchResponse:
			resp := fr.HTTPResponse
			if !f.dispatchCorr.Complete(resp.RequestID, resp) {
				f.logger.WLogf("discarding dispatch response for unknown or late request %q", resp.RequestID)
			}
		case relay.FrameKindWSRelay:
			f.logger.DLogf("websocket relay frame received without an active upstream connection; dropping")
		default:
			f.logger.WLogf("unexpected frame kind %s on client control channel", fr.Kind)
		}
	}
}

// handleRequest performs the local HTTP call described by spec §4.4:
// join the local base URL with the derived path and original query,
// strip hop-by-hop headers, attach the body, call with a 60-second
// deadline, and reply tagged with the same request id.
func (f *httpForwarder) handleRequest(ctx context.Context, conn relay.FrameConn, env *relay.HTTPRequestEnvelope) {
	resp := f.doLocalRequest(ctx, env)
	if err := conn.SendFrame(relay.Frame{Kind: relay.FrameKindHTTPResponse, HTTPResponse: resp}); err != nil {
		f.logger.WLogf("failed to send response for request %q: %s", env.RequestID, err)
	}
}

func (f *httpForwarder) doLocalRequest(ctx context.Context, env *relay.HTTPRequestEnvelope) *relay.HTTPResponseEnvelope {
	localURL, err := f.localURL(env)
	if err != nil {
		return errorResponse(env.RequestID, http.StatusBadGateway, "failed to build local URL: "+err.Error())
	}

	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, env.Method, localURL, bytes.NewReader(env.Body))
	if err != nil {
		return errorResponse(env.RequestID, http.StatusBadGateway, "failed to build local request: "+err.Error())
	}
	for name, value := range env.Headers {
		if relay.IsHopByHop(name) {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := f.localClient.Do(req)
	if err != nil {
		return errorResponse(env.RequestID, http.StatusBadGateway, "local service unreachable: "+err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(env.RequestID, http.StatusBadGateway, "failed to read local response: "+err.Error())
	}

	headers := make(relay.HTTPHeaders, len(resp.Header))
	for name, values := range resp.Header {
		if len(values) == 0 {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}

	return &relay.HTTPResponseEnvelope{
		RequestID:  env.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}
}

// localURL derives the local path by stripping "/<tunnel-id>/" if
// present, else using the path as-is (spec §4.3 "Edge cases").
func (f *httpForwarder) localURL(env *relay.HTTPRequestEnvelope) (string, error) {
	u, err := url.Parse(env.URL)
	if err != nil {
		return "", err
	}
	u2, err := url.Parse(f.localBase)
	if err != nil {
		return "", err
	}
	u2.Path = derivedPath(u.Path)
	u2.RawQuery = u.RawQuery
	return u2.String(), nil
}

func derivedPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[idx:]
	}
	return "/"
}

func errorResponse(requestID string, status int, detail string) *relay.HTTPResponseEnvelope {
	return &relay.HTTPResponseEnvelope{
		RequestID:    requestID,
		StatusCode:   status,
		Headers:      relay.HTTPHeaders{"Content-Type": "text/plain"},
		Body:         []byte(detail),
		ErrorMessage: detail,
	}
}
