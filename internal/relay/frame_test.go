package relay

import (
	"testing"
)

func TestEncodeDecodePingPong(t *testing.T) {
	for _, kind := range []FrameKind{FrameKindPing, FrameKindPong} {
		raw, err := EncodeFrame(Frame{Kind: kind})
		if err != nil {
			t.Fatalf("encode %s: %s", kind, err)
		}
		got, err := DecodeFrame(raw)
		if err != nil {
			t.Fatalf("decode %s: %s", kind, err)
		}
		if got.Kind != kind {
			t.Fatalf("got kind %s, want %s", got.Kind, kind)
		}
	}
}

func TestEncodeDecodeHTTPRequestRoundTrip(t *testing.T) {
	req := &HTTPRequestEnvelope{
		RequestID: "req-1",
		Method:    "POST",
		URL:       "/abc/def?x=1",
		Headers:   HTTPHeaders{"Content-Type": "application/json"},
		Body:      []byte(`{"hello":"world"}`),
	}
	raw, err := EncodeFrame(Frame{Kind: FrameKindHTTPRequest, HTTPRequest: req})
	if err != nil {
		t.Fatalf("encode: %s", err)
	}
	got, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if got.Kind != FrameKindHTTPRequest {
		t.Fatalf("got kind %s, want http-request", got.Kind)
	}
	if got.HTTPRequest.RequestID != req.RequestID || got.HTTPRequest.Method != req.Method || got.HTTPRequest.URL != req.URL {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got.HTTPRequest, req)
	}
	if string(got.HTTPRequest.Body) != string(req.Body) {
		t.Fatalf("body mismatch: got %q, want %q", got.HTTPRequest.Body, req.Body)
	}
}

func TestEncodeDecodeHTTPResponseRoundTrip(t *testing.T) {
	resp := &HTTPResponseEnvelope{
		RequestID:  "req-2",
		StatusCode: 200,
		Headers:    HTTPHeaders{"Content-Type": "text/plain"},
		Body:       []byte("ok"),
	}
	raw, err := EncodeFrame(Frame{Kind: FrameKindHTTPResponse, HTTPResponse: resp})
	if err != nil {
		t.Fatalf("encode: %s", err)
	}
	got, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if got.Kind != FrameKindHTTPResponse {
		t.Fatalf("got kind %s, want http-response", got.Kind)
	}
	if got.HTTPResponse.StatusCode != 200 || string(got.HTTPResponse.Body) != "ok" {
		t.Fatalf("round trip mismatch: %+v", got.HTTPResponse)
	}
}

func TestDecodeLegacyStringBodyRequest(t *testing.T) {
	raw := `{"requestId":"req-3","method":"GET","url":"/x","headers":{},"body":"plain text body"}`
	got, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if got.Kind != FrameKindHTTPRequest {
		t.Fatalf("got kind %s, want http-request", got.Kind)
	}
	if string(got.HTTPRequest.Body) != "plain text body" {
		t.Fatalf("got body %q, want %q", got.HTTPRequest.Body, "plain text body")
	}
}

func TestEncodeDecodeDispatchRoundTrip(t *testing.T) {
	req := &HTTPRequestEnvelope{RequestID: "req-4", Method: "GET", URL: "/sibling/path"}
	raw, err := EncodeFrame(Frame{Kind: FrameKindDispatch, HTTPRequest: req})
	if err != nil {
		t.Fatalf("encode: %s", err)
	}
	got, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if got.Kind != FrameKindDispatch || got.HTTPRequest.RequestID != "req-4" {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeDecodeTCPEnvelopeRoundTrip(t *testing.T) {
	env := &TCPEnvelope{Type: TCPEnvelopeData, ConnectionID: "conn-1", Data: []byte{1, 2, 3}}
	raw, err := EncodeFrame(Frame{Kind: FrameKindTCP, TCP: env})
	if err != nil {
		t.Fatalf("encode: %s", err)
	}
	got, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if got.Kind != FrameKindTCP || got.TCP.ConnectionID != "conn-1" || len(got.TCP.Data) != 3 {
		t.Fatalf("got %+v", got.TCP)
	}
}

func TestDecodeFrameMalformedIsError(t *testing.T) {
	if _, err := DecodeFrame("not json at all"); err == nil {
		t.Fatal("expected an error for malformed input")
	}
	if _, err := DecodeFrame(`{"unrelated":"shape"}`); err == nil {
		t.Fatal("expected an error for an unrecognized envelope shape")
	}
}

func TestIsHopByHop(t *testing.T) {
	cases := map[string]bool{
		"Host":          true,
		"Connection":    true,
		"Content-Length": true,
		":method":       true,
		"X-Custom":      false,
		"Authorization": false,
	}
	for name, want := range cases {
		if got := IsHopByHop(name); got != want {
			t.Errorf("IsHopByHop(%q) = %v, want %v", name, got, want)
		}
	}
}
