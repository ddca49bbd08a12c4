package relay

// HTTPHeaders is a case-insensitive-on-the-wire header map. Header
// names are compared case-insensitively by CanonicalHeaderKey when
// copied to/from net/http.
type HTTPHeaders map[string]string

// hopByHopHeaders are stripped before an envelope is reissued as a real
// HTTP request or response, per spec §8 "Boundary behaviors".
var hopByHopHeaders = map[string]bool{
	"host":           true,
	"connection":     true,
	"content-length": true,
}

// IsHopByHop reports whether a header name must be stripped before
// reissue: the fixed set above, plus anything starting with ":" (HTTP/2
// pseudo-headers).
func IsHopByHop(name string) bool {
	if len(name) > 0 && name[0] == ':' {
		return true
	}
	return hopByHopHeaders[lowerASCII(name)]
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// HTTPRequestEnvelope is the canonical byte-body HTTP request variant
// (spec §9 Open Question a). Body is always base64 in this variant.
type HTTPRequestEnvelope struct {
	RequestID           string      `json:"requestId"`
	Method              string      `json:"method"`
	URL                 string      `json:"url"`
	Headers             HTTPHeaders `json:"headers"`
	Body                []byte      `json:"body"`
	IsWebSocketRequest  bool        `json:"isWebSocketRequest"`
	IsBlazorRequest     bool        `json:"isBlazorRequest"`
}

// HTTPResponseEnvelope is the canonical byte-body HTTP response variant.
type HTTPResponseEnvelope struct {
	RequestID    string      `json:"requestId"`
	StatusCode   int         `json:"statusCode"`
	Headers      HTTPHeaders `json:"headers"`
	Body         []byte      `json:"body"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

// TCPEnvelopeType enumerates the TCP sub-stream frame types (spec §4.5).
type TCPEnvelopeType string

const (
	TCPEnvelopeInit    TCPEnvelopeType = "init"
	TCPEnvelopeData    TCPEnvelopeType = "data"
	TCPEnvelopeClose   TCPEnvelopeType = "close"
	TCPEnvelopeError   TCPEnvelopeType = "error"
	TCPEnvelopeControl TCPEnvelopeType = "control"
)

// HeartbeatConnectionID is the reserved ConnectionID carried by a
// TCPEnvelopeControl heartbeat frame (spec §4.5 "Heartbeat").
const HeartbeatConnectionID = "heartbeat"

// TCPEnvelope carries one TCP mux frame; Data is base64 on the wire,
// decoded to raw bytes once parsed (spec §3 "TCP envelope").
type TCPEnvelope struct {
	Type         TCPEnvelopeType `json:"type"`
	ConnectionID string          `json:"connectionId"`
	Data         []byte          `json:"data,omitempty"`
	Host         string          `json:"host,omitempty"`
	Port         int             `json:"port,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// WSRelayFrame carries one relayed WebSocket data chunk or close signal
// between the public-side socket and the client (spec §4.1 $wsrelay$).
type WSRelayFrame struct {
	ConnectionID string `json:"connectionId"`
	Data         []byte `json:"data,omitempty"`
	Close        bool   `json:"close,omitempty"`
}
