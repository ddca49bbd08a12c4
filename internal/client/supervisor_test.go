package client

import (
	"testing"
	"time"
)

func TestJitterStaysWithinConfiguredRange(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 1000; i++ {
		got := jitter(base)
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		if got < lo || got > hi {
			t.Fatalf("jitter(%s) = %s, want in [%s, %s]", base, got, lo, hi)
		}
	}
}

func TestNormalizeServerURLSwapsScheme(t *testing.T) {
	cases := map[string]string{
		"example.com":          "ws://example.com",
		"http://example.com":   "ws://example.com",
		"https://example.com":  "wss://example.com",
	}
	for in, want := range cases {
		u, err := normalizeServerURL(in)
		if err != nil {
			t.Fatalf("normalizeServerURL(%q): %s", in, err)
		}
		if u.String() != want {
			t.Errorf("normalizeServerURL(%q) = %q, want %q", in, u.String(), want)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateConnected:  "connected",
		StateDraining:   "draining",
		StateBackoff:    "backoff",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
