package registry

import (
	"testing"
	"time"

	"github.com/pgrok/pgrok/internal/relay"
)

type fakeTunnel struct {
	id           string
	kind         string
	lastActivity time.Time
	closed       bool
}

func (f *fakeTunnel) ID() string                 { return f.id }
func (f *fakeTunnel) Kind() string                { return f.kind }
func (f *fakeTunnel) LastActivity() time.Time     { return f.lastActivity }
func (f *fakeTunnel) RequestCount() int64         { return 0 }
func (f *fakeTunnel) OpenSubStreams() int64       { return 0 }
func (f *fakeTunnel) Close() error                { f.closed = true; return nil }

func newFakeTunnel(id string) *fakeTunnel {
	return &fakeTunnel{id: id, kind: "http", lastActivity: time.Now()}
}

func testLogger() relay.Logger {
	return relay.NewLogger("test", relay.LogLevelError)
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(testLogger(), false)
	tun := newFakeTunnel("abc")
	if err := r.Register(tun); err != nil {
		t.Fatalf("Register: %s", err)
	}
	got, err := r.Lookup("abc")
	if err != nil {
		t.Fatalf("Lookup: %s", err)
	}
	if got != tun {
		t.Fatalf("Lookup returned a different tunnel")
	}
}

func TestRegisterDuplicateIDFails(t *testing.T) {
	r := New(testLogger(), false)
	if err := r.Register(newFakeTunnel("dup")); err != nil {
		t.Fatalf("first Register: %s", err)
	}
	if err := r.Register(newFakeTunnel("dup")); err != relay.ErrIDInUse {
		t.Fatalf("second Register = %v, want ErrIDInUse", err)
	}
}

func TestLookupUnknownFails(t *testing.T) {
	r := New(testLogger(), false)
	if _, err := r.Lookup("nope"); err != relay.ErrNotFound {
		t.Fatalf("Lookup = %v, want ErrNotFound", err)
	}
}

func TestSingleTunnelModeRejectsSecond(t *testing.T) {
	r := New(testLogger(), true)
	if err := r.Register(newFakeTunnel("first")); err != nil {
		t.Fatalf("first Register: %s", err)
	}
	if err := r.Register(newFakeTunnel("second")); err != relay.ErrSingleTunnelOccupied {
		t.Fatalf("second Register = %v, want ErrSingleTunnelOccupied", err)
	}
}

func TestSingleTunnelModeLookupIgnoresID(t *testing.T) {
	r := New(testLogger(), true)
	tun := newFakeTunnel("real-id")
	if err := r.Register(tun); err != nil {
		t.Fatalf("Register: %s", err)
	}
	got, err := r.Lookup("whatever-the-caller-asked-for")
	if err != nil {
		t.Fatalf("Lookup: %s", err)
	}
	if got != tun {
		t.Fatal("single-tunnel mode should ignore the requested id")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New(testLogger(), false)
	r.Register(newFakeTunnel("x"))
	if !r.Remove("x") {
		t.Fatal("first Remove should report true")
	}
	if r.Remove("x") {
		t.Fatal("second Remove should report false")
	}
}

func TestReapIdle(t *testing.T) {
	r := New(testLogger(), false)
	stale := newFakeTunnel("stale")
	stale.lastActivity = time.Now().Add(-time.Hour)
	fresh := newFakeTunnel("fresh")

	r.Register(stale)
	r.Register(fresh)

	reaped := r.ReapIdle(time.Now().Add(-time.Minute))
	if len(reaped) != 1 || reaped[0].ID != "stale" {
		t.Fatalf("ReapIdle returned %v, want [stale]", reaped)
	}
	if !stale.closed {
		t.Fatal("reaped tunnel should have been closed")
	}
	if r.Len() != 1 {
		t.Fatalf("registry has %d tunnels left, want 1", r.Len())
	}
	if _, err := r.Lookup("fresh"); err != nil {
		t.Fatalf("fresh tunnel should remain registered: %s", err)
	}
}

func TestSnapshotSortedByID(t *testing.T) {
	r := New(testLogger(), false)
	r.Register(newFakeTunnel("b"))
	r.Register(newFakeTunnel("a"))
	r.Register(newFakeTunnel("c"))

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("got %d entries, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].ID > snap[i].ID {
			t.Fatalf("snapshot not sorted: %v", snap)
		}
	}
}
