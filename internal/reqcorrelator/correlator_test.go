package reqcorrelator

import (
	"errors"
	"testing"
	"time"

	"github.com/pgrok/pgrok/internal/relay"
)

func testLogger() relay.Logger {
	return relay.NewLogger("test", relay.LogLevelError)
}

func TestInsertAndComplete(t *testing.T) {
	c := New(testLogger())
	ch, ok := c.Insert("req-1", time.Now().Add(time.Minute))
	if !ok {
		t.Fatal("Insert should succeed for a fresh id")
	}

	resp := &relay.HTTPResponseEnvelope{RequestID: "req-1", StatusCode: 200}
	if !c.Complete("req-1", resp) {
		t.Fatal("Complete should succeed for a pending id")
	}

	select {
	case res := <-ch:
		if res.Response != resp {
			t.Fatalf("got response %+v, want %+v", res.Response, resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the completion to arrive")
	}
}

func TestDuplicateInsertIsRejected(t *testing.T) {
	c := New(testLogger())
	if _, ok := c.Insert("dup", time.Now().Add(time.Minute)); !ok {
		t.Fatal("first Insert should succeed")
	}
	if _, ok := c.Insert("dup", time.Now().Add(time.Minute)); ok {
		t.Fatal("second Insert with the same id should fail")
	}
}

func TestCompleteAfterTimeoutIsDiscarded(t *testing.T) {
	c := New(testLogger())
	ch, ok := c.Insert("req-2", time.Now().Add(10*time.Millisecond))
	if !ok {
		t.Fatal("Insert should succeed")
	}

	select {
	case res := <-ch:
		if res.Err != relay.ErrRequestTimedOut {
			t.Fatalf("got err %v, want ErrRequestTimedOut", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the automatic timeout")
	}

	if c.Complete("req-2", &relay.HTTPResponseEnvelope{RequestID: "req-2"}) {
		t.Fatal("Complete should fail once the request has already timed out")
	}
}

func TestFailDeliversErrorOnce(t *testing.T) {
	c := New(testLogger())
	ch, _ := c.Insert("req-3", time.Now().Add(time.Minute))
	want := errors.New("disconnected")
	if !c.Fail("req-3", want) {
		t.Fatal("Fail should succeed for a pending id")
	}
	if c.Fail("req-3", want) {
		t.Fatal("second Fail for the same id should report false")
	}
	res := <-ch
	if res.Err != want {
		t.Fatalf("got err %v, want %v", res.Err, want)
	}
}

func TestDrainFailsAllPending(t *testing.T) {
	c := New(testLogger())
	ch1, _ := c.Insert("a", time.Now().Add(time.Minute))
	ch2, _ := c.Insert("b", time.Now().Add(time.Minute))

	c.Drain(relay.ErrTunnelDisconnected)

	for _, ch := range []<-chan Result{ch1, ch2} {
		res := <-ch
		if res.Err != relay.ErrTunnelDisconnected {
			t.Fatalf("got err %v, want ErrTunnelDisconnected", res.Err)
		}
	}
	if c.Len() != 0 {
		t.Fatalf("correlator has %d pending after drain, want 0", c.Len())
	}
}
