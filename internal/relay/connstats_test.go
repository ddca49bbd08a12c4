package relay

import "testing"

func TestConnStats(t *testing.T) {
	var s ConnStats
	if s.Open() != 0 || s.Total() != 0 {
		t.Fatalf("zero value should be 0/0, got %s", &s)
	}

	s.Opened()
	s.Opened()
	if s.Open() != 2 || s.Total() != 2 {
		t.Fatalf("after two Opened, got open=%d total=%d", s.Open(), s.Total())
	}

	s.Closed()
	if s.Open() != 1 || s.Total() != 2 {
		t.Fatalf("after one Closed, got open=%d total=%d", s.Open(), s.Total())
	}

	s.Opened()
	if s.Open() != 2 || s.Total() != 3 {
		t.Fatalf("after another Opened, got open=%d total=%d", s.Open(), s.Total())
	}
}
