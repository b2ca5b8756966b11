package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewAt(at)
	b := NewAt(at)
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
	if len(a) != 26 {
		t.Fatalf("unexpected id length %d", len(a))
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := Time(NewAt(at))
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("Time()=%v, want %v", got, at)
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	if _, err := Time("not-an-id"); err == nil {
		t.Fatal("expected error")
	}
}
