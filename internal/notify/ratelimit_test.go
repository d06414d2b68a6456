package notify

import (
	"testing"
	"time"
)

func TestSlidingWindowEnforcesLimit(t *testing.T) {
	w := newSlidingWindow(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !w.Allow("+15551230001") {
			t.Fatalf("send %d should be allowed", i+1)
		}
	}
	if w.Allow("+15551230001") {
		t.Fatal("4th send inside window should be refused")
	}
	if !w.Allow("+15551230002") {
		t.Fatal("different key should not share the limit")
	}
}

func TestSlidingWindowRemaining(t *testing.T) {
	w := newSlidingWindow(3, time.Hour)

	if got := w.Remaining("+15551230001"); got != 3 {
		t.Fatalf("fresh key remaining = %d, want 3", got)
	}
	w.Allow("+15551230001")
	w.Allow("+15551230001")
	if got := w.Remaining("+15551230001"); got != 1 {
		t.Fatalf("after 2 sends remaining = %d, want 1", got)
	}
	w.Allow("+15551230001")
	if got := w.Remaining("+15551230001"); got != 0 {
		t.Fatalf("at limit remaining = %d, want 0", got)
	}
}

func TestSlidingWindowRecovers(t *testing.T) {
	w := newSlidingWindow(1, 40*time.Millisecond)

	if !w.Allow("key") {
		t.Fatal("first send should be allowed")
	}
	// Refusals must not extend the window.
	for i := 0; i < 3; i++ {
		if w.Allow("key") {
			t.Fatal("send inside window should be refused")
		}
	}
	time.Sleep(60 * time.Millisecond)
	if !w.Allow("key") {
		t.Fatal("send after window elapsed should be allowed")
	}
}

func TestSlidingWindowDisabled(t *testing.T) {
	w := newSlidingWindow(0, time.Minute)

	for i := 0; i < 50; i++ {
		if !w.Allow("key") {
			t.Fatal("disabled limiter should always allow")
		}
	}
	if got := w.Remaining("key"); got != -1 {
		t.Fatalf("disabled limiter Remaining = %d, want -1", got)
	}
}
