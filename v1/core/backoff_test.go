package core

import (
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
)

func TestDefaultBackoffSchedule(t *testing.T) {
	want := []time.Duration{6, 8, 10, 12, 24, 30, 30, 30, 30}
	b := scheduleBackoff(DefaultBackoffSchedule)
	for i, w := range want {
		d, stop := b.Next()
		if stop {
			t.Fatalf("backoff stopped at attempt %d", i)
		}
		if d != w*time.Second {
			t.Fatalf("attempt %d: expected %s, got %s", i, w*time.Second, d)
		}
	}
	// no cap by default
	for i := 0; i < 1000; i++ {
		if _, stop := b.Next(); stop {
			t.Fatal("default backoff must never stop")
		}
	}
}

func TestBackoffAtClampsToLastEntry(t *testing.T) {
	schedule := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	if d := backoffAt(schedule, 0); d != time.Millisecond {
		t.Fatalf("unexpected %s", d)
	}
	if d := backoffAt(schedule, 5); d != 2*time.Millisecond {
		t.Fatalf("unexpected %s", d)
	}
}

func TestBackoffWithMaxRetries(t *testing.T) {
	b := retry.WithMaxRetries(2, scheduleBackoff(DefaultBackoffSchedule))
	for i := 0; i < 2; i++ {
		if _, stop := b.Next(); stop {
			t.Fatalf("stopped early at %d", i)
		}
	}
	if _, stop := b.Next(); !stop {
		t.Fatal("expected stop after max retries")
	}
}
