package scheduler

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	b := Backoff{Attempts: 5, Base: 25 * time.Millisecond, Factor: 2}

	want := []time.Duration{
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}
	for attempt, expected := range want {
		if got := b.Delay(attempt); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := DefaultBackoff
	for attempt := 0; attempt < b.Attempts; attempt++ {
		base := float64(b.Base)
		for i := 0; i < attempt; i++ {
			base *= b.Factor
		}
		lo := time.Duration(base * (1 - b.Jitter))
		hi := time.Duration(base * (1 + b.Jitter))
		for i := 0; i < 100; i++ {
			if got := b.Delay(attempt); got < lo || got > hi {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}
