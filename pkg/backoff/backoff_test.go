package backoff_test

import (
	"testing"
	"time"

	"github.com/a-essam23/go-uplink/pkg/backoff"
)

func TestDelayDoubles(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, expected := range want {
		if got := backoff.Delay(base, max, attempt); got != expected {
			t.Errorf("Delay(attempt=%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestDelayNeverExceedsMax(t *testing.T) {
	base := 500 * time.Millisecond
	max := 45 * time.Second

	for attempt := 0; attempt < 1000; attempt++ {
		if got := backoff.Delay(base, max, attempt); got > max {
			t.Fatalf("Delay(attempt=%d) = %v exceeds max %v", attempt, got, max)
		}
	}
}

func TestDelayHugeAttemptDoesNotOverflow(t *testing.T) {
	got := backoff.Delay(time.Second, 30*time.Second, 1<<30)
	if got != 30*time.Second {
		t.Errorf("expected capped delay, got %v", got)
	}
}

func TestDelayDegenerateInputs(t *testing.T) {
	if got := backoff.Delay(0, time.Second, 3); got != 0 {
		t.Errorf("zero base should yield 0, got %v", got)
	}
	if got := backoff.Delay(time.Second, 0, 3); got != 0 {
		t.Errorf("zero max should yield 0, got %v", got)
	}
	if got := backoff.Delay(time.Minute, time.Second, 0); got != time.Second {
		t.Errorf("base above max should clamp to max, got %v", got)
	}
	if got := backoff.Delay(time.Second, time.Minute, -5); got != time.Second {
		t.Errorf("negative attempt should behave like 0, got %v", got)
	}
}
