package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestControlledSleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewControlled(start)
	if err := c.Sleep(context.Background(), 250*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	c.Advance(time.Second)
	if got := c.Now().Sub(start); got != 1250*time.Millisecond {
		t.Fatalf("elapsed=%s", got)
	}
	if s := c.Sleeps(); len(s) != 1 || s[0] != 250*time.Millisecond {
		t.Fatalf("sleeps=%v", s)
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (System{}).Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := NewControlled(time.Time{}).Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
