package clock_test

import (
	"testing"
	"time"

	"pkt.systems/xfer/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 21, 5, 32, 35, 0, time.UTC)
	clk := clock.NewManual(start)
	if got := clk.Now(); !got.Equal(start) {
		t.Fatalf("Now()=%v want %v", got, start)
	}
	if got := clk.Advance(time.Hour); !got.Equal(start.Add(time.Hour)) {
		t.Fatalf("Advance()=%v", got)
	}
	if got := clk.Advance(-time.Minute); !got.Equal(start.Add(time.Hour)) {
		t.Fatalf("negative advance moved clock: %v", got)
	}
}

func TestOrReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.OrReal(nil).(clock.Real); !ok {
		t.Fatalf("expected Real for nil clock")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if clock.OrReal(manual) != manual {
		t.Fatalf("expected manual clock to pass through")
	}
}

