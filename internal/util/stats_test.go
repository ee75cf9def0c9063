package util

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestFormatStats(t *testing.T) {
	got := formatStats(3, 1, 2, 40, 5, 7)
	for _, want := range []string{"3↑", "1↓", "Matched:   2", "Relayed:    40", "Waiting:   5", "Pairs:    7"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatStats() = %q, missing %q", got, want)
		}
	}
}

func TestStartStatsReporterDisabled(t *testing.T) {
	called := false
	StartStatsReporter(context.Background(), 0, func() (int, int) {
		called = true
		return 0, 0
	})
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatal("reporter should not run with a zero interval")
	}
}

func TestStartStatsReporterPollsGauge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	polled := make(chan struct{}, 1)
	StartStatsReporter(ctx, 5*time.Millisecond, func() (int, int) {
		select {
		case polled <- struct{}{}:
		default:
		}
		return 0, 0
	})

	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("gauge was never polled")
	}
}
