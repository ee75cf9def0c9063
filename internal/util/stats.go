package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide connection/message counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative count of connections since process start
	ClosedConns atomic.Int64 // cumulative count of closed connections since process start
	Matches     atomic.Int64 // cumulative count of pairings
	Relayed     atomic.Int64 // cumulative count of forwarded signaling messages
}

func (s *stats) AddConn()    { s.TotalConns.Add(1) }
func (s *stats) RemoveConn() { s.ClosedConns.Add(1) }
func (s *stats) AddMatch()   { s.Matches.Add(1) }
func (s *stats) AddRelayed() { s.Relayed.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// PoolGauge returns the current number of waiting connections and pairs.
type PoolGauge func() (waiting, pairs int)

// StartStatsReporter launches a goroutine that logs relay statistics every
// interval. Quiet intervals are skipped. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration, gauge PoolGauge) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevTotal, prevClosed, prevMatches, prevRelayed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				matches := Stats.Matches.Load()
				relayed := Stats.Relayed.Load()
				waiting, pairs := gauge()

				inC := total - prevTotal
				outC := closed - prevClosed
				newM := matches - prevMatches
				newR := relayed - prevRelayed

				if inC > 0 || outC > 0 || newM > 0 || newR > 0 {
					pterm.DefaultLogger.Info(formatStats(inC, outC, newM, newR, waiting, pairs))
				}

				prevTotal = total
				prevClosed = closed
				prevMatches = matches
				prevRelayed = relayed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the interval deltas and the
// current pool size for display in the logger.
func formatStats(inC, outC, matches, relayed int64, waiting, pairs int) string {
	return fmt.Sprintf("Conn: %2d↑ %2d↓ | Matched: %3d | Relayed: %5d | Waiting: %3d | Pairs: %4d",
		inC,
		outC,
		matches,
		relayed,
		waiting,
		pairs,
	)
}
