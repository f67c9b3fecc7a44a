package daemon

import (
	"context"
	"log"
	"time"
)

// Witness watches worker liveness independently of the dispatch loop, so a
// stalled worker is reclaimed even when no dispatch activity is happening.
// Reclaims go through the dispatcher and are idempotent; the witness and a
// concurrent tick racing over the same stall resolve to a single reclaim.
type Witness struct {
	dispatcher *Dispatcher
	interval   time.Duration

	logger   *log.Logger
	logLevel LogLevel
}

func NewWitness(dispatcher *Dispatcher, staleAfterSec int, logger *log.Logger, logLevel LogLevel) *Witness {
	if staleAfterSec <= 0 {
		staleAfterSec = 30
	}
	// Scanning at half the threshold bounds detection latency to 1.5x the
	// configured staleness.
	return &Witness{
		dispatcher: dispatcher,
		interval:   time.Duration(staleAfterSec) * time.Second / 2,
		logger:     logger,
		logLevel:   logLevel,
	}
}

// Scan reclaims every stalled assignment. Returns the number reclaimed.
func (w *Witness) Scan() int {
	reclaimed := w.dispatcher.ReclaimStale()
	if reclaimed > 0 {
		w.log(LogLevelWarn, "scan reclaimed=%d", reclaimed)
	} else {
		w.log(LogLevelDebug, "scan reclaimed=0")
	}
	return reclaimed
}

// Run scans on a ticker until the context is cancelled.
func (w *Witness) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan()
		}
	}
}

func (w *Witness) log(level LogLevel, format string, args ...any) {
	logWith(w.logger, w.logLevel, level, "witness", format, args...)
}
