// Package background runs the periodic, cron-driven collaborators named in
// spec §6's event table: a background_stats ticker (a stub summary; no
// scheduling decisions are made from its contents) and the usage ledger's
// flush-pending sweep.
package background

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/timspizza/swiftpan/infrastructure/logging"
	"github.com/timspizza/swiftpan/internal/events"
	"github.com/timspizza/swiftpan/internal/usage"
)

// statsSchedule publishes background_stats roughly every 10 seconds — a
// stub summary, not a control input.
const statsSchedule = "@every 10s"

// flushSchedule periodically sweeps any local usage deltas into the remote
// ledger, independent of the startup flush.
const flushSchedule = "@every 5m"

// ActiveCounter reports a transfer engine's currently active transfer
// count. internal/upload.Engine and internal/download.Engine both satisfy
// this via their ActiveCount method.
type ActiveCounter interface {
	ActiveCount() int
}

// Ticker owns the process's cron schedule.
type Ticker struct {
	cron   *cron.Cron
	sink   events.Sink
	ledger *usage.Ledger
	logger *logging.Logger

	uploads   ActiveCounter
	downloads ActiveCounter

	nowMillis func() int64
}

// NewTicker builds a Ticker. uploads/downloads may be nil if that engine
// isn't wired yet; nowMillis lets tests supply a deterministic clock.
func NewTicker(sink events.Sink, ledger *usage.Ledger, logger *logging.Logger, uploads, downloads ActiveCounter, nowMillis func() int64) *Ticker {
	return &Ticker{
		cron:      cron.New(),
		sink:      sink,
		ledger:    ledger,
		logger:    logger,
		uploads:   uploads,
		downloads: downloads,
		nowMillis: nowMillis,
	}
}

// Start schedules the periodic jobs and begins running them in the
// background. Call Stop to shut down cleanly.
func (t *Ticker) Start(ctx context.Context) error {
	if _, err := t.cron.AddFunc(statsSchedule, func() { t.emitStats() }); err != nil {
		return err
	}
	if _, err := t.cron.AddFunc(flushSchedule, func() { t.flushPending(ctx) }); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for any in-flight job to finish.
func (t *Ticker) Stop() {
	<-t.cron.Stop().Done()
}

func (t *Ticker) emitStats() {
	if t.sink == nil {
		return
	}
	stats := events.BackgroundStats{AtUnixMillis: t.nowMillis()}
	if t.uploads != nil {
		stats.ActiveUploads = t.uploads.ActiveCount()
	}
	if t.downloads != nil {
		stats.ActiveDownloads = t.downloads.ActiveCount()
	}
	t.sink.Emit(events.ChannelBackgroundStats, stats)
}

func (t *Ticker) flushPending(ctx context.Context) {
	if t.ledger == nil {
		return
	}
	if err := t.ledger.FlushPending(ctx); err != nil && t.logger != nil {
		t.logger.Warn(ctx, "background usage ledger flush failed", map[string]interface{}{"error": err.Error()})
	}
}
