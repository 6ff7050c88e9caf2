package background

import (
	"context"
	"testing"

	"github.com/timspizza/swiftpan/internal/events"
)

type fakeCounter struct{ n int }

func (f fakeCounter) ActiveCount() int { return f.n }

func TestEmitStatsReportsActiveCounts(t *testing.T) {
	sink := events.NewRecordingSink()
	ticker := NewTicker(sink, nil, nil, fakeCounter{n: 2}, fakeCounter{n: 1}, func() int64 { return 1234 })

	ticker.emitStats()

	recorded := sink.Events[events.ChannelBackgroundStats]
	if len(recorded) != 1 {
		t.Fatalf("len(recorded) = %d, want 1", len(recorded))
	}
	stats, ok := recorded[0].(events.BackgroundStats)
	if !ok {
		t.Fatalf("recorded[0] has type %T, want events.BackgroundStats", recorded[0])
	}
	if stats.ActiveUploads != 2 || stats.ActiveDownloads != 1 {
		t.Errorf("stats = %+v, want ActiveUploads=2 ActiveDownloads=1", stats)
	}
	if stats.AtUnixMillis != 1234 {
		t.Errorf("stats.AtUnixMillis = %d, want 1234", stats.AtUnixMillis)
	}
}

func TestEmitStatsWithNoCountersEmitsZeros(t *testing.T) {
	sink := events.NewRecordingSink()
	ticker := NewTicker(sink, nil, nil, nil, nil, func() int64 { return 0 })

	ticker.emitStats()

	recorded := sink.Events[events.ChannelBackgroundStats]
	if len(recorded) != 1 {
		t.Fatalf("len(recorded) = %d, want 1", len(recorded))
	}
	stats := recorded[0].(events.BackgroundStats)
	if stats.ActiveUploads != 0 || stats.ActiveDownloads != 0 {
		t.Errorf("stats = %+v, want zeros", stats)
	}
}

func TestFlushPendingWithNilLedgerIsNoop(t *testing.T) {
	ticker := NewTicker(events.NoopSink{}, nil, nil, nil, nil, func() int64 { return 0 })
	ticker.flushPending(context.Background())
}
