// Package download implements the ranged resumable Download Engine (spec
// §4.5): Preflight (HEAD + ETag pin) → chunked ranged GET loop → atomic
// rename from a sibling .part file.
package download

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timspizza/swiftpan/infrastructure/errors"
	"github.com/timspizza/swiftpan/infrastructure/logging"
	"github.com/timspizza/swiftpan/infrastructure/metrics"
	"github.com/timspizza/swiftpan/internal/events"
	"github.com/timspizza/swiftpan/internal/objectstore"
	"github.com/timspizza/swiftpan/internal/usage"
)

// minChunkSize is the lower bound clamp on requested chunk sizes (spec §4.5).
const minChunkSize = 1 << 20

const pausePollInterval = 150 * time.Millisecond

// State tags a transfer's position in the download state machine.
type State string

const (
	StatePreflight State = "Preflight"
	StateRunning   State = "Running"
	StatePaused    State = "Paused"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// StartRequest describes a new download.
type StartRequest struct {
	Key           string
	Dest          string
	ChunkSize     int64
	ExpectedETag  string // optional; checked against the preflight HEAD
}

// Status is the point-in-time snapshot returned by Engine.Status.
type Status struct {
	State        State
	BytesTotal   int64 // -1 when the server reports no Content-Length
	BytesDone    int64
	RateBps      float64
	ETAMillis    *int64
	ObservedETag string
	LastError    string
}

type transfer struct {
	mu sync.Mutex

	id    string
	key   string
	dest  string
	state State

	bytesTotal int64
	bytesDone  int64
	lastErr    error

	paused    bool
	cancelled bool

	observedETag string
	startedAt    time.Time
}

func (t *transfer) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startedAt).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(t.bytesDone) / elapsed
	}
	var eta *int64
	if t.bytesTotal > 0 && rate > 0 && t.bytesDone < t.bytesTotal {
		remaining := float64(t.bytesTotal-t.bytesDone) / rate
		ms := int64(remaining * 1000)
		eta = &ms
	}
	lastErr := ""
	if t.lastErr != nil {
		lastErr = t.lastErr.Error()
	}
	return Status{
		State:        t.state,
		BytesTotal:   t.bytesTotal,
		BytesDone:    t.bytesDone,
		RateBps:      rate,
		ETAMillis:    eta,
		ObservedETag: t.observedETag,
		LastError:    lastErr,
	}
}

// Engine runs downloads against one object-store client.
type Engine struct {
	mu        sync.Mutex
	transfers map[string]*transfer

	store  *objectstore.Client
	ledger *usage.Ledger
	sink   events.Sink

	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewEngine builds an Engine. sink may be events.NoopSink{} when no UI is
// attached.
func NewEngine(store *objectstore.Client, ledger *usage.Ledger, sink events.Sink, m *metrics.Metrics, logger *logging.Logger) *Engine {
	return &Engine{
		transfers: make(map[string]*transfer),
		store:     store,
		ledger:    ledger,
		sink:      sink,
		metrics:   m,
		logger:    logger,
	}
}

// StartDownload implements start_download (spec §4.5). It spawns an
// independent goroutine for the transfer and returns immediately.
func (e *Engine) StartDownload(ctx context.Context, req StartRequest) (string, error) {
	if req.Key == "" || req.Dest == "" {
		return "", errors.NotRetriable("start download", nil).WithContext("reason", "key and dest are required")
	}

	chunkSize := req.ChunkSize
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}

	t := &transfer{
		id:        uuid.NewString(),
		key:       req.Key,
		dest:      req.Dest,
		state:     StatePreflight,
		startedAt: time.Now(),
	}

	e.mu.Lock()
	e.transfers[t.id] = t
	e.mu.Unlock()

	go e.run(ctx, t, req, chunkSize)

	return t.id, nil
}

// Pause requests the transfer pause at its next chunk boundary.
func (e *Engine) Pause(id string) error {
	t := e.get(id)
	if t == nil {
		return errors.NotRetriable("pause", nil).WithContext("transfer_id", id)
	}
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
	return nil
}

// Resume clears a pause.
func (e *Engine) Resume(id string) error {
	t := e.get(id)
	if t == nil {
		return errors.NotRetriable("resume", nil).WithContext("transfer_id", id)
	}
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	return nil
}

// Cancel requests the transfer abort at its next checkpoint.
func (e *Engine) Cancel(id string) error {
	t := e.get(id)
	if t == nil {
		return errors.NotRetriable("cancel", nil).WithContext("transfer_id", id)
	}
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	return nil
}

// Status returns a point-in-time snapshot of a transfer.
func (e *Engine) Status(id string) (Status, error) {
	t := e.get(id)
	if t == nil {
		return Status{}, errors.NotRetriable("status", nil).WithContext("transfer_id", id)
	}
	return t.snapshot(), nil
}

func (e *Engine) get(id string) *transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transfers[id]
}

// ActiveCount returns the number of transfers currently Running or Paused,
// for the background stats ticker.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.transfers {
		t.mu.Lock()
		switch t.state {
		case StateRunning, StatePaused:
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func (e *Engine) emit(kind events.DownloadEventKind, t *transfer, errMsg string) {
	if e.sink == nil {
		return
	}
	st := t.snapshot()
	e.sink.Emit(events.ChannelDownload, events.DownloadEvent{
		Kind:       kind,
		TransferID: t.id,
		BytesDone:  st.BytesDone,
		BytesTotal: st.BytesTotal,
		Error:      errMsg,
	})
}

// emitProgress publishes a ChunkProgress event carrying just this range
// read's own byte count, ahead of the cumulative ChunkDone event.
func (e *Engine) emitProgress(t *transfer, chunkBytes int64) {
	if e.sink == nil {
		return
	}
	st := t.snapshot()
	e.sink.Emit(events.ChannelDownload, events.DownloadEvent{
		Kind:             events.DownloadChunkProgress,
		TransferID:       t.id,
		BytesTransferred: chunkBytes,
		BytesDone:        st.BytesDone,
		BytesTotal:       st.BytesTotal,
	})
}

// partPath is the sibling .part file a download streams into before the
// atomic rename to dest (spec §4.5).
func partPath(dest string) string {
	return dest + ".part"
}

// run drives one transfer's preflight + ranged-read loop (spec §4.5).
func (e *Engine) run(ctx context.Context, t *transfer, req StartRequest, chunkSize int64) {
	info, err := e.store.Stat(ctx, req.Key)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}
	if e.ledger != nil {
		e.ledger.Record(func(d *usage.UsageDelta) { d.ClassB++ })
	}

	if req.ExpectedETag != "" && objectstore.NormalizeETag(req.ExpectedETag) != info.ETag {
		e.fail(ctx, t, errors.SourceChanged(objectstore.NormalizeETag(req.ExpectedETag), info.ETag))
		return
	}

	t.mu.Lock()
	t.bytesTotal = info.Size
	t.observedETag = info.ETag
	t.state = StateRunning
	t.mu.Unlock()
	e.emit(events.DownloadStarted, t, "")
	if e.metrics != nil {
		e.metrics.SetTransfersActive("download", "running", 1)
	}

	out, err := os.Create(partPath(req.Dest))
	if err != nil {
		e.fail(ctx, t, errors.DiskFull("create partial download file", err))
		return
	}

	streamErr := e.stream(ctx, t, out, req.Key, chunkSize)
	closeErr := out.Close()

	if e.metrics != nil {
		e.metrics.SetTransfersActive("download", "running", 0)
	}

	if streamErr != nil {
		if errors.Is(streamErr, errors.KindCancelled) {
			_ = os.Remove(partPath(req.Dest))
			t.mu.Lock()
			t.state = StateCancelled
			t.mu.Unlock()
			e.emit(events.DownloadFailed, t, "cancelled")
			return
		}
		e.fail(ctx, t, streamErr)
		return
	}
	if closeErr != nil {
		e.fail(ctx, t, errors.DiskFull("close partial download file", closeErr))
		return
	}

	if err := os.Rename(partPath(req.Dest), req.Dest); err != nil {
		e.fail(ctx, t, errors.DiskFull("finalize downloaded file", err))
		return
	}

	t.mu.Lock()
	t.state = StateCompleted
	t.mu.Unlock()
	e.emit(events.DownloadCompleted, t, "")
	if e.logger != nil {
		e.logger.LogTransferEvent(ctx, t.id, "download", "completed", t.bytesDone, t.bytesTotal, nil)
	}
}

// stream implements the ranged-read/pause/cancel loop, writing into out.
func (e *Engine) stream(ctx context.Context, t *transfer, out *os.File, key string, chunkSize int64) error {
	t.mu.Lock()
	total := t.bytesTotal
	etag := t.observedETag
	t.mu.Unlock()

	unknownLength := total <= 0
	offset := int64(0)

	for unknownLength || offset < total {
		t.mu.Lock()
		cancelled := t.cancelled
		paused := t.paused
		t.mu.Unlock()

		if cancelled {
			return errors.Cancelled("download cancelled")
		}

		if paused {
			t.mu.Lock()
			t.state = StatePaused
			t.mu.Unlock()
			e.emit(events.DownloadPaused, t, "")
			for {
				time.Sleep(pausePollInterval)
				t.mu.Lock()
				stillPaused := t.paused
				cancelledNow := t.cancelled
				t.mu.Unlock()
				if cancelledNow {
					return errors.Cancelled("download cancelled")
				}
				if !stillPaused {
					break
				}
			}
			t.mu.Lock()
			t.state = StateRunning
			t.mu.Unlock()
			e.emit(events.DownloadResumed, t, "")
		}

		end := offset + chunkSize - 1
		if !unknownLength && end > total-1 {
			end = total - 1
		}

		rc, _, err := e.store.GetRange(ctx, key, offset, end, etag)
		if err != nil {
			return err
		}

		n, copyErr := io.Copy(out, rc)
		rc.Close()
		if copyErr != nil {
			return errors.RetryableNet("copy download range", time.Second, copyErr)
		}

		if n == 0 {
			// Zero-byte range response terminates an unknown-length transfer
			// (spec §4.5) and also signals completion for known-length ones.
			break
		}

		offset += n
		t.mu.Lock()
		t.bytesDone = offset
		t.mu.Unlock()

		if e.ledger != nil {
			e.ledger.Record(func(d *usage.UsageDelta) {
				d.ClassB++
				d.EgressBytes += n
			})
		}
		if e.metrics != nil {
			e.metrics.RecordTransferBytes("download", n)
		}
		e.emitProgress(t, n)
		e.emit(events.DownloadChunkDone, t, "")

		if !unknownLength && n < chunkSize {
			break
		}
	}

	return nil
}

func (e *Engine) fail(ctx context.Context, t *transfer, err error) {
	t.mu.Lock()
	t.state = StateFailed
	t.lastErr = err
	t.mu.Unlock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	kind := events.DownloadFailed
	if errors.Is(err, errors.KindSourceChanged) {
		kind = events.DownloadSourceChanged
	}
	e.emit(kind, t, msg)
	if e.logger != nil {
		e.logger.LogTransferEvent(ctx, t.id, "download", "failed", t.bytesDone, t.bytesTotal, err)
	}
}
