// Package upload implements the resumable multipart streaming Upload
// Engine (spec §4.4): a Preflight → Running ↔ Paused → Finalizing →
// Completed/Failed state machine per transfer, driven as an independent
// goroutine with no global scheduling.
package upload

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
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

// minPartSize is the lower bound clamp on requested part sizes (spec §4.4).
const minPartSize = 8 << 20

// pausePollInterval is how often the run loop re-checks the paused flag
// while parked.
const pausePollInterval = 150 * time.Millisecond

// State tags a transfer's position in the upload state machine.
type State string

const (
	StatePreflight   State = "Preflight"
	StateRunning     State = "Running"
	StatePaused      State = "Paused"
	StateFinalizing  State = "Finalizing"
	StateCompleted   State = "Completed"
	StateFailed      State = "Failed"
	StateCancelled   State = "Cancelled"
)

// StartRequest describes a new upload.
//
// Exactly one of SourcePath or Stream (true) must be set: SourcePath opens a
// local file; Stream mode feeds bytes via Engine.StreamWrite/StreamFinish.
type StartRequest struct {
	Key                string
	SourcePath         string
	Stream             bool
	PartSize           int64
	ContentType        string
	ContentDisposition string
}

// Status is the point-in-time snapshot returned by Engine.Status.
type Status struct {
	State          State
	BytesTotal     int64 // -1 when unknown (stream mode)
	BytesDone      int64
	PartsCompleted int
	RateBps        float64
	ETAMillis      *int64
	LastError      string
}

// transfer holds one upload's mutable state, guarded by mu.
type transfer struct {
	mu sync.Mutex

	id    string
	key   string
	state State

	bytesTotal     int64
	bytesDone      int64
	partsCompleted int
	lastErr        error

	paused    bool
	cancelled bool

	startedAt time.Time

	queue *chunkQueue // non-nil only in stream mode
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
		State:          t.state,
		BytesTotal:     t.bytesTotal,
		BytesDone:      t.bytesDone,
		PartsCompleted: t.partsCompleted,
		RateBps:        rate,
		ETAMillis:      eta,
		LastError:      lastErr,
	}
}

// Engine runs uploads against one object-store client, publishing progress
// to sink and folding billing/byte counters into a usage ledger.
type Engine struct {
	mu        sync.Mutex
	transfers map[string]*transfer

	store  *objectstore.Client
	ledger *usage.Ledger
	sink   events.Sink

	metrics *metrics.Metrics
	logger  *logging.Logger

	thumbnailsMu sync.Mutex
	thumbnails   bool
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

// EnableThumbnails toggles the best-effort thumbnail companion upload.
func (e *Engine) EnableThumbnails(enabled bool) {
	e.thumbnailsMu.Lock()
	defer e.thumbnailsMu.Unlock()
	e.thumbnails = enabled
}

func (e *Engine) thumbnailsEnabled() bool {
	e.thumbnailsMu.Lock()
	defer e.thumbnailsMu.Unlock()
	return e.thumbnails
}

// StartUpload implements start_upload (spec §4.4). It spawns an independent
// goroutine for the transfer and returns immediately with its id.
func (e *Engine) StartUpload(ctx context.Context, req StartRequest) (string, error) {
	if req.Key == "" {
		return "", errors.NotRetriable("start upload", nil).WithContext("reason", "missing key")
	}
	if usage.IsProtectedKey(req.Key) {
		return "", errors.NotRetriable("start upload", nil).WithContext("reason", "key under reserved analytics prefix")
	}
	if req.SourcePath == "" && !req.Stream {
		return "", errors.NotRetriable("start upload", nil).WithContext("reason", "source path or stream mode required")
	}

	partSize := req.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}

	bytesTotal := int64(-1)
	if req.SourcePath != "" {
		info, err := os.Stat(req.SourcePath)
		if err != nil {
			return "", errors.NotRetriable("stat upload source", err).WithContext("path", req.SourcePath)
		}
		bytesTotal = info.Size()
	}

	t := &transfer{
		id:         uuid.NewString(),
		key:        req.Key,
		state:      StatePreflight,
		bytesTotal: bytesTotal,
		startedAt:  time.Now(),
	}
	if req.Stream {
		t.queue = newChunkQueue(4) // bounded at 4 parts of backpressure
	}

	e.mu.Lock()
	e.transfers[t.id] = t
	e.mu.Unlock()

	go e.run(ctx, t, req, partSize)

	return t.id, nil
}

// StreamWrite feeds one chunk of explicit in-memory bytes to a stream-mode
// transfer (spec §4.4's stream-mode variant). It blocks when the bounded
// queue is full.
func (e *Engine) StreamWrite(id string, data []byte) error {
	t := e.get(id)
	if t == nil {
		return errors.NotRetriable("stream write", nil).WithContext("transfer_id", id)
	}
	if t.queue == nil {
		return errors.NotRetriable("stream write", nil).WithContext("reason", "transfer is not in stream mode")
	}
	return t.queue.push(data)
}

// StreamFinish signals EOF to a stream-mode transfer's reader.
func (e *Engine) StreamFinish(id string) error {
	t := e.get(id)
	if t == nil {
		return errors.NotRetriable("stream finish", nil).WithContext("transfer_id", id)
	}
	if t.queue == nil {
		return errors.NotRetriable("stream finish", nil).WithContext("reason", "transfer is not in stream mode")
	}
	t.queue.closeForWriting()
	return nil
}

// Pause requests the transfer pause at its next read boundary.
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
	if t.queue != nil {
		t.queue.closeForWriting()
	}
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

func (e *Engine) emit(kind events.UploadEventKind, t *transfer, partNumber int, errMsg string) {
	if e.sink == nil {
		return
	}
	st := t.snapshot()
	e.sink.Emit(events.ChannelUpload, events.UploadEvent{
		Kind:       kind,
		TransferID: t.id,
		PartNumber: partNumber,
		BytesDone:  st.BytesDone,
		BytesTotal: st.BytesTotal,
		Error:      errMsg,
	})
}

// emitProgress publishes a PartProgress event carrying just this part's own
// byte count (spec §8 invariant 1: these sum to the file length), ahead of
// the cumulative PartDone event.
func (e *Engine) emitProgress(t *transfer, partNumber int, partBytes int64) {
	if e.sink == nil {
		return
	}
	st := t.snapshot()
	e.sink.Emit(events.ChannelUpload, events.UploadEvent{
		Kind:             events.UploadPartProg,
		TransferID:       t.id,
		PartNumber:       partNumber,
		BytesTransferred: partBytes,
		BytesDone:        st.BytesDone,
		BytesTotal:       st.BytesTotal,
	})
}

// run drives one transfer's streaming protocol (spec §4.4 steps 1-5).
func (e *Engine) run(ctx context.Context, t *transfer, req StartRequest, partSize int64) {
	var reader io.Reader
	var closer io.Closer

	if req.SourcePath != "" {
		f, err := os.Open(req.SourcePath)
		if err != nil {
			e.fail(ctx, t, errors.NotRetriable("open upload source", err).WithContext("path", req.SourcePath))
			return
		}
		reader, closer = f, f
	} else {
		reader = t.queue
	}
	if closer != nil {
		defer closer.Close()
	}

	uploadID, err := e.store.Writer(ctx, req.Key)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}
	if e.metrics != nil {
		e.metrics.SetTransfersActive("upload", "running", 1)
	}

	t.mu.Lock()
	t.state = StateRunning
	t.mu.Unlock()
	e.emit(events.UploadStarted, t, 0, "")

	parts, failErr := e.stream(ctx, t, reader, uploadID, req.Key, partSize)

	if e.metrics != nil {
		e.metrics.SetTransfersActive("upload", "running", 0)
	}

	if failErr != nil {
		if errors.Is(failErr, errors.KindCancelled) {
			_ = e.store.AbortWriter(ctx, req.Key, uploadID)
			t.mu.Lock()
			t.state = StateCancelled
			t.mu.Unlock()
			e.emit(events.UploadFailed, t, 0, "cancelled")
			if e.logger != nil {
				e.logger.LogTransferEvent(ctx, t.id, "upload", "cancelled", t.bytesDone, t.bytesTotal, nil)
			}
			return
		}
		_ = e.store.AbortWriter(ctx, req.Key, uploadID)
		e.fail(ctx, t, failErr)
		return
	}

	t.mu.Lock()
	t.state = StateFinalizing
	t.mu.Unlock()

	if _, err := e.store.CompleteWriter(ctx, req.Key, uploadID, parts); err != nil {
		e.fail(ctx, t, err)
		return
	}
	if e.ledger != nil {
		e.ledger.Record(func(d *usage.UsageDelta) {
			d.ClassA++ // CompleteMultipartUpload
			d.AddedStorageBytes = saturatingAddBytes(d.AddedStorageBytes, t.bytesDone)
		})
	}

	t.mu.Lock()
	t.state = StateCompleted
	t.mu.Unlock()
	e.emit(events.UploadCompleted, t, t.partsCompleted, "")
	if e.logger != nil {
		e.logger.LogTransferEvent(ctx, t.id, "upload", "completed", t.bytesDone, t.bytesTotal, nil)
	}

	if e.thumbnailsEnabled() && req.SourcePath != "" {
		e.uploadThumbnail(ctx, req.Key, req.SourcePath)
	}
}

func errCancelled() error { return errors.Cancelled("upload cancelled") }

// stream implements the read/pause/cancel loop, returning the completed
// part list on success.
func (e *Engine) stream(ctx context.Context, t *transfer, reader io.Reader, uploadID, key string, partSize int64) ([]objectstore.CompletedPart, error) {
	buf := make([]byte, partSize)
	var parts []objectstore.CompletedPart
	partNumber := 0

	for {
		t.mu.Lock()
		cancelled := t.cancelled
		paused := t.paused
		t.mu.Unlock()

		if cancelled {
			return nil, errCancelled()
		}

		if paused {
			t.mu.Lock()
			t.state = StatePaused
			t.mu.Unlock()
			e.emit(events.UploadPaused, t, partNumber, "")
			for {
				time.Sleep(pausePollInterval)
				t.mu.Lock()
				stillPaused := t.paused
				cancelledNow := t.cancelled
				t.mu.Unlock()
				if cancelledNow {
					return nil, errCancelled()
				}
				if !stillPaused {
					break
				}
			}
			t.mu.Lock()
			t.state = StateRunning
			t.mu.Unlock()
			e.emit(events.UploadResumed, t, partNumber, "")
		}

		n, readErr := io.ReadFull(reader, buf)
		if n == 0 && readErr != nil {
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				break
			}
			return nil, errors.RetryableNet("read upload source", 500*time.Millisecond, readErr)
		}

		partNumber++
		etag, err := e.store.UploadPart(ctx, key, uploadID, partNumber, bytes.NewReader(buf[:n]), int64(n))
		if err != nil {
			return nil, errors.RetryableNet("upload part", time.Second, err)
		}
		parts = append(parts, objectstore.CompletedPart{PartNumber: partNumber, ETag: etag})

		t.mu.Lock()
		t.bytesDone += int64(n)
		t.partsCompleted = partNumber
		t.mu.Unlock()

		if e.ledger != nil {
			e.ledger.Record(func(d *usage.UsageDelta) {
				d.ClassA++
				d.IngressBytes += int64(n)
			})
		}
		if e.metrics != nil {
			e.metrics.RecordTransferBytes("upload", int64(n))
		}
		e.emitProgress(t, partNumber, int64(n))
		e.emit(events.UploadPartDone, t, partNumber, "")

		if readErr == io.ErrUnexpectedEOF || n < len(buf) {
			break
		}
	}

	return parts, nil
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
	e.emit(events.UploadFailed, t, 0, msg)
	if e.logger != nil {
		e.logger.LogTransferEvent(ctx, t.id, "upload", "failed", t.bytesDone, t.bytesTotal, err)
	}
}

// uploadThumbnail best-effort uploads a sibling thumbnail (spec §4.4's
// optional companion feature). Failures are swallowed, per spec.
func (e *Engine) uploadThumbnail(ctx context.Context, key, sourcePath string) {
	base := filepath.Base(sourcePath)
	thumbDir := filepath.Dir(sourcePath)
	thumbPath := filepath.Join(thumbDir, "thumbnail_"+base+".jpg")

	data, err := os.ReadFile(thumbPath)
	if err != nil {
		if e.logger != nil {
			e.logger.Debug(ctx, "thumbnail companion not found, skipping", map[string]interface{}{"path": thumbPath})
		}
		return
	}

	thumbKey := "thumbnail_" + key + ".jpg"
	if _, err := e.store.Put(ctx, thumbKey, bytes.NewReader(data), int64(len(data))); err != nil {
		if e.logger != nil {
			e.logger.Debug(ctx, "thumbnail companion upload failed", map[string]interface{}{"key": thumbKey, "error": err.Error()})
		}
		return
	}
	if e.ledger != nil {
		e.ledger.Record(func(d *usage.UsageDelta) {
			d.ClassA++
			d.IngressBytes += int64(len(data))
			d.AddedStorageBytes = saturatingAddBytes(d.AddedStorageBytes, int64(len(data)))
		})
	}
}

func saturatingAddBytes(a, b int64) int64 {
	sum := a + b
	if sum < a {
		return a
	}
	return sum
}

// chunkQueue is the bounded backpressure queue backing stream-mode uploads
// (spec §4.4). It implements io.Reader so the run loop's read path is
// identical for file-backed and stream-mode sources.
type chunkQueue struct {
	ch chan []byte

	mu      sync.Mutex
	closed  bool
	pending []byte
}

func newChunkQueue(capacity int) *chunkQueue {
	return &chunkQueue{ch: make(chan []byte, capacity)}
}

func (q *chunkQueue) push(data []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.NotRetriable("stream write", nil).WithContext("reason", "stream already finished")
	}
	q.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	q.ch <- cp
	return nil
}

func (q *chunkQueue) closeForWriting() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Read implements io.Reader, draining queued chunks in order.
func (q *chunkQueue) Read(p []byte) (int, error) {
	for len(q.pending) == 0 {
		chunk, ok := <-q.ch
		if !ok {
			return 0, io.EOF
		}
		q.pending = chunk
	}
	n := copy(p, q.pending)
	q.pending = q.pending[n:]
	return n, nil
}
