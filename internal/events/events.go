// Package events defines the opaque sink the engines publish progress and
// control events to. The sink itself (a UI event bus, a test recorder, or a
// no-op) lives outside this module's scope.
package events

// Sink receives named, tagged-union-shaped payloads emitted by the engines.
// Channel names mirror spec §6: "upload_event", "download_event",
// "background_stats", "log_event".
type Sink interface {
	Emit(channel string, payload interface{})
}

// Channel names used throughout the core.
const (
	ChannelUpload           = "upload_event"
	ChannelDownload         = "download_event"
	ChannelBackgroundStats  = "background_stats"
	ChannelLog              = "log_event"
)

// UploadEventKind tags the variants of an upload_event payload.
type UploadEventKind string

const (
	UploadStarted   UploadEventKind = "Started"
	UploadPartProg  UploadEventKind = "PartProgress"
	UploadPartDone  UploadEventKind = "PartDone"
	UploadPaused    UploadEventKind = "Paused"
	UploadResumed   UploadEventKind = "Resumed"
	UploadCompleted UploadEventKind = "Completed"
	UploadFailed    UploadEventKind = "Failed"
)

// UploadEvent is published on ChannelUpload. BytesTransferred is set only on
// a PartProgress event: the size of that single part, not a cumulative
// total (spec §8 invariant 1 sums it across every emitted part).
type UploadEvent struct {
	Kind             UploadEventKind `json:"kind"`
	TransferID       string          `json:"transfer_id"`
	PartNumber       int             `json:"part_number,omitempty"`
	BytesTransferred int64           `json:"bytes_transferred,omitempty"`
	BytesDone        int64           `json:"bytes_done"`
	BytesTotal       int64           `json:"bytes_total,omitempty"`
	RangeStart       int64           `json:"range_start,omitempty"`
	RangeEnd         int64           `json:"range_end,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// DownloadEventKind tags the variants of a download_event payload.
type DownloadEventKind string

const (
	DownloadStarted       DownloadEventKind = "Started"
	DownloadChunkProgress DownloadEventKind = "ChunkProgress"
	DownloadChunkDone     DownloadEventKind = "ChunkDone"
	DownloadPaused        DownloadEventKind = "Paused"
	DownloadResumed       DownloadEventKind = "Resumed"
	DownloadCompleted     DownloadEventKind = "Completed"
	DownloadFailed        DownloadEventKind = "Failed"
	DownloadSourceChanged DownloadEventKind = "SourceChanged"
)

// DownloadEvent is published on ChannelDownload. BytesTransferred is set
// only on a ChunkProgress event: the size of that single ranged read, not a
// cumulative total.
type DownloadEvent struct {
	Kind             DownloadEventKind `json:"kind"`
	TransferID       string            `json:"transfer_id"`
	RangeStart       int64             `json:"range_start,omitempty"`
	RangeEnd         int64             `json:"range_end,omitempty"`
	BytesTransferred int64             `json:"bytes_transferred,omitempty"`
	BytesDone        int64             `json:"bytes_done"`
	BytesTotal       int64             `json:"bytes_total,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// BackgroundStats is published periodically on ChannelBackgroundStats.
// The core treats this as a stub summary; no scheduling decisions are made
// from its contents.
type BackgroundStats struct {
	ActiveUploads   int   `json:"active_uploads"`
	ActiveDownloads int   `json:"active_downloads"`
	AtUnixMillis    int64 `json:"at_unix_millis"`
}

// LogEvent mirrors one structured log line onto ChannelLog.
type LogEvent struct {
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// NoopSink discards every event. Useful as a default collaborator in tests
// and for callers that only care about status() polling.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(string, interface{}) {}

// RecordingSink accumulates events in-memory, keyed by channel. Intended for
// tests that assert on event ordering (spec §5's strictly-increasing-byte-
// order invariant for PartProgress/PartDone/ChunkDone).
type RecordingSink struct {
	Events map[string][]interface{}
}

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{Events: make(map[string][]interface{})}
}

// Emit implements Sink.
func (s *RecordingSink) Emit(channel string, payload interface{}) {
	s.Events[channel] = append(s.Events[channel], payload)
}
