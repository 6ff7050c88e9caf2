package events

import "testing"

func TestNoopSinkDiscards(t *testing.T) {
	var s Sink = NoopSink{}
	// Should not panic.
	s.Emit(ChannelUpload, UploadEvent{Kind: UploadStarted})
}

func TestRecordingSinkAccumulatesByChannel(t *testing.T) {
	s := NewRecordingSink()

	s.Emit(ChannelUpload, UploadEvent{Kind: UploadStarted, TransferID: "t1"})
	s.Emit(ChannelUpload, UploadEvent{Kind: UploadPartDone, TransferID: "t1", PartNumber: 1})
	s.Emit(ChannelDownload, DownloadEvent{Kind: DownloadStarted, TransferID: "t2"})

	if len(s.Events[ChannelUpload]) != 2 {
		t.Fatalf("len(Events[upload]) = %d, want 2", len(s.Events[ChannelUpload]))
	}
	if len(s.Events[ChannelDownload]) != 1 {
		t.Fatalf("len(Events[download]) = %d, want 1", len(s.Events[ChannelDownload]))
	}

	first, ok := s.Events[ChannelUpload][0].(UploadEvent)
	if !ok || first.Kind != UploadStarted {
		t.Errorf("first upload event = %+v, want Started", s.Events[ChannelUpload][0])
	}
}

func TestRecordingSinkPreservesOrder(t *testing.T) {
	s := NewRecordingSink()
	for i := 1; i <= 5; i++ {
		s.Emit(ChannelUpload, UploadEvent{Kind: UploadPartDone, PartNumber: i})
	}

	for i, raw := range s.Events[ChannelUpload] {
		ev := raw.(UploadEvent)
		if ev.PartNumber != i+1 {
			t.Errorf("event[%d].PartNumber = %d, want %d", i, ev.PartNumber, i+1)
		}
	}
}
