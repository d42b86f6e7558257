package muxer

import (
	"testing"

	"github.com/zsiec/stitch/internal/media"
)

var (
	videoFormat = media.Format{MIMEType: media.MIMETypeH264, Codec: "h264"}
	audioFormat = media.Format{MIMEType: media.MIMETypeAAC, Codec: "mp4a.40.2"}
)

func TestWrapperRefusesUntilAllTracksRegistered(t *testing.T) {
	t.Parallel()
	mem := NewMemoryMuxer()
	w := NewWrapper(mem)
	w.SetExpectedTrackCount(2)

	if err := w.AddTrackFormat(videoFormat); err != nil {
		t.Fatalf("AddTrackFormat: %v", err)
	}

	ok, err := w.WriteSample(media.TrackTypeVideo, []byte{1}, true, 0)
	if err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if ok {
		t.Error("write accepted before the audio track was registered")
	}

	if err := w.AddTrackFormat(audioFormat); err != nil {
		t.Fatalf("AddTrackFormat: %v", err)
	}
	ok, err = w.WriteSample(media.TrackTypeVideo, []byte{1}, true, 0)
	if err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if !ok {
		t.Error("write refused after all tracks were registered")
	}
	if mem.SampleCount() != 1 {
		t.Errorf("samples in muxer: got %d, want 1", mem.SampleCount())
	}
}

func TestWrapperRejectsStructuralErrors(t *testing.T) {
	t.Parallel()
	w := NewWrapper(NewMemoryMuxer())

	if err := w.AddTrackFormat(videoFormat); err == nil {
		t.Error("track added before the count was set should fail")
	}

	w.SetExpectedTrackCount(1)
	if err := w.AddTrackFormat(videoFormat); err != nil {
		t.Fatalf("AddTrackFormat: %v", err)
	}
	if err := w.AddTrackFormat(videoFormat); err == nil {
		t.Error("duplicate track type should fail")
	}
	if err := w.AddTrackFormat(audioFormat); err == nil {
		t.Error("more tracks than expected should fail")
	}
	if _, err := w.WriteSample(media.TrackTypeAudio, []byte{1}, false, 0); err == nil {
		t.Error("sample for an unregistered track should fail")
	}
}

func TestWrapperInterleavingBackpressure(t *testing.T) {
	t.Parallel()
	w := NewWrapper(NewMemoryMuxer())
	w.SetExpectedTrackCount(2)
	if err := w.AddTrackFormat(videoFormat); err != nil {
		t.Fatalf("AddTrackFormat: %v", err)
	}
	if err := w.AddTrackFormat(audioFormat); err != nil {
		t.Fatalf("AddTrackFormat: %v", err)
	}

	// Audio has not produced yet; video may run up to the window from zero.
	ok, _ := w.WriteSample(media.TrackTypeVideo, []byte{1}, true, maxTrackWriteAheadUs)
	if !ok {
		t.Fatal("write inside the window should be accepted")
	}
	ok, _ = w.WriteSample(media.TrackTypeVideo, []byte{1}, false, maxTrackWriteAheadUs+1)
	if ok {
		t.Fatal("write past the window should be refused")
	}

	// Once audio catches up the refused write goes through on retry.
	if ok, _ = w.WriteSample(media.TrackTypeAudio, []byte{2}, false, maxTrackWriteAheadUs); !ok {
		t.Fatal("audio catch-up write should be accepted")
	}
	if ok, _ = w.WriteSample(media.TrackTypeVideo, []byte{1}, false, maxTrackWriteAheadUs+1); !ok {
		t.Error("retried write should be accepted after audio caught up")
	}
}

func TestWrapperEndTrackReleasesMuxer(t *testing.T) {
	t.Parallel()
	mem := NewMemoryMuxer()
	w := NewWrapper(mem)
	w.SetExpectedTrackCount(2)
	if err := w.AddTrackFormat(videoFormat); err != nil {
		t.Fatalf("AddTrackFormat: %v", err)
	}
	if err := w.AddTrackFormat(audioFormat); err != nil {
		t.Fatalf("AddTrackFormat: %v", err)
	}

	if err := w.EndTrack(media.TrackTypeVideo); err != nil {
		t.Fatalf("EndTrack: %v", err)
	}
	if err := w.EndTrack(media.TrackTypeVideo); err != nil {
		t.Fatalf("repeated EndTrack: %v", err)
	}
	if called, _ := mem.Released(); called {
		t.Fatal("muxer released before all tracks ended")
	}
	if w.AllTracksEnded() {
		t.Fatal("AllTracksEnded with a live audio track")
	}

	if err := w.EndTrack(media.TrackTypeAudio); err != nil {
		t.Fatalf("EndTrack: %v", err)
	}
	called, ok := mem.Released()
	if !called || !ok {
		t.Errorf("release: got (called=%v, ok=%v), want (true, true)", called, ok)
	}
	if !w.AllTracksEnded() {
		t.Error("AllTracksEnded should report true")
	}
}

func TestWrapperAbort(t *testing.T) {
	t.Parallel()
	mem := NewMemoryMuxer()
	w := NewWrapper(mem)
	w.SetExpectedTrackCount(1)
	if err := w.AddTrackFormat(videoFormat); err != nil {
		t.Fatalf("AddTrackFormat: %v", err)
	}

	w.Abort()
	called, ok := mem.Released()
	if !called || ok {
		t.Errorf("release: got (called=%v, ok=%v), want (true, false)", called, ok)
	}
}

func TestWrapperSampleCounters(t *testing.T) {
	t.Parallel()
	w := NewWrapper(NewMemoryMuxer())
	w.SetExpectedTrackCount(1)
	if err := w.AddTrackFormat(videoFormat); err != nil {
		t.Fatalf("AddTrackFormat: %v", err)
	}

	for i := int64(0); i < 3; i++ {
		if ok, err := w.WriteSample(media.TrackTypeVideo, []byte{1}, i == 0, i*33_000); !ok || err != nil {
			t.Fatalf("WriteSample %d: ok=%v err=%v", i, ok, err)
		}
	}
	if got := w.SamplesWritten(media.TrackTypeVideo); got != 3 {
		t.Errorf("video samples: got %d, want 3", got)
	}
	if got := w.TotalSamplesWritten(); got != 3 {
		t.Errorf("total samples: got %d, want 3", got)
	}
}
