package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/stitch/internal/asset"
	"github.com/zsiec/stitch/internal/composition"
	"github.com/zsiec/stitch/internal/media"
	"github.com/zsiec/stitch/internal/muxer"
)

// writeClip builds a small two-track transport stream file: three video
// frames at a 40ms cadence and two audio frames at 20ms.
func writeClip(t *testing.T) string {
	t.Helper()
	var out bytes.Buffer
	m := muxer.NewTSMuxer(&out)

	videoID, err := m.AddTrack(media.Format{MIMEType: media.MIMETypeH264, Codec: "h264"})
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	audioID, err := m.AddTrack(media.Format{MIMEType: media.MIMETypeAAC, Codec: "mp4a.40.2"})
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}

	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00}
	nonIDR := []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x24, 0x00}
	adtsPkts := mpeg4audio.ADTSPackets{{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   44100,
		ChannelCount: 2,
		AU:           []byte{0x21, 0x10, 0x04},
	}}
	adts, err := adtsPkts.Marshal()
	if err != nil {
		t.Fatalf("marshal ADTS: %v", err)
	}

	writes := []struct {
		id       muxer.TrackID
		payload  []byte
		keyframe bool
		ptsUs    int64
	}{
		{videoID, idr, true, 0},
		{audioID, adts, true, 0},
		{audioID, adts, true, 20_000},
		{videoID, nonIDR, false, 40_000},
		{videoID, nonIDR, false, 80_000},
	}
	for _, w := range writes {
		if err := m.WriteSample(w.id, w.payload, w.keyframe, w.ptsUs); err != nil {
			t.Fatalf("WriteSample: %v", err)
		}
	}
	if err := m.Release(true); err != nil {
		t.Fatalf("Release: %v", err)
	}

	path := filepath.Join(t.TempDir(), "clip.ts")
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func waitJob(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
}

func TestJobExportsSingleItem(t *testing.T) {
	t.Parallel()
	clip := writeClip(t)
	seq, err := composition.NewSequence(composition.NewItem(clip))
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}

	mem := muxer.NewMemoryMuxer()
	job, err := NewJob(Config{
		Sequence: seq,
		Factory:  asset.NewFactory(asset.NewRegistry(nil), nil),
		Muxer:    mem,
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.Start()
	waitJob(t, job)

	if err := job.Wait(); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if job.State() != JobStateCompleted {
		t.Fatalf("state: got %s, want completed", job.State())
	}
	if mem.TrackCount() != 2 {
		t.Fatalf("tracks: got %d, want 2", mem.TrackCount())
	}
	if mem.SampleCount() != 5 {
		t.Errorf("samples: got %d, want 5", mem.SampleCount())
	}
	if called, ok := mem.Released(); !called || !ok {
		t.Errorf("release: got (called=%v, ok=%v), want (true, true)", called, ok)
	}

	stats := job.Snapshot()
	if stats.State != "completed" {
		t.Errorf("snapshot state: got %q, want completed", stats.State)
	}
	if stats.Progress != 100 || !stats.HasProgress {
		t.Errorf("snapshot progress: got %d (has=%v), want 100", stats.Progress, stats.HasProgress)
	}
	if stats.ItemsProcessed != 1 {
		t.Errorf("items processed: got %d, want 1", stats.ItemsProcessed)
	}
}

func TestJobConcatenatesItemsWithContinuousTimestamps(t *testing.T) {
	t.Parallel()
	clip := writeClip(t)
	seq, err := composition.NewSequence(composition.NewItem(clip), composition.NewItem(clip))
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}

	mem := muxer.NewMemoryMuxer()
	job, err := NewJob(Config{
		Sequence: seq,
		Factory:  asset.NewFactory(asset.NewRegistry(nil), nil),
		Muxer:    mem,
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.Start()
	waitJob(t, job)

	if err := job.Wait(); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if mem.SampleCount() != 10 {
		t.Fatalf("samples: got %d, want 10", mem.SampleCount())
	}

	// Both items contribute every track; the second item's timestamps are
	// rebased past the first item's duration so each track is monotonic.
	for id := 0; id < mem.TrackCount(); id++ {
		track := mem.Track(muxer.TrackID(id))
		if !track.Ended {
			t.Errorf("track %d not ended", id)
		}
		for i := 1; i < len(track.Samples); i++ {
			if track.Samples[i].PTSUs <= track.Samples[i-1].PTSUs {
				t.Errorf("track %d: pts not monotonic at %d: %d after %d",
					id, i, track.Samples[i].PTSUs, track.Samples[i-1].PTSUs)
			}
		}
	}

	video := mem.Track(0)
	if len(video.Samples) != 6 {
		t.Fatalf("video samples: got %d, want 6", len(video.Samples))
	}
	if got := video.Samples[3].PTSUs; got != 120_000 {
		t.Errorf("second item first video pts: got %d, want 120000", got)
	}

	stats := job.Snapshot()
	if stats.ItemsProcessed != 2 {
		t.Errorf("items processed: got %d, want 2", stats.ItemsProcessed)
	}
	if stats.BuffersDropped != 0 {
		t.Errorf("dropped: got %d, want 0", stats.BuffersDropped)
	}
}

func TestJobFlattensSlowMotion(t *testing.T) {
	t.Parallel()
	clip := writeClip(t)
	item := composition.NewItem(clip)
	item.FlattenSlowMotion = true
	item.SlowMotionSegments = []composition.SlowMotionSegment{
		{StartUs: 0, EndUs: 90_000, SpeedDivisor: 2},
	}
	seq, err := composition.NewSequence(item)
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}

	mem := muxer.NewMemoryMuxer()
	job, err := NewJob(Config{
		Sequence: seq,
		Factory:  asset.NewFactory(asset.NewRegistry(nil), nil),
		Muxer:    mem,
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.Start()
	waitJob(t, job)

	if err := job.Wait(); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	// Video frames at 0/40/80ms through a divisor-2 segment: the middle
	// frame is dropped, the last is retimed to 40ms.
	video := mem.Track(0)
	if len(video.Samples) != 2 {
		t.Fatalf("video samples: got %d, want 2", len(video.Samples))
	}
	if got := video.Samples[1].PTSUs; got != 40_000 {
		t.Errorf("retimed pts: got %d, want 40000", got)
	}
	if got := job.Snapshot().BuffersDropped; got != 1 {
		t.Errorf("dropped: got %d, want 1", got)
	}
}

func TestJobFailsOnMissingInput(t *testing.T) {
	t.Parallel()
	seq, err := composition.NewSequence(composition.NewItem(filepath.Join(t.TempDir(), "missing.ts")))
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}

	mem := muxer.NewMemoryMuxer()
	job, err := NewJob(Config{
		Sequence: seq,
		Factory:  asset.NewFactory(asset.NewRegistry(nil), nil),
		Muxer:    mem,
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.Start()
	waitJob(t, job)

	if err := job.Wait(); err == nil {
		t.Fatal("job should fail on a missing input")
	}
	if job.State() != JobStateFailed {
		t.Errorf("state: got %s, want failed", job.State())
	}
	if got := media.CodeOf(job.Wait()); got != media.ErrorCodeLoaderFailed {
		t.Errorf("code: got %s, want %s", got, media.ErrorCodeLoaderFailed)
	}
	if called, ok := mem.Released(); !called || ok {
		t.Errorf("release: got (called=%v, ok=%v), want (true, false)", called, ok)
	}
}

func TestJobCancel(t *testing.T) {
	t.Parallel()
	job := newIdleJob(t)
	job.Start()
	job.Cancel()
	waitJob(t, job)

	if job.State() != JobStateFailed {
		t.Errorf("state: got %s, want failed", job.State())
	}
}
