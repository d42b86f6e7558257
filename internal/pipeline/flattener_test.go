package pipeline

import (
	"testing"

	"github.com/zsiec/stitch/internal/composition"
)

func TestFlattenerOutsideSegments(t *testing.T) {
	t.Parallel()
	f := NewFlattener(nil)

	for _, ptsUs := range []int64{0, 33_000, 66_000} {
		if f.DropOrTransform(ptsUs) {
			t.Fatalf("frame at %d dropped with no segments", ptsUs)
		}
		if got := f.SamplePTS(); got != ptsUs {
			t.Errorf("pts: got %d, want %d", got, ptsUs)
		}
	}
	if f.Dropped() != 0 {
		t.Errorf("dropped: got %d, want 0", f.Dropped())
	}
}

func TestFlattenerCompressesSegment(t *testing.T) {
	t.Parallel()
	f := NewFlattener([]composition.SlowMotionSegment{
		{StartUs: 100_000, EndUs: 200_000, SpeedDivisor: 2},
	})

	type step struct {
		inUs  int64
		drop  bool
		outUs int64
	}
	steps := []step{
		{inUs: 0, outUs: 0},
		{inUs: 50_000, outUs: 50_000},
		// Inside the segment every second frame survives; survivors are
		// retimed at half the captured spacing.
		{inUs: 100_000, outUs: 100_000},
		{inUs: 120_000, drop: true},
		{inUs: 140_000, outUs: 120_000},
		{inUs: 160_000, drop: true},
		{inUs: 180_000, outUs: 140_000},
		// Past the segment: shifted earlier by the removed half.
		{inUs: 200_000, outUs: 150_000},
		{inUs: 250_000, outUs: 200_000},
	}
	for _, s := range steps {
		dropped := f.DropOrTransform(s.inUs)
		if dropped != s.drop {
			t.Fatalf("frame %d: dropped=%v, want %v", s.inUs, dropped, s.drop)
		}
		if !dropped {
			if got := f.SamplePTS(); got != s.outUs {
				t.Errorf("frame %d: pts got %d, want %d", s.inUs, got, s.outUs)
			}
		}
	}
	if f.Dropped() != 2 {
		t.Errorf("dropped: got %d, want 2", f.Dropped())
	}
}

func TestFlattenerMultipleSegmentsAccumulateRemoval(t *testing.T) {
	t.Parallel()
	f := NewFlattener([]composition.SlowMotionSegment{
		{StartUs: 300_000, EndUs: 400_000, SpeedDivisor: 4},
		// Deliberately out of start order; the flattener sorts.
		{StartUs: 100_000, EndUs: 200_000, SpeedDivisor: 2},
	})

	if f.DropOrTransform(0) {
		t.Fatal("frame before all segments dropped")
	}
	// Jump past both segments: 50ms removed from the first, 75ms from the
	// second.
	if f.DropOrTransform(500_000) {
		t.Fatal("frame after all segments dropped")
	}
	if got := f.SamplePTS(); got != 375_000 {
		t.Errorf("pts: got %d, want 375000", got)
	}
}

func TestFlattenerMergesCollapsedTimestamps(t *testing.T) {
	t.Parallel()
	f := NewFlattener([]composition.SlowMotionSegment{
		{StartUs: 0, EndUs: 100_000, SpeedDivisor: 2},
	})

	if f.DropOrTransform(0) {
		t.Fatal("first frame dropped")
	}
	if f.DropOrTransform(10_000) != true {
		t.Fatal("second frame in segment should be dropped by cadence")
	}
	// Survives cadence and lands on pts 10000.
	if f.DropOrTransform(20_000) {
		t.Fatal("third frame should survive")
	}
	if got := f.SamplePTS(); got != 10_000 {
		t.Fatalf("pts: got %d, want 10000", got)
	}
	if !f.DropOrTransform(20_000) {
		t.Fatal("fourth frame should be dropped by cadence")
	}
	// Survives cadence but collapses onto the already emitted pts 10000.
	if !f.DropOrTransform(20_000) {
		t.Error("frame collapsing onto an emitted timestamp should be dropped")
	}
}
