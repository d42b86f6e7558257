package pipeline

import (
	"sort"

	"github.com/zsiec/stitch/internal/composition"
	"github.com/zsiec/stitch/internal/media"
)

// Flattener restores real-time playback for video captured with slow-motion
// segments. Inside a declared segment captured at SpeedDivisor times the
// playback rate it keeps every SpeedDivisor-th frame and compresses the
// segment's timeline by the divisor; frames outside segments are shifted
// earlier by the time removed so far, so output timestamps stay continuous.
//
// Callers consume it in two phases, mirroring the queue hand-off:
// DropOrTransform decides the frame's fate, SamplePTS returns the rewritten
// presentation time of a kept frame.
type Flattener struct {
	segments []composition.SlowMotionSegment

	segIdx     int
	frameInSeg int
	removedUs  int64

	lastPTSUs   int64
	samplePTSUs int64
	dropped     int64
}

// NewFlattener builds a Flattener over the declared segments. Segments are
// assumed non-overlapping; they are processed in start order. Input
// timestamps must be monotonically non-decreasing.
func NewFlattener(segments []composition.SlowMotionSegment) *Flattener {
	segs := append([]composition.SlowMotionSegment(nil), segments...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].StartUs < segs[j].StartUs })
	return &Flattener{segments: segs, lastPTSUs: media.TimeUnset}
}

// DropOrTransform decides whether the frame at ptsUs is dropped. When it
// returns false, the frame's rewritten presentation time is available from
// SamplePTS.
func (f *Flattener) DropOrTransform(ptsUs int64) bool {
	for f.segIdx < len(f.segments) && ptsUs >= f.segments[f.segIdx].EndUs {
		seg := f.segments[f.segIdx]
		length := seg.EndUs - seg.StartUs
		f.removedUs += length - length/int64(seg.SpeedDivisor)
		f.segIdx++
		f.frameInSeg = 0
	}

	var outUs int64
	if f.segIdx < len(f.segments) && ptsUs >= f.segments[f.segIdx].StartUs {
		seg := f.segments[f.segIdx]
		keep := f.frameInSeg%seg.SpeedDivisor == 0
		f.frameInSeg++
		if !keep {
			f.dropped++
			return true
		}
		outUs = seg.StartUs - f.removedUs + (ptsUs-seg.StartUs)/int64(seg.SpeedDivisor)
	} else {
		outUs = ptsUs - f.removedUs
	}

	// Two frames collapsing onto one output timestamp are merged: the
	// first one wins.
	if f.lastPTSUs != media.TimeUnset && outUs <= f.lastPTSUs {
		f.dropped++
		return true
	}

	f.lastPTSUs = outUs
	f.samplePTSUs = outUs
	return false
}

// SamplePTS returns the presentation time assigned to the last kept frame.
func (f *Flattener) SamplePTS() int64 {
	return f.samplePTSUs
}

// Dropped returns how many frames have been dropped so far.
func (f *Flattener) Dropped() int64 {
	return f.dropped
}
