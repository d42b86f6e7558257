package muxer

import (
	"fmt"
	"sync"

	"github.com/zsiec/stitch/internal/media"
)

// maxTrackWriteAheadUs bounds how far one track's presentation time may run
// ahead of the slowest non-ended track before writes for it are refused.
// Keeps the container interleaved without buffering whole tracks.
const maxTrackWriteAheadUs = 500_000

// Wrapper fronts a Muxer for concurrent per-track pipelines. It registers
// each track format exactly once, refuses samples until every expected
// track is registered, applies interleaving backpressure, and releases the
// muxer when all tracks have ended. A refused write is backpressure, not an
// error: the caller retries later.
type Wrapper struct {
	mux Muxer

	mu           sync.Mutex
	expected     int
	tracks       map[media.TrackType]*wrapperTrack
	endedCount   int
	released     bool
	writeAheadUs int64
	samplesTotal int64
}

type wrapperTrack struct {
	id      TrackID
	format  media.Format
	ended   bool
	wrote   bool
	lastPTS int64
	samples int64
}

// NewWrapper wraps mux. SetExpectedTrackCount must be called before the
// first track format is added.
func NewWrapper(mux Muxer) *Wrapper {
	return &Wrapper{
		mux:          mux,
		tracks:       make(map[media.TrackType]*wrapperTrack),
		writeAheadUs: maxTrackWriteAheadUs,
	}
}

// SetExpectedTrackCount declares how many tracks will be registered.
// Samples are refused until that many formats have been added.
func (w *Wrapper) SetExpectedTrackCount(count int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expected = count
}

// AddTrackFormat registers a track with the muxer. Registering two tracks
// of the same type, or more tracks than expected, is a structural error.
func (w *Wrapper) AddTrackFormat(format media.Format) error {
	trackType := format.TrackType()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.expected == 0 {
		return fmt.Errorf("muxer: track %s added before the track count was set", trackType)
	}
	if _, ok := w.tracks[trackType]; ok {
		return fmt.Errorf("muxer: track type %s registered twice", trackType)
	}
	if len(w.tracks) >= w.expected {
		return fmt.Errorf("muxer: more tracks than the expected %d", w.expected)
	}

	id, err := w.mux.AddTrack(format)
	if err != nil {
		return err
	}
	w.tracks[trackType] = &wrapperTrack{id: id, format: format, lastPTS: media.TimeUnset}
	return nil
}

// WriteSample writes one sample for the given track type. It returns false
// without error when the write is refused: before all expected tracks are
// registered, or when this track is too far ahead of the slowest track.
func (w *Wrapper) WriteSample(trackType media.TrackType, payload []byte, keyframe bool, ptsUs int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	track, ok := w.tracks[trackType]
	if !ok {
		return false, fmt.Errorf("muxer: sample for unregistered track type %s", trackType)
	}
	if track.ended {
		return false, fmt.Errorf("muxer: sample for ended track type %s", trackType)
	}
	if len(w.tracks) < w.expected {
		return false, nil
	}
	if !w.canWriteLocked(track, ptsUs) {
		return false, nil
	}

	if err := w.mux.WriteSample(track.id, payload, keyframe, ptsUs); err != nil {
		return false, err
	}
	track.wrote = true
	track.lastPTS = ptsUs
	track.samples++
	w.samplesTotal++
	return true, nil
}

// canWriteLocked applies the interleaving rule: a track may not run more
// than the write-ahead window past the slowest non-ended sibling that has
// already produced a sample.
func (w *Wrapper) canWriteLocked(track *wrapperTrack, ptsUs int64) bool {
	for _, other := range w.tracks {
		if other == track || other.ended {
			continue
		}
		if !other.wrote {
			// Sibling has not produced yet; only hold this track back once
			// it is past the window from time zero.
			if ptsUs > w.writeAheadUs {
				return false
			}
			continue
		}
		if ptsUs > other.lastPTS+w.writeAheadUs {
			return false
		}
	}
	return true
}

// EndTrack finalizes a track. It is idempotent; when every registered track
// has ended the underlying muxer is released.
func (w *Wrapper) EndTrack(trackType media.TrackType) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	track, ok := w.tracks[trackType]
	if !ok {
		return fmt.Errorf("muxer: end of unregistered track type %s", trackType)
	}
	if track.ended {
		return nil
	}
	if err := w.mux.EndTrack(track.id); err != nil {
		return err
	}
	track.ended = true
	w.endedCount++

	if w.endedCount == len(w.tracks) && len(w.tracks) == w.expected && !w.released {
		w.released = true
		if err := w.mux.Release(true); err != nil {
			return err
		}
	}
	return nil
}

// AllTracksEnded reports whether every expected track has been registered
// and ended.
func (w *Wrapper) AllTracksEnded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expected > 0 && len(w.tracks) == w.expected && w.endedCount == w.expected
}

// Abort releases the underlying muxer unsuccessfully. Safe to call at any
// point; does nothing after a successful release.
func (w *Wrapper) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return
	}
	w.released = true
	// Best effort; the export already failed.
	_ = w.mux.Release(false)
}

// SamplesWritten returns the number of accepted samples for a track type,
// or zero for an unknown type.
func (w *Wrapper) SamplesWritten(trackType media.TrackType) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if track, ok := w.tracks[trackType]; ok {
		return track.samples
	}
	return 0
}

// TotalSamplesWritten returns the number of accepted samples across all
// tracks.
func (w *Wrapper) TotalSamplesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samplesTotal
}
