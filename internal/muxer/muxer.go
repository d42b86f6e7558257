// Package muxer defines the muxing sink contract, a wrapper that enforces
// track registration and interleaving across tracks, and an MPEG-TS
// implementation built on go-astits.
package muxer

import "github.com/zsiec/stitch/internal/media"

// TrackID identifies a registered track within a Muxer.
type TrackID int

// Muxer writes timestamped samples for a fixed set of tracks into a
// container. Implementations are not required to be safe for concurrent
// use; the Wrapper serializes access.
type Muxer interface {
	// AddTrack registers a track for the given format. All tracks must be
	// added before the first sample is written.
	AddTrack(format media.Format) (TrackID, error)

	// WriteSample writes one sample with a presentation timestamp in
	// microseconds.
	WriteSample(id TrackID, payload []byte, keyframe bool, ptsUs int64) error

	// EndTrack marks a track complete. No further samples may be written
	// to it.
	EndTrack(id TrackID) error

	// Release finalizes the container. ok reports whether the export
	// succeeded; implementations may discard partial output when it is
	// false.
	Release(ok bool) error
}
