// Package extractor defines the contracts through which a media extractor
// publishes its tracks, samples, and seek information to a downstream
// consumer. Loaders implement Output; the ForwardingOutput shim is the
// override point for decorating a single operation without reimplementing
// the rest.
package extractor

import "github.com/zsiec/stitch/internal/media"

// TrackOutput receives the format and samples of a single track.
type TrackOutput interface {
	// SetFormat attaches the track's format. Called once per track, before
	// any sample.
	SetFormat(format media.Format)

	// Sample delivers one sample. endOfStream marks the final, empty sample
	// of the track.
	Sample(payload []byte, ptsUs int64, keyframe bool, endOfStream bool)
}

// SeekMap describes the duration and seekability of the extracted media.
type SeekMap interface {
	DurationUs() int64
	Seekable() bool
}

// Output is the sink an extractor publishes into.
type Output interface {
	// Track returns the output for the track with the given extractor-scoped
	// id, creating it on first use.
	Track(id int, trackType media.TrackType) TrackOutput

	// EndTracks signals that no further tracks will be added.
	EndTracks()

	// SeekMap attaches the media's seek map.
	SeekMap(seekMap SeekMap)
}

// FixedSeekMap is a SeekMap with a known duration.
type FixedSeekMap struct {
	Duration   int64
	IsSeekable bool
}

func (m FixedSeekMap) DurationUs() int64 { return m.Duration }
func (m FixedSeekMap) Seekable() bool    { return m.IsSeekable }

// ForwardingOutput forwards every Output method to another Output. Embed it
// and override single methods to intercept one operation.
type ForwardingOutput struct {
	output Output
}

// NewForwardingOutput returns a ForwardingOutput delegating to output.
func NewForwardingOutput(output Output) *ForwardingOutput {
	return &ForwardingOutput{output: output}
}

func (f *ForwardingOutput) Track(id int, trackType media.TrackType) TrackOutput {
	return f.output.Track(id, trackType)
}

func (f *ForwardingOutput) EndTracks() {
	f.output.EndTracks()
}

func (f *ForwardingOutput) SeekMap(seekMap SeekMap) {
	f.output.SeekMap(seekMap)
}
