// Package media defines the core types that flow through the Stitch
// composition engine: per-track formats, reusable input buffers, and the
// typed errors surfaced when an export fails.
package media

import "strings"

// TimeUnset marks an unknown duration or timestamp.
const TimeUnset = int64(-9223372036854775807)

// TrackType classifies a track by its payload kind. The set is closed:
// anything that is neither audio nor video is TrackTypeOther.
type TrackType int

const (
	TrackTypeOther TrackType = iota
	TrackTypeAudio
	TrackTypeVideo
)

func (t TrackType) String() string {
	switch t {
	case TrackTypeAudio:
		return "audio"
	case TrackTypeVideo:
		return "video"
	default:
		return "other"
	}
}

// TrackTypeForMIME derives the track type from a sample MIME type.
func TrackTypeForMIME(mimeType string) TrackType {
	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		return TrackTypeAudio
	case strings.HasPrefix(mimeType, "video/"):
		return TrackTypeVideo
	default:
		return TrackTypeOther
	}
}

// MIME types understood by the bundled loaders and muxers.
const (
	MIMETypeH264 = "video/avc"
	MIMETypeAAC  = "audio/mp4a-latm"
)

// Format carries per-track metadata. It is attached to a track once and is
// immutable after creation; copies are cheap and safe to hand across
// goroutines.
type Format struct {
	MIMEType       string
	Codec          string
	AverageBitrate int

	// Video.
	Width     int
	Height    int
	FrameRate float64

	// Audio.
	SampleRate   int
	ChannelCount int
}

// TrackType derives the track type from the format's MIME type.
func (f Format) TrackType() TrackType {
	return TrackTypeForMIME(f.MIMEType)
}
