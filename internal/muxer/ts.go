package muxer

import (
	"context"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/stitch/internal/media"
)

const (
	tsVideoPID = 256
	tsAudioPID = 257

	pesStreamIDVideo = 224
	pesStreamIDAudio = 192
)

// TSMuxer writes an MPEG transport stream. Video payloads must be H.264
// Annex B access units, audio payloads ADTS-wrapped AAC frames; both pass
// through without re-encoding. PAT/PMT tables are written before the first
// sample, after all tracks are registered, with the PCR carried on the
// video track when one exists.
type TSMuxer struct {
	mux    *astits.Muxer
	tracks map[TrackID]*tsTrack
	nextID TrackID
	pcrPID uint16

	started bool
	ended   int
}

type tsTrack struct {
	pid         uint16
	trackType   media.TrackType
	ended       bool
	adtsChecked bool
}

// NewTSMuxer returns a TSMuxer writing packets to w.
func NewTSMuxer(w io.Writer) *TSMuxer {
	return &TSMuxer{
		mux:    astits.NewMuxer(context.Background(), w),
		tracks: make(map[TrackID]*tsTrack),
	}
}

// AddTrack registers an elementary stream for the format. At most one video
// and one audio track are supported; other formats are refused with an
// unsupported-output-format error.
func (m *TSMuxer) AddTrack(format media.Format) (TrackID, error) {
	if m.started {
		return 0, fmt.Errorf("muxer: track added after the first sample")
	}

	var (
		pid        uint16
		streamType astits.StreamType
	)
	switch format.MIMEType {
	case media.MIMETypeH264:
		pid = tsVideoPID
		streamType = astits.StreamTypeH264Video
	case media.MIMETypeAAC:
		pid = tsAudioPID
		streamType = astits.StreamTypeAACAudio
	default:
		return 0, media.NewExportError(media.ErrorCodeOutputFormatUnsupported,
			fmt.Errorf("muxer: no MPEG-TS mapping for %q", format.MIMEType))
	}

	for _, t := range m.tracks {
		if t.pid == pid {
			return 0, media.NewExportError(media.ErrorCodeOutputFormatUnsupported,
				fmt.Errorf("muxer: a %s track is already registered", format.TrackType()))
		}
	}

	if err := m.mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: pid,
		StreamType:    streamType,
	}); err != nil {
		return 0, err
	}

	id := m.nextID
	m.nextID++
	m.tracks[id] = &tsTrack{pid: pid, trackType: format.TrackType()}

	// PCR rides on the video track; fall back to audio for audio-only
	// outputs.
	if format.TrackType() == media.TrackTypeVideo || m.pcrPID == 0 {
		m.pcrPID = pid
	}
	return id, nil
}

// WriteSample writes one PES packet carrying the sample.
func (m *TSMuxer) WriteSample(id TrackID, payload []byte, keyframe bool, ptsUs int64) error {
	track, ok := m.tracks[id]
	if !ok {
		return fmt.Errorf("muxer: unknown track id %d", id)
	}

	if !m.started {
		m.mux.SetPCRPID(m.pcrPID)
		if _, err := m.mux.WriteTables(); err != nil {
			return err
		}
		m.started = true
	}

	if track.trackType == media.TrackTypeAudio && !track.adtsChecked {
		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(payload); err != nil {
			return fmt.Errorf("muxer: audio payload is not ADTS: %w", err)
		}
		track.adtsChecked = true
	}

	pts90k := ptsUs * 9 / 100

	af := &astits.PacketAdaptationField{
		RandomAccessIndicator: keyframe || track.trackType == media.TrackTypeAudio,
	}
	if track.pid == m.pcrPID {
		af.HasPCR = true
		af.PCR = &astits.ClockReference{Base: pts90k}
	}

	streamID := uint8(pesStreamIDVideo)
	var packetLength uint16
	if track.trackType == media.TrackTypeAudio {
		streamID = pesStreamIDAudio
		packetLength = uint16(len(payload) + 8)
	}

	_, err := m.mux.WriteData(&astits.MuxerData{
		PID:             track.pid,
		AdaptationField: af,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: pts90k},
				},
				PacketLength: packetLength,
				StreamID:     streamID,
			},
			Data: payload,
		},
	})
	return err
}

// EndTrack marks a track complete. Transport streams carry no per-track
// trailer, so this only updates bookkeeping.
func (m *TSMuxer) EndTrack(id TrackID) error {
	track, ok := m.tracks[id]
	if !ok {
		return fmt.Errorf("muxer: unknown track id %d", id)
	}
	if !track.ended {
		track.ended = true
		m.ended++
	}
	return nil
}

// Release finalizes the stream. MPEG-TS needs no trailer; the packets
// already written form a valid stream.
func (m *TSMuxer) Release(bool) error {
	return nil
}
