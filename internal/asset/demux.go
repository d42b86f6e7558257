package asset

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/stitch/internal/extractor"
	"github.com/zsiec/stitch/internal/media"
)

// errNoSupportedTracks is returned when a transport stream's PMT carries no
// H.264 or AAC elementary streams.
var errNoSupportedTracks = errors.New("asset: no supported tracks in transport stream")

// demuxTS walks a transport stream and publishes its tracks and samples
// into out: the PMT produces the track set and an EndTracks signal, each
// reassembled PES packet one sample, and EOF a seek map followed by one
// end-of-stream sample per track. cancelled is polled between packets for
// cooperative shutdown.
func demuxTS(r io.Reader, out extractor.Output, cancelled func() bool) error {
	type demuxTrack struct {
		out        extractor.TrackOutput
		trackType  media.TrackType
		formatSet  bool
		hasPTS     bool
		firstPTSUs int64
		lastPTSUs  int64
		samples    int64
	}

	dem := astits.NewDemuxer(context.Background(), r)
	tracks := make(map[uint16]*demuxTrack)
	var order []uint16

	for !cancelled() {
		data, err := dem.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return fmt.Errorf("asset: demux: %w", err)
		}

		if data.PMT != nil {
			if len(tracks) > 0 {
				continue
			}
			for _, es := range data.PMT.ElementaryStreams {
				var trackType media.TrackType
				switch es.StreamType {
				case astits.StreamTypeH264Video:
					trackType = media.TrackTypeVideo
				case astits.StreamTypeAACAudio:
					trackType = media.TrackTypeAudio
				default:
					continue
				}
				tracks[es.ElementaryPID] = &demuxTrack{
					out:       out.Track(int(es.ElementaryPID), trackType),
					trackType: trackType,
				}
				order = append(order, es.ElementaryPID)
			}
			if len(tracks) == 0 {
				return errNoSupportedTracks
			}
			out.EndTracks()
			continue
		}

		if data.PES == nil {
			continue
		}
		track, ok := tracks[data.PID]
		if !ok {
			continue
		}
		header := data.PES.Header
		if header == nil || header.OptionalHeader == nil || header.OptionalHeader.PTS == nil {
			continue
		}
		payload := data.PES.Data
		if len(payload) == 0 {
			continue
		}
		ptsUs := header.OptionalHeader.PTS.Base * 100 / 9

		if !track.formatSet {
			format, err := sampleFormat(track.trackType, payload)
			if err != nil {
				return err
			}
			track.out.SetFormat(format)
			track.formatSet = true
		}

		keyframe := true
		if track.trackType == media.TrackTypeVideo {
			keyframe = hasIDR(payload)
		}
		track.out.Sample(payload, ptsUs, keyframe, false)

		if !track.hasPTS {
			track.firstPTSUs = ptsUs
			track.hasPTS = true
		}
		track.lastPTSUs = ptsUs
		track.samples++
	}
	if cancelled() {
		return nil
	}

	var (
		minFirstUs int64
		maxEndUs   int64
		haveSpan   bool
	)
	for _, pid := range order {
		track := tracks[pid]
		if !track.hasPTS {
			continue
		}
		// The last sample's own duration is unknown; extend the track end by
		// its average sample spacing so back-to-back concatenation does not
		// overlap.
		endUs := track.lastPTSUs
		if track.samples > 1 {
			endUs += (track.lastPTSUs - track.firstPTSUs) / (track.samples - 1)
		}
		if !haveSpan || track.firstPTSUs < minFirstUs {
			minFirstUs = track.firstPTSUs
		}
		if !haveSpan || endUs > maxEndUs {
			maxEndUs = endUs
		}
		haveSpan = true
	}
	durationUs := media.TimeUnset
	if haveSpan {
		durationUs = maxEndUs - minFirstUs
	}
	out.SeekMap(extractor.FixedSeekMap{Duration: durationUs, IsSeekable: true})

	for _, pid := range order {
		track := tracks[pid]
		track.out.Sample(nil, track.lastPTSUs, false, true)
	}
	return nil
}

// sampleFormat derives a track format from its first sample. Audio formats
// are probed from the leading ADTS header.
func sampleFormat(trackType media.TrackType, payload []byte) (media.Format, error) {
	switch trackType {
	case media.TrackTypeVideo:
		return media.Format{MIMEType: media.MIMETypeH264, Codec: "h264"}, nil
	case media.TrackTypeAudio:
		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(payload); err != nil {
			return media.Format{}, fmt.Errorf("asset: probe ADTS: %w", err)
		}
		return media.Format{
			MIMEType:     media.MIMETypeAAC,
			Codec:        "mp4a.40.2",
			SampleRate:   pkts[0].SampleRate,
			ChannelCount: pkts[0].ChannelCount,
		}, nil
	default:
		return media.Format{}, fmt.Errorf("asset: no format for track type %s", trackType)
	}
}

// hasIDR reports whether an Annex B access unit contains an IDR NALU.
func hasIDR(payload []byte) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(payload); err != nil {
		return false
	}
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}
