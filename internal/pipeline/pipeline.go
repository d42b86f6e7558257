// Package pipeline implements the per-track sample pump: buffers are
// dequeued from an upstream producer, optionally flattened for slow motion,
// and fed opportunistically into the muxing sink.
package pipeline

import (
	"errors"
	"sync/atomic"

	"github.com/zsiec/stitch/internal/composition"
	"github.com/zsiec/stitch/internal/media"
	"github.com/zsiec/stitch/internal/muxer"
)

// ErrNoPendingInput is returned when a queue call has no previously
// dequeued buffer, a protocol violation by the caller.
var ErrNoPendingInput = errors.New("pipeline: queue called without a dequeued buffer")

// Stage supplies the pipeline-specific halves of the pump: the producer
// side hand-off and the muxer-facing sample source.
type Stage interface {
	DequeueInput() *media.InputBuffer
	QueueInput() error

	// Process advances internal work that is neither dequeue nor muxer
	// feeding, reporting whether anything happened.
	Process() (bool, error)

	// MuxerFormat returns the format to register with the sink, once known.
	MuxerFormat() (media.Format, bool)

	// MuxerBuffer returns the next sample ready for the sink, or nil. The
	// buffer stays owned by the stage until ReleaseMuxerBuffer.
	MuxerBuffer() *media.InputBuffer
	ReleaseMuxerBuffer()

	// InputEnded reports that no further samples will reach the sink.
	InputEnded() bool

	// SignalEndOfInput closes the input side without an end-of-stream
	// buffer.
	SignalEndOfInput()
}

// Listener is notified as buffers are queued into the pipeline.
type Listener interface {
	OnInputQueued(streamRelativeTimeUs int64)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(streamRelativeTimeUs int64)

func (f ListenerFunc) OnInputQueued(streamRelativeTimeUs int64) {
	f(streamRelativeTimeUs)
}

// Config assembles a Pipeline.
type Config struct {
	InputFormat           media.Format
	StreamStartPositionUs int64
	StreamOffsetUs        int64

	// FlattenSlowMotion enables the slow-motion flattener. Only effective
	// for video tracks.
	FlattenSlowMotion  bool
	SlowMotionSegments []composition.SlowMotionSegment

	Wrapper  *muxer.Wrapper
	Listener Listener
	Stage    Stage
}

// Pipeline pumps one track from a Stage into the muxer wrapper. It
// implements the sample-consumer contract toward the producer: dequeue one
// buffer, queue it, repeat; and is driven toward the sink by ProcessData.
type Pipeline struct {
	stage     Stage
	wrapper   *muxer.Wrapper
	listener  Listener
	trackType media.TrackType

	streamStartPositionUs int64
	streamOffsetUs        int64
	flattener             atomic.Pointer[Flattener]

	pending         *media.InputBuffer
	trackRegistered bool

	rebaseUs           atomic.Int64
	pendingVideoFrames atomic.Int32
	droppedBuffers     atomic.Int64
}

// New builds a Pipeline. The slow-motion flattener is attached only when
// requested and the input format is a video track.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		stage:                 cfg.Stage,
		wrapper:               cfg.Wrapper,
		listener:              cfg.Listener,
		trackType:             cfg.InputFormat.TrackType(),
		streamStartPositionUs: cfg.StreamStartPositionUs,
		streamOffsetUs:        cfg.StreamOffsetUs,
	}
	if cfg.FlattenSlowMotion && p.trackType == media.TrackTypeVideo {
		p.flattener.Store(NewFlattener(cfg.SlowMotionSegments))
	}
	return p
}

// SetFlattening replaces the slow-motion flattener, resetting its state for
// a new item's timeline. A no-op on non-video tracks.
func (p *Pipeline) SetFlattening(flatten bool, segments []composition.SlowMotionSegment) {
	if p.trackType != media.TrackTypeVideo {
		return
	}
	if !flatten {
		p.flattener.Store(nil)
		return
	}
	p.flattener.Store(NewFlattener(segments))
}

// TrackType returns the pipeline's track type.
func (p *Pipeline) TrackType() media.TrackType {
	return p.trackType
}

// InputBuffer obtains the next producer-side buffer, or nil if none is
// available yet. The result is cached for the subsequent QueueInputBuffer
// call.
func (p *Pipeline) InputBuffer() *media.InputBuffer {
	p.pending = p.stage.DequeueInput()
	return p.pending
}

// QueueInputBuffer commits the previously dequeued buffer. The listener is
// told the buffer's stream-relative time; the flattener may then drop the
// buffer (its payload is cleared and the slot reused) or rewrite its
// timestamp before it continues into the stage.
func (p *Pipeline) QueueInputBuffer() error {
	if p.pending == nil {
		return ErrNoPendingInput
	}
	buf := p.pending

	if p.listener != nil {
		p.listener.OnInputQueued(buf.TimeUs - p.streamStartPositionUs)
	}

	if p.shouldDrop(buf) {
		buf.Data = buf.Data[:0]
		p.droppedBuffers.Add(1)
		return nil
	}
	if !buf.EndOfStream {
		buf.TimeUs += p.rebaseUs.Load()
	}
	return p.stage.QueueInput()
}

// SetTimestampRebase sets the offset added to every subsequently queued
// buffer's timestamp. Producers that restart their clock at zero for each
// media item use it to keep the output timeline monotonic across items.
func (p *Pipeline) SetTimestampRebase(offsetUs int64) {
	p.rebaseUs.Store(offsetUs)
}

// shouldDrop runs the slow-motion transform. End-of-stream buffers bypass
// it unconditionally.
func (p *Pipeline) shouldDrop(buf *media.InputBuffer) bool {
	flattener := p.flattener.Load()
	if flattener == nil || buf.EndOfStream {
		return false
	}
	ptsUs := buf.TimeUs - p.streamOffsetUs
	if flattener.DropOrTransform(ptsUs) {
		return true
	}
	buf.TimeUs = p.streamOffsetUs + flattener.SamplePTS()
	return false
}

// ProcessData feeds muxer-ready samples to the sink and advances internal
// processing, looping while either makes forward progress. It reports
// whether any work occurred. Sink errors abort the current call but leave
// the pipeline consistent for a retry.
func (p *Pipeline) ProcessData() (bool, error) {
	worked := false
	for {
		fed, err := p.feedMuxer()
		if err != nil {
			return worked, err
		}
		advanced, err := p.stage.Process()
		if err != nil {
			return worked, err
		}
		if !fed && !advanced {
			return worked, nil
		}
		worked = true
	}
}

// feedMuxer attempts to pass one sample to the sink and reports whether it
// may be possible to pass more by calling again. The track format is
// registered with the sink exactly once, lazily.
func (p *Pipeline) feedMuxer() (bool, error) {
	if !p.trackRegistered {
		format, ok := p.stage.MuxerFormat()
		if !ok {
			return false, nil
		}
		if err := p.wrapper.AddTrackFormat(format); err != nil {
			return false, media.NewExportError(media.ErrorCodeMuxingFailed, err)
		}
		p.trackRegistered = true
	}

	if p.stage.InputEnded() {
		if err := p.wrapper.EndTrack(p.trackType); err != nil {
			return false, media.NewExportError(media.ErrorCodeMuxingFailed, err)
		}
		return false, nil
	}

	buf := p.stage.MuxerBuffer()
	if buf == nil {
		return false, nil
	}

	samplePTSUs := buf.TimeUs - p.streamStartPositionUs
	ok, err := p.wrapper.WriteSample(p.trackType, buf.Data, buf.KeyFrame, samplePTSUs)
	if err != nil {
		return false, media.NewExportError(media.ErrorCodeMuxingFailed, err)
	}
	if !ok {
		return false, nil
	}
	p.stage.ReleaseMuxerBuffer()
	return true, nil
}

// PendingVideoFrameCount returns the number of video frames registered but
// not yet signalled complete.
func (p *Pipeline) PendingVideoFrameCount() int {
	return int(p.pendingVideoFrames.Load())
}

// RegisterVideoFrame records one expected video frame.
func (p *Pipeline) RegisterVideoFrame() {
	p.pendingVideoFrames.Add(1)
}

// SignalEndOfVideoInput closes the video input side of the stage.
func (p *Pipeline) SignalEndOfVideoInput() {
	p.stage.SignalEndOfInput()
}

// DroppedBuffers returns how many input buffers the flattener has dropped.
func (p *Pipeline) DroppedBuffers() int64 {
	return p.droppedBuffers.Load()
}
