package pipeline

import (
	"sync"

	"github.com/zsiec/stitch/internal/media"
)

// defaultQueueCapacity bounds how many samples a passthrough stage holds
// between the producer and the muxer before dequeues are refused.
const defaultQueueCapacity = 16

// PassthroughStage is the Stage for already-encoded samples: buffers move
// from the producer straight to the muxer-facing queue with no processing
// in between. Buffers are pooled; a released buffer is recycled to the
// producer side.
type PassthroughStage struct {
	format media.Format

	mu      sync.Mutex
	pending *media.InputBuffer
	queued  []*media.InputBuffer
	free    []*media.InputBuffer
	ended   bool
}

// NewPassthroughStage returns a stage whose muxer format is the input
// format, unchanged.
func NewPassthroughStage(format media.Format) *PassthroughStage {
	return &PassthroughStage{format: format}
}

// DequeueInput returns the producer-side buffer slot, or nil when the stage
// is full. The same slot is returned until it is queued.
func (s *PassthroughStage) DequeueInput() *media.InputBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		if len(s.queued) >= defaultQueueCapacity {
			return nil
		}
		if n := len(s.free); n > 0 {
			s.pending = s.free[n-1]
			s.free = s.free[:n-1]
		} else {
			s.pending = &media.InputBuffer{}
		}
	}
	return s.pending
}

// QueueInput commits the previously dequeued buffer. An end-of-stream
// buffer closes the input side instead of entering the queue.
func (s *PassthroughStage) QueueInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return ErrNoPendingInput
	}
	buf := s.pending
	s.pending = nil

	if buf.EndOfStream {
		s.ended = true
		buf.Clear()
		s.free = append(s.free, buf)
		return nil
	}
	s.queued = append(s.queued, buf)
	return nil
}

// Process is a no-op: passthrough has no internal stage to advance.
func (s *PassthroughStage) Process() (bool, error) {
	return false, nil
}

// MuxerFormat returns the input format; it is known from construction.
func (s *PassthroughStage) MuxerFormat() (media.Format, bool) {
	return s.format, true
}

// MuxerBuffer returns the oldest queued sample, or nil.
func (s *PassthroughStage) MuxerBuffer() *media.InputBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) == 0 {
		return nil
	}
	return s.queued[0]
}

// ReleaseMuxerBuffer recycles the oldest queued sample.
func (s *PassthroughStage) ReleaseMuxerBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) == 0 {
		return
	}
	buf := s.queued[0]
	s.queued = s.queued[1:]
	buf.Clear()
	s.free = append(s.free, buf)
}

// InputEnded reports whether end-of-stream was queued and every sample
// before it has been released to the muxer.
func (s *PassthroughStage) InputEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended && len(s.queued) == 0
}

// SignalEndOfInput closes the input side without an end-of-stream buffer,
// the path used by surface-fed video input.
func (s *PassthroughStage) SignalEndOfInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}
