// Package loader defines the asset-loader contracts and the composite
// loader that sequences several assets end-to-end, presenting them to the
// downstream consumer as one continuous set of tracks.
package loader

import (
	"github.com/zsiec/stitch/internal/composition"
	"github.com/zsiec/stitch/internal/media"
	"github.com/zsiec/stitch/internal/runloop"
)

// ProgressState describes whether a loader's progress value is meaningful.
type ProgressState int

const (
	// ProgressNotStarted: the loader has not been started.
	ProgressNotStarted ProgressState = iota
	// ProgressWaiting: started, but no progress value yet.
	ProgressWaiting
	// ProgressAvailable: the percentage is valid.
	ProgressAvailable
	// ProgressUnavailable: progress cannot be determined for this media.
	ProgressUnavailable
)

// AssetLoader produces the samples of one media item and pushes them into
// the consumers handed out by its Listener. Loaders are single-use: start
// once, release once.
type AssetLoader interface {
	// Start begins loading. Non-blocking; results arrive via the Listener.
	Start()

	// Progress returns the current progress state and, when available, a
	// percentage in [0,100]. Callable from any goroutine.
	Progress() (ProgressState, int)

	// Release stops the loader and frees its resources. Cooperative: any
	// in-flight callback finishes first.
	Release()
}

// Factory constructs an AssetLoader for a sequence item, bound to the
// execution loop its callbacks must cooperate with.
type Factory interface {
	CreateLoader(item composition.Item, loop *runloop.Loop, listener Listener) AssetLoader
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(item composition.Item, loop *runloop.Loop, listener Listener) AssetLoader

func (f FactoryFunc) CreateLoader(item composition.Item, loop *runloop.Loop, listener Listener) AssetLoader {
	return f(item, loop, listener)
}

// Listener receives a loader's discovery callbacks and errors.
type Listener interface {
	// OnDurationUs reports the item's duration, or media.TimeUnset.
	OnDurationUs(durationUs int64)

	// OnTrackCount reports how many tracks the item will add.
	OnTrackCount(trackCount int)

	// OnTrackAdded hands out the consumer for a newly discovered track.
	// streamStartPositionUs is subtracted from sample times on the way to
	// the sink; streamOffsetUs is the offset already applied to buffer
	// timestamps.
	OnTrackAdded(format media.Format, streamStartPositionUs, streamOffsetUs int64) (SampleConsumer, error)

	// OnError reports a fatal loader error. The loader stops afterwards.
	OnError(err error)
}

// SampleConsumer is the long-lived per-track sink. It outlives any single
// sequence item and is re-bound to each subsequent item's source in turn.
type SampleConsumer interface {
	// InputBuffer returns the buffer to fill, or nil if none is available
	// yet. The caller owns the returned buffer until it queues it.
	InputBuffer() *media.InputBuffer

	// QueueInputBuffer commits the buffer obtained from InputBuffer.
	QueueInputBuffer() error

	// PendingVideoFrameCount returns the number of video frames registered
	// but not yet processed.
	PendingVideoFrameCount() int

	// RegisterVideoFrame announces one upcoming video frame.
	RegisterVideoFrame()

	// SignalEndOfVideoInput ends the video track without an end-of-stream
	// buffer, the surface-fed path.
	SignalEndOfVideoInput()
}

// OnItemChangedFunc is invoked when a later sequence item begins producing
// a track of a previously observed type. itemOffsetUs is the sum of all
// prior items' durations, for downstream timestamp rebasing.
type OnItemChangedFunc func(item composition.Item, format media.Format, itemOffsetUs int64)
