package loader

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/stitch/internal/composition"
	"github.com/zsiec/stitch/internal/media"
	"github.com/zsiec/stitch/internal/runloop"
)

// ProcessedInput summarizes one sequence item after its loader completed
// (or, for the active item, its state so far).
type ProcessedInput struct {
	Item       composition.Item
	DurationUs int64
}

// Composite is an AssetLoader composed of a sequence of non-overlapping
// asset loaders, run one after another. It is also the Listener of each
// sub-loader: discovery callbacks from the first item are forwarded
// downstream, later items are checked for consistency and re-bound onto
// the per-track consumers created for item 0.
//
// All structural mutation happens on the runloop the Composite was created
// with. The counters read by Progress and ProcessedInputs are atomic, so
// they may be polled from any goroutine.
type Composite struct {
	seq      *composition.Sequence
	factory  Factory
	loop     *runloop.Loop
	listener Listener
	log      *slog.Logger

	currentIndex      atomic.Int32
	totalDurationUs   atomic.Int64
	currentDurationUs atomic.Int64
	nonEndedTracks    atomic.Int32
	released          atomic.Bool

	mu          sync.Mutex
	current     AssetLoader
	consumers   map[media.TrackType]*consumerWrapper
	itemChanged map[media.TrackType]OnItemChangedFunc
	processed   []ProcessedInput
}

// NewComposite builds a Composite over seq. The first item's loader is
// constructed immediately but not started. If log is nil, slog.Default()
// is used.
func NewComposite(seq *composition.Sequence, factory Factory, loop *runloop.Loop, listener Listener, log *slog.Logger) *Composite {
	if log == nil {
		log = slog.Default()
	}
	c := &Composite{
		seq:         seq,
		factory:     factory,
		loop:        loop,
		listener:    listener,
		log:         log.With("component", "composite-loader"),
		consumers:   make(map[media.TrackType]*consumerWrapper),
		itemChanged: make(map[media.TrackType]OnItemChangedFunc),
	}
	// Safe to pass c as the listener: the loader is not started until
	// Start.
	c.current = factory.CreateLoader(seq.Item(0), loop, c)
	return c
}

// Start starts the current item's loader.
func (c *Composite) Start() {
	c.currentLoader().Start()
}

// Progress blends the current item's progress with the item index into an
// overall percentage. A not-yet-available state on the first item is
// reported verbatim; on later items it is reported as unavailable rather
// than distorted into a value.
func (c *Composite) Progress() (ProgressState, int) {
	state, progress := c.currentLoader().Progress()
	count := c.seq.Len()
	if count == 1 {
		return state, progress
	}
	if state != ProgressAvailable {
		if c.currentIndex.Load() == 0 {
			return state, 0
		}
		return ProgressUnavailable, 0
	}
	index := int(c.currentIndex.Load())
	return ProgressAvailable, index*100/count + progress/count
}

// Release releases the currently active sub-loader. A switchover already
// posted to the runloop becomes a no-op.
func (c *Composite) Release() {
	c.released.Store(true)
	c.currentLoader().Release()
}

// AddOnItemChangedListener registers fn for one track type. At most one
// listener per type may be registered.
func (c *Composite) AddOnItemChangedListener(trackType media.TrackType, fn OnItemChangedFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.itemChanged[trackType]; ok {
		return fmt.Errorf("loader: track type %s: %w", trackType, media.ErrDuplicateListener)
	}
	c.itemChanged[trackType] = fn
	return nil
}

// ProcessedInputs captures the currently active item's summary, if not
// already captured, and returns it appended to all previously captured
// summaries. Calling it twice without further progress returns identical
// lists.
func (c *Composite) ProcessedInputs() []ProcessedInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captureCurrentLocked()
	return append([]ProcessedInput(nil), c.processed...)
}

func (c *Composite) currentLoader() AssetLoader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// captureCurrentLocked records the active item's summary once.
func (c *Composite) captureCurrentLocked() {
	index := int(c.currentIndex.Load())
	if index < len(c.processed) {
		return
	}
	c.processed = append(c.processed, ProcessedInput{
		Item:       c.seq.Item(index),
		DurationUs: c.currentDurationUs.Load(),
	})
}

// Listener implementation: callbacks from the active sub-loader.

// OnDurationUs forwards the duration downstream only while on the first
// item. With more than one item the overall duration is unknown until all
// items are inspected, so TimeUnset is reported instead.
func (c *Composite) OnDurationUs(durationUs int64) {
	c.currentDurationUs.Store(durationUs)
	if c.seq.Len() == 1 {
		c.listener.OnDurationUs(durationUs)
	} else if c.currentIndex.Load() == 0 {
		c.listener.OnDurationUs(media.TimeUnset)
	}
}

// OnTrackCount forwards the count downstream on the first item and
// afterwards only verifies it. A changed count between items is a fatal
// sequencing inconsistency.
func (c *Composite) OnTrackCount(trackCount int) {
	c.nonEndedTracks.Store(int32(trackCount))
	if c.currentIndex.Load() == 0 {
		c.listener.OnTrackCount(trackCount)
		return
	}

	c.mu.Lock()
	known := len(c.consumers)
	c.mu.Unlock()
	if trackCount != known {
		c.listener.OnError(fmt.Errorf("loader: item %d has %d tracks, first item had %d: %w",
			c.currentIndex.Load(), trackCount, known, media.ErrTrackCountChanged))
	}
}

// OnTrackAdded creates the durable per-track consumer on the first item
// and re-binds it on later ones. The per-type item-changed listener, if
// any, is told about the new item and the cumulative time offset.
func (c *Composite) OnTrackAdded(format media.Format, streamStartPositionUs, streamOffsetUs int64) (SampleConsumer, error) {
	trackType := format.TrackType()
	index := int(c.currentIndex.Load())

	c.mu.Lock()
	wrapper, ok := c.consumers[trackType]
	c.mu.Unlock()

	if index == 0 {
		downstream, err := c.listener.OnTrackAdded(format, streamStartPositionUs, streamOffsetUs)
		if err != nil {
			return nil, err
		}
		wrapper = &consumerWrapper{composite: c, consumer: downstream}
		c.mu.Lock()
		c.consumers[trackType] = wrapper
		c.mu.Unlock()
	} else if !ok {
		return nil, fmt.Errorf("loader: item %d adds a %s track: %w", index, trackType, media.ErrMissingTrack)
	}

	c.mu.Lock()
	fn := c.itemChanged[trackType]
	c.mu.Unlock()
	if fn != nil {
		fn(c.seq.Item(index), format, c.totalDurationUs.Load())
	}
	return wrapper, nil
}

// OnError propagates sub-loader errors unchanged; the composite neither
// retries nor suppresses them.
func (c *Composite) OnError(err error) {
	c.listener.OnError(err)
}

// switchLoader schedules the hand-over to the next item. The deferred post
// lets the triggering end-of-stream callback unwind before the old loader
// is released, so no loader observes its own teardown.
func (c *Composite) switchLoader() {
	c.totalDurationUs.Add(c.currentDurationUs.Load())
	c.loop.Post(func() {
		if c.released.Load() {
			// Release raced the pending switchover; the old loader is
			// already released and no successor must start.
			return
		}

		c.mu.Lock()
		c.captureCurrentLocked()
		old := c.current
		c.mu.Unlock()
		old.Release()

		index := c.currentIndex.Add(1)
		item := c.seq.Item(int(index))
		c.log.Debug("switching to next item", "index", index, "uri", item.URI)

		next := c.factory.CreateLoader(item, c.loop, c)
		c.mu.Lock()
		c.current = next
		c.mu.Unlock()
		next.Start()
	})
}

// consumerWrapper forwards all operations to the downstream consumer but
// intercepts end-of-stream on both the buffered and the surface-fed video
// paths: while the active item is not the last, an ended track decrements
// the shared counter instead of forwarding, and the last track to end
// triggers the switchover.
type consumerWrapper struct {
	composite *Composite
	consumer  SampleConsumer
}

func (w *consumerWrapper) InputBuffer() *media.InputBuffer {
	buf := w.consumer.InputBuffer()
	if buf != nil && buf.EndOfStream {
		// A stale end-of-stream from the previous item; reset the slot so
		// the new item's loader starts from a clean buffer.
		buf.Clear()
	}
	return buf
}

func (w *consumerWrapper) QueueInputBuffer() error {
	buf := w.consumer.InputBuffer()
	if buf == nil {
		return fmt.Errorf("loader: queue without a dequeued buffer")
	}
	if buf.EndOfStream {
		remaining := w.composite.nonEndedTracks.Add(-1)
		if int(w.composite.currentIndex.Load()) < w.composite.seq.Len()-1 {
			if remaining == 0 {
				w.composite.switchLoader()
			}
			return nil
		}
	}
	return w.consumer.QueueInputBuffer()
}

func (w *consumerWrapper) PendingVideoFrameCount() int {
	return w.consumer.PendingVideoFrameCount()
}

func (w *consumerWrapper) RegisterVideoFrame() {
	w.consumer.RegisterVideoFrame()
}

func (w *consumerWrapper) SignalEndOfVideoInput() {
	remaining := w.composite.nonEndedTracks.Add(-1)
	if int(w.composite.currentIndex.Load()) < w.composite.seq.Len()-1 {
		if remaining == 0 {
			w.composite.switchLoader()
		}
		return
	}
	w.consumer.SignalEndOfVideoInput()
}
