// Package asset provides concrete asset loaders for local media files,
// currently MPEG transport streams, plus the registry that tracks active
// loaders.
package asset

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/zsiec/stitch/internal/composition"
	"github.com/zsiec/stitch/internal/extractor"
	"github.com/zsiec/stitch/internal/loader"
	"github.com/zsiec/stitch/internal/media"
	"github.com/zsiec/stitch/internal/runloop"
)

// acquirePollInterval paces the wait for a free consumer buffer. Dequeue is
// non-blocking by contract, so the loader retries instead of waiting.
const acquirePollInterval = 200 * time.Microsecond

// TSLoader loads one MPEG-TS item in two passes: a probe pass discovers
// the track set, formats, and duration; the delivery pass pushes every
// sample into the consumers handed out by the listener. Buffer timestamps
// are normalized to start at zero.
//
// Discovery callbacks run on the loader's runloop; sample delivery runs on
// the loader's own goroutine against the thread-safe consumer contract.
type TSLoader struct {
	item      composition.Item
	loop      *runloop.Loop
	listener  loader.Listener
	log       *slog.Logger
	onRelease func()

	state    atomic.Int32
	percent  atomic.Int32
	started  atomic.Bool
	released atomic.Bool
	done     chan struct{}
}

// NewTSLoader returns an unstarted loader for item. If log is nil,
// slog.Default() is used.
func NewTSLoader(item composition.Item, loop *runloop.Loop, listener loader.Listener, log *slog.Logger) *TSLoader {
	if log == nil {
		log = slog.Default()
	}
	return &TSLoader{
		item:     item,
		loop:     loop,
		listener: listener,
		log:      log.With("component", "ts-loader", "uri", item.URI),
		done:     make(chan struct{}),
	}
}

// Start launches the load. Subsequent calls are no-ops.
func (l *TSLoader) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.state.Store(int32(loader.ProgressWaiting))
	go l.run()
}

// Progress reports the loader state and the delivered-sample percentage.
func (l *TSLoader) Progress() (loader.ProgressState, int) {
	return loader.ProgressState(l.state.Load()), int(l.percent.Load())
}

// Release stops the loader cooperatively: the delivery loop observes the
// flag between packets and exits.
func (l *TSLoader) Release() {
	if l.released.CompareAndSwap(false, true) && l.onRelease != nil {
		l.onRelease()
	}
}

// Done returns a channel closed when the loader goroutine has exited.
func (l *TSLoader) Done() <-chan struct{} {
	return l.done
}

func (l *TSLoader) cancelled() bool {
	return l.released.Load()
}

func (l *TSLoader) run() {
	defer close(l.done)
	if err := l.load(); err != nil && !l.released.Load() {
		l.log.Error("load failed", "error", err)
		l.listener.OnError(media.NewExportError(media.ErrorCodeLoaderFailed, err))
	}
}

func (l *TSLoader) load() error {
	probe, err := l.probe()
	if err != nil {
		return err
	}
	if l.cancelled() {
		return nil
	}

	durationUs := probe.durationUs
	if l.item.DurationUs != media.TimeUnset {
		durationUs = l.item.DurationUs
	}

	consumers := make(map[int]loader.SampleConsumer, len(probe.tracks))
	var callbackErr error
	ran := l.loop.Run(func() {
		l.listener.OnDurationUs(durationUs)
		l.listener.OnTrackCount(len(probe.tracks))
		for _, track := range probe.tracks {
			consumer, err := l.listener.OnTrackAdded(track.format, 0, 0)
			if err != nil {
				callbackErr = err
				return
			}
			consumers[track.pid] = consumer
		}
	})
	if !ran {
		// The runloop is gone; the export is shutting down.
		return nil
	}
	if callbackErr != nil {
		return callbackErr
	}

	l.state.Store(int32(loader.ProgressAvailable))
	return l.deliver(probe, consumers)
}

// probe scans the whole file once to learn the track set, per-track
// formats, duration, and total sample count.
func (l *TSLoader) probe() (*probeOutput, error) {
	f, err := os.Open(l.item.URI)
	if err != nil {
		return nil, fmt.Errorf("asset: open %s: %w", l.item.URI, err)
	}
	defer f.Close()

	probe := &probeOutput{}
	sig := &discoverySignal{
		ForwardingOutput: extractor.NewForwardingOutput(probe),
		onEndTracks: func(count int) {
			l.log.Debug("tracks discovered", "count", count)
		},
	}
	if err := demuxTS(bufio.NewReader(f), sig, l.cancelled); err != nil {
		return nil, err
	}
	if l.cancelled() {
		return probe, nil
	}
	if !probe.tracksEnded || len(probe.tracks) == 0 {
		return nil, errNoSupportedTracks
	}
	for _, track := range probe.tracks {
		if !track.hasFormat {
			return nil, fmt.Errorf("asset: track %d has samples but no derivable format", track.pid)
		}
	}
	return probe, nil
}

// deliver replays the file into the consumers.
func (l *TSLoader) deliver(probe *probeOutput, consumers map[int]loader.SampleConsumer) error {
	f, err := os.Open(l.item.URI)
	if err != nil {
		return fmt.Errorf("asset: open %s: %w", l.item.URI, err)
	}
	defer f.Close()

	out := &consumerOutput{
		loader:    l,
		consumers: consumers,
		tracks:    make(map[int]*consumerTrack),
		total:     probe.totalSamples(),
	}
	cancelled := func() bool {
		return l.cancelled() || out.failed.Load()
	}
	if err := demuxTS(bufio.NewReader(f), out, cancelled); err != nil {
		return err
	}
	return out.err
}

// probeOutput collects track metadata during the probe pass.
type probeOutput struct {
	tracks      []*probeTrack
	durationUs  int64
	tracksEnded bool
}

type probeTrack struct {
	pid       int
	trackType media.TrackType
	format    media.Format
	hasFormat bool
	samples   int
}

func (o *probeOutput) Track(id int, trackType media.TrackType) extractor.TrackOutput {
	for _, track := range o.tracks {
		if track.pid == id {
			return track
		}
	}
	track := &probeTrack{pid: id, trackType: trackType}
	o.tracks = append(o.tracks, track)
	return track
}

func (o *probeOutput) EndTracks() {
	o.tracksEnded = true
}

func (o *probeOutput) SeekMap(seekMap extractor.SeekMap) {
	o.durationUs = seekMap.DurationUs()
}

func (o *probeOutput) totalSamples() int {
	n := 0
	for _, track := range o.tracks {
		n += track.samples
	}
	return n
}

func (t *probeTrack) SetFormat(format media.Format) {
	t.format = format
	t.hasFormat = true
}

func (t *probeTrack) Sample(_ []byte, _ int64, _ bool, endOfStream bool) {
	if !endOfStream {
		t.samples++
	}
}

// discoverySignal decorates an extractor output to observe the
// end-of-discovery signal without reimplementing the rest of the contract.
type discoverySignal struct {
	*extractor.ForwardingOutput
	tracks      int
	onEndTracks func(count int)
}

func (d *discoverySignal) Track(id int, trackType media.TrackType) extractor.TrackOutput {
	d.tracks++
	return d.ForwardingOutput.Track(id, trackType)
}

func (d *discoverySignal) EndTracks() {
	if d.onEndTracks != nil {
		d.onEndTracks(d.tracks)
	}
	d.ForwardingOutput.EndTracks()
}

// consumerOutput bridges the delivery pass onto the sample consumers.
type consumerOutput struct {
	loader    *TSLoader
	consumers map[int]loader.SampleConsumer
	tracks    map[int]*consumerTrack

	delivered int
	total     int

	err    error
	failed atomic.Bool
}

func (o *consumerOutput) Track(id int, trackType media.TrackType) extractor.TrackOutput {
	if track, ok := o.tracks[id]; ok {
		return track
	}
	track := &consumerTrack{out: o, consumer: o.consumers[id]}
	o.tracks[id] = track
	return track
}

func (o *consumerOutput) EndTracks() {}

func (o *consumerOutput) SeekMap(extractor.SeekMap) {}

func (o *consumerOutput) fail(err error) {
	if o.failed.CompareAndSwap(false, true) {
		o.err = err
	}
}

type consumerTrack struct {
	out      *consumerOutput
	consumer loader.SampleConsumer

	hasFirst   bool
	firstPTSUs int64
}

func (t *consumerTrack) SetFormat(media.Format) {
	// Formats were attached during the probe pass.
}

func (t *consumerTrack) Sample(payload []byte, ptsUs int64, keyframe, endOfStream bool) {
	if t.out.failed.Load() {
		return
	}
	if t.consumer == nil {
		t.out.fail(errors.New("asset: sample for a track the probe pass did not discover"))
		return
	}
	if !endOfStream && !t.hasFirst {
		t.firstPTSUs = ptsUs
		t.hasFirst = true
	}

	buf := t.acquire()
	if buf == nil {
		return
	}
	if endOfStream {
		buf.Clear()
		buf.EndOfStream = true
		buf.TimeUs = t.rebase(ptsUs)
	} else {
		buf.SetData(payload)
		buf.TimeUs = t.rebase(ptsUs)
		buf.KeyFrame = keyframe
		buf.EndOfStream = false
	}
	if err := t.consumer.QueueInputBuffer(); err != nil {
		t.out.fail(err)
		return
	}

	t.out.delivered++
	if t.out.total > 0 {
		t.out.loader.percent.Store(int32(min(100, t.out.delivered*100/t.out.total)))
	}
}

// acquire polls the consumer for a free buffer until one is available or
// the loader is stopped.
func (t *consumerTrack) acquire() *media.InputBuffer {
	for {
		if t.out.loader.cancelled() || t.out.failed.Load() {
			return nil
		}
		if buf := t.consumer.InputBuffer(); buf != nil {
			return buf
		}
		time.Sleep(acquirePollInterval)
	}
}

// rebase shifts an asset-native timestamp so the item's samples start at
// zero.
func (t *consumerTrack) rebase(ptsUs int64) int64 {
	if !t.hasFirst {
		return 0
	}
	return ptsUs - t.firstPTSUs
}
