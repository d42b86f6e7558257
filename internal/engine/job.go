// Package engine drives complete export jobs: it assembles the composite
// loader, per-track pipelines, and the muxer wrapper for a sequence, pumps
// samples until the output is finalized, and exposes job state for the
// status API.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/stitch/internal/composition"
	"github.com/zsiec/stitch/internal/loader"
	"github.com/zsiec/stitch/internal/media"
	"github.com/zsiec/stitch/internal/muxer"
	"github.com/zsiec/stitch/internal/pipeline"
	"github.com/zsiec/stitch/internal/runloop"
)

// ErrExportCancelled is the terminal error of a job stopped by Cancel.
var ErrExportCancelled = errors.New("engine: export cancelled")

// drivePollInterval paces the pump loop while no pipeline has work.
const drivePollInterval = 500 * time.Microsecond

// JobState is the lifecycle phase of an export job.
type JobState int32

const (
	JobStateRunning JobState = iota
	JobStateCompleted
	JobStateFailed
)

func (s JobState) String() string {
	switch s {
	case JobStateRunning:
		return "running"
	case JobStateCompleted:
		return "completed"
	case JobStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobStats is a point-in-time snapshot of one job, exposed via the status
// API.
type JobStats struct {
	ID             string  `json:"id"`
	State          string  `json:"state"`
	Progress       int     `json:"progress"`
	HasProgress    bool    `json:"hasProgress"`
	DurationUs     int64   `json:"durationUs"`
	SamplesWritten int64   `json:"samplesWritten"`
	BuffersDropped int64   `json:"buffersDropped"`
	ItemsProcessed int     `json:"itemsProcessed"`
	ItemCount      int     `json:"itemCount"`
	StartedAt      int64   `json:"startedAt"`
	UptimeMs       int64   `json:"uptimeMs"`
	Error          string  `json:"error,omitempty"`
	Items          []Input `json:"items,omitempty"`
}

// Input summarizes one processed sequence item.
type Input struct {
	URI        string `json:"uri"`
	DurationUs int64  `json:"durationUs"`
}

// Config assembles a Job.
type Config struct {
	Sequence *composition.Sequence
	Factory  loader.Factory
	Muxer    muxer.Muxer
	Metrics  *Metrics
	Log      *slog.Logger
}

// Job is one export: a sequence of items concatenated into a single muxed
// output. A job runs once; construct, Start, then Wait.
type Job struct {
	id        string
	seq       *composition.Sequence
	wrapper   *muxer.Wrapper
	loop      *runloop.Loop
	composite *loader.Composite
	metrics   *Metrics
	log       *slog.Logger
	startedAt time.Time

	mu        sync.Mutex
	pipelines []*pipeline.Pipeline

	state      atomic.Int32
	durationUs atomic.Int64

	failOnce sync.Once
	failErr  error
	stop     chan struct{}
	done     chan struct{}
}

// NewJob wires a job for seq but does not start it.
func NewJob(cfg Config) (*Job, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	j := &Job{
		id:        uuid.NewString(),
		seq:       cfg.Sequence,
		wrapper:   muxer.NewWrapper(cfg.Muxer),
		loop:      runloop.New(),
		metrics:   cfg.Metrics,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	j.log = log.With("component", "export-job", "job", j.id)
	j.durationUs.Store(media.TimeUnset)
	j.composite = loader.NewComposite(cfg.Sequence, cfg.Factory, j.loop, j, log)

	// Later items restart their timestamps at zero; rebase each track onto
	// the running total of prior item durations, and reset flattening to
	// the incoming item's configuration.
	for _, trackType := range []media.TrackType{media.TrackTypeVideo, media.TrackTypeAudio} {
		tt := trackType
		err := j.composite.AddOnItemChangedListener(tt, func(item composition.Item, _ media.Format, itemOffsetUs int64) {
			if p := j.pipelineFor(tt); p != nil {
				p.SetTimestampRebase(itemOffsetUs)
				p.SetFlattening(item.FlattenSlowMotion, item.SlowMotionSegments)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return j, nil
}

// ID returns the job's identifier.
func (j *Job) ID() string {
	return j.id
}

// Start launches the export.
func (j *Job) Start() {
	j.log.Info("export started", "items", j.seq.Len())
	j.composite.Start()
	go j.drive()
}

// Cancel stops the export. The job ends in the failed state with
// ErrExportCancelled unless it already finished.
func (j *Job) Cancel() {
	j.fail(media.NewExportError(media.ErrorCodeUnspecified, ErrExportCancelled))
}

// Wait blocks until the job has fully stopped and returns its terminal
// error, if any.
func (j *Job) Wait() error {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failErr
}

// Done returns a channel closed when the job has fully stopped.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// State returns the job's lifecycle phase.
func (j *Job) State() JobState {
	return JobState(j.state.Load())
}

// Snapshot returns the job's current stats.
func (j *Job) Snapshot() JobStats {
	progState, progress := j.composite.Progress()
	processed := j.composite.ProcessedInputs()

	items := make([]Input, 0, len(processed))
	for _, p := range processed {
		items = append(items, Input{URI: p.Item.URI, DurationUs: p.DurationUs})
	}

	stats := JobStats{
		ID:             j.id,
		State:          j.State().String(),
		Progress:       progress,
		HasProgress:    progState == loader.ProgressAvailable,
		DurationUs:     j.durationUs.Load(),
		SamplesWritten: j.wrapper.TotalSamplesWritten(),
		BuffersDropped: j.droppedBuffers(),
		ItemsProcessed: len(processed),
		ItemCount:      j.seq.Len(),
		StartedAt:      j.startedAt.UnixMilli(),
		UptimeMs:       time.Since(j.startedAt).Milliseconds(),
		Items:          items,
	}
	if j.State() == JobStateCompleted {
		stats.Progress = 100
		stats.HasProgress = true
	}
	j.mu.Lock()
	if j.failErr != nil {
		stats.Error = j.failErr.Error()
	}
	j.mu.Unlock()
	return stats
}

// drive pumps every pipeline until the output is finalized, the job fails,
// or it is cancelled.
func (j *Job) drive() {
	defer j.finish()
	for {
		select {
		case <-j.stop:
			return
		default:
		}

		worked := false
		for _, p := range j.snapshotPipelines() {
			advanced, err := p.ProcessData()
			if err != nil {
				j.fail(err)
				return
			}
			if advanced {
				worked = true
			}
		}

		if j.wrapper.AllTracksEnded() {
			j.state.CompareAndSwap(int32(JobStateRunning), int32(JobStateCompleted))
			return
		}
		if !worked {
			time.Sleep(drivePollInterval)
		}
	}
}

// finish tears the job down in dependency order: stop the source, drain
// the runloop, then settle terminal state and metrics.
func (j *Job) finish() {
	j.composite.Release()
	j.loop.Close()

	switch j.State() {
	case JobStateCompleted:
		j.log.Info("export completed",
			"samples", j.wrapper.TotalSamplesWritten(),
			"dropped", j.droppedBuffers())
	default:
		j.wrapper.Abort()
		j.mu.Lock()
		err := j.failErr
		j.mu.Unlock()
		j.log.Error("export failed", "error", err)
		if j.metrics != nil {
			j.metrics.IncJobsFailed()
		}
	}
	if j.metrics != nil {
		j.metrics.AddSamplesWritten(j.wrapper.TotalSamplesWritten())
		j.metrics.AddBuffersDropped(j.droppedBuffers())
		for range j.composite.ProcessedInputs() {
			j.metrics.IncItemsCompleted()
		}
	}
	close(j.done)
}

func (j *Job) fail(err error) {
	j.failOnce.Do(func() {
		j.mu.Lock()
		j.failErr = media.NewExportError(media.ErrorCodeUnspecified, err)
		j.mu.Unlock()
		j.state.Store(int32(JobStateFailed))
		close(j.stop)
	})
}

func (j *Job) snapshotPipelines() []*pipeline.Pipeline {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*pipeline.Pipeline(nil), j.pipelines...)
}

func (j *Job) pipelineFor(trackType media.TrackType) *pipeline.Pipeline {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, p := range j.pipelines {
		if p.TrackType() == trackType {
			return p
		}
	}
	return nil
}

func (j *Job) droppedBuffers() int64 {
	var n int64
	for _, p := range j.snapshotPipelines() {
		n += p.DroppedBuffers()
	}
	return n
}

// Listener implementation: discovery callbacks from the composite loader,
// delivered on the job's runloop.

// OnDurationUs records the export duration estimate.
func (j *Job) OnDurationUs(durationUs int64) {
	j.durationUs.Store(durationUs)
}

// OnTrackCount declares the track count to the muxer wrapper; samples are
// held back until that many tracks have registered.
func (j *Job) OnTrackCount(trackCount int) {
	j.log.Debug("track count reported", "tracks", trackCount)
	j.wrapper.SetExpectedTrackCount(trackCount)
}

// OnTrackAdded builds the durable per-track pipeline. The first item's
// flattening configuration applies from the start; later items reconfigure
// via the item-changed listeners.
func (j *Job) OnTrackAdded(format media.Format, streamStartPositionUs, streamOffsetUs int64) (loader.SampleConsumer, error) {
	first := j.seq.Item(0)
	p := pipeline.New(pipeline.Config{
		InputFormat:           format,
		StreamStartPositionUs: streamStartPositionUs,
		StreamOffsetUs:        streamOffsetUs,
		FlattenSlowMotion:     first.FlattenSlowMotion,
		SlowMotionSegments:    first.SlowMotionSegments,
		Wrapper:               j.wrapper,
		Stage:                 pipeline.NewPassthroughStage(format),
	})
	j.log.Debug("track added", "type", format.TrackType().String(), "mime", format.MIMEType)

	j.mu.Lock()
	j.pipelines = append(j.pipelines, p)
	j.mu.Unlock()
	return p, nil
}

// OnError fails the job with the loader's error.
func (j *Job) OnError(err error) {
	j.fail(media.NewExportError(media.ErrorCodeLoaderFailed, err))
}
