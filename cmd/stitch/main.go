// Command stitch concatenates a sequence of MPEG-TS files into a single
// transport-stream output, optionally flattening slow-motion segments to
// normal speed.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/stitch/internal/asset"
	"github.com/zsiec/stitch/internal/composition"
	"github.com/zsiec/stitch/internal/engine"
	"github.com/zsiec/stitch/internal/muxer"
)

var version = "dev"

type cli struct {
	Version kong.VersionFlag `help:"Print version and exit."`
	Debug   bool             `help:"Enable debug logging."`

	Output       string   `short:"o" required:"" help:"Output transport stream path."`
	FlattenSlomo []string `name:"flatten-slomo" help:"Slow-motion segment to flatten, as startUs:endUs:divisor. Repeatable."`
	StatusAddr   string   `name:"status-addr" help:"Optional listen address for the status API, e.g. :4780."`

	Inputs []string `arg:"" name:"input" help:"Input transport stream files, stitched in order." type:"existingfile"`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("stitch"),
		kong.Description("Concatenate MPEG-TS files into one output, flattening slow motion."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	level := slog.LevelInfo
	if flags.Debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(flags); err != nil {
		slog.Error("export failed", "error", err)
		os.Exit(1)
	}
}

func run(flags cli) error {
	segments, err := parseSegments(flags.FlattenSlomo)
	if err != nil {
		return err
	}

	items := make([]composition.Item, 0, len(flags.Inputs))
	for _, uri := range flags.Inputs {
		item := composition.NewItem(uri)
		if len(segments) > 0 {
			item.FlattenSlowMotion = true
			item.SlowMotionSegments = segments
		}
		items = append(items, item)
	}
	seq, err := composition.NewSequence(items...)
	if err != nil {
		return err
	}

	out, err := os.Create(flags.Output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	registry := asset.NewRegistry(nil)
	metrics := engine.NewMetrics()
	manager := engine.NewManager(nil)

	job, err := engine.NewJob(engine.Config{
		Sequence: seq,
		Factory:  asset.NewFactory(registry, nil),
		Muxer:    muxer.NewTSMuxer(w),
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	manager.Add(job)

	slog.Info("stitch starting",
		"version", version,
		"inputs", len(flags.Inputs),
		"output", flags.Output,
		"flatten_segments", len(segments),
	)

	g, ctx := errgroup.WithContext(ctx)

	var statusSrv *http.Server
	if flags.StatusAddr != "" {
		statusSrv = &http.Server{
			Addr: flags.StatusAddr,
			Handler: engine.NewAPIHandler(engine.APIConfig{
				Manager:  manager,
				Registry: registry,
				Metrics:  metrics,
			}),
		}
		g.Go(func() error {
			slog.Info("status API listening", "addr", flags.StatusAddr)
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return statusSrv.Shutdown(shutdownCtx)
		})
	}

	job.Start()
	g.Go(func() error {
		select {
		case <-ctx.Done():
			job.Cancel()
			<-job.Done()
			return ctx.Err()
		case <-job.Done():
			return job.Wait()
		}
	})

	err = g.Wait()
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	stats := job.Snapshot()
	slog.Info("export finished",
		"samples", stats.SamplesWritten,
		"dropped", stats.BuffersDropped,
		"items", stats.ItemsProcessed,
	)
	return nil
}

// parseSegments parses repeated startUs:endUs:divisor flag values.
func parseSegments(specs []string) ([]composition.SlowMotionSegment, error) {
	segments := make([]composition.SlowMotionSegment, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid slow-motion segment %q, want startUs:endUs:divisor", spec)
		}
		startUs, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid segment start %q: %w", parts[0], err)
		}
		endUs, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid segment end %q: %w", parts[1], err)
		}
		divisor, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid segment divisor %q: %w", parts[2], err)
		}
		segments = append(segments, composition.SlowMotionSegment{
			StartUs:      startUs,
			EndUs:        endUs,
			SpeedDivisor: divisor,
		})
	}
	return segments, nil
}
