package asset

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/stitch/internal/composition"
	"github.com/zsiec/stitch/internal/loader"
	"github.com/zsiec/stitch/internal/runloop"
)

// LoaderStats captures loader-level state for one active load, exposed via
// the status API for monitoring export health.
type LoaderStats struct {
	ID        string `json:"id"`
	URI       string `json:"uri"`
	StartedAt int64  `json:"startedAt"`
	UptimeMs  int64  `json:"uptimeMs"`
	State     string `json:"state"`
	Percent   int    `json:"percent"`
}

type registryEntry struct {
	id        string
	uri       string
	startedAt time.Time
	loader    *TSLoader
}

// Registry tracks active file loaders by a generated identifier. It is the
// rendezvous point between running exports and the status API.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates a Registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "asset-registry"),
		entries: make(map[string]*registryEntry),
	}
}

// register tracks l until it is released and returns its identifier.
func (r *Registry) register(l *TSLoader) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.entries[id] = &registryEntry{
		id:        id,
		uri:       l.item.URI,
		startedAt: time.Now(),
		loader:    l,
	}
	r.mu.Unlock()

	r.log.Debug("loader registered", "id", id, "uri", l.item.URI)
	return id
}

func (r *Registry) unregister(id string) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if ok {
		r.log.Debug("loader unregistered", "id", id)
	}
}

// Stats returns a snapshot of every active loader.
func (r *Registry) Stats() []LoaderStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]LoaderStats, 0, len(r.entries))
	for _, e := range r.entries {
		state, percent := e.loader.Progress()
		stats = append(stats, LoaderStats{
			ID:        e.id,
			URI:       e.uri,
			StartedAt: e.startedAt.UnixMilli(),
			UptimeMs:  time.Since(e.startedAt).Milliseconds(),
			State:     progressStateString(state),
			Percent:   percent,
		})
	}
	return stats
}

// ActiveCount returns how many loaders are currently registered.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func progressStateString(state loader.ProgressState) string {
	switch state {
	case loader.ProgressNotStarted:
		return "not-started"
	case loader.ProgressWaiting:
		return "waiting"
	case loader.ProgressAvailable:
		return "available"
	default:
		return "unavailable"
	}
}

// Factory builds TSLoaders and keeps them registered while active. It
// implements the loader factory contract consumed by the composite loader.
type Factory struct {
	registry *Registry
	log      *slog.Logger
}

// NewFactory creates a Factory backed by registry. If log is nil,
// slog.Default() is used.
func NewFactory(registry *Registry, log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{registry: registry, log: log}
}

// CreateLoader constructs a loader for item. The loader unregisters itself
// on release.
func (f *Factory) CreateLoader(item composition.Item, loop *runloop.Loop, listener loader.Listener) loader.AssetLoader {
	l := NewTSLoader(item, loop, listener, f.log)
	if f.registry != nil {
		id := f.registry.register(l)
		l.onRelease = func() {
			f.registry.unregister(id)
		}
	}
	return l
}
