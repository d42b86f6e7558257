package engine

import (
	"log/slog"
	"sync"
)

// Manager tracks the lifecycle of export jobs, providing add/remove/list
// operations used by the CLI and the status API.
type Manager struct {
	log *slog.Logger
	mu  sync.RWMutex

	jobs map[string]*Job
}

// NewManager creates a job manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:  log.With("component", "job-manager"),
		jobs: make(map[string]*Job),
	}
}

// Add registers a job. Returns false if a job with this ID already exists.
func (m *Manager) Add(job *Job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID()]; ok {
		m.log.Warn("job already registered, rejecting duplicate", "job", job.ID())
		return false
	}
	m.jobs[job.ID()] = job
	m.log.Info("job registered", "job", job.ID())
	return true
}

// Remove forgets a job. Removal does not stop it; cancel first.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	_, ok := m.jobs[id]
	if ok {
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	if ok {
		m.log.Info("job removed", "job", id)
	}
}

// Get returns the job with the given ID, or false if not found.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// List returns all registered jobs.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// RunningCount returns how many registered jobs are still running.
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, job := range m.jobs {
		if job.State() == JobStateRunning {
			n++
		}
	}
	return n
}
