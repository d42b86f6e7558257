// Package runloop provides a single-goroutine serial executor. Components
// that must observe each other's callbacks in a defined order run all of
// their mutations on one Loop; deferred work is posted so that the
// triggering call stack fully unwinds before the task runs.
package runloop

import "sync"

// Loop executes posted tasks one at a time, in FIFO order, on a dedicated
// goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// New starts a Loop.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues task for execution after all previously posted tasks. It
// never blocks. Posting after Close is a no-op: a task racing a shutdown is
// dropped rather than executed on a dead loop. The return value reports
// whether the task was accepted.
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run posts task and waits for it to finish, reporting whether it ran.
// Must not be called from a posted task.
func (l *Loop) Run(task func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		task()
	}) {
		return false
	}
	<-done
	return true
}

// Close runs any tasks already queued, stops the loop, and waits for the
// worker goroutine to exit. It is idempotent and must not be called from a
// posted task.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, task := range tasks {
			task()
		}

		if closed {
			// Tasks posted concurrently with Close may still be queued;
			// drain once more so Close means "everything accepted ran".
			l.mu.Lock()
			tasks = l.queue
			l.queue = nil
			l.mu.Unlock()
			for _, task := range tasks {
				task()
			}
			return
		}

		if len(tasks) == 0 {
			<-l.wake
		}
	}
}
