package runloop

import (
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPostRunsTasksInOrder(t *testing.T) {
	l := New()
	defer l.Close()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
		})
	}
	<-done

	if len(order) != 10 {
		t.Fatalf("tasks run: got %d, want 10", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Errorf("position %d: got %d, want %d", i, v, i)
		}
	}
}

func TestPostFromPostedTaskDefersExecution(t *testing.T) {
	l := New()
	defer l.Close()

	var outerDone, innerAfterOuter atomic.Bool
	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() {
			innerAfterOuter.Store(outerDone.Load())
			close(done)
		})
		outerDone.Store(true)
	})
	<-done

	if !innerAfterOuter.Load() {
		t.Error("inner task ran before the posting task returned")
	}
}

func TestRunWaitsForTask(t *testing.T) {
	l := New()
	defer l.Close()

	ran := false
	if !l.Run(func() { ran = true }) {
		t.Fatal("Run returned false on a live loop")
	}
	if !ran {
		t.Error("Run returned before the task finished")
	}
}

func TestPostAfterClose(t *testing.T) {
	l := New()
	l.Close()

	if l.Post(func() { t.Error("task ran on a closed loop") }) {
		t.Error("Post after Close should return false")
	}
	if l.Run(func() {}) {
		t.Error("Run after Close should return false")
	}
}

func TestCloseRunsQueuedTasks(t *testing.T) {
	l := New()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		l.Post(func() { ran.Add(1) })
	}
	l.Close()

	if got := ran.Load(); got != 5 {
		t.Errorf("tasks run by Close: got %d, want 5", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	l := New()
	l.Close()
	l.Close()
}
