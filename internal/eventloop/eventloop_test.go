package eventloop

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T, l *Loop) {
	t.Helper()
	go l.Run()
	t.Cleanup(l.Stop)
}

func TestSubmitTaskRunsOnLoop(t *testing.T) {
	l := New(16, time.Millisecond)
	startLoop(t, l)

	done := make(chan struct{})
	if err := l.SubmitTask(func() error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestAfterDoesNotFireEarly(t *testing.T) {
	l := New(16, time.Millisecond)

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.After(50*time.Millisecond, func() error {
		fired <- time.Now()
		return nil
	})
	startLoop(t, l)

	select {
	case at := <-fired:
		if at.Sub(start) < 50*time.Millisecond {
			t.Fatalf("timer fired after %v, before the 50ms minimum", at.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestEveryFiresRepeatedly(t *testing.T) {
	l := New(16, time.Millisecond)

	var count atomic.Int64
	l.Every(10*time.Millisecond, func() error {
		count.Add(1)
		return nil
	})
	startLoop(t, l)

	deadline := time.After(time.Second)
	for count.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("periodic timer fired %d times in 1s, want >= 3", count.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandlerErrorIsSurfacedAndLoopContinues(t *testing.T) {
	l := New(16, time.Millisecond)

	errs := make(chan error, 1)
	l.OnHandlerError(func(source string, err error) {
		errs <- err
	})
	startLoop(t, l)

	boom := errors.New("boom")
	if err := l.SubmitTask(func() error { return boom }); err != nil {
		t.Fatalf("submit failing task: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Fatalf("handler error sink got %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("handler error never surfaced")
	}

	// The loop must keep servicing tasks after a handler failure.
	done := make(chan struct{})
	if err := l.SubmitTask(func() error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("submit after failure: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped servicing tasks after a handler error")
	}
}

func TestStopTerminatesRun(t *testing.T) {
	l := New(16, time.Millisecond)

	exited := make(chan struct{})
	go func() {
		l.Run()
		close(exited)
	}()

	for !l.Running() {
		time.Sleep(time.Millisecond)
	}
	l.Stop()

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if l.Running() {
		t.Fatal("Running() should report false after Stop")
	}
	// Stop is idempotent.
	l.Stop()
}

func TestCancelTimerPreventsFiring(t *testing.T) {
	l := New(16, time.Millisecond)

	fired := make(chan struct{}, 1)
	id := l.After(30*time.Millisecond, func() error {
		fired <- struct{}{}
		return nil
	})
	l.CancelTimer(id)
	startLoop(t, l)

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}
