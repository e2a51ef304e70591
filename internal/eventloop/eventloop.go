// Package eventloop implements the single-threaded cooperative scheduler
// that owns the run's timers and cross-thread task handoff: one reactor
// loop driving a lock-free task queue and a timer list, so all engine
// state downstream of it is only ever touched from one goroutine.
package eventloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veloz/veloz-engine/internal/queue"
)

// Task is a unit of work run on the loop thread. A non-nil error return is
// surfaced as a handler error and the loop continues; a panic escaping a
// Task is not recovered and terminates the run.
type Task func() error

type timer struct {
	id       uint64
	fireAt   time.Time
	period   time.Duration // zero for one-shot
	fn       Task
	canceled atomic.Bool
}

// HandlerErrorFunc is invoked with a SystemEvent::HandlerError-equivalent
// whenever a Task returns an error. Wired by the caller to the EventBus.
type HandlerErrorFunc func(source string, err error)

// Loop is the cooperative scheduler. All fields below this point are only
// ever touched from the loop's own goroutine except where noted.
type Loop struct {
	tasks *queue.LockFreeQueue[Task]
	wake  chan struct{}

	running atomic.Bool
	stopCh  chan struct{}
	stopOnce sync.Once

	timers   []*timer
	nextID   uint64
	tickEvery time.Duration

	onHandlerError HandlerErrorFunc
}

// New creates a Loop with a bounded cross-thread task queue of the given
// capacity and a reactor tick granularity (how often pending timers are
// re-checked between wake-ups).
func New(taskQueueCapacity int, tick time.Duration) *Loop {
	if tick <= 0 {
		tick = time.Millisecond
	}
	return &Loop{
		tasks:     queue.New[Task](taskQueueCapacity),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		tickEvery: tick,
	}
}

// OnHandlerError registers the sink for handler failures.
func (l *Loop) OnHandlerError(fn HandlerErrorFunc) { l.onHandlerError = fn }

// SubmitTask enqueues fn to run on the loop thread. Safe from any thread;
// FIFO per submitter, no cross-thread ordering guarantee.
func (l *Loop) SubmitTask(fn Task) error {
	if err := l.tasks.Push(fn); err != nil {
		return err
	}
	l.nudge()
	return nil
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// After schedules a one-shot timer. Guaranteed not to fire before d
// elapses; may fire later under load.
func (l *Loop) After(d time.Duration, fn Task) uint64 {
	id := atomic.AddUint64(&l.nextID, 1)
	t := &timer{id: id, fireAt: time.Now().Add(d), fn: fn}
	l.timers = append(l.timers, t)
	return id
}

// Every schedules a periodic timer. On overrun, missed ticks coalesce into
// a single delivery: fireAt is always rescheduled from "now", never
// accumulating a backlog.
func (l *Loop) Every(period time.Duration, fn Task) uint64 {
	id := atomic.AddUint64(&l.nextID, 1)
	t := &timer{id: id, fireAt: time.Now().Add(period), period: period, fn: fn}
	l.timers = append(l.timers, t)
	return id
}

// CancelTimer cancels a previously scheduled timer. Safe to call from the
// loop thread only.
func (l *Loop) CancelTimer(id uint64) {
	for _, t := range l.timers {
		if t.id == id {
			t.canceled.Store(true)
		}
	}
}

// Run blocks the calling thread driving the reactor until Stop is called.
func (l *Loop) Run() {
	l.running.Store(true)
	ticker := time.NewTicker(l.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			l.running.Store(false)
			return
		case <-l.wake:
			l.drainTasks()
		case <-ticker.C:
			l.drainTasks()
			l.fireTimers()
		}
	}
}

func (l *Loop) drainTasks() {
	for {
		task, ok := l.tasks.TryPop()
		if !ok {
			return
		}
		l.invoke("task", task)
	}
}

func (l *Loop) fireTimers() {
	now := time.Now()
	live := l.timers[:0]
	for _, t := range l.timers {
		if t.canceled.Load() {
			continue
		}
		if now.Before(t.fireAt) {
			live = append(live, t)
			continue
		}
		l.invoke("timer", t.fn)
		if t.period > 0 {
			t.fireAt = now.Add(t.period)
			live = append(live, t)
		}
	}
	l.timers = live
}

func (l *Loop) invoke(source string, fn Task) {
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		if l.onHandlerError != nil {
			l.onHandlerError(source, err)
		} else {
			log.Error().Err(err).Str("source", source).Msg("event loop handler failed")
		}
	}
}

// Stop signals the reactor to exit. Signal-safe: an atomic flag plus a
// buffered wake-up.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)
	})
}

// Running reports whether the reactor is currently executing Run.
func (l *Loop) Running() bool { return l.running.Load() }
