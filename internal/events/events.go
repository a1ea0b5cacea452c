// Package events carries progress notifications from the dispatcher to
// whatever is watching it: a log, a GUI listening on Redis, or a test.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"profile-robot/internal/task"
)

// Kind names an event.
type Kind string

const (
	KindStatus                Kind = "status"
	KindError                 Kind = "error"
	KindTaskFinished          Kind = "task_finished"
	KindTaskPermanentlyFailed Kind = "task_permanently_failed"
	KindAllTasksCompleted     Kind = "all_tasks_completed"
	KindStopped               Kind = "stopped"
)

// Terminal reports whether k settles a task or a batch. Each task gets
// exactly one terminal event, so sinks must not drop these.
func (k Kind) Terminal() bool {
	switch k {
	case KindTaskFinished, KindTaskPermanentlyFailed, KindAllTasksCompleted, KindStopped:
		return true
	}
	return false
}

// Event is one notification. UserID is empty for batch-level kinds.
type Event struct {
	RunID   uuid.UUID     `json:"run_id"`
	Kind    Kind          `json:"kind"`
	UserID  task.UserID   `json:"user_id,omitempty"`
	Message string        `json:"message,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	NotRun  []task.UserID `json:"not_run,omitempty"`
	Time    time.Time     `json:"time"`
}

// Sink receives events. Emit must not block for long: the dispatcher calls
// it from its coordinating goroutine.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans every event out to all sinks in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{Logger: logger.With("component", "events")}
}

// Emit implements Sink.
func (s *LogSink) Emit(e Event) {
	attrs := []any{"kind", e.Kind, "run_id", e.RunID}
	if e.UserID != "" {
		attrs = append(attrs, "user_id", e.UserID)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if len(e.NotRun) > 0 {
		attrs = append(attrs, "not_run", e.NotRun)
	}
	switch e.Kind {
	case KindError, KindTaskPermanentlyFailed:
		s.Logger.Warn(e.Message, attrs...)
	case KindStatus:
		s.Logger.Debug(e.Message, attrs...)
	default:
		s.Logger.Info(e.Message, attrs...)
	}
}

// Recorder keeps every event in memory and lets callers wait for batch-level
// events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded, optionally only for
// one user.
func (r *Recorder) Count(kind Kind, user task.UserID) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind && (user == "" || e.UserID == user) {
			n++
		}
	}
	return n
}

// WaitFor blocks until an event of one of kinds is recorded, or timeout.
func (r *Recorder) WaitFor(timeout time.Duration, kinds ...Kind) (Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	seen := 0
	for {
		r.mu.Lock()
		for ; seen < len(r.events); seen++ {
			for _, k := range kinds {
				if r.events[seen].Kind == k {
					e := r.events[seen]
					r.mu.Unlock()
					return e, true
				}
			}
		}
		wait := r.notify
		r.mu.Unlock()

		select {
		case <-wait:
		case <-deadline.C:
			return Event{}, false
		}
	}
}
