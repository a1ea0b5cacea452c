// Package dispatcher pairs queued tasks with proxy tokens and runs them on a
// bounded worker pool, retrying failures and reporting progress as events.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"profile-robot/internal/events"
	"profile-robot/internal/pool"
	"profile-robot/internal/queue"
	"profile-robot/internal/task"
	"profile-robot/internal/worker"
)

// ErrStopped is returned by Submit once a stop has been requested.
var ErrStopped = errors.New("dispatcher is stopped")

// DefaultMaxRetries is used when Config.MaxRetries is negative.
const DefaultMaxRetries = 2

// Config is the construction time configuration.
type Config struct {
	// MaxRetries bounds the retries of one task; a task runs at most
	// MaxRetries+1 times. Zero disables retries.
	MaxRetries int
	// Concurrency bounds the simultaneous executions.
	Concurrency int
	// ProxyPolicy decides the fate of a token blamed for a failure.
	ProxyPolicy pool.Policy
	// QuarantineTTL is how long a quarantined token is held back.
	QuarantineTTL time.Duration
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	RunID      uuid.UUID `json:"run_id"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"permanently_failed"`
	Pending    int       `json:"pending"`
	InFlight   int       `json:"in_flight"`
	Tokens     int       `json:"tokens"`
	Available  int       `json:"tokens_available"`
	Tokenless  bool      `json:"tokenless"`
	Stopped    bool      `json:"stopped"`
	Ceiling    int       `json:"ceiling"`
	Concurrent int       `json:"concurrency"`
}

type submitRequest struct {
	tasks []task.Task
	reply chan error
}

type running struct {
	env     task.Envelope
	token   *string
	started time.Time
}

// Dispatcher schedules tasks. Every counter and the in-flight set are owned
// by a single coordinator goroutine; the token pool and the pending queue
// are the only shared structures.
type Dispatcher struct {
	cfg     Config
	runID   uuid.UUID
	pool    *pool.ResourcePool
	pending *queue.RetryQueue
	workers *worker.WorkerPool
	sink    events.Sink
	logger  *slog.Logger

	execCtx    context.Context
	cancelExec context.CancelFunc

	submitCh    chan submitRequest
	completions chan worker.Completion
	statsCh     chan chan Stats
	wakeCh      chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	lifeMu      sync.Mutex
	started     bool
	done        chan struct{}
	final       Stats

	// Coordinator state.
	inFlight  map[uint64]running
	busy      map[string]int
	total     int
	succeeded int
	failed    int
	hadTokens bool
	tokenless bool
	stopping  bool
	nextJobID uint64
}

// New creates a dispatcher. tokens may be empty, in which case tasks run
// without a proxy. Call Start before Submit.
func New(cfg Config, exec worker.Executor, tokens []string, sink events.Sink, logger *slog.Logger) *Dispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ProxyPolicy == "" {
		cfg.ProxyPolicy = pool.Recycle
	}
	if sink == nil {
		sink = events.SinkFunc(func(events.Event) {})
	}
	if logger == nil {
		logger = slog.Default()
	}

	runID := uuid.New()
	logger = logger.With("component", "dispatcher", "run_id", runID)

	d := &Dispatcher{
		cfg:         cfg,
		runID:       runID,
		pending:     queue.New(),
		sink:        sink,
		logger:      logger,
		submitCh:    make(chan submitRequest),
		completions: make(chan worker.Completion, cfg.Concurrency),
		statsCh:     make(chan chan Stats),
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		inFlight:    make(map[uint64]running),
		busy:        make(map[string]int),
	}
	d.execCtx, d.cancelExec = context.WithCancel(context.Background())

	poolOpts := []pool.Option{pool.WithLogger(logger), pool.OnReturn(d.wake)}
	if cfg.QuarantineTTL > 0 {
		poolOpts = append(poolOpts, pool.WithQuarantineTTL(cfg.QuarantineTTL))
	}
	d.pool = pool.New(tokens, poolOpts...)
	d.hadTokens = d.pool.Size() > 0
	d.tokenless = !d.hadTokens
	if d.tokenless {
		logger.Warn("no proxy tokens configured, running tasks without a proxy")
	}

	d.workers = worker.NewWorkerPool(exec, cfg.Concurrency, cfg.Concurrency, logger)
	return d
}

// RunID identifies this dispatcher in events.
func (d *Dispatcher) RunID() uuid.UUID {
	return d.runID
}

// Start launches the workers and the coordinator. It does nothing once a
// stop has been requested.
func (d *Dispatcher) Start() {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.started || d.stopRequested() {
		return
	}
	d.started = true
	d.workers.Start()
	go d.coordinate()
}

// Submit queues tasks with zero retries. Tasks are validated first; an
// invalid task rejects the whole batch.
func (d *Dispatcher) Submit(tasks []task.Task) error {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	if d.stopRequested() {
		return ErrStopped
	}

	req := submitRequest{tasks: tasks, reply: make(chan error, 1)}
	select {
	case d.submitCh <- req:
		return <-req.reply
	case <-d.stopCh:
		return ErrStopped
	case <-d.done:
		return ErrStopped
	}
}

// RequestStop stops pairing, cancels the running executions and, once they
// have drained, emits a stopped event listing the tasks that did not run.
// It does not wait; use Wait for that.
func (d *Dispatcher) RequestStop() {
	d.stopOnce.Do(func() {
		d.lifeMu.Lock()
		close(d.stopCh)
		started := d.started
		d.lifeMu.Unlock()
		if !started {
			// No coordinator will ever finish the stop.
			d.stopping = true
			d.cancelExec()
			d.finishStop()
		}
	})
}

func (d *Dispatcher) stopRequested() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// Wait blocks until a requested stop has completed.
func (d *Dispatcher) Wait() {
	<-d.done
}

// Done is closed once a requested stop has completed.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case d.statsCh <- reply:
		return <-reply
	case <-d.done:
		return d.final
	}
}

// wake asks the coordinator to pair again. It never blocks.
func (d *Dispatcher) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) coordinate() {
	stopCh := d.stopCh
	for {
		select {
		case req := <-d.submitCh:
			req.reply <- d.submit(req.tasks)
		case c := <-d.completions:
			d.complete(c)
		case <-d.wakeCh:
			d.pair()
		case reply := <-d.statsCh:
			reply <- d.snapshot()
		case <-stopCh:
			stopCh = nil
			d.beginStop()
		}

		if d.stopping && len(d.inFlight) == 0 {
			d.finishStop()
			return
		}
	}
}

func (d *Dispatcher) submit(tasks []task.Task) error {
	if d.stopping || d.stopRequested() {
		return ErrStopped
	}
	for _, t := range tasks {
		d.pending.PushBack(task.Envelope{Task: t})
	}
	d.total += len(tasks)
	d.emit(events.Event{
		Kind:    events.KindStatus,
		Message: fmt.Sprintf("%d tasks queued", len(tasks)),
	})
	d.pair()
	return nil
}

// ceiling is the number of executions allowed at once.
func (d *Dispatcher) ceiling() int {
	if d.tokenless {
		return d.cfg.Concurrency
	}
	return min(d.cfg.Concurrency, d.pool.Size())
}

// pair starts executions while work, a slot and a token are all available.
// Envelopes whose profile is already in use are skipped.
func (d *Dispatcher) pair() {
	for !d.stopping && !d.pending.IsEmpty() && len(d.inFlight) < d.ceiling() {
		var token *string
		if !d.tokenless {
			t, ok := d.pool.TryAcquire()
			if !ok {
				return
			}
			token = &t
		}

		env, ok := d.pending.PopFirst(func(e task.Envelope) bool {
			return d.busy[e.Task.Profile] == 0
		})
		if !ok {
			if token != nil {
				d.pool.Release(*token)
			}
			return
		}
		d.launch(env, token)
	}
}

func (d *Dispatcher) launch(env task.Envelope, token *string) {
	d.nextJobID++
	id := d.nextJobID
	d.inFlight[id] = running{env: env, token: token, started: time.Now()}
	d.busy[env.Task.Profile]++

	attrs := []any{"job_id", id, "user_id", env.Task.UserID, "action", env.Task.Action.Kind, "attempt", env.Retries + 1}
	if token != nil {
		attrs = append(attrs, "proxy", pool.Fingerprint(*token))
	}
	d.logger.Debug("starting task", attrs...)
	d.emit(events.Event{
		Kind:    events.KindStatus,
		UserID:  env.Task.UserID,
		Attempt: env.Retries + 1,
		Message: fmt.Sprintf("running %s", env.Task.Action),
	})

	job := worker.Job{
		ID:         id,
		Envelope:   env,
		Token:      token,
		Context:    d.execCtx,
		ResultChan: d.completions,
	}
	if err := d.workers.Submit(job); err != nil {
		d.logger.Error("failed to hand job to workers", "job_id", id, "error", err)
		delete(d.inFlight, id)
		d.release(env.Task.Profile)
		if token != nil {
			d.pool.Release(*token)
		}
		d.pending.PushBack(env)
	}
}

// release marks one execution on profile as finished.
func (d *Dispatcher) release(profile string) {
	if d.busy[profile] <= 1 {
		delete(d.busy, profile)
	} else {
		d.busy[profile]--
	}
}

func (d *Dispatcher) complete(c worker.Completion) {
	run, ok := d.inFlight[c.JobID]
	if !ok {
		d.logger.Error("completion for unknown job", "job_id", c.JobID)
		return
	}
	delete(d.inFlight, c.JobID)
	d.release(run.env.Task.Profile)

	d.settleToken(run.token, c.Result)

	env, res := run.env, c.Result
	user := env.Task.UserID
	switch res.Outcome {
	case task.Success:
		d.succeeded++
		d.emit(events.Event{
			Kind:    events.KindTaskFinished,
			UserID:  user,
			Attempt: env.Retries + 1,
			Message: fmt.Sprintf("%s finished in %s", env.Task.Action, time.Since(run.started).Round(time.Millisecond)),
		})

	case task.Canceled:
		if !d.stopping {
			d.failAttempt(env, task.Failed("interrupted: %s", res.Reason))
			break
		}
		// An attempt interrupted by a stop does not count as a retry.
		d.pending.PushBack(env)
		d.emit(events.Event{
			Kind:    events.KindStatus,
			UserID:  user,
			Attempt: env.Retries + 1,
			Message: fmt.Sprintf("%s interrupted: %s", env.Task.Action, res.Reason),
		})

	default:
		d.failAttempt(env, res)
	}

	if d.stopping {
		return
	}
	d.pair()
	d.checkBatchComplete()
}

// failAttempt reports a failed attempt and either requeues env or gives up.
func (d *Dispatcher) failAttempt(env task.Envelope, res task.Result) {
	user := env.Task.UserID
	d.emit(events.Event{
		Kind:    events.KindError,
		UserID:  user,
		Attempt: env.Retries + 1,
		Message: fmt.Sprintf("%s failed: %s", env.Task.Action, res.Reason),
	})
	next := env.Retries + 1
	if !res.Permanent && next <= d.cfg.MaxRetries {
		env.Retries = next
		d.pending.PushBack(env)
		return
	}
	d.failed++
	msg := fmt.Sprintf("%s gave up after %d attempts: %s", env.Task.Action, env.Retries+1, res.Reason)
	if res.Permanent {
		msg = fmt.Sprintf("%s rejected: %s", env.Task.Action, res.Reason)
	}
	d.emit(events.Event{
		Kind:    events.KindTaskPermanentlyFailed,
		UserID:  user,
		Attempt: env.Retries + 1,
		Message: msg,
	})
}

// settleToken returns or retires the token of a finished execution.
func (d *Dispatcher) settleToken(token *string, res task.Result) {
	if token == nil {
		return
	}
	if res.Outcome == task.Failure && res.ResourceFault {
		d.pool.Retire(*token, d.cfg.ProxyPolicy)
		if d.hadTokens && !d.tokenless && d.pool.Size() == 0 {
			d.tokenless = true
			d.logger.Warn("every proxy token has been discarded, continuing without a proxy")
			d.emit(events.Event{Kind: events.KindStatus, Message: "all proxies discarded, running without a proxy"})
		}
		return
	}
	d.pool.Release(*token)
}

func (d *Dispatcher) checkBatchComplete() {
	if d.total == 0 || d.succeeded+d.failed != d.total || !d.pending.IsEmpty() || len(d.inFlight) != 0 {
		return
	}
	d.emit(events.Event{
		Kind:    events.KindAllTasksCompleted,
		Message: fmt.Sprintf("%d tasks: %d succeeded, %d permanently failed", d.total, d.succeeded, d.failed),
	})
	d.total, d.succeeded, d.failed = 0, 0, 0
}

func (d *Dispatcher) beginStop() {
	d.logger.Info("stop requested", "in_flight", len(d.inFlight), "pending", d.pending.Len())
	d.stopping = true
	d.cancelExec()
	d.emit(events.Event{
		Kind:    events.KindStatus,
		Message: fmt.Sprintf("stopping, waiting for %d running tasks", len(d.inFlight)),
	})
}

func (d *Dispatcher) finishStop() {
	d.final = d.snapshot()
	d.final.Stopped = true

	left := d.pending.Drain()
	notRun := make([]task.UserID, 0, len(left))
	seen := make(map[task.UserID]bool)
	for _, env := range left {
		if !seen[env.Task.UserID] {
			seen[env.Task.UserID] = true
			notRun = append(notRun, env.Task.UserID)
		}
	}

	d.emit(events.Event{
		Kind:    events.KindStopped,
		NotRun:  notRun,
		Message: fmt.Sprintf("stopped: %d succeeded, %d permanently failed, %d not run", d.succeeded, d.failed, len(left)),
	})

	d.workers.Stop()
	d.pool.Close()
	close(d.done)
}

func (d *Dispatcher) snapshot() Stats {
	return Stats{
		RunID:      d.runID,
		Total:      d.total,
		Succeeded:  d.succeeded,
		Failed:     d.failed,
		Pending:    d.pending.Len(),
		InFlight:   len(d.inFlight),
		Tokens:     d.pool.Size(),
		Available:  d.pool.Available(),
		Tokenless:  d.tokenless,
		Stopped:    d.stopping,
		Ceiling:    d.ceiling(),
		Concurrent: d.cfg.Concurrency,
	}
}

func (d *Dispatcher) emit(e events.Event) {
	e.RunID = d.runID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	d.sink.Emit(e)
}
