// Package executor runs one task against one browser profile.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"profile-robot/internal/browser"
	"profile-robot/internal/pool"
	"profile-robot/internal/proxy"
	"profile-robot/internal/task"
	"profile-robot/internal/useragent"
)

// Config holds the executor settings.
type Config struct {
	Timing         Timing
	ComposerURL    string
	MarketplaceURL string
	BrowserBin     string
}

// Executor opens a browser session per task and routes it to the handler for
// the task's action kind. It never returns an error: every outcome is a
// task.Result.
type Executor struct {
	cfg      Config
	engine   browser.Engine
	resolver proxy.Resolver
	checker  proxy.Checker
	actions  map[task.Kind]Action
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithResolver sets how proxy tokens become endpoints.
func WithResolver(r proxy.Resolver) Option {
	return func(e *Executor) { e.resolver = r }
}

// WithChecker checks each endpoint before a browser is opened through it.
func WithChecker(c proxy.Checker) Option {
	return func(e *Executor) { e.checker = c }
}

// WithAction registers or replaces the handler for kind.
func WithAction(kind task.Kind, a Action) Option {
	return func(e *Executor) { e.actions[kind] = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an Executor with the launch, discussion and marketplace
// handlers installed.
func New(cfg Config, engine browser.Engine, opts ...Option) *Executor {
	if cfg.Timing.Step <= 0 {
		cfg.Timing.Step = 30 * time.Second
	}
	if cfg.Timing.Navigation <= 0 {
		cfg.Timing.Navigation = 2 * time.Minute
	}

	e := &Executor{
		cfg:      cfg,
		engine:   engine,
		resolver: proxy.NewHTTPResolver(nil),
		checker:  proxy.NoopChecker{},
		logger:   slog.Default(),
		actions: map[task.Kind]Action{
			task.KindLaunch:      LaunchAction{},
			task.KindDiscussion:  &PostAction{Form: DiscussionForm(cfg.ComposerURL), Timing: cfg.Timing},
			task.KindMarketplace: &PostAction{Form: MarketplaceForm(cfg.MarketplaceURL), Timing: cfg.Timing},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor")
	return e
}

// Execute runs t. token is nil for tokenless execution. Cancellation of ctx
// yields a Canceled result.
func (e *Executor) Execute(ctx context.Context, t task.Task, token *string) (res task.Result) {
	log := e.logger.With("user_id", t.UserID, "action", t.Action.Kind)

	action, ok := e.actions[t.Action.Kind]
	if !ok {
		log.Warn("rejecting task with unknown action")
		return task.Result{
			Outcome:   task.Failure,
			Reason:    fmt.Sprintf("%v: %q", ErrUnknownAction, t.Action.Kind),
			Permanent: true,
		}
	}
	if err := checkImages(t.Action.Post); err != nil {
		return task.Result{Outcome: task.Failure, Reason: err.Error(), Permanent: true}
	}
	if ctx.Err() != nil {
		return task.Interrupted("canceled before start")
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			res = task.Failed("panic: %v", r)
		}
	}()

	var endpoint *proxy.Endpoint
	if token != nil && *token != "" {
		ep, err := e.prepareProxy(ctx, *token)
		if err != nil {
			if ctx.Err() != nil {
				return task.Interrupted(ctx.Err().Error())
			}
			log.Warn("proxy unusable", "proxy", pool.Fingerprint(*token), "error", err)
			res := task.Failed("proxy %s: %v", pool.Fingerprint(*token), err)
			res.ResourceFault = true
			return res
		}
		endpoint = ep
	}

	opts := browser.Options{
		ProfileDir: t.Profile,
		UserAgent:  t.Identity.UserAgent,
		Mobile:     t.Identity.Mobile,
		Headless:   t.Identity.Headless,
		Proxy:      endpoint,
		Bin:        e.cfg.BrowserBin,
	}
	if opts.UserAgent == "" {
		opts.UserAgent = useragent.Random(opts.Mobile)
	}

	var session browser.Session
	err := step(ctx, "open browser", e.cfg.Timing.Navigation, func(ctx context.Context) error {
		var err error
		session, err = e.engine.Open(ctx, opts)
		return err
	})
	if err != nil {
		return classify(ctx, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug("browser session close failed", "error", err)
		}
	}()

	log.Info("browser session opened", "engine", e.engine.Name(), "profile", t.Profile)
	if err := action.Run(ctx, session, t); err != nil {
		return classify(ctx, err)
	}
	return task.Succeeded()
}

func (e *Executor) prepareProxy(ctx context.Context, token string) (*proxy.Endpoint, error) {
	ep, err := e.resolver.Resolve(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if err := e.checker.Check(ctx, ep); err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}
	return ep, nil
}

// classify turns an action error into a Result.
func classify(ctx context.Context, err error) task.Result {
	if ctx.Err() != nil {
		return task.Interrupted(err.Error())
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return task.Failed("%s", te.Error())
	}
	return task.Failed("%v", err)
}
