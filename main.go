package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"profile-robot/internal/api"
	"profile-robot/internal/batch"
	"profile-robot/internal/browser"
	"profile-robot/internal/config"
	"profile-robot/internal/dispatcher"
	"profile-robot/internal/events"
	"profile-robot/internal/executor"
	"profile-robot/internal/logger"
	"profile-robot/internal/pool"
	"profile-robot/internal/proxy"
)

// Exit codes of the run command.
const (
	exitOK      = 0
	exitFailed  = 1
	exitStopped = 2
	exitUsage   = 64
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	command := "run"
	if len(args) > 0 && (args[0] == "run" || args[0] == "serve") {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	batchPath := fs.String("batch", "", "path of the batch description file (run)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	// Load configuration
	appConfig, err := config.LoadConfig()
	if err != nil {
		logger.LogError("Failed to load configuration: %v", err)
		return exitUsage
	}
	log := logger.Setup(os.Stderr, appConfig.LogLevel, appConfig.LogFormat)

	a, err := newApp(appConfig, log)
	if err != nil {
		logger.LogError("Failed to initialize: %v", err)
		return exitUsage
	}
	defer a.close()

	switch command {
	case "serve":
		return a.serve()
	default:
		if *batchPath == "" {
			fmt.Fprintln(os.Stderr, "usage: profile-robot [run] -batch FILE | profile-robot serve")
			return exitUsage
		}
		return a.runBatch(*batchPath)
	}
}

type app struct {
	config     *config.AppConfig
	log        *slog.Logger
	dispatcher *dispatcher.Dispatcher
	redis      *events.RedisSink

	finished chan events.Event
	failures atomic.Int64
}

func newApp(appConfig *config.AppConfig, log *slog.Logger) (*app, error) {
	engine, err := browser.NewEngine(appConfig.BrowserEngine)
	if err != nil {
		return nil, err
	}
	policy, err := pool.ParsePolicy(appConfig.ProxyPolicy)
	if err != nil {
		return nil, err
	}

	// Create a single HTTP client for rotation endpoint requests
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}

	execOpts := []executor.Option{
		executor.WithResolver(proxy.NewHTTPResolver(httpClient)),
		executor.WithLogger(log),
	}
	if appConfig.HasProxyCheck() {
		execOpts = append(execOpts, executor.WithChecker(proxy.NewCollyChecker(appConfig.ProxyCheckURL, appConfig.ProxyCheckTimeout)))
	}
	exec := executor.New(executor.Config{
		Timing: executor.Timing{
			Step:           appConfig.StepTimeout,
			Navigation:     appConfig.NavTimeout,
			TypingDelayMin: appConfig.TypingDelayMin,
			TypingDelayMax: appConfig.TypingDelayMax,
		},
		ComposerURL:    appConfig.ComposerURL,
		MarketplaceURL: appConfig.MarketplaceURL,
		BrowserBin:     appConfig.BrowserBin,
	}, engine, execOpts...)

	a := &app{
		config:   appConfig,
		log:      log,
		finished: make(chan events.Event, 1),
	}

	sinks := events.Multi{events.NewLogSink(log), events.SinkFunc(a.watch)}
	if appConfig.HasRedisConfig() {
		a.redis = events.NewRedisSink(appConfig.RedisAddr, appConfig.RedisPassword, appConfig.RedisDB, appConfig.EventsChannel, log)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.redis.Ping(ctx); err != nil {
			log.Warn("redis not reachable, events will not be published until it is", "addr", appConfig.RedisAddr, "error", err)
		}
		cancel()
		sinks = append(sinks, a.redis)
	}

	a.dispatcher = dispatcher.New(dispatcher.Config{
		MaxRetries:    appConfig.MaxRetries,
		Concurrency:   appConfig.Concurrency,
		ProxyPolicy:   policy,
		QuarantineTTL: appConfig.ProxyQuarantine,
	}, exec, appConfig.Proxies, sinks, log)
	a.dispatcher.Start()
	return a, nil
}

// watch counts permanent failures and reports the end of a batch.
func (a *app) watch(e events.Event) {
	switch e.Kind {
	case events.KindTaskPermanentlyFailed:
		a.failures.Add(1)
	case events.KindAllTasksCompleted, events.KindStopped:
		select {
		case a.finished <- e:
		default:
		}
	}
}

func (a *app) runBatch(path string) int {
	tasks, err := batch.Load(path, a.config.UserDataRoot)
	if err != nil {
		logger.LogError("Failed to load batch: %v", err)
		return exitUsage
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupted)

	a.log.Info("starting batch", "file", path, "tasks", len(tasks), "concurrency", a.config.Concurrency, "proxies", len(a.config.Proxies))
	if err := a.dispatcher.Submit(tasks); err != nil {
		logger.LogError("Failed to submit batch: %v", err)
		return exitUsage
	}

	stopped := false
	select {
	case e := <-a.finished:
		stopped = e.Kind == events.KindStopped
	case sig := <-interrupted:
		a.log.Info("signal received, stopping", "signal", sig.String())
		stopped = true
	}

	a.dispatcher.RequestStop()
	a.dispatcher.Wait()

	switch {
	case stopped:
		return exitStopped
	case a.failures.Load() > 0:
		return exitFailed
	default:
		return exitOK
	}
}

func (a *app) serve() int {
	handler := api.NewRouter(api.NewControlHandler(a.dispatcher, a.config.UserDataRoot))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.GetPort()),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info("Starting control server", "port", a.config.GetPort())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	code := exitOK
	select {
	case sig := <-quit:
		a.log.Info("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		logger.LogError("Server failed: %v", err)
		code = exitFailed
	case <-a.dispatcher.Done():
		a.log.Info("Dispatcher stopped over HTTP, shutting down")
	}

	a.dispatcher.RequestStop()
	a.dispatcher.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.LogError("Server forced to shutdown: %v", err)
		code = exitFailed
	}
	a.log.Info("Server exited gracefully")
	return code
}

func (a *app) close() {
	a.dispatcher.RequestStop()
	a.dispatcher.Wait()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("failed to close redis", "error", err)
		}
	}
}
