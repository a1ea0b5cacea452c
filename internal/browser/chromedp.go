package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ChromedpEngine drives Chromium through chromedp's exec allocator.
type ChromedpEngine struct{}

// Name implements Engine.
func (e *ChromedpEngine) Name() string { return "chromedp" }

// AllocatorOptions builds the exec allocator options for one profile.
func AllocatorOptions(opts Options) []chromedp.ExecAllocatorOption {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(windowWidth, windowHeight),
	)
	for name, value := range launchFlags {
		if value == "" {
			allocOpts = append(allocOpts, chromedp.Flag(name, true))
		} else {
			allocOpts = append(allocOpts, chromedp.Flag(name, value))
		}
	}
	if opts.Bin != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.Bin))
	}
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Proxy != nil {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy.ServerURL()))
	}
	return allocOpts
}

// Open implements Engine.
func (e *ChromedpEngine) Open(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Rooted at Background so Close still works once ctx is cancelled.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(opts)...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	s := &chromedpSession{tabCtx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}

	var setup []chromedp.Action
	if opts.Proxy != nil && opts.Proxy.HasAuth() {
		s.handleProxyAuth(opts.Proxy.Username, opts.Proxy.Password)
		setup = append(setup, fetch.Enable().WithHandleAuthRequests(true))
	}
	setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := cdppage.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	}))
	if opts.Mobile {
		setup = append(setup, chromedp.EmulateViewport(mobileWidth, mobileHeight,
			chromedp.EmulateScale(mobileScale), chromedp.EmulateMobile, chromedp.EmulateTouch))
	}

	if err := s.start(ctx, func(tabCtx context.Context) error { return chromedp.Run(tabCtx) }); err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	if err := s.run(ctx, setup...); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to prepare browser: %w", err)
	}
	return s, nil
}

// start allocates the browser. The first Run on a context launches Chrome
// bound to that context, so allocation uses the tab context itself and ctx
// only bounds how long we wait for it.
func (s *chromedpSession) start(ctx context.Context, allocate func(tabCtx context.Context) error) error {
	err := within(ctx, func() error { return allocate(s.tabCtx) }, func() { s.Close() })
	if err != nil {
		s.Close()
	}
	return err
}

type chromedpSession struct {
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	closeOnce   sync.Once
}

func (s *chromedpSession) handleProxyAuth(username, password string) {
	chromedp.ListenTarget(s.tabCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(s.tabCtx, fetch.ContinueRequest(ev.RequestID))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				_ = chromedp.Run(s.tabCtx, fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				}))
			}()
		}
	})
}

// run executes actions on the tab while honoring ctx's cancellation and
// deadline.
func (s *chromedpSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *chromedpSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *chromedpSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *chromedpSession) Focus(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Focus(selector, chromedp.ByQuery))
}

func (s *chromedpSession) InsertText(ctx context.Context, text string) error {
	return s.run(ctx, input.InsertText(text))
}

func (s *chromedpSession) SetFiles(ctx context.Context, selector string, files []string) error {
	return s.run(ctx, chromedp.SetUploadFiles(selector, files, chromedp.ByQuery))
}

func (s *chromedpSession) WaitGone(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitNotPresent(selector, chromedp.ByQuery))
}

func (s *chromedpSession) WaitClosed(ctx context.Context) error {
	c := chromedp.FromContext(s.tabCtx)
	if c == nil || c.Target == nil {
		return fmt.Errorf("browser not started")
	}
	targetID := c.Target.TargetID

	closed := make(chan struct{})
	var once sync.Once
	chromedp.ListenBrowser(s.tabCtx, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok && e.TargetID == targetID {
			once.Do(func() { close(closed) })
		}
	})
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, c.Browser))
	}))
	if err != nil {
		return err
	}

	// The destroyed event never arrives when the whole browser exits, so
	// check the tab as well.
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.tabCtx.Done():
			return nil
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 3*pollInterval)
			var location string
			err := s.run(checkCtx, chromedp.Location(&location))
			cancel()
			if err != nil && ctx.Err() == nil {
				return nil
			}
		}
	}
}

func (s *chromedpSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancelTab()
		s.cancelAlloc()
	})
	return nil
}
