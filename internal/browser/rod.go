package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// RodEngine launches a local Chromium through rod's launcher.
type RodEngine struct{}

// Name implements Engine.
func (e *RodEngine) Name() string { return "rod" }

// NewLauncher creates and configures a Rod launcher for one profile.
func NewLauncher(opts Options) *launcher.Launcher {
	l := launcher.New().
		Headless(opts.Headless).
		Leakless(true).
		Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", windowWidth, windowHeight))

	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if opts.ProfileDir != "" {
		l = l.UserDataDir(opts.ProfileDir)
	}
	if opts.Proxy != nil {
		l = l.Proxy(opts.Proxy.ServerURL())
	}
	for name, value := range launchFlags {
		if value == "" {
			l = l.Set(flags.Flag(name))
		} else {
			l = l.Set(flags.Flag(name), value)
		}
	}
	return l
}

// Open implements Engine.
func (e *RodEngine) Open(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The launcher and the connection are not bound to ctx so the process
	// outlives a cancelled task until Close; ctx only bounds the start-up.
	l := NewLauncher(opts)
	var controlURL string
	err := within(ctx, func() error {
		var err error
		controlURL, err = l.Launch()
		return err
	}, l.Kill)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	s := &rodSession{launcher: l}
	s.browser = rod.New().ControlURL(controlURL)
	if err := within(ctx, s.browser.Connect, l.Kill); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if opts.Proxy != nil && opts.Proxy.HasAuth() {
		s.handleProxyAuth(opts.Proxy.Username, opts.Proxy.Password)
	}

	if err := s.preparePage(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type rodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// handleProxyAuth answers every proxy challenge for the life of the browser.
func (s *rodSession) handleProxyAuth(username, password string) {
	b := s.browser
	_ = b.EnableDomain("", &proto.FetchEnable{HandleAuthRequests: true})

	go b.EachEvent(
		func(e *proto.FetchRequestPaused) {
			_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(b)
		},
		func(e *proto.FetchAuthRequired) {
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				},
			}.Call(b)
		},
	)()
}

func (s *rodSession) preparePage(ctx context.Context, opts Options) error {
	page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("failed to open page: %w", err)
	}
	s.page = page.Context(context.Background())

	if _, err := page.EvalOnNewDocument(stealthScript); err != nil {
		return fmt.Errorf("failed to install stealth script: %w", err)
	}
	if opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}); err != nil {
			return fmt.Errorf("failed to set user agent: %w", err)
		}
	}
	if opts.Mobile {
		err := proto.EmulationSetDeviceMetricsOverride{
			Width:             mobileWidth,
			Height:            mobileHeight,
			DeviceScaleFactor: mobileScale,
			Mobile:            true,
		}.Call(page)
		if err != nil {
			return fmt.Errorf("failed to emulate mobile viewport: %w", err)
		}
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true}).Call(page); err != nil {
			return fmt.Errorf("failed to enable touch emulation: %w", err)
		}
	}
	return ctx.Err()
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (s *rodSession) WaitVisible(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.WaitVisible()
}

func (s *rodSession) Click(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (s *rodSession) Focus(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Focus()
}

func (s *rodSession) InsertText(ctx context.Context, text string) error {
	return s.page.Context(ctx).InsertText(text)
}

func (s *rodSession) SetFiles(ctx context.Context, selector string, files []string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.SetFiles(files)
}

func (s *rodSession) WaitGone(ctx context.Context, selector string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		has, _, err := s.page.Context(ctx).Has(selector)
		if err != nil {
			return err
		}
		if !has {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *rodSession) WaitClosed(ctx context.Context) error {
	targetID := s.page.TargetID
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.browser.Context(ctx).EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			return e.TargetID == targetID
		})()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return ctx.Err()
}

func (s *rodSession) Close() error {
	var err error
	if s.browser != nil {
		if cerr := s.browser.Close(); cerr != nil {
			slog.Debug("browser close failed, killing process", "error", cerr)
			err = cerr
		}
	}
	// Kill, never Cleanup: Cleanup deletes the user data dir.
	s.launcher.Kill()
	return err
}
