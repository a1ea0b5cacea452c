// Package browser opens automation sessions on a persistent browser profile.
// Two engines are available: rod (default) and chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"profile-robot/internal/proxy"
)

// ErrUnknownEngine is returned by NewEngine for an unsupported engine name.
var ErrUnknownEngine = errors.New("unknown browser engine")

// Launch flags applied to every session on top of the engine defaults.
var launchFlags = map[string]string{
	"disable-blink-features": "AutomationControlled",
	"disable-infobars":       "",
	"disable-extensions":     "",
	"no-sandbox":             "",
	"disable-dev-shm-usage":  "",
}

// stealthScript runs before any page script on every document.
const stealthScript = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`

const (
	windowWidth  = 1920
	windowHeight = 1080

	mobileWidth  = 375
	mobileHeight = 812
	mobileScale  = 3

	// pollInterval paces the liveness checks used while waiting for the
	// user to close the window.
	pollInterval = 2 * time.Second
)

// Options describe one session.
type Options struct {
	// ProfileDir is the browser user data directory. Only one session may
	// use a given directory at a time.
	ProfileDir string
	UserAgent  string
	Mobile     bool
	Headless   bool
	// Proxy is nil for a direct connection.
	Proxy *proxy.Endpoint
	// Bin overrides the browser executable.
	Bin string
}

// Session is an open browser with one page. All methods except Close honor
// ctx; Close must work after ctx has been cancelled.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	// InsertText types text into the focused element.
	InsertText(ctx context.Context, text string) error
	// SetFiles attaches files to a file input; it does not wait for the
	// input to be visible.
	SetFiles(ctx context.Context, selector string, files []string) error
	// WaitGone blocks until no element matches selector.
	WaitGone(ctx context.Context, selector string) error
	// WaitClosed blocks until the user closes the page or the browser.
	WaitClosed(ctx context.Context) error
	Close() error
}

// Engine opens sessions.
type Engine interface {
	Name() string
	Open(ctx context.Context, opts Options) (Session, error)
}

// NewEngine returns the engine registered under name.
func NewEngine(name string) (Engine, error) {
	switch name {
	case "rod", "":
		return &RodEngine{}, nil
	case "chromedp":
		return &ChromedpEngine{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, name)
}

// within runs start until it returns or ctx ends, whichever comes first. When
// ctx ends first, abort is called to unblock start and its result is dropped.
func within(ctx context.Context, start func() error, abort func()) error {
	done := make(chan error, 1)
	go func() { done <- start() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		abort()
		return ctx.Err()
	}
}
