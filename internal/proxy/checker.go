package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocolly/colly/v2"

	"profile-robot/internal/useragent"
)

// Checker verifies that an endpoint actually forwards traffic.
type Checker interface {
	Check(ctx context.Context, ep *Endpoint) error
}

// NoopChecker accepts every endpoint.
type NoopChecker struct{}

// Check implements Checker.
func (NoopChecker) Check(context.Context, *Endpoint) error { return nil }

// CollyChecker fetches a check URL (an IP echo service works well) through
// the proxy.
type CollyChecker struct {
	CheckURL string
	Timeout  time.Duration
}

// NewCollyChecker creates a checker for checkURL.
func NewCollyChecker(checkURL string, timeout time.Duration) *CollyChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CollyChecker{CheckURL: checkURL, Timeout: timeout}
}

// Check implements Checker.
func (c *CollyChecker) Check(ctx context.Context, ep *Endpoint) error {
	collector := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
		colly.UserAgent(useragent.RandomDesktop()),
	)
	collector.SetRequestTimeout(c.Timeout)
	if err := collector.SetProxy(ep.URL()); err != nil {
		return fmt.Errorf("error setting proxy %s: %w", ep.Server(), err)
	}

	var origin string
	collector.OnResponse(func(r *colly.Response) {
		var body struct {
			Origin string `json:"origin"`
			IP     string `json:"ip"`
		}
		if err := json.Unmarshal(r.Body, &body); err == nil {
			origin = body.Origin
			if origin == "" {
				origin = body.IP
			}
		}
	})

	if err := collector.Visit(c.CheckURL); err != nil {
		return fmt.Errorf("proxy %s failed check: %w", ep.Server(), err)
	}
	slog.Debug("proxy check succeeded", "server", ep.Server(), "origin", origin)
	return nil
}
