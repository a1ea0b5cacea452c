// Package pool manages the proxy tokens shared by concurrent executions.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
)

// Policy decides what happens to a token that caused a failure.
type Policy string

const (
	// Recycle puts the token back like any other release.
	Recycle Policy = "recycle"
	// Discard removes the token for the rest of the run.
	Discard Policy = "discard"
	// Quarantine holds the token back for a while before reusing it.
	Quarantine Policy = "quarantine"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case Recycle, Discard, Quarantine:
		return p, nil
	case "":
		return Recycle, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

var (
	ErrUnknownPolicy = errors.New("unknown proxy policy")
	ErrPoolClosed    = errors.New("pool is closed")
)

// Fingerprint identifies a token in logs without exposing its credentials.
func Fingerprint(token string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(token))
}

// ResourcePool is a thread-safe pool of proxy tokens. A token is either
// available, checked out to exactly one execution, or quarantined.
type ResourcePool struct {
	mu         sync.Mutex
	available  []string
	checkedOut map[string]int
	quarantine *cache.Cache
	ttl        time.Duration
	onReturn   func()
	closed     bool
	logger     *slog.Logger
}

// Option configures a ResourcePool.
type Option func(*ResourcePool)

// WithQuarantineTTL sets how long a quarantined token is held back.
func WithQuarantineTTL(ttl time.Duration) Option {
	return func(p *ResourcePool) {
		p.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *ResourcePool) {
		p.logger = logger
	}
}

// OnReturn registers fn to be called when a quarantined token becomes
// available again. fn runs on the cache janitor goroutine and must not block.
func OnReturn(fn func()) Option {
	return func(p *ResourcePool) {
		p.onReturn = fn
	}
}

// New creates a pool seeded with tokens.
func New(tokens []string, opts ...Option) *ResourcePool {
	p := &ResourcePool{
		ttl:    2 * time.Minute,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	cleanup := p.ttl / 4
	if cleanup < 100*time.Millisecond {
		cleanup = 100 * time.Millisecond
	}
	p.quarantine = cache.New(p.ttl, cleanup)
	p.quarantine.OnEvicted(p.unquarantine)
	p.Initialize(tokens)
	return p
}

// Initialize reseeds the pool. Tokens still checked out from a previous run
// are forgotten; callers seed once per batch run.
func (p *ResourcePool) Initialize(tokens []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = make([]string, 0, len(tokens))
	p.checkedOut = make(map[string]int)
	for _, t := range tokens {
		if t == "" {
			continue
		}
		p.available = append(p.available, t)
	}
	p.quarantine.Flush()
	p.closed = false
}

// TryAcquire checks out the oldest available token without blocking.
func (p *ResourcePool) TryAcquire() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.available) == 0 {
		return "", false
	}
	token := p.available[0]
	p.available[0] = ""
	p.available = p.available[1:]
	p.checkedOut[token]++
	return token, true
}

// Release returns a checked out token to the back of the pool.
func (p *ResourcePool) Release(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checkOut(token) {
		return
	}
	if p.closed {
		return
	}
	p.available = append(p.available, token)
}

// Retire handles a token that caused a failure according to policy.
func (p *ResourcePool) Retire(token string, policy Policy) {
	switch policy {
	case Discard:
		p.mu.Lock()
		if p.checkOut(token) {
			p.logger.Warn("discarding proxy token", "proxy", Fingerprint(token))
		}
		p.mu.Unlock()
	case Quarantine:
		p.mu.Lock()
		ok := p.checkOut(token)
		p.mu.Unlock()
		if ok {
			p.logger.Warn("quarantining proxy token", "proxy", Fingerprint(token), "ttl", p.ttl)
			p.quarantine.Set(token, struct{}{}, cache.DefaultExpiration)
		}
	default:
		p.Release(token)
	}
}

// checkOut forgets one checkout of token. p.mu must be held.
func (p *ResourcePool) checkOut(token string) bool {
	n, ok := p.checkedOut[token]
	if !ok {
		p.logger.Warn("release of a proxy token that is not checked out", "proxy", Fingerprint(token))
		return false
	}
	if n <= 1 {
		delete(p.checkedOut, token)
	} else {
		p.checkedOut[token] = n - 1
	}
	return true
}

func (p *ResourcePool) unquarantine(token string, _ interface{}) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.available = append(p.available, token)
	p.mu.Unlock()
	p.logger.Info("proxy token back from quarantine", "proxy", Fingerprint(token))
	if p.onReturn != nil {
		p.onReturn()
	}
}

// Available returns the number of tokens ready to be acquired.
func (p *ResourcePool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// CheckedOut returns the number of tokens held by executions.
func (p *ResourcePool) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.checkedOut {
		n += c
	}
	return n
}

// Quarantined returns the number of tokens held back after a fault.
func (p *ResourcePool) Quarantined() int {
	return p.quarantine.ItemCount()
}

// Size returns every token the pool still owns, wherever it currently is.
func (p *ResourcePool) Size() int {
	return p.Available() + p.CheckedOut() + p.Quarantined()
}

// Close empties the pool. Later releases are accepted and dropped.
func (p *ResourcePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.available = nil
	p.quarantine.Flush()
}
