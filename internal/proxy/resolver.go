package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"profile-robot/internal/useragent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRotationRefused is returned when a rotation service answers without a proxy.
var ErrRotationRefused = errors.New("rotation service returned no proxy")

// rotationOK is the status code rotation services use for a granted proxy.
const rotationOK = 100

// Resolver turns a raw token into a usable endpoint.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Endpoint, error)
}

// rotationResponse is the body returned by rotation services.
type rotationResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"message,omitempty"`
	ProxyHTTP string `json:"proxyhttp"`
}

// HTTPResolver parses static descriptors and asks rotation endpoints for a
// fresh proxy.
type HTTPResolver struct {
	Client *http.Client
}

// NewHTTPResolver creates a resolver using client for rotation requests.
func NewHTTPResolver(client *http.Client) *HTTPResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{Client: client}
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, token string) (*Endpoint, error) {
	if !IsRotationEndpoint(token) {
		return Parse(token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, token, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating rotation request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", useragent.RandomDesktop())

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling rotation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrRotationRefused, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("error reading rotation response: %w", err)
	}

	var rr rotationResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, fmt.Errorf("error decoding rotation response: %w", err)
	}
	if rr.Status != rotationOK || rr.ProxyHTTP == "" {
		return nil, fmt.Errorf("%w: status %d %s", ErrRotationRefused, rr.Status, rr.Message)
	}

	ep, err := Parse(rr.ProxyHTTP)
	if err != nil {
		return nil, fmt.Errorf("rotation service returned %w", err)
	}
	slog.Debug("rotation service granted proxy", "server", ep.Server())
	return ep, nil
}
