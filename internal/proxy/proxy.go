// Package proxy turns raw proxy tokens into endpoints a browser can use.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBadDescriptor is returned for tokens that cannot be parsed.
var ErrBadDescriptor = errors.New("bad proxy descriptor")

// Endpoint is a resolved proxy server.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     string
	Username string
	Password string
}

// Server returns host:port, the form browsers take on the command line.
func (e *Endpoint) Server() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// ServerURL returns the proxy address without credentials.
func (e *Endpoint) ServerURL() string {
	return e.Scheme + "://" + e.Server()
}

// URL returns the proxy address including credentials, for HTTP clients.
func (e *Endpoint) URL() string {
	u := url.URL{Scheme: e.Scheme, Host: e.Server()}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u.String()
}

// HasAuth reports whether the proxy needs credentials.
func (e *Endpoint) HasAuth() bool {
	return e.Username != ""
}

// IsRotationEndpoint reports whether token is the URL of a rotation service
// that hands out a fresh proxy per request, rather than a proxy itself.
// Proxy URLs carry no path or query; rotation endpoints always do.
func IsRotationEndpoint(token string) bool {
	u, err := url.Parse(token)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return (u.Path != "" && u.Path != "/") || u.RawQuery != ""
}

// Parse reads a static descriptor. Accepted forms:
//
//	host:port
//	host:port:user:pass
//	scheme://[user:pass@]host:port
func Parse(descriptor string) (*Endpoint, error) {
	d := strings.TrimSpace(descriptor)
	if d == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadDescriptor)
	}

	if strings.Contains(d, "://") {
		u, err := url.Parse(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadDescriptor, u.Scheme)
		}
		if u.Hostname() == "" || u.Port() == "" {
			return nil, fmt.Errorf("%w: host and port required", ErrBadDescriptor)
		}
		ep := &Endpoint{Scheme: u.Scheme, Host: u.Hostname(), Port: u.Port()}
		if u.User != nil {
			ep.Username = u.User.Username()
			ep.Password, _ = u.User.Password()
		}
		return ep, nil
	}

	parts := strings.SplitN(d, ":", 4)
	switch len(parts) {
	case 2, 4:
	default:
		return nil, fmt.Errorf("%w: want host:port or host:port:user:pass", ErrBadDescriptor)
	}
	if parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: host and port required", ErrBadDescriptor)
	}
	ep := &Endpoint{Scheme: "http", Host: parts[0], Port: parts[1]}
	if len(parts) == 4 {
		ep.Username = parts[2]
		ep.Password = parts[3]
	}
	return ep, nil
}
