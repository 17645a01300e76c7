// Package netorigin resolves the public network address recorded on audit records.
package netorigin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Unknown is recorded when the address cannot be resolved.
const Unknown = "unknown"

var ErrThrottled = errors.New("netorigin: lookup throttled")

// Resolver returns the caller's public address.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Static always resolves to the same address.
type Static string

func (s Static) Resolve(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("netorigin: static address is empty")
	}
	return string(s), nil
}

// HTTPResolver asks an ipify-style endpoint ({"ip": "..."}) once per call,
// caching successful answers and throttling lookups.
type HTTPResolver struct {
	url      string
	client   *http.Client
	timeout  time.Duration
	cacheTTL time.Duration
	limiter  *rate.Limiter
	now      func() time.Time

	mu       sync.Mutex
	cached   string
	cachedAt time.Time
}

// Option configures HTTPResolver.
type Option func(*HTTPResolver)

// WithTimeout bounds a single lookup.
func WithTimeout(d time.Duration) Option {
	return func(r *HTTPResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithCacheTTL controls how long a resolved address is reused.
func WithCacheTTL(d time.Duration) Option {
	return func(r *HTTPResolver) {
		if d >= 0 {
			r.cacheTTL = d
		}
	}
}

// WithLimiter replaces the lookup rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(r *HTTPResolver) {
		if l != nil {
			r.limiter = l
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPResolver) {
		if c != nil {
			r.client = c
		}
	}
}

// NewHTTPResolver builds a resolver for the lookup URL.
func NewHTTPResolver(url string, opts ...Option) *HTTPResolver {
	r := &HTTPResolver{
		url:      url,
		client:   http.DefaultClient,
		timeout:  2 * time.Second,
		cacheTTL: 5 * time.Minute,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HTTPResolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	cached, at := r.cached, r.cachedAt
	r.mu.Unlock()
	if cached != "" && r.now().Sub(at) < r.cacheTTL {
		return cached, nil
	}
	if !r.limiter.Allow() {
		if cached != "" {
			return cached, nil
		}
		return "", ErrThrottled
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("netorigin: lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("netorigin: lookup status %d", resp.StatusCode)
	}
	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err != nil {
		return "", fmt.Errorf("netorigin: decode: %w", err)
	}
	ip := strings.TrimSpace(payload.IP)
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("netorigin: invalid address %q", payload.IP)
	}

	r.mu.Lock()
	r.cached, r.cachedAt = ip, r.now()
	r.mu.Unlock()
	return ip, nil
}

type addressKey struct{}

// ContextWithAddress records an address already known for the caller, such as
// the client IP of an HTTP request. It takes precedence over any Resolver.
func ContextWithAddress(ctx context.Context, addr string) context.Context {
	addr = strings.TrimSpace(addr)
	if net.ParseIP(addr) == nil {
		return ctx
	}
	return context.WithValue(ctx, addressKey{}, addr)
}

// AddressFromContext returns the address stored by ContextWithAddress.
func AddressFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	addr, ok := ctx.Value(addressKey{}).(string)
	return addr, ok && addr != ""
}

// ResolveOrUnknown never fails: any error yields Unknown.
func ResolveOrUnknown(ctx context.Context, r Resolver) string {
	if addr, ok := AddressFromContext(ctx); ok {
		return addr
	}
	if r == nil {
		return Unknown
	}
	ip, err := r.Resolve(ctx)
	if err != nil || ip == "" {
		return Unknown
	}
	return ip
}
