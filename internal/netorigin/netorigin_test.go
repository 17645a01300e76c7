package netorigin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestHTTPResolverCachesAnswer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, WithHTTPClient(srv.Client()))
	for i := 0; i < 3; i++ {
		ip, err := r.Resolve(context.Background())
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if ip != "203.0.113.7" {
			t.Fatalf("unexpected ip %q", ip)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one lookup, got %d", got)
	}
}

func TestHTTPResolverTimeoutYieldsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, WithHTTPClient(srv.Client()), WithTimeout(20*time.Millisecond))
	if got := ResolveOrUnknown(context.Background(), r); got != Unknown {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestHTTPResolverRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"not-an-ip"}`))
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, WithHTTPClient(srv.Client()))
	if _, err := r.Resolve(context.Background()); err == nil {
		t.Fatal("expected error for invalid address")
	}
}

func TestHTTPResolverThrottles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, WithHTTPClient(srv.Client()), WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))
	if _, err := r.Resolve(context.Background()); err == nil {
		t.Fatal("expected status error")
	}
	if _, err := r.Resolve(context.Background()); err != ErrThrottled {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestStaticResolver(t *testing.T) {
	if got := ResolveOrUnknown(context.Background(), Static("198.51.100.1")); got != "198.51.100.1" {
		t.Fatalf("unexpected static ip %q", got)
	}
	if got := ResolveOrUnknown(context.Background(), Static("")); got != Unknown {
		t.Fatalf("expected unknown for empty static, got %q", got)
	}
	if got := ResolveOrUnknown(context.Background(), nil); got != Unknown {
		t.Fatalf("expected unknown for nil resolver, got %q", got)
	}
}

func TestContextAddressWins(t *testing.T) {
	ctx := ContextWithAddress(context.Background(), "192.0.2.10")
	if got := ResolveOrUnknown(ctx, Static("198.51.100.1")); got != "192.0.2.10" {
		t.Fatalf("expected context address, got %q", got)
	}
	ctx = ContextWithAddress(context.Background(), "not-an-ip")
	if _, ok := AddressFromContext(ctx); ok {
		t.Fatal("invalid address must not be stored")
	}
}
