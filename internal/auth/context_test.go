package auth

import (
	"context"
	"testing"
)

func TestCallerContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := CallerFrom(ctx); ok {
		t.Fatal("empty context must not carry a caller")
	}
	if got := WithCaller(ctx, Caller{Token: "t"}); got != ctx {
		t.Fatal("caller without id must be ignored")
	}

	ctx = WithCaller(ctx, Caller{Principal: Principal{ID: "u1", Email: "u1@example.org"}, Token: "tok"})
	c, ok := CallerFrom(ctx)
	if !ok || c.Token != "tok" || c.Principal.Email != "u1@example.org" {
		t.Fatalf("unexpected caller: %+v", c)
	}
	if p := PrincipalFrom(ctx); p.ID != "u1" {
		t.Fatalf("PrincipalFrom = %+v", p)
	}
}
