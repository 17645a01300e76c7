package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/client"
	"nutriguard.org/internal/ids"
)

func main() {
	baseURL := os.Getenv("NUTRIGUARD_SMOKE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	grpcAddr := os.Getenv("NUTRIGUARD_SMOKE_GRPC_ADDR")
	if grpcAddr == "" {
		grpcAddr = "localhost:9090"
	}

	health, err := client.DialHealth(grpcAddr)
	if err != nil {
		log.Fatalf("dial grpc at %s: %v", grpcAddr, err)
	}
	defer health.Close()

	ctx, cancel := client.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	serving, err := health.Serving(ctx)
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if !serving {
		log.Fatal("grpc health: not serving")
	}

	api := client.New(baseURL, nil)
	email := fmt.Sprintf("smoke-%s@example.com", ids.New())
	session, err := api.SignUp(ctx, email, "smoke-password", "Smoke Test")
	if err != nil {
		log.Fatalf("signup: %v", err)
	}
	me := api.WithToken(session.Token)

	role, err := me.MyRole(ctx)
	if err != nil {
		log.Fatalf("role: %v", err)
	}
	if role.Role != auth.RoleViewer {
		log.Fatalf("new account has role %q, want viewer", role.Role)
	}
	canWrite, err := me.HasPermission(ctx, auth.PermWrite)
	if err != nil {
		log.Fatalf("permission check: %v", err)
	}
	if canWrite {
		log.Fatal("viewer was granted write")
	}
	if _, err := me.AssignRole(ctx, session.User.ID, auth.RoleAdmin); !errors.Is(err, auth.ErrPermissionDenied) {
		log.Fatalf("self-promotion not denied: %v", err)
	}

	if _, err := api.Login(ctx, email, "smoke-password", ""); err != nil {
		log.Fatalf("login: %v", err)
	}

	fmt.Printf("✅ nutriguard smoke test passed: user=%s\n", session.User.ID)
}
