package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"nutriguard.org/internal/audit"
	"nutriguard.org/internal/auth"
	"nutriguard.org/internal/config"
	"nutriguard.org/internal/docstore"
	"nutriguard.org/internal/encryption"
	"nutriguard.org/internal/httpapi"
	"nutriguard.org/internal/identity"
	"nutriguard.org/internal/kv"
	"nutriguard.org/internal/netorigin"
	"nutriguard.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// observability: metrics registration + JSON logger
	obs.Init()
	obs.InitBuildInfo(cfg.ServiceName, version, commit)
	logger := obs.Logger().With("service", cfg.ServiceName, "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, err := docstore.Open(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	if c, ok := docs.(io.Closer); ok {
		defer c.Close()
	}

	local := openKV(ctx, cfg, logger)

	var origin netorigin.Resolver
	if cfg.OriginLookupURL != "" {
		origin = netorigin.NewHTTPResolver(cfg.OriginLookupURL, netorigin.WithTimeout(cfg.OriginLookupTimeout))
	}

	fallback := audit.NewFallbackBuffer(cfg.FallbackCapacity, local, logger)
	if err := fallback.Restore(ctx); err != nil {
		logger.Warn("audit fallback restore failed", "event", "audit_fallback_restore_failed", "error", err.Error())
	}
	trail := audit.NewTrail(docs,
		audit.WithFallback(fallback),
		audit.WithOrigin(origin),
		audit.WithEnvironment(cfg.Environment),
		audit.WithPersonalCollections(identity.CredentialsCollection, httpapi.HealthProfileCollection),
		audit.WithEmailIndex(identity.EmailsCollection),
		audit.WithLogger(logger),
	)

	roles, err := auth.NewService(auth.NewDocumentStore(docs), trail,
		auth.WithLogger(logger),
		auth.WithRevocationEnforcement(cfg.EnforceRevocations),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	cipher, err := encryption.NewCipher(cfg.CipherAlgorithm)
	if err != nil {
		log.Fatalf("cipher: %v", err)
	}
	crypto := encryption.NewService(docs, trail, encryption.WithCipher(cipher), encryption.WithLogger(logger))
	vault := encryption.NewVault(local, cfg.SessionTTL, logger)

	secret := cfg.TokenSecret
	if secret == "" {
		if cfg.Environment == "production" {
			log.Fatal("NUTRIGUARD_AUTH_SECRET is required in production")
		}
		secret, err = encryption.GenerateToken(32)
		if err != nil {
			log.Fatalf("generate token secret: %v", err)
		}
		logger.Warn("auth secret not configured, using an ephemeral one", "event", "auth_secret_ephemeral")
	}
	tokens, err := identity.NewTokens(secret, cfg.TokenIssuer, cfg.TokenTTL, identity.WithRevocationStore(local))
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	sessions := identity.NewSessions(roles, trail, logger)

	api := httpapi.New(httpapi.Deps{
		Ready:          httpapi.ReadyCheck{Store: docs},
		Version:        version,
		Roles:          roles,
		Trail:          trail,
		Tokens:         tokens,
		Sessions:       sessions,
		Passwords:      identity.NewPasswords(docs, roles, trail),
		TwoFactor:      identity.NewTwoFactor(docs, trail, cfg.TOTPIssuer),
		Crypto:         crypto,
		Vault:          vault,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		RateBurst:      cfg.RateBurst,
		RatePerSec:     cfg.RatePerSec,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout stays unset: /v1/audit/stream is long-lived.
	}

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCServer(httpapi.ReadyCheck{Store: docs}, version).Register(grpcServer)

	go watchSessions(ctx, sessions, logger)
	go replayFallback(ctx, trail, cfg.FallbackReplayEvery, logger)

	go func() {
		logger.Info("http listening", "event", "http_listen", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		logger.Info("grpc listening", "event", "grpc_listen", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "event", "shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if n, err := trail.ReplayFallback(shutdownCtx); err != nil {
		logger.Warn("final audit replay incomplete", "event", "audit_replay_failed", "replayed", n, "error", err.Error())
	}
	logger.Info("stopped", "event", "stopped")
}

// openKV prefers redis and falls back to process memory.
func openKV(ctx context.Context, cfg config.Config, logger *slog.Logger) kv.Store {
	if cfg.RedisAddr == "" {
		return kv.NewMemoryStore()
	}
	client, err := kv.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory kv", "event", "kv_fallback", "error", err.Error())
	}
	return kv.New(ctx, client)
}

func watchSessions(ctx context.Context, sessions *identity.Sessions, logger *slog.Logger) {
	for change := range sessions.Subscribe(ctx) {
		logger.Info("auth state changed",
			"event", "auth_state_changed",
			"module", "identity",
			"principal_id", change.Principal.ID,
			"signed_in", change.SignedIn,
		)
	}
}

func replayFallback(ctx context.Context, trail *audit.Trail, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if trail.Fallback().Len() == 0 {
				continue
			}
			n, err := trail.ReplayFallback(ctx)
			if err != nil {
				logger.Warn("audit replay incomplete", "event", "audit_replay_failed", "replayed", n, "error", err.Error())
				continue
			}
			logger.Info("audit fallback replayed", "event", "audit_replay", "replayed", n)
		}
	}
}
