package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"carelink.org/internal/access"
	"carelink.org/internal/audit"
	"carelink.org/internal/auth"
	"carelink.org/internal/authz"
	"carelink.org/internal/breakglass"
	"carelink.org/internal/config"
	"carelink.org/internal/consent"
	"carelink.org/internal/contextbuilder"
	"carelink.org/internal/decision"
	"carelink.org/internal/httpapi"
	"carelink.org/internal/obs"
	"carelink.org/internal/policy"
	"carelink.org/internal/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("CARELINK_CONFIG"), "Path to YAML config")
	migrate := flag.Bool("migrate", false, "Apply pending schema migrations before serving")
	flag.Parse()

	if err := run(*configPath, *migrate); err != nil {
		obs.Error("authzd.exit", err, nil)
		os.Exit(1)
	}
}

func run(configPath string, migrate bool) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, store.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if migrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		obs.Info("authzd.migrated", nil)
	}

	policies := policy.NewStore(policy.WithReload(cfg.Policy.AllowReload))
	policyVersion, err := policies.Load(ctx, policy.FileSource(cfg.Policy.Path))
	obs.PolicyLoaded(policyVersion, err)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	svc, err := wire(cfg, st, policies)
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokens(cfg.Auth.TokenSecret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	probe := httpapi.ReadyProbe{DB: st.DB()}
	api := httpapi.New(svc, tokens, probe, httpapi.Options{
		Version:        version,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSecond:  cfg.RateLimit.PerSecond,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCHealth(probe)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	go health.Watch(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		obs.Info("authzd.http.listening", map[string]any{
			"addr":           srv.Addr,
			"version":        version,
			"policy_version": policyVersion,
			"environment":    cfg.Environment,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			obs.Info("authzd.grpc.listening", map[string]any{"addr": cfg.GRPCAddr})
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	return awaitShutdown(ctx, errCh, 10*time.Second, func(shutdownCtx context.Context) {
		obs.SetReady(false)
		health.Shutdown()
		_ = srv.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
	})
}

// awaitShutdown blocks until ctx ends or a listener fails, then runs stop
// within grace. A listener failure is returned so the process exits non-zero.
func awaitShutdown(ctx context.Context, errCh <-chan error, grace time.Duration, stop func(context.Context)) error {
	var serveErr error
	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case serveErr = <-errCh:
		obs.Error("authzd.serve_failed", serveErr, nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	stop(shutdownCtx)
	obs.Info("authzd.stopped", nil)
	return serveErr
}

// wire assembles the decision pipeline over st.
func wire(cfg *config.Config, st *store.Store, policies *policy.Store) (*access.Service, error) {
	purpose, err := authz.ParsePurpose(cfg.Consent.DefaultPurpose)
	if err != nil {
		return nil, err
	}
	evaluator := consent.NewEvaluator(st, consent.WithTimeout(cfg.Consent.Timeout))
	bg := breakglass.NewController(st, breakglass.WithTTL(cfg.BreakGlass.TTL))
	recorder, err := audit.NewRecorder(st.AuditSink(),
		audit.WithHashAlgorithm(cfg.Audit.HashAlgorithm),
		audit.WithAppendTimeout(cfg.Audit.AppendTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("audit recorder: %w", err)
	}
	return access.New(access.Deps{
		Assignments: st,
		Builder:     contextbuilder.New(st, evaluator, bg, contextbuilder.WithDefaultPurpose(purpose)),
		Engine:      decision.New(policies),
		Recorder:    recorder,
		BreakGlass:  bg,
		Policies:    policies,
		Consents:    consent.NewRegistry(st, time.Now),
		Evaluator:   evaluator,
	})
}
