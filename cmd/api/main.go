package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"metaprofile.org/internal/config"
	"metaprofile.org/internal/httpapi"
	"metaprofile.org/internal/journal"
	"metaprofile.org/internal/metadata"
	"metaprofile.org/internal/obs"
	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/store/pg"
	"metaprofile.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is the registry the API serves plus whatever must be closed on exit.
type backend struct {
	svc   registry.Service
	db    *sql.DB
	close func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	events := stream.New()
	observers := []registry.Option{
		registry.WithObserver(events),
		registry.WithObserver(registry.ObserverFunc(func(ev registry.Event) {
			obs.RecordEvent(string(ev.Kind))
		})),
	}

	be, err := openBackend(cfg, observers)
	if err != nil {
		obs.Error("backend init failed", err, nil)
		os.Exit(1)
	}
	defer func() {
		if err := be.close(); err != nil {
			obs.Error("backend close failed", err, nil)
		}
	}()

	uris := metadata.New(be.svc, cfg.Admin, cfg.BaseURI)
	probe := httpapi.ReadyProbe{DB: be.db}
	api := httpapi.New(probe, version, be.svc, uris, events,
		httpapi.WithTokenTTL(cfg.TokenTTL),
		httpapi.WithChallengeTTL(cfg.ChallengeTTL),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithTrustedProxies(cfg.TrustedProxies...),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Event streams stay open, so writes are not bounded here.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCServer(probe, version)
	health.Register(grpcSrv)
	go health.Run(ctx, 5*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		obs.Error("grpc listen failed", err, map[string]any{"addr": cfg.GRPCAddr})
		os.Exit(1)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			obs.Error("grpc serve failed", err, nil)
			stop()
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("http listen failed", err, map[string]any{"addr": srv.Addr})
			stop()
		}
	}()

	obs.Info("metaprofile-api started", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"postgres":  cfg.PGDSN != "",
		"journal":   cfg.JournalPath,
	})

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http shutdown failed", err, nil)
	}
	grpcSrv.GracefulStop()
	obs.Info("stopped", nil)
}

// openBackend picks Postgres when a DSN is set, otherwise the in-memory
// registry, optionally made durable by a journal.
func openBackend(cfg config.Config, observers []registry.Option) (backend, error) {
	opts := append([]registry.Option{registry.WithPolicy(cfg.Policy())}, observers...)

	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN, opts...)
		if err != nil {
			return backend{}, err
		}
		return backend{svc: store, db: store.DB(), close: store.Close}, nil
	}

	if cfg.JournalPath == "" {
		return backend{svc: registry.NewInMemory(opts...), close: func() error { return nil }}, nil
	}

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return backend{}, err
	}
	reg := registry.NewInMemory(append(opts, registry.WithJournal(j))...)
	n, err := j.Restore(context.Background(), reg)
	if err != nil {
		_ = j.Close()
		return backend{}, err
	}
	obs.Info("journal restored", map[string]any{"path": cfg.JournalPath, "events": n, "seq": reg.Seq()})
	return backend{svc: reg, close: j.Close}, nil
}
