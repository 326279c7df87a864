// CoachLab research archive server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/coachlab-research/internal/api"
	"github.com/ashureev/coachlab-research/internal/config"
	"github.com/ashureev/coachlab-research/internal/grpchealth"
	"github.com/ashureev/coachlab-research/internal/identity"
	"github.com/ashureev/coachlab-research/internal/logging"
	"github.com/ashureev/coachlab-research/internal/metrics"
	"github.com/ashureev/coachlab-research/internal/middleware"
	"github.com/ashureev/coachlab-research/internal/research"
	"github.com/ashureev/coachlab-research/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, logging.Options{Level: cfg.Log.Level, HashSalt: cfg.Log.HashSalt})
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "store", cfg.Store.Driver, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected", "driver", cfg.Store.Driver)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	format, err := research.NewCodeFormat(cfg.Research.CodePrefix, cfg.Research.CodeLength)
	if err != nil {
		slog.Error("Invalid research code format", "error", err)
		os.Exit(1)
	}
	registry := research.NewRegistry(repo, format,
		research.WithPersonas(cfg.Research.Personas...),
		research.WithMaxAttempts(cfg.Research.MaxAttempts),
		research.WithRegistryMetrics(m),
		research.WithRegistryLogger(logger),
	)
	archiver := research.NewArchiver(repo, format,
		research.WithArchiverMetrics(m),
		research.WithArchiverLogger(logger),
	)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, cfg.Store.Driver)
	researchHandler := api.NewResearchHandler(registry, archiver, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(middleware.CORS(cfg.AllowedOrigins(), cfg.UserIDHeader))

	// Public routes.
	healthHandler.RegisterHealth(r)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler(reg))
	}

	// Research routes require the upstream identity header.
	researchHandler.RegisterRoutes(r,
		identity.Middleware(cfg.UserIDHeader),
		limiter.Middleware(func(r *http.Request) string {
			if id := identity.UserIDFromContext(r.Context()); id != "" {
				return id
			}
			return identity.IPFromRequest(r)
		}),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.GRPCHealthPort != "" {
		hs := grpchealth.New(repo, 15*time.Second, logger)
		g.Go(func() error {
			return hs.Serve(gctx, ":"+cfg.GRPCHealthPort)
		})
	} else {
		slog.Info("gRPC health listener disabled")
	}

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Sweep(); n > 0 {
					slog.Debug("Rate limiters swept", "removed", n)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
