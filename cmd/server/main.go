package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rotadominios/backend/internal/app"
	"rotadominios/backend/internal/config"
	"rotadominios/backend/internal/handlers"
	"rotadominios/backend/internal/logging"
	"rotadominios/backend/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Invalid logging configuration: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(cfg, logger, reg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start")
	}
	defer a.Close()

	// Run migrations
	if err := a.DB.RunMigrations(logger); err != nil {
		logger.WithError(err).Warn("Failed to run migrations")
	}

	router := handlers.NewRouter(handlers.Router{
		Domains:        handlers.NewDomainsHandler(a.Store, a.Workflow, a.Health, logger.WithField("component", "api")),
		VPS:            handlers.NewVPSHandler(a.Store, a.Agents, a.Reconciler, cfg.CaddyUpstream, logger.WithField("component", "api")),
		Tunnels:        handlers.NewTunnelsHandler(a.Store, logger.WithField("component", "api")),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ping:           a.DB.PingContext,
		APIToken:       cfg.APIToken,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Log:            logger.WithField("component", "http"),
	})

	// Start domain health check scheduler
	sched := scheduler.New(a.Store, a.Health, cfg.CheckInterval, logger.WithField("component", "scheduler"))
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Graceful shutdown failed")
		}
	}()

	logger.Infof("Server starting on port %s", cfg.Port)
	logger.Infof("Domain health check interval: %s", cfg.CheckInterval)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("Server failed")
	}
}
