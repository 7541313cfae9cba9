package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/mscno/pledges/server"
	"github.com/mscno/pledges/server/middleware"
	"github.com/mscno/pledges/server/pledges"
)

const (
	shutdownTimeout = 10 * time.Second
	bearerCacheTTL  = 5 * time.Minute
)

type ServeCmd struct {
	Listen  string `help:"Override the configured listen address"`
	NoSweep bool   `help:"Do not run the periodic sweep in this process"`
}

func (c *ServeCmd) Run(ctx *cliCtx) error {
	cfg := ctx.Config
	if c.Listen != "" {
		cfg.ListenAddress = c.Listen
	}
	logger := ctx.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a, err := newApp(ctx, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	limiter := middleware.NewRateLimiter(logger, middleware.IPAddressKeyFunc, rate.Limit(cfg.RateLimit), cfg.RateBurst)
	defer limiter.Close()

	srv := server.NewHTTPServer(cfg.ListenAddress, logger)
	srv.Use(
		middleware.WithRecovery(logger),
		middleware.WithLogger(logger),
		middleware.WithCORS(logger, cfg.CORSOrigins),
	)
	auth := middleware.WithPlatformAuth(middleware.CachedValidator(a.platform.ValidateBearer, bearerCacheTTL), logger)
	server.NewAPI(a.svc, logger).Register(srv, limiter.Limit, auth)
	srv.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SweepEnabled && !c.NoSweep {
		waitSweeper := pledges.NewSweeper(a.svc, cfg.SweepInterval, logger).Start(signalCtx)
		// Runs before the store is closed.
		defer func() {
			stop()
			waitSweeper()
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
