package pledges

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const DefaultSweepInterval = time.Hour

// Sweeper runs Sweep on a fixed interval until its context ends.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{service: service, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A tick that arrives while a sweep started
// elsewhere is still running is skipped.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("sweeper started", "interval", sw.interval)
	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			_, err := sw.service.Sweep(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, ErrSweepInProgress):
				sw.logger.Info("sweep skipped, previous run still in progress")
			default:
				sw.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Start runs Run in its own goroutine. The returned wait blocks until Run has
// returned, which includes finishing the pledge a sweep was recomputing when
// ctx ended.
func (sw *Sweeper) Start(ctx context.Context) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.Run(ctx)
	}()
	return func() { <-done }
}
