package lending

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically releases expired reservations. Accept and reject
// check expiry themselves, so the sweeper only keeps listings fresh.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger
	done     chan struct{}
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(service *Service, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled
func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()

		w.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Check(ctx)
			}
		}
	}()
}

// Wait blocks until the loop started by Start has exited
func (w *Sweeper) Wait() {
	<-w.done
}

// Check runs one sweep
func (w *Sweeper) Check(ctx context.Context) {
	released, err := w.service.ExpireStale(ctx)
	if err != nil {
		w.logger.Error("Expiry sweep failed", zap.Error(err))
		return
	}
	if released > 0 {
		w.logger.Info("Expired stale reservations", zap.Int("count", released))
	}
}
