package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/xtrntr/p2pdesk/internal/logger"
)

// Sweeper periodically expires trades whose payment deadline passed
type Sweeper struct {
	svc      *Service
	interval time.Duration
	batch    int
	mu       sync.Mutex
	done     chan struct{}
}

// NewSweeper creates a sweeper expiring at most batch trades per tick
func NewSweeper(svc *Service, interval time.Duration, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{svc: svc, interval: interval, batch: batch, done: make(chan struct{})}
}

// Start runs the sweep loop until ctx is cancelled
func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
					w.svc.log.Error(err, logger.F("component", "sweeper"))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	w.svc.log.Info("trade sweeper started", logger.F("interval", w.interval.String()), logger.F("batch", w.batch))
}

// Done is closed once the loop started by Start has returned
func (w *Sweeper) Done() <-chan struct{} {
	return w.done
}

// RunOnce expires overdue trades, draining full batches until fewer than batch are found
func (w *Sweeper) RunOnce(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for {
		n, err := w.svc.ExpireOverdue(ctx, w.batch)
		total += n
		if err != nil {
			w.svc.metrics.TradesExpired(total)
			return total, err
		}
		if n < w.batch {
			break
		}
	}
	if total > 0 {
		w.svc.metrics.TradesExpired(total)
		w.svc.log.Info("expired overdue trades", logger.F("count", total))
	}
	return total, nil
}
