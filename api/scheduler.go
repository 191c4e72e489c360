/*
scheduler.go - Periodic reconciliation

PURPOSE:
  Runs the reconciler in the background at a fixed interval so that drift
  between stored balances and linked line items is noticed without an
  operator running cmd/reconcile.

DESIGN:
  - One background goroutine with a ticker
  - Runs share the handler's reconcile guard, so a manual run and a
    scheduled run never overlap (the later one is skipped)
  - Each report becomes the handler's "last report"

CONFIGURATION:
  - Interval: how often to run (default: 1 hour)
  - Repair:   whether runs also repair (default: false, report only)
  - Enabled:  whether the scheduler starts at all (default: false)

USAGE:
  scheduler := NewReconciliationScheduler(handler, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual run)
  - stock/reconcile.go: the reconciler
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReconciliationScheduler runs reconciliation on a timer.
type ReconciliationScheduler struct {
	Handler  *Handler
	Interval time.Duration
	Repair   bool
	Enabled  bool

	// RunTimeout bounds one run. Zero means Interval.
	RunTimeout time.Duration

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a disabled scheduler with a one hour
// interval.
func NewReconciliationScheduler(handler *Handler, log *zap.Logger) *ReconciliationScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Handler:  handler,
		Interval: time.Hour,
		log:      log.Named("reconcile-scheduler"),
	}
}

// Start begins the scheduler. It is a no-op when disabled or running.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.Info("scheduler started",
		zap.Duration("interval", rs.Interval),
		zap.Bool("repair", rs.Repair))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	rs.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce performs one reconciliation and logs the outcome.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) {
	timeout := rs.RunTimeout
	if timeout <= 0 {
		timeout = rs.Interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report, err := rs.Handler.reconcile(ctx, rs.Repair)
	switch {
	case errors.Is(err, errReconcileRunning):
		rs.log.Info("reconciliation already running, skipping")
		return
	case err != nil:
		rs.log.Error("reconciliation failed", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.Int("entries_checked", report.EntriesChecked),
		zap.Int("deliveries_checked", report.DeliveriesChecked),
		zap.Int("entry_drifts", len(report.EntryDrifts)),
		zap.Int("delivery_drifts", len(report.DeliveryDrifts)),
		zap.Int("violations", report.Violations()),
	}
	if report.Violations() > 0 {
		rs.log.Warn("reconciliation found unrepaired drift", fields...)
		return
	}
	rs.log.Info("scheduled reconciliation finished", fields...)
}
