package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler runs cancellation reconciliation passes on a fixed schedule.
// Passes never overlap; a failed pass is logged and the next tick retries.
type Reconciler struct {
	cron     *cron.Cron
	cancels  *CancelService
	interval time.Duration
	logger   *slog.Logger
	ctx      context.Context
}

// NewReconciler creates a Reconciler running every interval.
func NewReconciler(cancels *CancelService, interval time.Duration, logger *slog.Logger) *Reconciler {
	logger = logger.With("component", "cancel-reconciler")
	return &Reconciler{
		cron:     newCron(logger),
		cancels:  cancels,
		interval: interval,
		logger:   logger,
	}
}

// newCron builds a cron runner whose jobs recover from panics and are
// skipped while a previous run is still active.
func newCron(logger *slog.Logger) *cron.Cron {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
}

// Start schedules the reconciliation pass. ctx bounds every pass.
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx = ctx
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), r.RunOnce); err != nil {
		return fmt.Errorf("schedule cancel reconciliation: %w", err)
	}
	r.cron.Start()
	r.logger.Info("cancel reconciler started", "interval", r.interval)
	return nil
}

// Stop stops scheduling and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("cancel reconciler stopped")
}

// RunOnce executes a single reconciliation pass.
func (r *Reconciler) RunOnce() {
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	summary, err := r.cancels.HandleCancelRequests(ctx)
	if err != nil {
		r.logger.Warn("cancel reconciliation pass failed", "error", err)
		return
	}
	if summary.Inspected > 0 {
		r.logger.Info("cancel reconciliation pass finished",
			"inspected", summary.Inspected, "canceled", summary.Canceled, "failed", summary.Failed)
	}
}
