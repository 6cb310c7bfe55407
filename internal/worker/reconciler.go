package worker

import (
	"context"
	"time"

	"gestloc.io/internal/audit"
	"gestloc.io/internal/lease"
	"gestloc.io/internal/obs"
)

// Reconciler runs the batch status sweep on a fixed interval. It catches any
// drift the synchronous recompute missed: a failed status write, or a status
// mutated out-of-band. The sweep is idempotent, so overlapping with live
// signature traffic is harmless.
type Reconciler struct {
	svc      lease.Service
	interval time.Duration
}

// NewReconciler creates a sweep worker.
func NewReconciler(svc lease.Service, interval time.Duration) *Reconciler {
	return &Reconciler{svc: svc, interval: interval}
}

// Start blocks, sweeping every interval until the context is cancelled.
func (w *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	obs.LogRequest(map[string]any{
		"level": "info", "msg": "reconcile worker started", "interval": w.interval.String(),
	})
	for {
		select {
		case <-ctx.Done():
			obs.LogRequest(map[string]any{"level": "info", "msg": "reconcile worker stopped"})
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// RunOnce executes a single sweep, used by the CLI and by tests.
func (w *Reconciler) RunOnce(ctx context.Context) (lease.ReconcileReport, error) {
	report, err := w.svc.Reconcile(ctx, lease.Scope{})
	if err != nil {
		return lease.ReconcileReport{}, err
	}
	obs.ObserveReconcile(report.Checked, report.Fixed)
	return report, nil
}

func (w *Reconciler) sweep(ctx context.Context) {
	report, err := w.RunOnce(ctx)
	if err != nil {
		obs.LogRequest(map[string]any{
			"level": "error", "msg": "reconcile sweep failed", "error": err.Error(),
		})
		return
	}
	if report.Fixed > 0 || len(report.Errors) > 0 {
		_ = audit.LogEvent(ctx, "lease.reconcile.sweep", map[string]any{
			"checked": report.Checked,
			"fixed":   report.Fixed,
			"errors":  len(report.Errors),
		})
	}
}
