package lifecycle

import (
	"context"
	"time"

	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/metrics"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

// Sweeper periodically repairs what lost or failed jobs left behind:
// answered calls never promoted, ended calls without connected_at, billing
// sessions past their quota, and ended sessions the ledger is behind on.
type Sweeper struct {
	manager  *Manager
	store    Store
	clock    session.Clock
	interval time.Duration
	grace    time.Duration
	batch    int
	log      *zap.Logger
}

func NewSweeper(manager *Manager, store Store, clock session.Clock, interval, grace time.Duration, batch int, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		manager:  manager,
		store:    store,
		clock:    clock,
		interval: interval,
		grace:    grace,
		batch:    batch,
		log:      logger,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// SweepReport counts the repairs made by one pass.
type SweepReport struct {
	Promoted   int
	Backfilled int
	AutoEnded  int
	Reconciled int
}

func (w *Sweeper) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	now := w.clock.Now()

	answered, err := w.store.ListAnsweredUnconnected(ctx, now.Add(-w.grace), w.batch)
	if err != nil {
		w.log.Error("sweep: list answered calls failed", zap.Error(err))
	}
	for _, id := range answered {
		if w.promote(ctx, id) == session.PromotionPromote {
			report.Promoted++
			metrics.SweepRepairs.WithLabelValues("promotion").Inc()
		}
	}

	unconnected, err := w.store.ListEndedUnconnected(ctx, w.batch)
	if err != nil {
		w.log.Error("sweep: list ended calls failed", zap.Error(err))
	}
	for _, id := range unconnected {
		if w.promote(ctx, id) == session.PromotionBackfill {
			report.Backfilled++
			metrics.SweepRepairs.WithLabelValues("backfill").Inc()
		}
	}

	for _, kind := range []session.Kind{session.KindText, session.KindCall} {
		overdue, err := w.store.ListOverdue(ctx, kind, now, w.batch)
		if err != nil {
			w.log.Error("sweep: list overdue sessions failed", zap.String(logging.KeySessionKind, string(kind)), zap.Error(err))
		}
		for _, id := range overdue {
			if _, err := w.manager.EndSession(ctx, kind, id, true, ReasonQuotaUsed); err != nil {
				w.log.Error("sweep: auto end failed",
					zap.Int64(logging.KeySessionID, id),
					zap.String(logging.KeySessionKind, string(kind)),
					zap.Error(err),
				)
				continue
			}
			report.AutoEnded++
			metrics.SweepRepairs.WithLabelValues("auto_end").Inc()
		}

		behind, err := w.store.ListUnderBilled(ctx, kind, w.batch)
		if err != nil {
			w.log.Error("sweep: list under-billed sessions failed", zap.String(logging.KeySessionKind, string(kind)), zap.Error(err))
		}
		for _, id := range behind {
			charged, err := w.manager.ReconcileBilling(ctx, kind, id)
			if err != nil {
				w.log.Error("sweep: billing reconciliation failed",
					zap.Int64(logging.KeySessionID, id),
					zap.String(logging.KeySessionKind, string(kind)),
					zap.Error(err),
				)
				continue
			}
			report.Reconciled++
			metrics.SweepRepairs.WithLabelValues("billing").Inc()
			w.log.Info("sweep: session billing reconciled",
				zap.Int64(logging.KeySessionID, id),
				zap.String(logging.KeySessionKind, string(kind)),
				zap.Int("sessions_charged", charged),
			)
		}
	}

	if report != (SweepReport{}) {
		w.log.Info("sweep finished",
			zap.Int("promoted", report.Promoted),
			zap.Int("backfilled", report.Backfilled),
			zap.Int("auto_ended", report.AutoEnded),
			zap.Int("reconciled", report.Reconciled),
		)
	}
	return report
}

func (w *Sweeper) promote(ctx context.Context, id int64) session.PromotionAction {
	action, err := w.manager.PromoteCall(ctx, id)
	if err != nil {
		w.log.Error("sweep: call promotion failed", zap.Int64(logging.KeySessionID, id), zap.Error(err))
	}
	return action
}
