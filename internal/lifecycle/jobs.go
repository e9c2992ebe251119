package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/billing"
	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/metrics"
	"github.com/saeid-a/DocAvailableBack/internal/queue"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

// HandleAutoDeduction applies interval unit N of a billing-active session.
// The counter update is a compare-and-swap on (status, processed < N) and
// the engine only runs when it changed a row, so a redelivered job is a no-op.
func (m *Manager) HandleAutoDeduction(ctx context.Context, data queue.Data) error {
	n := data.ExpectedDeductionCount
	if n < 1 {
		return queue.Permanent(fmt.Errorf("auto deduction for session %d has no expected count", data.SessionID))
	}

	s, err := m.load(ctx, data.SessionKind, data.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}

	switch {
	case !s.IsBillingActive():
		return m.skip(JobAutoDeduction, "not_active", s)
	case n > s.SessionsRemainingBeforeStart:
		return m.skip(JobAutoDeduction, "over_quota", s)
	case !s.DeductionDue(n, m.clock.Now()):
		return m.skip(JobAutoDeduction, "not_due", s)
	}

	applied, err := m.store.ApplyAutoDeduction(ctx, s.Kind, s.ID, n)
	if err != nil {
		return fmt.Errorf("record auto deduction %d: %w", n, err)
	}
	if !applied {
		return m.skip(JobAutoDeduction, "already_applied", s)
	}

	err = m.billing.ProcessAutoDeduction(ctx, s, n)
	if errors.Is(err, billing.ErrInsufficientQuota) {
		data := queue.Data{SessionID: s.ID, SessionKind: s.Kind, Reason: ReasonNoQuota}
		return m.dispatcher.Dispatch(ctx, queue.QueueFor(s.Kind), JobAutoEnd, data)
	}
	return err
}

// HandleAutoEnd force-ends a billing-active session once its quota is used
// up, or at once when a deduction found the patient out of quota.
func (m *Manager) HandleAutoEnd(ctx context.Context, data queue.Data) error {
	s, err := m.load(ctx, data.SessionKind, data.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}

	if s.Status != session.StatusEnded {
		billable := s.IsBillingActive() || (s.Kind == session.KindCall && s.Status == session.StatusAnswered)
		if !billable {
			return m.skip(JobAutoEnd, "not_active", s)
		}
		if data.Reason != ReasonNoQuota && !s.WithAnswerAnchor().ShouldAutoEnd(m.clock.Now()) {
			return m.skip(JobAutoEnd, "not_due", s)
		}
	}

	reason := data.Reason
	if reason == "" {
		reason = ReasonQuotaUsed
	}
	result, err := m.EndSession(ctx, s.Kind, s.ID, true, reason)
	if err != nil {
		return err
	}
	m.log.Info("session auto-ended",
		zap.Int64(logging.KeySessionID, s.ID),
		zap.String(logging.KeySessionKind, string(s.Kind)),
		zap.String(logging.KeyReason, reason),
		zap.Int("sessions_charged", result.SessionsCharged),
	)
	return nil
}

// HandlePromoteCall establishes a call's connection anchor. connected_at is
// always the answer time, including for a call that ended before this ran.
func (m *Manager) HandlePromoteCall(ctx context.Context, data queue.Data) error {
	_, err := m.PromoteCall(ctx, data.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return queue.Permanent(err)
	}
	return err
}

// PromoteCall runs the promotion decision under a row lock and reports what it did.
func (m *Manager) PromoteCall(ctx context.Context, sessionID int64) (session.PromotionAction, error) {
	var (
		action  session.PromotionAction
		updated *session.Session
	)
	err := m.store.InTx(ctx, func(tx Sessions) error {
		s, err := tx.GetByIDForUpdate(ctx, session.KindCall, sessionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		action = s.PlanPromotion()
		switch action {
		case session.PromotionPromote:
			updated, err = tx.PromoteConnected(ctx, s.ID)
		case session.PromotionBackfill:
			updated, err = tx.BackfillConnectedAt(ctx, s.ID)
		default:
			updated = s
		}
		return err
	})
	if err != nil {
		return session.PromotionNone, fmt.Errorf("promote call %d: %w", sessionID, err)
	}

	switch action {
	case session.PromotionPromote:
		m.log.Info("call promoted to connected",
			zap.Int64(logging.KeySessionID, updated.ID),
			zap.Timep("connected_at", updated.ConnectedAt),
		)
		m.Publish(ctx, "session.connected", updated)
		if err := m.ScheduleBilling(ctx, updated); err != nil {
			return action, fmt.Errorf("schedule billing for call %d: %w", updated.ID, err)
		}
	case session.PromotionBackfill:
		metrics.ConnectionBackfills.Inc()
		m.log.Warn("call closed before promotion; connected_at backfilled from answered_at",
			zap.Int64(logging.KeySessionID, updated.ID),
			zap.String("status", string(updated.Status)),
			zap.Timep("answered_at", updated.AnsweredAt),
			zap.Timep("ended_at", updated.EndedAt),
		)
		// Failed calls are never billed.
		if updated.Status == session.StatusEnded {
			if _, err := m.settleEnded(ctx, updated); err != nil {
				return action, err
			}
		}
	case session.PromotionAlreadyConnected:
		metrics.JobsSkipped.WithLabelValues(JobPromoteCall, "already_connected").Inc()
	default:
		return action, m.skip(JobPromoteCall, "not_answered", updated)
	}
	return action, nil
}

// HandleExpireWaiting expires a text session the doctor never picked up.
func (m *Manager) HandleExpireWaiting(ctx context.Context, data queue.Data) error {
	s, err := m.load(ctx, data.SessionKind, data.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}

	if _, changed := s.ApplyLazyExpiration(m.clock.Now()); !changed {
		return m.skip(JobExpireWaiting, "not_waiting", s)
	}
	_, err = m.Refresh(ctx, s)
	return err
}

func (m *Manager) skip(job, reason string, s *session.Session) error {
	metrics.JobsSkipped.WithLabelValues(job, reason).Inc()
	m.log.Debug("lifecycle job skipped",
		zap.String(logging.KeyJob, job),
		zap.String(logging.KeyReason, reason),
		zap.Int64(logging.KeySessionID, s.ID),
		zap.String(logging.KeySessionKind, string(s.Kind)),
		zap.String("status", string(s.Status)),
	)
	return nil
}
