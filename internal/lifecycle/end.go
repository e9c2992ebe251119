package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

// EndSession closes a session and bills it. It is safe to call on a session
// that is already ended: billing is re-run and the stored outcome returned.
// A call that was never answered ends unbilled.
func (m *Manager) EndSession(ctx context.Context, kind session.Kind, sessionID int64, isAutoEnd bool, reason string) (*models.SessionEndResult, error) {
	s, err := m.load(ctx, kind, sessionID)
	if err != nil {
		return nil, err
	}

	switch {
	case s.Status == session.StatusEnded:
		return m.settleEnded(ctx, s)
	case s.IsTerminal():
		return m.endResult(s, 0, false), nil
	case kind == session.KindCall && s.Status == session.StatusPending:
		return m.endUnanswered(ctx, s, reason)
	}

	from := []session.Status{session.BillingActiveStatus(kind)}
	if kind == session.KindCall {
		from = append(from, session.StatusAnswered)
	}
	if !containsStatus(from, s.Status) {
		return nil, fmt.Errorf("%w: %s session %d is %s", ErrNotEndable, kind, s.ID, s.Status)
	}

	now := m.clock.Now()
	plan := s.WithAnswerAnchor().PlanEnd(isAutoEnd, now)
	if plan.AutoEnd && !isAutoEnd {
		m.log.Info("manual end after quota exhausted, closing as auto end",
			zap.Int64(logging.KeySessionID, s.ID),
			zap.String(logging.KeySessionKind, string(kind)),
			zap.Time("ended_at", plan.EndedAt),
		)
	}
	if plan.RequestedUnits > plan.BillableUnits {
		m.log.Warn("billable units capped at quota snapshot",
			zap.Int64(logging.KeySessionID, s.ID),
			zap.String(logging.KeySessionKind, string(kind)),
			zap.Int("requested", plan.RequestedUnits),
			zap.Int("billable", plan.BillableUnits),
		)
	}

	ended, err := m.store.End(ctx, repository.EndSessionInput{
		Kind:         kind,
		SessionID:    s.ID,
		From:         from,
		EndedAt:      plan.EndedAt,
		SessionsUsed: plan.BillableUnits,
		AutoUnits:    plan.AutoUnits,
		Manual:       plan.ManualUnit,
		Reason:       reason,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race; whoever won decides the outcome.
		current, lerr := m.load(ctx, kind, sessionID)
		if lerr != nil {
			return nil, lerr
		}
		if current.Status == session.StatusEnded {
			return m.settleEnded(ctx, current)
		}
		return nil, fmt.Errorf("%w: %s session %d is %s", ErrNotEndable, kind, s.ID, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("end %s session %d: %w", kind, s.ID, err)
	}

	m.Publish(ctx, "session.ended", ended)

	charged, err := m.billing.ProcessSessionEnd(ctx, ended, plan.AutoEnd)
	if err != nil {
		return nil, fmt.Errorf("bill %s session %d: %w", kind, s.ID, err)
	}
	return m.endResult(ended, charged, plan.AutoEnd), nil
}

// settleEnded re-runs end billing for an ended session. The manual unit is
// only ever owed if the end recorded it.
func (m *Manager) settleEnded(ctx context.Context, s *session.Session) (*models.SessionEndResult, error) {
	isAutoEnd := !s.ManualDeductionApplied
	charged, err := m.billing.ProcessSessionEnd(ctx, s.WithAnswerAnchor(), isAutoEnd)
	if err != nil {
		return nil, fmt.Errorf("settle %s session %d: %w", s.Kind, s.ID, err)
	}
	return m.endResult(s, charged, isAutoEnd), nil
}

func (m *Manager) endUnanswered(ctx context.Context, s *session.Session, reason string) (*models.SessionEndResult, error) {
	if reason == "" || reason == ReasonManualEnd {
		reason = ReasonMissedCall
	}
	ended, err := m.store.UpdateStatusIfCurrent(ctx, session.KindCall, s.ID, session.StatusPending, session.StatusEnded, reason, m.clock.Now())
	if errors.Is(err, pgx.ErrNoRows) {
		return m.EndSession(ctx, session.KindCall, s.ID, false, reason)
	}
	if err != nil {
		return nil, fmt.Errorf("end unanswered call %d: %w", s.ID, err)
	}
	m.log.Info("call ended before it was answered",
		zap.Int64(logging.KeySessionID, s.ID),
		zap.String(logging.KeyReason, reason),
	)
	m.Publish(ctx, "session.ended", ended)
	return m.endResult(ended, 0, false), nil
}

// FailCall records a call that could not be established. A call that was
// answered keeps its answer time as connected_at. Failed calls are not billed.
func (m *Manager) FailCall(ctx context.Context, sessionID int64, reason string) (*session.Session, error) {
	s, err := m.load(ctx, session.KindCall, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == session.StatusFailed {
		return s, nil
	}
	if s.ConnectedAt != nil || !session.CanTransition(session.KindCall, s.Status, session.StatusFailed) {
		return nil, fmt.Errorf("%w: call %d is %s", ErrNotFailable, s.ID, s.Status)
	}

	failed, err := m.store.UpdateStatusIfCurrent(ctx, session.KindCall, s.ID, s.Status, session.StatusFailed, reason, m.clock.Now())
	if errors.Is(err, pgx.ErrNoRows) {
		current, lerr := m.load(ctx, session.KindCall, sessionID)
		if lerr != nil {
			return nil, lerr
		}
		if current.Status == session.StatusFailed {
			return current, nil
		}
		return nil, fmt.Errorf("%w: call %d is %s", ErrNotFailable, s.ID, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("fail call %d: %w", s.ID, err)
	}

	m.log.Info("call failed",
		zap.Int64(logging.KeySessionID, failed.ID),
		zap.String(logging.KeyReason, reason),
		zap.Bool("answered", failed.AnsweredAt != nil),
	)
	m.Publish(ctx, "session.failed", failed)
	return failed, nil
}

// Refresh brings a session read from storage up to date with the clock: a
// waiting session past its response deadline is expired, and a billing-active
// session past its quota is auto-ended. The returned session is current.
func (m *Manager) Refresh(ctx context.Context, s *session.Session) (*session.Session, error) {
	now := m.clock.Now()

	if expired, changed := s.ApplyLazyExpiration(now); changed {
		updated, err := m.store.UpdateStatusIfCurrent(ctx, s.Kind, s.ID, s.Status, expired.Status, *expired.Reason, now)
		if errors.Is(err, pgx.ErrNoRows) {
			return m.load(ctx, s.Kind, s.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("expire %s session %d: %w", s.Kind, s.ID, err)
		}
		m.Publish(ctx, "session.expired", updated)
		return updated, nil
	}

	if s.IsBillingActive() && s.ShouldAutoEnd(now) {
		if _, err := m.EndSession(ctx, s.Kind, s.ID, true, ReasonQuotaUsed); err != nil {
			return nil, err
		}
		return m.load(ctx, s.Kind, s.ID)
	}
	return s, nil
}

// ReconcileBilling re-runs end billing for an ended session. It is what the
// reconciliation sweep calls for sessions the ledger is behind on.
func (m *Manager) ReconcileBilling(ctx context.Context, kind session.Kind, sessionID int64) (int, error) {
	s, err := m.load(ctx, kind, sessionID)
	if err != nil {
		return 0, err
	}
	if s.Status != session.StatusEnded {
		return 0, nil
	}
	result, err := m.settleEnded(ctx, s)
	if err != nil {
		return 0, err
	}
	return result.SessionsCharged, nil
}

func (m *Manager) endResult(s *session.Session, charged int, autoEnded bool) *models.SessionEndResult {
	return &models.SessionEndResult{
		SessionID:       s.ID,
		Status:          string(s.Status),
		ElapsedMinutes:  s.ElapsedMinutes(m.clock.Now()),
		SessionsCharged: charged,
		AutoEnded:       autoEnded,
	}
}

func containsStatus(list []session.Status, status session.Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
