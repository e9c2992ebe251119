// Package lifecycle drives sessions through time: it schedules the billing
// jobs, runs them, ends sessions and repairs what the jobs left behind.
// Every write is a conditional update against the persisted state, so each
// entry point may run any number of times, from the worker or the poller.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/queue"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

// Job names as stored in the payload displayName.
const (
	JobAutoDeduction = "ProcessAutoDeduction"
	JobAutoEnd       = "AutoEndSession"
	JobPromoteCall   = "PromoteCallToConnected"
	JobExpireWaiting = "ExpireWaitingSession"
)

const (
	ReasonQuotaUsed  = "quota_exhausted"
	ReasonNoQuota    = "insufficient_quota"
	ReasonNoResponse = "doctor_no_response"
	ReasonMissedCall = "missed"
	ReasonManualEnd  = "ended_by_user"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotEndable      = errors.New("session cannot be ended in its current status")
	ErrNotFailable     = errors.New("call cannot fail in its current status")
)

// Sessions is the persistence surface the lifecycle needs. It is satisfied
// by *repository.SessionRepository on a pool or inside a transaction.
type Sessions interface {
	GetByID(ctx context.Context, kind session.Kind, sessionID int64) (*session.Session, error)
	GetByIDForUpdate(ctx context.Context, kind session.Kind, sessionID int64) (*session.Session, error)
	ApplyAutoDeduction(ctx context.Context, kind session.Kind, sessionID int64, n int) (bool, error)
	End(ctx context.Context, input repository.EndSessionInput) (*session.Session, error)
	PromoteConnected(ctx context.Context, sessionID int64) (*session.Session, error)
	BackfillConnectedAt(ctx context.Context, sessionID int64) (*session.Session, error)
	UpdateStatusIfCurrent(ctx context.Context, kind session.Kind, sessionID int64, from, to session.Status, reason string, at time.Time) (*session.Session, error)
	ListAnsweredUnconnected(ctx context.Context, answeredBefore time.Time, limit int) ([]int64, error)
	ListEndedUnconnected(ctx context.Context, limit int) ([]int64, error)
	ListUnderBilled(ctx context.Context, kind session.Kind, limit int) ([]int64, error)
	ListOverdue(ctx context.Context, kind session.Kind, now time.Time, limit int) ([]int64, error)
}

// Store adds row-locked units of work on top of Sessions.
type Store interface {
	Sessions
	InTx(ctx context.Context, fn func(tx Sessions) error) error
}

type Billing interface {
	ProcessAutoDeduction(ctx context.Context, s *session.Session, n int) error
	ProcessSessionEnd(ctx context.Context, s *session.Session, isAutoEnd bool) (int, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, queue, name string, data queue.Data) error
	DispatchAt(ctx context.Context, queue, name string, data queue.Data, at time.Time) error
}

type Publisher interface {
	Publish(ctx context.Context, event models.SessionEvent) error
}

type Config struct {
	PromotionGrace time.Duration
}

type Manager struct {
	store      Store
	billing    Billing
	dispatcher Dispatcher
	events     Publisher
	clock      session.Clock
	cfg        Config
	log        *zap.Logger
}

func NewManager(
	store Store,
	billing Billing,
	dispatcher Dispatcher,
	events Publisher,
	clock session.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		store:      store,
		billing:    billing,
		dispatcher: dispatcher,
		events:     events,
		clock:      clock,
		cfg:        cfg,
		log:        logger,
	}
}

// Register binds every lifecycle job to the executor.
func (m *Manager) Register(exec *queue.Executor) {
	exec.Register(JobAutoDeduction, queue.HandlerFunc(m.HandleAutoDeduction))
	exec.Register(JobAutoEnd, queue.HandlerFunc(m.HandleAutoEnd))
	exec.Register(JobPromoteCall, queue.HandlerFunc(m.HandlePromoteCall))
	exec.Register(JobExpireWaiting, queue.HandlerFunc(m.HandleExpireWaiting))
}

// ScheduleBilling queues the auto-deductions 1..quota-1 and the auto-end for
// a session that has just become billing-active. Unit quota is billed by the
// auto-end itself.
func (m *Manager) ScheduleBilling(ctx context.Context, s *session.Session) error {
	anchor := s.BillingAnchor()
	if anchor == nil {
		return nil
	}
	q := queue.QueueFor(s.Kind)
	for n := 1; n < s.SessionsRemainingBeforeStart; n++ {
		data := queue.Data{SessionID: s.ID, SessionKind: s.Kind, ExpectedDeductionCount: n}
		if err := m.dispatcher.DispatchAt(ctx, q, JobAutoDeduction, data, anchor.Add(time.Duration(n)*session.UnitInterval)); err != nil {
			return err
		}
	}
	deadline, _ := s.QuotaDeadline()
	data := queue.Data{SessionID: s.ID, SessionKind: s.Kind, Reason: ReasonQuotaUsed}
	if err := m.dispatcher.DispatchAt(ctx, q, JobAutoEnd, data, deadline); err != nil {
		return err
	}

	m.log.Info("session billing scheduled",
		zap.Int64(logging.KeySessionID, s.ID),
		zap.String(logging.KeySessionKind, string(s.Kind)),
		zap.Int("quota", s.SessionsRemainingBeforeStart),
		zap.Time("auto_end_at", deadline),
	)
	return nil
}

// ScheduleExpiry queues the waiting-expiry job at the doctor response deadline.
func (m *Manager) ScheduleExpiry(ctx context.Context, s *session.Session) error {
	if s.DoctorResponseDeadline == nil {
		return nil
	}
	data := queue.Data{SessionID: s.ID, SessionKind: s.Kind, Reason: ReasonNoResponse}
	return m.dispatcher.DispatchAt(ctx, queue.QueueFor(s.Kind), JobExpireWaiting, data, *s.DoctorResponseDeadline)
}

// SchedulePromotion queues the connection promotion after the grace period.
func (m *Manager) SchedulePromotion(ctx context.Context, s *session.Session) error {
	data := queue.Data{SessionID: s.ID, SessionKind: session.KindCall}
	return m.dispatcher.DispatchAt(ctx, queue.QueueCallSessions, JobPromoteCall, data, m.clock.Now().Add(m.cfg.PromotionGrace))
}

// Publish sends a session event. Delivery is best effort.
func (m *Manager) Publish(ctx context.Context, eventType string, s *session.Session) {
	if m.events == nil || s == nil {
		return
	}
	event := models.SessionEvent{
		Type:        eventType,
		SessionID:   s.ID,
		SessionKind: string(s.Kind),
		Status:      string(s.Status),
		PatientID:   s.PatientID,
		DoctorID:    s.DoctorID,
		At:          m.clock.Now(),
	}
	if s.Reason != nil {
		event.Reason = *s.Reason
	}
	if err := m.events.Publish(ctx, event); err != nil {
		m.log.Warn("session event not published",
			zap.Int64(logging.KeySessionID, s.ID),
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}

func (m *Manager) load(ctx context.Context, kind session.Kind, id int64) (*session.Session, error) {
	s, err := m.store.GetByID(ctx, kind, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}
