package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"github.com/saeid-a/DocAvailableBack/internal/session"
)

type sessionKey struct {
	kind session.Kind
	id   int64
}

// memStore applies every write as a compare-and-swap, like the SQL it stands in for.
type memStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	sessions map[sessionKey]*session.Session
	history  map[sessionKey][]session.Status
	ledger   *memLedger
}

func newMemStore(ledger *memLedger) *memStore {
	return &memStore{
		sessions: make(map[sessionKey]*session.Session),
		history:  make(map[sessionKey][]session.Status),
		ledger:   ledger,
	}
}

func (m *memStore) put(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionKey{s.Kind, s.ID}
	m.sessions[k] = s.Clone()
	m.history[k] = append(m.history[k], s.Status)
}

func (m *memStore) get(kind session.Kind, id int64) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey{kind, id}].Clone()
}

func (m *memStore) statuses(kind session.Kind, id int64) []session.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Status(nil), m.history[sessionKey{kind, id}]...)
}

// mutate runs fn on the stored row under the lock; fn reports whether it changed it.
func (m *memStore) mutate(kind session.Kind, id int64, fn func(s *session.Session) bool) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionKey{kind, id}
	s, ok := m.sessions[k]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	before := s.Status
	if !fn(s) {
		return nil, pgx.ErrNoRows
	}
	if s.Status != before {
		m.history[k] = append(m.history[k], s.Status)
	}
	return s.Clone(), nil
}

func (m *memStore) GetByID(_ context.Context, kind session.Kind, id int64) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{kind, id}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return s.Clone(), nil
}

func (m *memStore) GetByIDForUpdate(ctx context.Context, kind session.Kind, id int64) (*session.Session, error) {
	return m.GetByID(ctx, kind, id)
}

func (m *memStore) ApplyAutoDeduction(_ context.Context, kind session.Kind, id int64, n int) (bool, error) {
	_, err := m.mutate(kind, id, func(s *session.Session) bool {
		if s.Status != session.BillingActiveStatus(kind) || s.AutoDeductionsProcessed >= n {
			return false
		}
		s.AutoDeductionsProcessed = n
		s.SessionsUsed++
		return true
	})
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (m *memStore) End(_ context.Context, in repository.EndSessionInput) (*session.Session, error) {
	return m.mutate(in.Kind, in.SessionID, func(s *session.Session) bool {
		if !containsStatus(in.From, s.Status) {
			return false
		}
		s.Status = session.StatusEnded
		if s.EndedAt == nil {
			at := in.EndedAt
			s.EndedAt = &at
		}
		if s.ConnectedAt == nil && s.AnsweredAt != nil {
			at := *s.AnsweredAt
			s.ConnectedAt = &at
		}
		if in.SessionsUsed > s.SessionsUsed {
			s.SessionsUsed = in.SessionsUsed
		}
		if in.AutoUnits > s.AutoDeductionsProcessed {
			s.AutoDeductionsProcessed = in.AutoUnits
		}
		s.ManualDeductionApplied = s.ManualDeductionApplied || in.Manual
		if in.Reason != "" {
			reason := in.Reason
			s.Reason = &reason
		}
		return true
	})
}

func (m *memStore) PromoteConnected(_ context.Context, id int64) (*session.Session, error) {
	return m.mutate(session.KindCall, id, func(s *session.Session) bool {
		if s.Status != session.StatusAnswered || s.AnsweredAt == nil || s.ConnectedAt != nil {
			return false
		}
		at := *s.AnsweredAt
		s.ConnectedAt = &at
		s.Status = session.StatusConnected
		return true
	})
}

func (m *memStore) BackfillConnectedAt(_ context.Context, id int64) (*session.Session, error) {
	return m.mutate(session.KindCall, id, func(s *session.Session) bool {
		if s.AnsweredAt == nil || s.ConnectedAt != nil {
			return false
		}
		at := *s.AnsweredAt
		s.ConnectedAt = &at
		return true
	})
}

func (m *memStore) UpdateStatusIfCurrent(_ context.Context, kind session.Kind, id int64, from, to session.Status, reason string, at time.Time) (*session.Session, error) {
	return m.mutate(kind, id, func(s *session.Session) bool {
		if s.Status != from {
			return false
		}
		s.Status = to
		if reason != "" {
			r := reason
			s.Reason = &r
		}
		if session.IsTerminal(to) {
			if s.EndedAt == nil {
				ended := at
				s.EndedAt = &ended
			}
			if s.ConnectedAt == nil && s.AnsweredAt != nil {
				connected := *s.AnsweredAt
				s.ConnectedAt = &connected
			}
		}
		return true
	})
}

func (m *memStore) SetSessionsUsed(_ context.Context, kind session.Kind, id int64, used int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionKey{kind, id}]; ok {
		s.SessionsUsed = used
	}
	return nil
}

func (m *memStore) list(match func(s *session.Session) bool, limit int) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0)
	for _, s := range m.sessions {
		if len(ids) < limit && match(s) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func (m *memStore) ListAnsweredUnconnected(_ context.Context, before time.Time, limit int) ([]int64, error) {
	return m.list(func(s *session.Session) bool {
		return s.Kind == session.KindCall && s.Status == session.StatusAnswered &&
			s.ConnectedAt == nil && s.AnsweredAt != nil && !s.AnsweredAt.After(before)
	}, limit), nil
}

func (m *memStore) ListEndedUnconnected(_ context.Context, limit int) ([]int64, error) {
	return m.list(func(s *session.Session) bool {
		return s.Kind == session.KindCall && (s.Status == session.StatusEnded || s.Status == session.StatusFailed) &&
			s.AnsweredAt != nil && s.ConnectedAt == nil
	}, limit), nil
}

func (m *memStore) ListUnderBilled(_ context.Context, kind session.Kind, limit int) ([]int64, error) {
	candidates := m.list(func(s *session.Session) bool {
		return s.Kind == kind && s.Status == session.StatusEnded
	}, 1<<20)
	ids := make([]int64, 0)
	for _, id := range candidates {
		charged, _ := m.ledger.CountSessionUnits(context.Background(), string(kind), id)
		if len(ids) < limit && m.get(kind, id).SessionsUsed > charged {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) ListOverdue(_ context.Context, kind session.Kind, now time.Time, limit int) ([]int64, error) {
	return m.list(func(s *session.Session) bool {
		if s.Kind != kind || !s.IsBillingActive() {
			return false
		}
		deadline, ok := s.QuotaDeadline()
		return ok && !deadline.After(now)
	}, limit), nil
}

func (m *memStore) InTx(_ context.Context, fn func(tx Sessions) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

// memLedger bills units once per key against a per-patient quota.
type memLedger struct {
	mu      sync.Mutex
	units   map[string]repository.LedgerUnit
	quota   map[int64]int
	balance map[int64]int64
}

func newMemLedger(patientID int64, quota int) *memLedger {
	return &memLedger{
		units:   make(map[string]repository.LedgerUnit),
		quota:   map[int64]int{patientID: quota},
		balance: make(map[int64]int64),
	}
}

func (l *memLedger) ApplyUnit(_ context.Context, unit repository.LedgerUnit) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := fmt.Sprintf("%s|%d|%s", unit.SessionType, unit.SessionID, unit.UnitKey)
	if _, ok := l.units[key]; ok {
		return false, nil
	}
	if l.quota[unit.PatientID] < 1 {
		return false, repository.ErrInsufficientQuota
	}
	l.quota[unit.PatientID]--
	l.balance[unit.DoctorID] += unit.Amount
	l.units[key] = unit
	return true, nil
}

func (l *memLedger) CountSessionUnits(_ context.Context, sessionType string, sessionID int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, unit := range l.units {
		if unit.SessionType == sessionType && unit.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (l *memLedger) keys(sessionType string, sessionID int64) map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]bool)
	for _, unit := range l.units {
		if unit.SessionType == sessionType && unit.SessionID == sessionID {
			out[unit.UnitKey] = true
		}
	}
	return out
}

func (l *memLedger) total(doctorID int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance[doctorID]
}

type malawiDoctors struct{}

func (malawiDoctors) GetByID(_ context.Context, id int64) (*models.User, error) {
	return &models.User{ID: id, Role: models.RoleDoctor, Country: "Malawi"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event models.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
