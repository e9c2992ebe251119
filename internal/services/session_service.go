package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/saeid-a/DocAvailableBack/internal/billing"
	"github.com/saeid-a/DocAvailableBack/internal/lifecycle"
	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

var (
	ErrForbidden              = errors.New("forbidden")
	ErrConflict               = errors.New("conflict")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidInput           = errors.New("invalid input")
	ErrDoctorNotFound         = errors.New("doctor not found")
	ErrNoSubscription         = errors.New("no active subscription")
	ErrInsufficientQuota      = billing.ErrInsufficientQuota
	ErrSessionNotFound        = lifecycle.ErrSessionNotFound

	ErrAppointmentLinked = fmt.Errorf("%w: appointment is closed or already linked to a session", ErrConflict)
)

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type SessionServiceConfig struct {
	DoctorResponseWindow time.Duration
}

// SessionService owns the client-facing moves of text and call sessions.
// Time-driven moves are left to the lifecycle jobs.
type SessionService struct {
	db          *pgxpool.Pool
	sessionRepo *repository.SessionRepository
	userRepo    userReader
	lifecycle   *lifecycle.Manager
	clock       session.Clock
	cfg         SessionServiceConfig
	log         *zap.Logger
}

func NewSessionService(
	db *pgxpool.Pool,
	sessionRepo *repository.SessionRepository,
	userRepo userReader,
	manager *lifecycle.Manager,
	clock session.Clock,
	cfg SessionServiceConfig,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		db:          db,
		sessionRepo: sessionRepo,
		userRepo:    userRepo,
		lifecycle:   manager,
		clock:       clock,
		cfg:         cfg,
		log:         logger,
	}
}

type StartSessionInput struct {
	Kind          session.Kind
	DoctorID      int64
	Modality      session.Modality
	AppointmentID *int64
}

// StartSession opens a session for the patient. The patient must hold
// quota for the modality, and a patient/doctor pair has at most one open
// session of a kind. Text sessions wait for the doctor; calls start ringing.
func (s *SessionService) StartSession(ctx context.Context, patientID int64, input StartSessionInput) (*session.Session, error) {
	if input.Kind == session.KindText {
		input.Modality = session.ModalityText
	}
	if !validStart(input) || patientID == input.DoctorID {
		return nil, ErrInvalidInput
	}

	doctor, err := s.userRepo.GetByID(ctx, input.DoctorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	if !doctor.IsDoctor() {
		return nil, ErrDoctorNotFound
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", patientID); err != nil {
		return nil, err
	}

	sub, err := repository.NewSubscriptionRepository(tx).GetActiveByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSubscription
		}
		return nil, err
	}
	quota := sub.Remaining(string(input.Modality))
	if quota < 1 {
		return nil, ErrInsufficientQuota
	}

	var appointments *repository.AppointmentRepository
	if input.AppointmentID != nil {
		appointments = repository.NewAppointmentRepository(tx)
		appointment, err := appointments.GetByIDForUpdate(ctx, *input.AppointmentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrAppointmentNotFound
			}
			return nil, err
		}
		if err := checkAppointmentLink(appointment, patientID, input); err != nil {
			return nil, err
		}
	}

	txSessionRepo := repository.NewSessionRepository(tx)
	open, err := txSessionRepo.HasOpenSession(ctx, input.Kind, patientID, input.DoctorID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrConflict
	}

	now := s.clock.Now()
	create := repository.CreateSessionInput{
		Kind:          input.Kind,
		PatientID:     patientID,
		DoctorID:      input.DoctorID,
		AppointmentID: input.AppointmentID,
		Modality:      input.Modality,
		QuotaSnapshot: quota,
	}
	if input.Kind == session.KindText {
		deadline := now.Add(s.cfg.DoctorResponseWindow)
		create.DoctorResponseDeadline = &deadline
	} else {
		create.StartedAt = &now
	}

	created, err := txSessionRepo.Create(ctx, create)
	if err != nil {
		return nil, err
	}

	if appointments != nil {
		err := appointments.AttachSession(ctx, repository.AttachSessionInput{
			AppointmentID: *input.AppointmentID,
			PatientID:     patientID,
			DoctorID:      input.DoctorID,
			Modality:      string(input.Modality),
			Kind:          string(input.Kind),
			SessionID:     created.ID,
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrAppointmentLinked
			}
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if input.Kind == session.KindText {
		if err := s.lifecycle.ScheduleExpiry(ctx, created); err != nil {
			s.log.Error("waiting expiry not scheduled",
				zap.Int64(logging.KeySessionID, created.ID),
				zap.Error(err),
			)
		}
	}
	s.lifecycle.Publish(ctx, "session.started", created)

	s.log.Info("session started",
		zap.Int64(logging.KeySessionID, created.ID),
		zap.String(logging.KeySessionKind, string(created.Kind)),
		zap.Int64(logging.KeyPatientID, patientID),
		zap.Int64(logging.KeyDoctorID, input.DoctorID),
		zap.Int("quota", quota),
	)
	return created, nil
}

// GetSession returns the session as of now, applying any overdue expiry or
// auto-end first.
func (s *SessionService) GetSession(ctx context.Context, actorID int64, kind session.Kind, sessionID int64) (*session.Session, error) {
	current, err := s.load(ctx, actorID, kind, sessionID)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.Refresh(ctx, current)
}

// ActivateTextSession records the doctor's first response and starts billing.
func (s *SessionService) ActivateTextSession(ctx context.Context, doctorID, sessionID int64) (*session.Session, error) {
	current, err := s.GetSession(ctx, doctorID, session.KindText, sessionID)
	if err != nil {
		return nil, err
	}
	if current.DoctorID != doctorID {
		return nil, ErrForbidden
	}
	if current.Status == session.StatusActive {
		return current, nil
	}

	activated, err := s.sessionRepo.Activate(ctx, sessionID, s.clock.Now())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.alreadyIn(ctx, session.KindText, sessionID, session.StatusActive)
		}
		return nil, err
	}

	if err := s.lifecycle.ScheduleBilling(ctx, activated); err != nil {
		// The overdue sweep still ends the session if these jobs never land.
		s.log.Error("session billing not scheduled",
			zap.Int64(logging.KeySessionID, activated.ID),
			zap.String(logging.KeySessionKind, string(session.KindText)),
			zap.Error(err),
		)
	}
	s.lifecycle.Publish(ctx, "session.activated", activated)
	return activated, nil
}

// AnswerCall records the answer time and queues the connection promotion.
func (s *SessionService) AnswerCall(ctx context.Context, doctorID, sessionID int64) (*session.Session, error) {
	current, err := s.load(ctx, doctorID, session.KindCall, sessionID)
	if err != nil {
		return nil, err
	}
	if current.DoctorID != doctorID {
		return nil, ErrForbidden
	}

	answered, err := s.sessionRepo.MarkAnswered(ctx, sessionID, s.clock.Now())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.alreadyIn(ctx, session.KindCall, sessionID, session.StatusAnswered, session.StatusConnected)
		}
		return nil, err
	}

	if err := s.lifecycle.SchedulePromotion(ctx, answered); err != nil {
		s.log.Error("call promotion not scheduled",
			zap.Int64(logging.KeySessionID, answered.ID),
			zap.Error(err),
		)
	}
	s.lifecycle.Publish(ctx, "session.answered", answered)
	return answered, nil
}

// DeclineSession is the doctor turning down a session before it starts.
func (s *SessionService) DeclineSession(ctx context.Context, doctorID int64, kind session.Kind, sessionID int64) (*session.Session, error) {
	current, err := s.GetSession(ctx, doctorID, kind, sessionID)
	if err != nil {
		return nil, err
	}
	if current.DoctorID != doctorID {
		return nil, ErrForbidden
	}
	return s.moveTo(ctx, current, session.StatusDeclined, "declined_by_doctor")
}

// FailCall records a call that could not be established. It is never billed.
func (s *SessionService) FailCall(ctx context.Context, actorID, sessionID int64, reason string) (*session.Session, error) {
	if _, err := s.load(ctx, actorID, session.KindCall, sessionID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "connection_failed"
	}
	failed, err := s.lifecycle.FailCall(ctx, sessionID, reason)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFailable) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}
	return failed, nil
}

// EndSession is the manual end by either participant.
func (s *SessionService) EndSession(ctx context.Context, actorID int64, kind session.Kind, sessionID int64) (*models.SessionEndResult, error) {
	if _, err := s.load(ctx, actorID, kind, sessionID); err != nil {
		return nil, err
	}
	result, err := s.lifecycle.EndSession(ctx, kind, sessionID, false, lifecycle.ReasonManualEnd)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotEndable) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}
	return result, nil
}

// CheckDoctorResponse tells a waiting patient whether the doctor has picked up.
func (s *SessionService) CheckDoctorResponse(ctx context.Context, patientID, sessionID int64) (*models.DoctorResponseStatus, error) {
	current, err := s.GetSession(ctx, patientID, session.KindText, sessionID)
	if err != nil {
		return nil, err
	}

	status := &models.DoctorResponseStatus{SessionID: current.ID, Status: string(current.Status)}
	switch current.Status {
	case session.StatusWaitingForDoctor:
		status.Status = "waiting"
		if current.DoctorResponseDeadline != nil {
			remaining := current.DoctorResponseDeadline.Sub(s.clock.Now())
			if remaining > 0 {
				status.RemainingSeconds = int(remaining.Round(time.Second) / time.Second)
			}
		}
		status.Message = "Waiting for the doctor to respond"
	case session.StatusActive:
		status.Message = "The doctor has joined the session"
	case session.StatusExpired:
		status.Message = "The doctor did not respond in time; no sessions were deducted"
	default:
		status.Message = fmt.Sprintf("Session is %s", current.Status)
	}
	return status, nil
}

func (s *SessionService) moveTo(ctx context.Context, current *session.Session, next session.Status, reason string) (*session.Session, error) {
	if !session.CanTransition(current.Kind, current.Status, next) {
		return nil, ErrInvalidStateTransition
	}
	updated, err := s.sessionRepo.UpdateStatusIfCurrent(ctx, current.Kind, current.ID, current.Status, next, reason, s.clock.Now())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}
	s.lifecycle.Publish(ctx, "session."+string(next), updated)
	return updated, nil
}

// alreadyIn resolves a lost compare-and-swap: the request is a repeat when
// the session already reached one of the wanted statuses.
func (s *SessionService) alreadyIn(ctx context.Context, kind session.Kind, sessionID int64, wanted ...session.Status) (*session.Session, error) {
	current, err := s.sessionRepo.GetByID(ctx, kind, sessionID)
	if err != nil {
		return nil, err
	}
	for _, status := range wanted {
		if current.Status == status {
			return current, nil
		}
	}
	return nil, ErrInvalidStateTransition
}

func (s *SessionService) load(ctx context.Context, actorID int64, kind session.Kind, sessionID int64) (*session.Session, error) {
	if !kind.Valid() {
		return nil, ErrInvalidInput
	}
	current, err := s.sessionRepo.GetByID(ctx, kind, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if !current.HasParticipant(actorID) {
		return nil, ErrForbidden
	}
	return current, nil
}

// checkAppointmentLink decides whether a new session may take over billing
// for the appointment. Only the appointment's own patient may link it, with
// its doctor and consultation type, while it is still open and unlinked.
func checkAppointmentLink(appointment *models.Appointment, patientID int64, input StartSessionInput) error {
	if appointment.PatientID != patientID {
		return ErrForbidden
	}
	if appointment.DoctorID != input.DoctorID || appointment.AppointmentType != string(input.Modality) {
		return fmt.Errorf("%w: appointment is for a different doctor or consultation type", ErrInvalidInput)
	}
	if appointment.SessionID != nil {
		return ErrAppointmentLinked
	}
	switch appointment.Status {
	case models.AppointmentStatusCompleted, models.AppointmentStatusCancelled:
		return ErrAppointmentLinked
	}
	return nil
}

func validStart(input StartSessionInput) bool {
	if input.DoctorID <= 0 {
		return false
	}
	switch input.Kind {
	case session.KindText:
		return input.Modality == session.ModalityText
	case session.KindCall:
		return input.Modality == session.ModalityVoice || input.Modality == session.ModalityVideo
	default:
		return false
	}
}
