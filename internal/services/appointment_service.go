package services

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/billing"
	"github.com/saeid-a/DocAvailableBack/internal/lifecycle"
	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"go.uber.org/zap"
)

var ErrAppointmentNotFound = errors.New("appointment not found")

const EndpointAppointmentEnd = "appointments.end"

type AppointmentService struct {
	tx              *repository.Transactor
	appointmentRepo *repository.AppointmentRepository
	sessionRepo     *repository.SessionRepository
	engine          *billing.Engine
	lifecycle       *lifecycle.Manager
	log             *zap.Logger
}

func NewAppointmentService(
	tx *repository.Transactor,
	appointmentRepo *repository.AppointmentRepository,
	sessionRepo *repository.SessionRepository,
	engine *billing.Engine,
	manager *lifecycle.Manager,
	logger *zap.Logger,
) *AppointmentService {
	return &AppointmentService{
		tx:              tx,
		appointmentRepo: appointmentRepo,
		sessionRepo:     sessionRepo,
		engine:          engine,
		lifecycle:       manager,
		log:             logger,
	}
}

// EndAppointment is the legacy end: one unit billed off the appointment
// itself. Appointments that carry a session are refused by the guardrail
// when it is enforced. Repeating the call never bills twice.
//
// The appointment row stays locked from the guardrail check until the
// status is written, so a session cannot be linked in between.
func (s *AppointmentService) EndAppointment(ctx context.Context, actorID, appointmentID int64) (*models.Appointment, error) {
	var (
		ended     *models.Appointment
		completed bool
	)
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		appointments := repository.NewAppointmentRepository(tx)
		appointment, err := appointments.GetByIDForUpdate(ctx, appointmentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAppointmentNotFound
			}
			return err
		}
		if appointment.PatientID != actorID && appointment.DoctorID != actorID {
			return ErrForbidden
		}
		if appointment.Status == models.AppointmentStatusCancelled {
			return ErrInvalidStateTransition
		}

		engine := s.engine.WithLedger(repository.NewTxLedger(tx))
		if err := engine.ProcessAppointmentEnd(ctx, appointment, EndpointAppointmentEnd); err != nil {
			return err
		}

		if appointment.Status == models.AppointmentStatusCompleted {
			ended = appointment
			return nil
		}
		ended, err = appointments.UpdateStatusIfCurrent(ctx, appointment.ID, appointment.Status, models.AppointmentStatusCompleted)
		completed = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}

	if completed {
		s.log.Info("appointment completed",
			zap.Int64(logging.KeyAppointmentID, ended.ID),
			zap.String("billing_source", billing.SourceName(billing.SourceFor(ended))),
		)
	}
	return ended, nil
}

// GetSessionStatus reports which session, if any, bills the appointment.
func (s *AppointmentService) GetSessionStatus(ctx context.Context, actorID, appointmentID int64) (*models.AppointmentSessionStatus, error) {
	appointment, err := s.load(ctx, actorID, appointmentID)
	if err != nil {
		return nil, err
	}

	source := billing.SourceFor(appointment)
	status := &models.AppointmentSessionStatus{
		AppointmentID: appointment.ID,
		BillingSource: billing.SourceName(source),
	}

	backed, ok := source.(billing.SessionBacked)
	if !ok {
		return status, nil
	}

	current, err := s.sessionRepo.GetByID(ctx, backed.Kind, backed.SessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return status, nil
		}
		return nil, err
	}
	current, err = s.lifecycle.Refresh(ctx, current)
	if err != nil {
		return nil, err
	}

	kind := string(current.Kind)
	st := string(current.Status)
	status.HasSession = true
	status.SessionID = &current.ID
	status.SessionKind = &kind
	status.SessionStatus = &st
	return status, nil
}

func (s *AppointmentService) load(ctx context.Context, actorID, appointmentID int64) (*models.Appointment, error) {
	appointment, err := s.appointmentRepo.GetByID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	if appointment.PatientID != actorID && appointment.DoctorID != actorID {
		return nil, ErrForbidden
	}
	return appointment, nil
}
