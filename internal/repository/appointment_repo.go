package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/models"
)

const appointmentColumns = `id, patient_id, doctor_id, appointment_type, status, session_id, session_kind,
	scheduled_at, completed_at, created_at, updated_at`

type AppointmentRepository struct {
	db DBTX
}

func NewAppointmentRepository(db DBTX) *AppointmentRepository {
	return &AppointmentRepository{db: db}
}

func scanAppointment(row pgx.Row) (*models.Appointment, error) {
	var appointment models.Appointment
	err := row.Scan(
		&appointment.ID,
		&appointment.PatientID,
		&appointment.DoctorID,
		&appointment.AppointmentType,
		&appointment.Status,
		&appointment.SessionID,
		&appointment.SessionKind,
		&appointment.ScheduledAt,
		&appointment.CompletedAt,
		&appointment.CreatedAt,
		&appointment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &appointment, nil
}

func (r *AppointmentRepository) GetByID(ctx context.Context, appointmentID int64) (*models.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	return scanAppointment(r.db.QueryRow(ctx, query, appointmentID))
}

// GetByIDForUpdate locks the appointment row until the transaction ends, so
// linking a session and the legacy end never interleave.
func (r *AppointmentRepository) GetByIDForUpdate(ctx context.Context, appointmentID int64) (*models.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1 FOR UPDATE`
	return scanAppointment(r.db.QueryRow(ctx, query, appointmentID))
}

type AttachSessionInput struct {
	AppointmentID int64
	PatientID     int64
	DoctorID      int64
	Modality      string
	Kind          string
	SessionID     int64
}

// AttachSession links an open appointment of the same patient, doctor and
// modality to the session that now bills it. It reports pgx.ErrNoRows when
// no such appointment is free to link.
func (r *AppointmentRepository) AttachSession(ctx context.Context, input AttachSessionInput) error {
	query := `
		UPDATE appointments
		SET session_id = $2, session_kind = $3, status = 'in_progress', updated_at = NOW()
		WHERE id = $1
		  AND session_id IS NULL
		  AND status NOT IN ('completed', 'cancelled')
		  AND patient_id = $4
		  AND doctor_id = $5
		  AND appointment_type = $6
	`
	tag, err := r.db.Exec(ctx, query,
		input.AppointmentID,
		input.SessionID,
		input.Kind,
		input.PatientID,
		input.DoctorID,
		input.Modality,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *AppointmentRepository) UpdateStatusIfCurrent(
	ctx context.Context,
	appointmentID int64,
	currentStatus string,
	nextStatus string,
) (*models.Appointment, error) {
	query := `
		UPDATE appointments
		SET status = $3,
		    completed_at = CASE WHEN $3 = 'completed' THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + appointmentColumns
	return scanAppointment(r.db.QueryRow(ctx, query, appointmentID, currentStatus, nextStatus))
}
