package models

import "time"

const (
	AppointmentStatusConfirmed  = "confirmed"
	AppointmentStatusInProgress = "in_progress"
	AppointmentStatusCompleted  = "completed"
	AppointmentStatusCancelled  = "cancelled"
)

type Appointment struct {
	ID              int64      `json:"id"`
	PatientID       int64      `json:"patient_id"`
	DoctorID        int64      `json:"doctor_id"`
	AppointmentType string     `json:"appointment_type"`
	Status          string     `json:"status"`
	SessionID       *int64     `json:"session_id,omitempty"`
	SessionKind     *string    `json:"session_kind,omitempty"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
