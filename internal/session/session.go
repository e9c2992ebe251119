// Package session holds the billing-relevant state of a live consultation and
// the pure rules that derive elapsed time, billable units and status moves
// from it. Nothing in this package performs I/O.
package session

import (
	"errors"
	"time"
)

type Kind string

const (
	KindText Kind = "text"
	KindCall Kind = "call"
)

func (k Kind) Valid() bool {
	return k == KindText || k == KindCall
}

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
	ModalityVideo Modality = "video"
)

type Status string

const (
	StatusWaitingForDoctor Status = "waiting_for_doctor"
	StatusPending          Status = "pending"
	StatusActive           Status = "active"
	StatusAnswered         Status = "answered"
	StatusConnected        Status = "connected"
	StatusEnded            Status = "ended"
	StatusExpired          Status = "expired"
	StatusDeclined         Status = "declined"
	StatusFailed           Status = "failed"
)

// UnitMinutes is the length of one billable unit.
const UnitMinutes = 10

const UnitInterval = UnitMinutes * time.Minute

var ErrInvalidTransition = errors.New("invalid session transition")

type Session struct {
	ID            int64    `json:"id"`
	Kind          Kind     `json:"kind"`
	Modality      Modality `json:"modality"`
	PatientID     int64    `json:"patient_id"`
	DoctorID      int64    `json:"doctor_id"`
	AppointmentID *int64   `json:"appointment_id,omitempty"`
	Status        Status   `json:"status"`
	Reason        *string  `json:"reason,omitempty"`

	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	StartedAt              *time.Time `json:"started_at,omitempty"`
	LastActivityAt         *time.Time `json:"last_activity_at,omitempty"`
	AnsweredAt             *time.Time `json:"answered_at,omitempty"`
	ConnectedAt            *time.Time `json:"connected_at,omitempty"`
	EndedAt                *time.Time `json:"ended_at,omitempty"`
	DoctorResponseDeadline *time.Time `json:"doctor_response_deadline,omitempty"`

	SessionsRemainingBeforeStart int  `json:"sessions_remaining_before_start"`
	SessionsUsed                 int  `json:"sessions_used"`
	AutoDeductionsProcessed      int  `json:"auto_deductions_processed"`
	ManualDeductionApplied       bool `json:"manual_deduction_applied"`
}

// BillingActiveStatus is the status in which a session of the given kind accrues billable time.
func BillingActiveStatus(kind Kind) Status {
	if kind == KindCall {
		return StatusConnected
	}
	return StatusActive
}

func (s *Session) IsBillingActive() bool {
	return s.Status == BillingActiveStatus(s.Kind)
}

// BillingAnchor is the instant billable time is measured from: the activation
// time for text sessions and the connection time for calls.
func (s *Session) BillingAnchor() *time.Time {
	if s.Kind == KindCall {
		return s.ConnectedAt
	}
	return s.StartedAt
}

func (s *Session) IsTerminal() bool {
	return IsTerminal(s.Status)
}

func IsTerminal(status Status) bool {
	switch status {
	case StatusEnded, StatusExpired, StatusDeclined, StatusFailed:
		return true
	default:
		return false
	}
}

// QuotaDeadline is when the pre-purchased quota is fully consumed.
func (s *Session) QuotaDeadline() (time.Time, bool) {
	anchor := s.BillingAnchor()
	if anchor == nil {
		return time.Time{}, false
	}
	return anchor.Add(time.Duration(s.SessionsRemainingBeforeStart) * UnitInterval), true
}

func (s *Session) HasParticipant(userID int64) bool {
	return s.PatientID == userID || s.DoctorID == userID
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.AppointmentID = clonePtr(s.AppointmentID)
	c.Reason = clonePtr(s.Reason)
	c.StartedAt = clonePtr(s.StartedAt)
	c.LastActivityAt = clonePtr(s.LastActivityAt)
	c.AnsweredAt = clonePtr(s.AnsweredAt)
	c.ConnectedAt = clonePtr(s.ConnectedAt)
	c.EndedAt = clonePtr(s.EndedAt)
	c.DoctorResponseDeadline = clonePtr(s.DoctorResponseDeadline)
	return &c
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
