package models

import "time"

// DoctorResponseStatus is returned while a patient waits for the doctor to pick up a text session.
type DoctorResponseStatus struct {
	SessionID        int64  `json:"session_id"`
	Status           string `json:"status"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Message          string `json:"message,omitempty"`
}

type AppointmentSessionStatus struct {
	AppointmentID int64   `json:"appointment_id"`
	HasSession    bool    `json:"has_session"`
	SessionID     *int64  `json:"session_id,omitempty"`
	SessionKind   *string `json:"session_kind,omitempty"`
	SessionStatus *string `json:"session_status,omitempty"`
	BillingSource string  `json:"billing_source"`
}

// SessionEvent is published on every lifecycle transition and relayed to the session participants.
type SessionEvent struct {
	Type        string    `json:"type"`
	SessionID   int64     `json:"session_id"`
	SessionKind string    `json:"session_kind"`
	Status      string    `json:"status"`
	PatientID   int64     `json:"patient_id"`
	DoctorID    int64     `json:"doctor_id"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

type SessionEndResult struct {
	SessionID       int64  `json:"session_id"`
	Status          string `json:"status"`
	ElapsedMinutes  int    `json:"elapsed_minutes"`
	SessionsCharged int    `json:"sessions_charged"`
	AutoEnded       bool   `json:"auto_ended"`
}
