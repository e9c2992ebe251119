package services

import (
	"errors"
	"testing"

	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/session"
)

func TestCheckAppointmentLink(t *testing.T) {
	linked := int64(31)
	appointmentID := int64(14)
	input := StartSessionInput{
		Kind:          session.KindCall,
		DoctorID:      9,
		Modality:      session.ModalityVoice,
		AppointmentID: &appointmentID,
	}

	tests := []struct {
		name    string
		modify  func(a *models.Appointment)
		wantErr error
	}{
		{name: "open appointment"},
		{name: "in progress without session", modify: func(a *models.Appointment) { a.Status = models.AppointmentStatusInProgress }},
		{name: "another patient", modify: func(a *models.Appointment) { a.PatientID = 8 }, wantErr: ErrForbidden},
		{name: "another doctor", modify: func(a *models.Appointment) { a.DoctorID = 10 }, wantErr: ErrInvalidInput},
		{name: "other consultation type", modify: func(a *models.Appointment) { a.AppointmentType = "video" }, wantErr: ErrInvalidInput},
		{name: "completed by legacy end", modify: func(a *models.Appointment) { a.Status = models.AppointmentStatusCompleted }, wantErr: ErrAppointmentLinked},
		{name: "cancelled", modify: func(a *models.Appointment) { a.Status = models.AppointmentStatusCancelled }, wantErr: ErrAppointmentLinked},
		{name: "already linked", modify: func(a *models.Appointment) { a.SessionID = &linked }, wantErr: ErrAppointmentLinked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appointment := &models.Appointment{
				ID:              appointmentID,
				PatientID:       7,
				DoctorID:        9,
				AppointmentType: "voice",
				Status:          models.AppointmentStatusConfirmed,
			}
			if tt.modify != nil {
				tt.modify(appointment)
			}

			err := checkAppointmentLink(appointment, 7, input)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected link to be allowed, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAppointmentLinkedIsAConflict(t *testing.T) {
	if !errors.Is(ErrAppointmentLinked, ErrConflict) {
		t.Fatal("expected ErrAppointmentLinked to match ErrConflict")
	}
}
