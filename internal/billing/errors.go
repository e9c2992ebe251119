package billing

import (
	"errors"
	"fmt"

	"github.com/saeid-a/DocAvailableBack/internal/repository"
)

// CodeSessionBillingRequired is the machine-readable code returned when legacy
// billing is refused for a session-backed appointment.
const CodeSessionBillingRequired = "SESSION_BILLING_REQUIRED"

var (
	ErrInsufficientQuota      = repository.ErrInsufficientQuota
	ErrUnknownRate            = errors.New("no rate for unit")
	ErrSessionNotEnded        = errors.New("session has not ended")
	ErrSessionBillingRequired = errors.New("appointment is billed through its session")
)

// GuardrailError is the structured rejection of a legacy billing call.
type GuardrailError struct {
	Code          string
	AppointmentID int64
	SessionID     int64
	Endpoint      string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("%s: appointment %d is owned by session %d", e.Code, e.AppointmentID, e.SessionID)
}

func (e *GuardrailError) Unwrap() error {
	return ErrSessionBillingRequired
}
