package billing

import (
	"context"
	"strconv"

	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/metrics"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

// Source says which billing path owns a consultation.
type Source interface {
	isSource()
}

// LegacyAppointment is billed directly off the appointment record.
type LegacyAppointment struct {
	AppointmentID int64
}

// SessionBacked is billed by its session's lifecycle.
type SessionBacked struct {
	AppointmentID int64
	Kind          session.Kind
	SessionID     int64
}

func (LegacyAppointment) isSource() {}
func (SessionBacked) isSource()     {}

func SourceFor(appointment *models.Appointment) Source {
	if appointment.SessionID == nil {
		return LegacyAppointment{AppointmentID: appointment.ID}
	}
	kind := session.KindText
	if appointment.SessionKind != nil {
		kind = session.Kind(*appointment.SessionKind)
	}
	return SessionBacked{
		AppointmentID: appointment.ID,
		Kind:          kind,
		SessionID:     *appointment.SessionID,
	}
}

func SourceName(source Source) string {
	switch source.(type) {
	case SessionBacked:
		return "session"
	default:
		return "appointment"
	}
}

// Guardrail stands in front of legacy billing entry points.
type Guardrail struct {
	enforce bool
	log     *zap.Logger
}

func NewGuardrail(enforce bool, logger *zap.Logger) *Guardrail {
	return &Guardrail{enforce: enforce, log: logger}
}

func (g *Guardrail) Enforced() bool {
	return g.enforce
}

// Check lets LegacyAppointment through. A session-backed appointment is
// always logged; it is rejected only while enforcement is on.
func (g *Guardrail) Check(_ context.Context, appointment *models.Appointment, endpoint string) error {
	switch src := SourceFor(appointment).(type) {
	case LegacyAppointment:
		return nil
	case SessionBacked:
		g.log.Warn("legacy billing called on session-backed appointment",
			zap.Int64(logging.KeyAppointmentID, src.AppointmentID),
			zap.Int64(logging.KeySessionID, src.SessionID),
			zap.String(logging.KeySessionKind, string(src.Kind)),
			zap.String(logging.KeyEndpoint, endpoint),
			zap.Bool("enforced", g.enforce),
		)
		metrics.GuardrailHits.WithLabelValues(endpoint, strconv.FormatBool(g.enforce)).Inc()
		if g.enforce {
			return &GuardrailError{
				Code:          CodeSessionBillingRequired,
				AppointmentID: src.AppointmentID,
				SessionID:     src.SessionID,
				Endpoint:      endpoint,
			}
		}
		return nil
	default:
		return nil
	}
}
