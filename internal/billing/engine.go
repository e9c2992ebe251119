package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/metrics"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

const SessionTypeAppointment = "appointment"

type Ledger interface {
	ApplyUnit(ctx context.Context, unit repository.LedgerUnit) (bool, error)
	CountSessionUnits(ctx context.Context, sessionType string, sessionID int64) (int, error)
}

type UsageRecorder interface {
	SetSessionsUsed(ctx context.Context, kind session.Kind, sessionID int64, used int) error
}

type DoctorDirectory interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// Engine is the only writer of the ledger. Every unit carries a key unique
// per session, so calling any method again never charges twice.
type Engine struct {
	ledger    Ledger
	usage     UsageRecorder
	doctors   DoctorDirectory
	guardrail *Guardrail
	rates     RateTable
	clock     session.Clock
	log       *zap.Logger
}

func NewEngine(
	ledger Ledger,
	usage UsageRecorder,
	doctors DoctorDirectory,
	guardrail *Guardrail,
	clock session.Clock,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		ledger:    ledger,
		usage:     usage,
		doctors:   doctors,
		guardrail: guardrail,
		rates:     DefaultRates,
		clock:     clock,
		log:       logger,
	}
}

// WithLedger returns a copy of the engine that bills through the given ledger.
func (e *Engine) WithLedger(ledger Ledger) *Engine {
	clone := *e
	clone.ledger = ledger
	return &clone
}

func AutoUnitKey(n int) string {
	return "auto:" + strconv.Itoa(n)
}

const (
	ManualUnitKey      = "manual"
	AppointmentUnitKey = "appointment"
)

// ProcessAutoDeduction bills interval unit n of a running session.
func (e *Engine) ProcessAutoDeduction(ctx context.Context, s *session.Session, n int) error {
	price, err := e.priceFor(ctx, s.DoctorID, s.Modality)
	if err != nil {
		return err
	}

	applied, err := e.ledger.ApplyUnit(ctx, e.sessionUnit(s, AutoUnitKey(n), price, "auto"))
	if err != nil {
		if errors.Is(err, ErrInsufficientQuota) {
			metrics.QuotaShortfalls.WithLabelValues(string(s.Kind)).Inc()
			e.log.Warn("auto deduction refused: patient quota exhausted",
				zap.Int64(logging.KeySessionID, s.ID),
				zap.String(logging.KeySessionKind, string(s.Kind)),
				zap.String(logging.KeyUnitKey, AutoUnitKey(n)),
			)
		}
		return fmt.Errorf("auto deduction %d for %s session %d: %w", n, s.Kind, s.ID, err)
	}
	if applied {
		metrics.BilledUnits.WithLabelValues(string(s.Kind), "auto").Inc()
	}

	e.log.Info("auto deduction billed",
		zap.Int64(logging.KeySessionID, s.ID),
		zap.String(logging.KeySessionKind, string(s.Kind)),
		zap.String(logging.KeyUnitKey, AutoUnitKey(n)),
		zap.Bool("applied", applied),
		zap.Stringer("amount", price),
	)
	return nil
}

// ProcessSessionEnd bills every unit of an ended session that is not on the
// ledger yet: the interval units plus, for a manual end, one more. It then
// aligns sessions_used with the units actually charged and returns that count.
func (e *Engine) ProcessSessionEnd(ctx context.Context, s *session.Session, isAutoEnd bool) (int, error) {
	if s.Status != session.StatusEnded || s.EndedAt == nil {
		return 0, fmt.Errorf("%w: %s session %d is %s", ErrSessionNotEnded, s.Kind, s.ID, s.Status)
	}

	autoUnits, manual := s.EndUnits(isAutoEnd, e.clock.Now())
	keys := make([]string, 0, autoUnits+1)
	for n := 1; n <= autoUnits; n++ {
		keys = append(keys, AutoUnitKey(n))
	}
	if manual {
		keys = append(keys, ManualUnitKey)
	}

	if len(keys) > 0 {
		price, err := e.priceFor(ctx, s.DoctorID, s.Modality)
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			trigger := "end"
			if key == ManualUnitKey {
				trigger = "manual"
			}
			applied, err := e.ledger.ApplyUnit(ctx, e.sessionUnit(s, key, price, trigger))
			if errors.Is(err, ErrInsufficientQuota) {
				metrics.QuotaShortfalls.WithLabelValues(string(s.Kind)).Inc()
				e.log.Warn("session end billing stopped: patient quota exhausted",
					zap.Int64(logging.KeySessionID, s.ID),
					zap.String(logging.KeySessionKind, string(s.Kind)),
					zap.String(logging.KeyUnitKey, key),
				)
				break
			}
			if err != nil {
				return 0, fmt.Errorf("end billing %s for %s session %d: %w", key, s.Kind, s.ID, err)
			}
			if applied {
				metrics.BilledUnits.WithLabelValues(string(s.Kind), trigger).Inc()
			}
		}
	}

	charged, err := e.ledger.CountSessionUnits(ctx, string(s.Kind), s.ID)
	if err != nil {
		return 0, err
	}
	if charged != s.SessionsUsed {
		if err := e.usage.SetSessionsUsed(ctx, s.Kind, s.ID, charged); err != nil {
			return charged, err
		}
	}

	e.log.Info("session end billed",
		zap.Int64(logging.KeySessionID, s.ID),
		zap.String(logging.KeySessionKind, string(s.Kind)),
		zap.Bool("auto_end", isAutoEnd),
		zap.Int("auto_units", autoUnits),
		zap.Bool("manual_unit", manual),
		zap.Int("sessions_charged", charged),
	)
	return charged, nil
}

// ProcessAppointmentEnd is the legacy path: one unit billed off the
// appointment itself, behind the guardrail.
func (e *Engine) ProcessAppointmentEnd(ctx context.Context, appointment *models.Appointment, endpoint string) error {
	if err := e.guardrail.Check(ctx, appointment, endpoint); err != nil {
		return err
	}

	modality := session.Modality(appointment.AppointmentType)
	price, err := e.priceFor(ctx, appointment.DoctorID, modality)
	if err != nil {
		return err
	}

	applied, err := e.ledger.ApplyUnit(ctx, repository.LedgerUnit{
		DoctorID:    appointment.DoctorID,
		PatientID:   appointment.PatientID,
		SessionType: SessionTypeAppointment,
		SessionID:   appointment.ID,
		UnitKey:     AppointmentUnitKey,
		Modality:    string(modality),
		Amount:      price.Amount,
		Currency:    price.Currency,
		Description: fmt.Sprintf("Payment for %s appointment #%d", modality, appointment.ID),
		Metadata: map[string]any{
			"appointment_id": appointment.ID,
			"patient_id":     appointment.PatientID,
			"billing_source": SourceName(SourceFor(appointment)),
		},
	})
	if err != nil {
		return fmt.Errorf("appointment billing %d: %w", appointment.ID, err)
	}
	if applied {
		metrics.BilledUnits.WithLabelValues(SessionTypeAppointment, "appointment").Inc()
	}
	e.log.Info("appointment end billed",
		zap.Int64(logging.KeyAppointmentID, appointment.ID),
		zap.Bool("applied", applied),
	)
	return nil
}

func (e *Engine) priceFor(ctx context.Context, doctorID int64, modality session.Modality) (Money, error) {
	doctor, err := e.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return Money{}, fmt.Errorf("load doctor %d: %w", doctorID, err)
	}
	return e.rates.Price(CurrencyForCountry(doctor.Country), modality)
}

func (e *Engine) sessionUnit(s *session.Session, key string, price Money, trigger string) repository.LedgerUnit {
	return repository.LedgerUnit{
		DoctorID:    s.DoctorID,
		PatientID:   s.PatientID,
		SessionType: string(s.Kind),
		SessionID:   s.ID,
		UnitKey:     key,
		Modality:    string(s.Modality),
		Amount:      price.Amount,
		Currency:    price.Currency,
		Description: fmt.Sprintf("Payment for %s session #%d (%s)", s.Modality, s.ID, key),
		Metadata: map[string]any{
			"patient_id": s.PatientID,
			"trigger":    trigger,
		},
	}
}
