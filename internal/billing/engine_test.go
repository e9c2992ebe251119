package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memoryLedger struct {
	mu      sync.Mutex
	units   map[string]repository.LedgerUnit
	order   []string
	quota   map[int64]int
	balance map[int64]int64
}

func newMemoryLedger(patientID int64, quota int) *memoryLedger {
	return &memoryLedger{
		units:   make(map[string]repository.LedgerUnit),
		quota:   map[int64]int{patientID: quota},
		balance: make(map[int64]int64),
	}
}

func ledgerKey(sessionType string, sessionID int64, unitKey string) string {
	return fmt.Sprintf("%s|%d|%s", sessionType, sessionID, unitKey)
}

func (l *memoryLedger) ApplyUnit(_ context.Context, unit repository.LedgerUnit) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey(unit.SessionType, unit.SessionID, unit.UnitKey)
	if _, exists := l.units[key]; exists {
		return false, nil
	}
	if l.quota[unit.PatientID] < 1 {
		return false, repository.ErrInsufficientQuota
	}
	l.quota[unit.PatientID]--
	l.balance[unit.DoctorID] += unit.Amount
	l.units[key] = unit
	l.order = append(l.order, unit.UnitKey)
	return true, nil
}

func (l *memoryLedger) CountSessionUnits(_ context.Context, sessionType string, sessionID int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, unit := range l.units {
		if unit.SessionType == sessionType && unit.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (l *memoryLedger) total(doctorID int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance[doctorID]
}

type recordedUsage struct {
	used map[int64]int
}

func (r *recordedUsage) SetSessionsUsed(_ context.Context, _ session.Kind, sessionID int64, used int) error {
	if r.used == nil {
		r.used = make(map[int64]int)
	}
	r.used[sessionID] = used
	return nil
}

type stubDoctors struct {
	country string
}

func (d stubDoctors) GetByID(_ context.Context, id int64) (*models.User, error) {
	return &models.User{ID: id, Role: models.RoleDoctor, Country: d.country}, nil
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 5, 4, hour, minute, 0, 0, time.UTC)
}

func endedTextSession(start, end time.Time, quota int) *session.Session {
	return &session.Session{
		ID:                           42,
		Kind:                         session.KindText,
		Modality:                     session.ModalityText,
		PatientID:                    7,
		DoctorID:                     9,
		Status:                       session.StatusEnded,
		StartedAt:                    &start,
		EndedAt:                      &end,
		SessionsRemainingBeforeStart: quota,
	}
}

func newTestEngine(ledger *memoryLedger, usage *recordedUsage, enforce bool, logger *zap.Logger) *Engine {
	return NewEngine(
		ledger,
		usage,
		stubDoctors{country: "Malawi"},
		NewGuardrail(enforce, logger),
		session.FixedClock(at(12, 0)),
		logger,
	)
}

func TestProcessAutoDeductionChargesOncePerUnit(t *testing.T) {
	ledger := newMemoryLedger(7, 5)
	engine := newTestEngine(ledger, &recordedUsage{}, false, zap.NewNop())
	s := endedTextSession(at(10, 0), at(10, 23), 5)
	s.Status = session.StatusActive
	s.EndedAt = nil

	for i := 0; i < 2; i++ {
		if err := engine.ProcessAutoDeduction(context.Background(), s, 1); err != nil {
			t.Fatalf("ProcessAutoDeduction: %v", err)
		}
	}

	if got := ledger.total(9); got != 400000 {
		t.Fatalf("expected one MWK 4000 unit, got %d", got)
	}
	if ledger.quota[7] != 4 {
		t.Fatalf("expected one quota unit consumed, got %d left", ledger.quota[7])
	}
}

func TestProcessSessionEndManualExample(t *testing.T) {
	ledger := newMemoryLedger(7, 5)
	usage := &recordedUsage{}
	engine := newTestEngine(ledger, usage, false, zap.NewNop())
	ctx := context.Background()

	running := endedTextSession(at(10, 0), at(10, 23), 5)
	running.Status = session.StatusActive
	running.EndedAt = nil
	for n := 1; n <= 2; n++ {
		if err := engine.ProcessAutoDeduction(ctx, running, n); err != nil {
			t.Fatalf("auto deduction %d: %v", n, err)
		}
	}

	ended := endedTextSession(at(10, 0), at(10, 23), 5)
	ended.AutoDeductionsProcessed = 2
	ended.ManualDeductionApplied = true
	ended.SessionsUsed = 3

	charged, err := engine.ProcessSessionEnd(ctx, ended, false)
	if err != nil {
		t.Fatalf("ProcessSessionEnd: %v", err)
	}
	if charged != 3 {
		t.Fatalf("expected 3 units charged, got %d", charged)
	}
	if want := int64(3) * 400000; ledger.total(9) != want {
		t.Fatalf("expected ledger total %d, got %d", want, ledger.total(9))
	}
	if want := ended.SessionsToDeduct(true, at(12, 0)); charged != want {
		t.Fatalf("expected charged units to equal SessionsToDeduct=%d", want)
	}
	if _, touched := usage.used[42]; touched {
		t.Fatalf("expected sessions_used untouched when already aligned, got %v", usage.used)
	}

	again, err := engine.ProcessSessionEnd(ctx, ended, false)
	if err != nil || again != 3 || ledger.total(9) != 3*400000 {
		t.Fatalf("expected re-run to be a no-op, got charged=%d total=%d err=%v", again, ledger.total(9), err)
	}
}

func TestProcessSessionEndBillsUnitsMissedByJobs(t *testing.T) {
	ledger := newMemoryLedger(7, 5)
	usage := &recordedUsage{}
	engine := newTestEngine(ledger, usage, false, zap.NewNop())

	ended := endedTextSession(at(10, 0), at(10, 31), 5)

	charged, err := engine.ProcessSessionEnd(context.Background(), ended, true)
	if err != nil {
		t.Fatalf("ProcessSessionEnd: %v", err)
	}
	if charged != 3 {
		t.Fatalf("expected 3 interval units and no manual unit, got %d", charged)
	}
	if usage.used[42] != 3 {
		t.Fatalf("expected sessions_used aligned to 3, got %d", usage.used[42])
	}
	for _, key := range ledger.order {
		if key == ManualUnitKey {
			t.Fatal("auto end must not add a manual unit")
		}
	}
}

func TestProcessSessionEndStopsOnQuotaShortfall(t *testing.T) {
	ledger := newMemoryLedger(7, 1)
	usage := &recordedUsage{}
	engine := newTestEngine(ledger, usage, false, zap.NewNop())

	ended := endedTextSession(at(10, 0), at(10, 25), 5)
	ended.SessionsUsed = 3

	charged, err := engine.ProcessSessionEnd(context.Background(), ended, false)
	if err != nil {
		t.Fatalf("ProcessSessionEnd: %v", err)
	}
	if charged != 1 || usage.used[42] != 1 {
		t.Fatalf("expected one charged unit and sessions_used=1, got charged=%d used=%d", charged, usage.used[42])
	}
}

func TestProcessSessionEndRejectsOpenSession(t *testing.T) {
	engine := newTestEngine(newMemoryLedger(7, 5), &recordedUsage{}, false, zap.NewNop())
	open := endedTextSession(at(10, 0), at(10, 5), 5)
	open.Status = session.StatusActive
	open.EndedAt = nil

	if _, err := engine.ProcessSessionEnd(context.Background(), open, false); !errors.Is(err, ErrSessionNotEnded) {
		t.Fatalf("expected ErrSessionNotEnded, got %v", err)
	}
}

func TestProcessSessionEndWithoutAnchorChargesNothing(t *testing.T) {
	ledger := newMemoryLedger(7, 5)
	engine := newTestEngine(ledger, &recordedUsage{}, false, zap.NewNop())
	ended := at(10, 2)
	missed := &session.Session{
		ID:                           5,
		Kind:                         session.KindCall,
		Modality:                     session.ModalityVoice,
		PatientID:                    7,
		DoctorID:                     9,
		Status:                       session.StatusEnded,
		EndedAt:                      &ended,
		SessionsRemainingBeforeStart: 3,
	}

	charged, err := engine.ProcessSessionEnd(context.Background(), missed, false)
	if err != nil || charged != 0 {
		t.Fatalf("expected unanswered call to be free, got charged=%d err=%v", charged, err)
	}
}

func TestGuardrailRejectsSessionBackedAppointmentWhenEnforced(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)
	ledger := newMemoryLedger(7, 5)
	engine := newTestEngine(ledger, &recordedUsage{}, true, logger)

	sessionID := int64(88)
	kind := "text"
	appointment := &models.Appointment{
		ID:              31,
		PatientID:       7,
		DoctorID:        9,
		AppointmentType: "text",
		SessionID:       &sessionID,
		SessionKind:     &kind,
	}

	err := engine.ProcessAppointmentEnd(context.Background(), appointment, "appointments.end")
	var guardErr *GuardrailError
	if !errors.As(err, &guardErr) {
		t.Fatalf("expected GuardrailError, got %v", err)
	}
	if guardErr.Code != CodeSessionBillingRequired {
		t.Fatalf("expected code %s, got %s", CodeSessionBillingRequired, guardErr.Code)
	}
	if !errors.Is(err, ErrSessionBillingRequired) {
		t.Fatal("expected error to unwrap to ErrSessionBillingRequired")
	}
	if ledger.total(9) != 0 {
		t.Fatal("expected no ledger transaction")
	}

	entries := logs.FilterMessage("legacy billing called on session-backed appointment").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["appointment_id"] != int64(31) || fields["session_id"] != int64(88) {
		t.Fatalf("expected appointment and session ids in warning, got %v", fields)
	}
}

func TestGuardrailWarnsButAllowsWhenNotEnforced(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ledger := newMemoryLedger(7, 5)
	engine := newTestEngine(ledger, &recordedUsage{}, false, zap.New(core))

	sessionID := int64(88)
	appointment := &models.Appointment{ID: 31, PatientID: 7, DoctorID: 9, AppointmentType: "video", SessionID: &sessionID}

	if err := engine.ProcessAppointmentEnd(context.Background(), appointment, "appointments.end"); err != nil {
		t.Fatalf("ProcessAppointmentEnd: %v", err)
	}
	if ledger.total(9) != 600000 {
		t.Fatalf("expected one video unit billed, got %d", ledger.total(9))
	}
	if logs.Len() != 1 {
		t.Fatalf("expected the warning to be logged in back-compat mode, got %d entries", logs.Len())
	}
}

func TestLegacyAppointmentBillsOnce(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ledger := newMemoryLedger(7, 5)
	engine := newTestEngine(ledger, &recordedUsage{}, true, zap.New(core))
	appointment := &models.Appointment{ID: 31, PatientID: 7, DoctorID: 9, AppointmentType: "voice"}

	for i := 0; i < 2; i++ {
		if err := engine.ProcessAppointmentEnd(context.Background(), appointment, "appointments.end"); err != nil {
			t.Fatalf("ProcessAppointmentEnd: %v", err)
		}
	}
	if ledger.total(9) != 500000 {
		t.Fatalf("expected a single voice unit, got %d", ledger.total(9))
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no guardrail warning for legacy appointment, got %d", logs.Len())
	}
}

func TestSourceFor(t *testing.T) {
	if _, ok := SourceFor(&models.Appointment{ID: 1}).(LegacyAppointment); !ok {
		t.Fatal("expected appointment without session to be legacy")
	}
	sessionID := int64(4)
	kind := "call"
	src, ok := SourceFor(&models.Appointment{ID: 1, SessionID: &sessionID, SessionKind: &kind}).(SessionBacked)
	if !ok || src.Kind != session.KindCall || src.SessionID != 4 {
		t.Fatalf("expected session-backed call source, got %#v", src)
	}
}

func TestRates(t *testing.T) {
	tests := []struct {
		country  string
		modality session.Modality
		want     Money
	}{
		{country: "Malawi", modality: session.ModalityText, want: Money{Amount: 400000, Currency: CurrencyMWK}},
		{country: " malawi ", modality: session.ModalityVideo, want: Money{Amount: 600000, Currency: CurrencyMWK}},
		{country: "Kenya", modality: session.ModalityVoice, want: Money{Amount: 500, Currency: CurrencyUSD}},
		{country: "", modality: session.ModalityText, want: Money{Amount: 400, Currency: CurrencyUSD}},
	}
	for _, tt := range tests {
		got, err := DefaultRates.Price(CurrencyForCountry(tt.country), tt.modality)
		if err != nil {
			t.Fatalf("Price(%q, %s): %v", tt.country, tt.modality, err)
		}
		if got != tt.want {
			t.Fatalf("Price(%q, %s) = %v, want %v", tt.country, tt.modality, got, tt.want)
		}
	}

	if _, err := DefaultRates.Price(CurrencyUSD, session.Modality("fax")); !errors.Is(err, ErrUnknownRate) {
		t.Fatalf("expected ErrUnknownRate, got %v", err)
	}
	if s := (Money{Amount: 400000, Currency: CurrencyMWK}).String(); s != "MWK 4000.00" {
		t.Fatalf("unexpected money format %q", s)
	}
}
