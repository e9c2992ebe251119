package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/session"
)

const sessionColumns = `id, patient_id, doctor_id, appointment_id, modality, status, reason,
	started_at, last_activity_at, answered_at, connected_at, ended_at, doctor_response_deadline,
	sessions_remaining_before_start, sessions_used, auto_deductions_processed, manual_deduction_applied,
	created_at, updated_at`

type CreateSessionInput struct {
	Kind                   session.Kind
	PatientID              int64
	DoctorID               int64
	AppointmentID          *int64
	Modality               session.Modality
	StartedAt              *time.Time
	DoctorResponseDeadline *time.Time
	QuotaSnapshot          int
}

type EndSessionInput struct {
	Kind         session.Kind
	SessionID    int64
	From         []session.Status
	EndedAt      time.Time
	SessionsUsed int
	AutoUnits    int
	Manual       bool
	Reason       string
}

// SessionRepository persists text and call sessions. Both tables share one
// column layout, so every method takes the session kind.
type SessionRepository struct {
	db DBTX
}

func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

func sessionTable(kind session.Kind) (string, error) {
	switch kind {
	case session.KindText:
		return "text_sessions", nil
	case session.KindCall:
		return "call_sessions", nil
	default:
		return "", fmt.Errorf("unknown session kind %q", kind)
	}
}

func scanSession(row pgx.Row, kind session.Kind) (*session.Session, error) {
	s := session.Session{Kind: kind}
	var modality, status string
	err := row.Scan(
		&s.ID,
		&s.PatientID,
		&s.DoctorID,
		&s.AppointmentID,
		&modality,
		&status,
		&s.Reason,
		&s.StartedAt,
		&s.LastActivityAt,
		&s.AnsweredAt,
		&s.ConnectedAt,
		&s.EndedAt,
		&s.DoctorResponseDeadline,
		&s.SessionsRemainingBeforeStart,
		&s.SessionsUsed,
		&s.AutoDeductionsProcessed,
		&s.ManualDeductionApplied,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Modality = session.Modality(modality)
	s.Status = session.Status(status)
	return &s, nil
}

func (r *SessionRepository) Create(ctx context.Context, input CreateSessionInput) (*session.Session, error) {
	table, err := sessionTable(input.Kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (patient_id, doctor_id, appointment_id, modality, status, started_at,
			last_activity_at, doctor_response_deadline, sessions_remaining_before_start)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8)
		RETURNING %s
	`, table, sessionColumns)

	return scanSession(r.db.QueryRow(
		ctx,
		query,
		input.PatientID,
		input.DoctorID,
		input.AppointmentID,
		string(input.Modality),
		string(session.InitialStatus(input.Kind)),
		input.StartedAt,
		input.DoctorResponseDeadline,
		input.QuotaSnapshot,
	), input.Kind)
}

func (r *SessionRepository) GetByID(ctx context.Context, kind session.Kind, sessionID int64) (*session.Session, error) {
	table, err := sessionTable(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, sessionColumns, table)
	return scanSession(r.db.QueryRow(ctx, query, sessionID), kind)
}

func (r *SessionRepository) GetByIDForUpdate(ctx context.Context, kind session.Kind, sessionID int64) (*session.Session, error) {
	table, err := sessionTable(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, sessionColumns, table)
	return scanSession(r.db.QueryRow(ctx, query, sessionID), kind)
}

// HasOpenSession reports whether the pair already has a session that has not reached a terminal status.
func (r *SessionRepository) HasOpenSession(ctx context.Context, kind session.Kind, patientID, doctorID int64) (bool, error) {
	table, err := sessionTable(kind)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE patient_id = $1
			  AND doctor_id = $2
			  AND status NOT IN ('ended', 'expired', 'declined', 'failed')
		)
	`, table)
	var exists bool
	if err := r.db.QueryRow(ctx, query, patientID, doctorID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Activate moves a waiting text session to active. started_at is written once.
func (r *SessionRepository) Activate(ctx context.Context, sessionID int64, at time.Time) (*session.Session, error) {
	query := fmt.Sprintf(`
		UPDATE text_sessions
		SET status = 'active',
		    started_at = COALESCE(started_at, $2),
		    last_activity_at = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'waiting_for_doctor'
		RETURNING %s
	`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, sessionID, at), session.KindText)
}

// MarkAnswered moves a pending call to answered. answered_at is written once.
func (r *SessionRepository) MarkAnswered(ctx context.Context, sessionID int64, at time.Time) (*session.Session, error) {
	query := fmt.Sprintf(`
		UPDATE call_sessions
		SET status = 'answered',
		    answered_at = COALESCE(answered_at, $2),
		    last_activity_at = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING %s
	`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, sessionID, at), session.KindCall)
}

// PromoteConnected moves an answered call to connected with connected_at taken from answered_at.
func (r *SessionRepository) PromoteConnected(ctx context.Context, sessionID int64) (*session.Session, error) {
	query := fmt.Sprintf(`
		UPDATE call_sessions
		SET status = 'connected',
		    connected_at = answered_at,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'answered'
		  AND answered_at IS NOT NULL
		  AND connected_at IS NULL
		RETURNING %s
	`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, sessionID), session.KindCall)
}

// BackfillConnectedAt sets connected_at = answered_at on a call that never got one.
func (r *SessionRepository) BackfillConnectedAt(ctx context.Context, sessionID int64) (*session.Session, error) {
	query := fmt.Sprintf(`
		UPDATE call_sessions
		SET connected_at = answered_at,
		    updated_at = NOW()
		WHERE id = $1
		  AND answered_at IS NOT NULL
		  AND connected_at IS NULL
		RETURNING %s
	`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, sessionID), session.KindCall)
}

// UpdateStatusIfCurrent is a compare-and-swap on status. Terminal targets stamp
// ended_at once and backfill connected_at from answered_at.
func (r *SessionRepository) UpdateStatusIfCurrent(
	ctx context.Context,
	kind session.Kind,
	sessionID int64,
	currentStatus session.Status,
	nextStatus session.Status,
	reason string,
	at time.Time,
) (*session.Session, error) {
	table, err := sessionTable(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3,
		    reason = COALESCE(NULLIF($4, ''), reason),
		    ended_at = CASE WHEN $5 THEN COALESCE(ended_at, $6) ELSE ended_at END,
		    connected_at = CASE WHEN $5 THEN COALESCE(connected_at, answered_at) ELSE connected_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING %s
	`, table, sessionColumns)
	return scanSession(r.db.QueryRow(
		ctx,
		query,
		sessionID,
		string(currentStatus),
		string(nextStatus),
		reason,
		session.IsTerminal(nextStatus),
		at,
	), kind)
}

// ApplyAutoDeduction records deduction n for a billing-active session. It
// reports false when the session is no longer billing-active or n was
// already recorded, which makes redelivered jobs no-ops.
func (r *SessionRepository) ApplyAutoDeduction(ctx context.Context, kind session.Kind, sessionID int64, n int) (bool, error) {
	table, err := sessionTable(kind)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET auto_deductions_processed = $2,
		    sessions_used = sessions_used + 1,
		    last_activity_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $3
		  AND auto_deductions_processed < $2
	`, table)
	tag, err := r.db.Exec(ctx, query, sessionID, n, string(session.BillingActiveStatus(kind)))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// End closes a session that is still in one of the From statuses. Counters
// only ever grow and connected_at is backfilled from answered_at.
func (r *SessionRepository) End(ctx context.Context, input EndSessionInput) (*session.Session, error) {
	table, err := sessionTable(input.Kind)
	if err != nil {
		return nil, err
	}
	from := make([]string, 0, len(input.From))
	for _, status := range input.From {
		from = append(from, string(status))
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'ended',
		    ended_at = COALESCE(ended_at, $3),
		    connected_at = COALESCE(connected_at, answered_at),
		    sessions_used = GREATEST(sessions_used, $4),
		    auto_deductions_processed = GREATEST(auto_deductions_processed, $5),
		    manual_deduction_applied = manual_deduction_applied OR $6,
		    reason = COALESCE(NULLIF($7, ''), reason),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING %s
	`, table, sessionColumns)
	return scanSession(r.db.QueryRow(
		ctx,
		query,
		input.SessionID,
		from,
		input.EndedAt,
		input.SessionsUsed,
		input.AutoUnits,
		input.Manual,
		input.Reason,
	), input.Kind)
}

// SetSessionsUsed aligns sessions_used with the units actually charged.
func (r *SessionRepository) SetSessionsUsed(ctx context.Context, kind session.Kind, sessionID int64, used int) error {
	table, err := sessionTable(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET sessions_used = $2, updated_at = NOW() WHERE id = $1`, table)
	_, err = r.db.Exec(ctx, query, sessionID, used)
	return err
}

// ListAnsweredUnconnected returns calls still answered (not connected) since before the cutoff.
func (r *SessionRepository) ListAnsweredUnconnected(ctx context.Context, answeredBefore time.Time, limit int) ([]int64, error) {
	return r.listIDs(ctx, `
		SELECT id FROM call_sessions
		WHERE status = 'answered'
		  AND connected_at IS NULL
		  AND answered_at <= $1
		ORDER BY answered_at
		LIMIT $2
	`, answeredBefore, limit)
}

// ListEndedUnconnected returns ended or failed calls that were answered but never got connected_at.
func (r *SessionRepository) ListEndedUnconnected(ctx context.Context, limit int) ([]int64, error) {
	return r.listIDs(ctx, `
		SELECT id FROM call_sessions
		WHERE status IN ('ended', 'failed')
		  AND answered_at IS NOT NULL
		  AND connected_at IS NULL
		ORDER BY ended_at
		LIMIT $1
	`, limit)
}

// ListUnderBilled returns ended sessions whose ledger holds fewer units than sessions_used.
func (r *SessionRepository) ListUnderBilled(ctx context.Context, kind session.Kind, limit int) ([]int64, error) {
	table, err := sessionTable(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT s.id FROM %s s
		WHERE s.status = 'ended'
		  AND s.sessions_used > (
			SELECT COUNT(*) FROM wallet_transactions t
			WHERE t.session_type = $1 AND t.session_id = s.id AND t.type = 'credit'
		  )
		ORDER BY s.ended_at
		LIMIT $2
	`, table)
	return r.listIDs(ctx, query, string(kind), limit)
}

// ListOverdue returns billing-active sessions whose quota deadline has passed.
func (r *SessionRepository) ListOverdue(ctx context.Context, kind session.Kind, now time.Time, limit int) ([]int64, error) {
	table, err := sessionTable(kind)
	if err != nil {
		return nil, err
	}
	anchor := "started_at"
	if kind == session.KindCall {
		anchor = "connected_at"
	}
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = $1
		  AND %s IS NOT NULL
		  AND %s + sessions_remaining_before_start * INTERVAL '%d minutes' <= $2
		ORDER BY %s
		LIMIT $3
	`, table, anchor, anchor, session.UnitMinutes, anchor)
	return r.listIDs(ctx, query, string(session.BillingActiveStatus(kind)), now, limit)
}

func (r *SessionRepository) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
