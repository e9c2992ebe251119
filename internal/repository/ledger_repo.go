package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/models"
)

var ErrInsufficientQuota = errors.New("insufficient quota")

// LedgerUnit is one billable unit: a doctor credit paired with a patient quota debit.
type LedgerUnit struct {
	DoctorID    int64
	PatientID   int64
	SessionType string
	SessionID   int64
	UnitKey     string
	Modality    string
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]any
}

type LedgerRepository struct {
	db DBTX
}

func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// InsertCredit appends the credit row for a unit. It reports false when the
// unit key was already recorded for the session.
func (r *LedgerRepository) InsertCredit(ctx context.Context, unit LedgerUnit) (bool, error) {
	metadata, err := json.Marshal(unit.Metadata)
	if err != nil {
		return false, err
	}
	if unit.Metadata == nil {
		metadata = []byte(`{}`)
	}
	query := `
		INSERT INTO wallet_transactions
			(doctor_id, type, amount, currency, session_type, session_id, unit_key, description, metadata)
		VALUES ($1, 'credit', $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_type, session_id, unit_key) DO NOTHING
		RETURNING id
	`
	var id int64
	err = r.db.QueryRow(
		ctx,
		query,
		unit.DoctorID,
		unit.Amount,
		unit.Currency,
		unit.SessionType,
		unit.SessionID,
		unit.UnitKey,
		unit.Description,
		metadata,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *LedgerRepository) EnsureWallet(ctx context.Context, doctorID int64, currency string) error {
	query := `
		INSERT INTO doctor_wallets (doctor_id, currency)
		VALUES ($1, $2)
		ON CONFLICT (doctor_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query, doctorID, currency)
	return err
}

func (r *LedgerRepository) GetWallet(ctx context.Context, doctorID int64) (*models.DoctorWallet, error) {
	return r.scanWallet(ctx, `
		SELECT id, doctor_id, balance, total_earned, currency, created_at, updated_at
		FROM doctor_wallets
		WHERE doctor_id = $1
	`, doctorID)
}

func (r *LedgerRepository) GetWalletForUpdate(ctx context.Context, doctorID int64) (*models.DoctorWallet, error) {
	return r.scanWallet(ctx, `
		SELECT id, doctor_id, balance, total_earned, currency, created_at, updated_at
		FROM doctor_wallets
		WHERE doctor_id = $1
		FOR UPDATE
	`, doctorID)
}

func (r *LedgerRepository) scanWallet(ctx context.Context, query string, doctorID int64) (*models.DoctorWallet, error) {
	var wallet models.DoctorWallet
	err := r.db.QueryRow(ctx, query, doctorID).Scan(
		&wallet.ID,
		&wallet.DoctorID,
		&wallet.Balance,
		&wallet.TotalEarned,
		&wallet.Currency,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// CreditWallet increments in place; the caller holds the wallet row lock.
func (r *LedgerRepository) CreditWallet(ctx context.Context, doctorID int64, amount int64) error {
	query := `
		UPDATE doctor_wallets
		SET balance = balance + $2,
		    total_earned = total_earned + $2,
		    updated_at = NOW()
		WHERE doctor_id = $1
	`
	tag, err := r.db.Exec(ctx, query, doctorID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *LedgerRepository) CountSessionUnits(ctx context.Context, sessionType string, sessionID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM wallet_transactions
		WHERE session_type = $1 AND session_id = $2 AND type = 'credit'
	`
	var count int
	if err := r.db.QueryRow(ctx, query, sessionType, sessionID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *LedgerRepository) ListSessionTransactions(
	ctx context.Context,
	sessionType string,
	sessionID int64,
) ([]models.WalletTransaction, error) {
	query := `
		SELECT id, doctor_id, type, amount, currency, session_type, session_id, unit_key,
			description, metadata, created_at
		FROM wallet_transactions
		WHERE session_type = $1 AND session_id = $2
		ORDER BY id ASC
	`
	rows, err := r.db.Query(ctx, query, sessionType, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]models.WalletTransaction, 0)
	for rows.Next() {
		var tx models.WalletTransaction
		if err := rows.Scan(
			&tx.ID,
			&tx.DoctorID,
			&tx.Type,
			&tx.Amount,
			&tx.Currency,
			&tx.SessionType,
			&tx.SessionID,
			&tx.UnitKey,
			&tx.Description,
			&tx.Metadata,
			&tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}
