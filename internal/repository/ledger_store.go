package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// LedgerStore moves money and quota for one unit at a time. The credit row,
// the wallet increment and the quota debit commit together or not at all.
type LedgerStore struct {
	tx *Transactor
	db DBTX
}

func NewLedgerStore(tx *Transactor, db DBTX) *LedgerStore {
	return &LedgerStore{tx: tx, db: db}
}

// ApplyUnit bills a unit once. It reports false when the unit key is already
// on the ledger, and ErrInsufficientQuota when the patient cannot pay for it.
func (s *LedgerStore) ApplyUnit(ctx context.Context, unit LedgerUnit) (bool, error) {
	applied := false
	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		applied, err = applyUnit(ctx, tx, unit)
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *LedgerStore) CountSessionUnits(ctx context.Context, sessionType string, sessionID int64) (int, error) {
	return NewLedgerRepository(s.db).CountSessionUnits(ctx, sessionType, sessionID)
}

// TxLedger bills units inside a transaction owned by the caller, so the
// unit commits or rolls back with the caller's other writes.
type TxLedger struct {
	tx pgx.Tx
}

func NewTxLedger(tx pgx.Tx) *TxLedger {
	return &TxLedger{tx: tx}
}

func (l *TxLedger) ApplyUnit(ctx context.Context, unit LedgerUnit) (bool, error) {
	return applyUnit(ctx, l.tx, unit)
}

func (l *TxLedger) CountSessionUnits(ctx context.Context, sessionType string, sessionID int64) (int, error) {
	return NewLedgerRepository(l.tx).CountSessionUnits(ctx, sessionType, sessionID)
}

func applyUnit(ctx context.Context, tx pgx.Tx, unit LedgerUnit) (bool, error) {
	ledger := NewLedgerRepository(tx)

	inserted, err := ledger.InsertCredit(ctx, unit)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if err := ledger.EnsureWallet(ctx, unit.DoctorID, unit.Currency); err != nil {
		return false, err
	}
	if _, err := ledger.GetWalletForUpdate(ctx, unit.DoctorID); err != nil {
		return false, err
	}
	if err := ledger.CreditWallet(ctx, unit.DoctorID, unit.Amount); err != nil {
		return false, err
	}

	ok, err := NewSubscriptionRepository(tx).DecrementQuota(ctx, unit.PatientID, unit.Modality)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrInsufficientQuota
	}
	return true, nil
}
