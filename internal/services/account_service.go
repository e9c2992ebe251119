package services

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"github.com/saeid-a/DocAvailableBack/internal/session"
)

var ErrUserNotFound = errors.New("user not found")

type AccountService struct {
	users         userReader
	subscriptions *repository.SubscriptionRepository
	ledger        *repository.LedgerRepository
	sessionRepo   *repository.SessionRepository
}

func NewAccountService(db repository.DBTX, users userReader, sessionRepo *repository.SessionRepository) *AccountService {
	return &AccountService{
		users:         users,
		subscriptions: repository.NewSubscriptionRepository(db),
		ledger:        repository.NewLedgerRepository(db),
		sessionRepo:   sessionRepo,
	}
}

func (s *AccountService) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	account := &models.Account{User: user}
	switch user.Role {
	case models.RolePatient:
		sub, err := s.subscriptions.GetActiveByPatient(ctx, userID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		account.Subscription = sub
	case models.RoleDoctor:
		wallet, err := s.ledger.GetWallet(ctx, userID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		account.Wallet = wallet
	}
	return account, nil
}

// SessionCharges lists the ledger rows written for a session, oldest first.
func (s *AccountService) SessionCharges(ctx context.Context, actorID int64, kind session.Kind, sessionID int64) ([]models.WalletTransaction, error) {
	if !kind.Valid() {
		return nil, ErrInvalidInput
	}
	current, err := s.sessionRepo.GetByID(ctx, kind, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if !current.HasParticipant(actorID) {
		return nil, ErrForbidden
	}
	return s.ledger.ListSessionTransactions(ctx, string(kind), sessionID)
}
