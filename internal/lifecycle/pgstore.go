package lifecycle

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
)

type pgStore struct {
	*repository.SessionRepository
	tx *repository.Transactor
}

// NewPostgresStore backs the lifecycle with the session tables.
func NewPostgresStore(tx *repository.Transactor, db repository.DBTX) Store {
	return &pgStore{SessionRepository: repository.NewSessionRepository(db), tx: tx}
}

func (s *pgStore) InTx(ctx context.Context, fn func(tx Sessions) error) error {
	return s.tx.InTx(ctx, func(tx pgx.Tx) error {
		return fn(repository.NewSessionRepository(tx))
	})
}
