package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/models"
)

const jobColumns = `id, uuid::text, queue, payload, attempts, reserved_at, available_at, created_at`

type JobRepository struct {
	db            DBTX
	tx            *Transactor
	notifyChannel string
}

// NewJobRepository builds the queue store. When notifyChannel is set every
// push also raises a NOTIFY so idle workers wake up early.
func NewJobRepository(db DBTX, tx *Transactor, notifyChannel string) *JobRepository {
	return &JobRepository{db: db, tx: tx, notifyChannel: notifyChannel}
}

func (r *JobRepository) Push(
	ctx context.Context,
	uuid string,
	queue string,
	payload []byte,
	availableAt time.Time,
) (int64, error) {
	query := `
		INSERT INTO jobs (uuid, queue, payload, available_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	var id int64
	if err := r.db.QueryRow(ctx, query, uuid, queue, payload, availableAt).Scan(&id); err != nil {
		return 0, err
	}
	if r.notifyChannel != "" {
		if _, err := r.db.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, queue); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Reserve claims up to limit due jobs. A job is due when it is unreserved and
// available, or when its reservation is older than retryAfter (the worker
// holding it is presumed dead). Claiming bumps attempts.
func (r *JobRepository) Reserve(
	ctx context.Context,
	queues []string,
	now time.Time,
	retryAfter time.Duration,
	limit int,
) ([]models.Job, error) {
	query := `
		UPDATE jobs
		SET reserved_at = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = ANY($1)
			  AND (
				(reserved_at IS NULL AND available_at <= $2)
				OR reserved_at <= $3
			  )
			ORDER BY available_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		RETURNING ` + jobColumns

	rows, err := r.db.Query(ctx, query, queues, now, now.Add(-retryAfter), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		var job models.Job
		if err := rows.Scan(
			&job.ID,
			&job.UUID,
			&job.Queue,
			&job.Payload,
			&job.Attempts,
			&job.ReservedAt,
			&job.AvailableAt,
			&job.CreatedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *JobRepository) Delete(ctx context.Context, jobID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	return err
}

// Release returns a reserved job to the queue for another attempt at availableAt.
func (r *JobRepository) Release(ctx context.Context, jobID int64, availableAt time.Time) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, available_at = $2
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, jobID, availableAt)
	return err
}

// Fail moves an exhausted job to failed_jobs.
func (r *JobRepository) Fail(ctx context.Context, job models.Job, reason string) error {
	return r.tx.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO failed_jobs (uuid, queue, payload, exception)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (uuid) DO NOTHING
		`, job.UUID, job.Queue, []byte(job.Payload), reason); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID)
		return err
	})
}

func (r *JobRepository) Pending(ctx context.Context, queue string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = $1`, queue).Scan(&count)
	return count, err
}
