// Package queuetest provides an in-memory queue.Store for tests.
package queuetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/saeid-a/DocAvailableBack/internal/models"
)

type FailedJob struct {
	Job    models.Job
	Reason string
}

// Store mirrors the jobs table semantics: reservations expire after
// retryAfter and every reservation counts as an attempt.
type Store struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*models.Job
	Failed []FailedJob
}

func NewStore() *Store {
	return &Store{jobs: make(map[int64]*models.Job)}
}

func (s *Store) Push(_ context.Context, uuid string, queue string, payload []byte, availableAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.jobs[s.nextID] = &models.Job{
		ID:          s.nextID,
		UUID:        uuid,
		Queue:       queue,
		Payload:     append(json.RawMessage(nil), payload...),
		AvailableAt: availableAt,
		CreatedAt:   availableAt,
	}
	return s.nextID, nil
}

func (s *Store) Reserve(_ context.Context, queues []string, now time.Time, retryAfter time.Duration, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]bool, len(queues))
	for _, q := range queues {
		allowed[q] = true
	}

	due := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if !allowed[job.Queue] {
			continue
		}
		free := job.ReservedAt == nil && !job.AvailableAt.After(now)
		expired := job.ReservedAt != nil && !job.ReservedAt.After(now.Add(-retryAfter))
		if free || expired {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].AvailableAt.Before(due[j].AvailableAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.Job, 0, len(due))
	for _, job := range due {
		reservedAt := now
		job.ReservedAt = &reservedAt
		job.Attempts++
		out = append(out, *job)
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *Store) Release(_ context.Context, jobID int64, availableAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.ReservedAt = nil
		job.AvailableAt = availableAt
	}
	return nil
}

func (s *Store) Fail(_ context.Context, job models.Job, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, job.ID)
	s.Failed = append(s.Failed, FailedJob{Job: job, Reason: reason})
	return nil
}

// Jobs returns a snapshot of pending jobs ordered by id.
func (s *Store) Jobs() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
