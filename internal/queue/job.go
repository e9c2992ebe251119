// Package queue is a durable, at-least-once job queue on the jobs table.
// A job may run more than once and on more than one process (worker or
// poller), so every handler must be safe to repeat.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saeid-a/DocAvailableBack/internal/logging"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

const (
	QueueTextSessions = "text-sessions"
	QueueCallSessions = "call-sessions"
)

// QueueFor returns the queue that carries jobs for sessions of the kind.
func QueueFor(kind session.Kind) string {
	if kind == session.KindCall {
		return QueueCallSessions
	}
	return QueueTextSessions
}

// Data is the job input: { sessionId, expectedDeductionCount | reason }.
type Data struct {
	SessionID              int64        `json:"sessionId"`
	SessionKind            session.Kind `json:"sessionKind"`
	ExpectedDeductionCount int          `json:"expectedDeductionCount,omitempty"`
	Reason                 string       `json:"reason,omitempty"`
}

type Payload struct {
	UUID        string `json:"uuid"`
	DisplayName string `json:"displayName"`
	Data        Data   `json:"data"`
}

func DecodePayload(raw []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, err
	}
	if payload.DisplayName == "" {
		return Payload{}, errors.New("payload has no displayName")
	}
	return payload, nil
}

type Store interface {
	Push(ctx context.Context, uuid string, queue string, payload []byte, availableAt time.Time) (int64, error)
	Reserve(ctx context.Context, queues []string, now time.Time, retryAfter time.Duration, limit int) ([]models.Job, error)
	Delete(ctx context.Context, jobID int64) error
	Release(ctx context.Context, jobID int64, availableAt time.Time) error
	Fail(ctx context.Context, job models.Job, reason string) error
}

// Dispatcher pushes jobs onto the table.
type Dispatcher struct {
	store Store
	clock session.Clock
	log   *zap.Logger
}

func NewDispatcher(store Store, clock session.Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, clock: clock, log: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, queue, name string, data Data) error {
	return d.DispatchAt(ctx, queue, name, data, d.clock.Now())
}

// DispatchAt schedules the job to become available at the given instant.
func (d *Dispatcher) DispatchAt(ctx context.Context, queue, name string, data Data, at time.Time) error {
	payload := Payload{
		UUID:        uuid.NewString(),
		DisplayName: name,
		Data:        data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	id, err := d.store.Push(ctx, payload.UUID, queue, raw, at)
	if err != nil {
		return fmt.Errorf("dispatch %s for session %d: %w", name, data.SessionID, err)
	}
	d.log.Debug("job dispatched",
		zap.String(logging.KeyJob, name),
		zap.Int64(logging.KeyJobID, id),
		zap.String(logging.KeyQueue, queue),
		zap.Int64(logging.KeySessionID, data.SessionID),
		zap.Time("available_at", at),
	)
	return nil
}

// Handler runs one job. Returning an error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, data Data) error
}

type HandlerFunc func(ctx context.Context, data Data) error

func (f HandlerFunc) Handle(ctx context.Context, data Data) error {
	return f(ctx, data)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error that retrying cannot fix; the job fails at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
