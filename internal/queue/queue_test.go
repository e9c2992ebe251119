package queue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/DocAvailableBack/internal/queue/queuetest"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = time.Second
	return opts
}

func newTestExecutor(store *queuetest.Store, clock session.Clock) *Executor {
	return NewExecutor(store, testOptions(), clock, zap.NewNop())
}

func TestDispatchAtStoresPayload(t *testing.T) {
	store := queuetest.NewStore()
	clock := session.NewManualClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	dispatcher := NewDispatcher(store, clock, zap.NewNop())

	at := clock.Now().Add(10 * time.Minute)
	err := dispatcher.DispatchAt(context.Background(), QueueTextSessions, "ProcessAutoDeduction", Data{
		SessionID:              42,
		SessionKind:            session.KindText,
		ExpectedDeductionCount: 1,
	}, at)
	if err != nil {
		t.Fatalf("DispatchAt: %v", err)
	}

	jobs := store.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Queue != QueueTextSessions || !jobs[0].AvailableAt.Equal(at) {
		t.Fatalf("unexpected job row %+v", jobs[0])
	}
	payload, err := DecodePayload(jobs[0].Payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.DisplayName != "ProcessAutoDeduction" || payload.Data.SessionID != 42 || payload.Data.ExpectedDeductionCount != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.UUID == "" || payload.UUID != jobs[0].UUID {
		t.Fatalf("expected payload uuid to match row uuid, got %q vs %q", payload.UUID, jobs[0].UUID)
	}
	if !strings.Contains(string(jobs[0].Payload), `"sessionId":42`) {
		t.Fatalf("expected sessionId in payload, got %s", jobs[0].Payload)
	}
}

func TestExecutorRunsDueJobsOnly(t *testing.T) {
	store := queuetest.NewStore()
	clock := session.NewManualClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	dispatcher := NewDispatcher(store, clock, zap.NewNop())
	exec := newTestExecutor(store, clock)

	var calls int32
	exec.Register("noop", HandlerFunc(func(context.Context, Data) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	ctx := context.Background()
	_ = dispatcher.DispatchAt(ctx, QueueTextSessions, "noop", Data{SessionID: 1}, clock.Now().Add(time.Minute))

	if n, err := exec.Drain(ctx, 10); err != nil || n != 0 {
		t.Fatalf("expected no due jobs, got n=%d err=%v", n, err)
	}

	clock.Advance(time.Minute)
	if n, err := exec.Drain(ctx, 10); err != nil || n != 1 {
		t.Fatalf("expected one due job, got n=%d err=%v", n, err)
	}
	if calls != 1 || store.Len() != 0 {
		t.Fatalf("expected job run and deleted, calls=%d pending=%d", calls, store.Len())
	}
}

func TestExecutorRetriesThenFails(t *testing.T) {
	store := queuetest.NewStore()
	clock := session.NewManualClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	dispatcher := NewDispatcher(store, clock, zap.NewNop())
	exec := newTestExecutor(store, clock)

	var calls int32
	exec.Register("flaky", HandlerFunc(func(context.Context, Data) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("database unavailable")
	}))

	ctx := context.Background()
	_ = dispatcher.Dispatch(ctx, QueueCallSessions, "flaky", Data{SessionID: 5, SessionKind: session.KindCall})

	for attempt := 1; attempt <= 3; attempt++ {
		n, err := exec.Drain(ctx, 10)
		if err != nil || n != 1 {
			t.Fatalf("attempt %d: expected one job, got n=%d err=%v", attempt, n, err)
		}
		clock.Advance(time.Minute)
	}

	if calls != 3 {
		t.Fatalf("expected 3 tries, got %d", calls)
	}
	if store.Len() != 0 || len(store.Failed) != 1 {
		t.Fatalf("expected job moved to failed jobs, pending=%d failed=%d", store.Len(), len(store.Failed))
	}
	if !strings.Contains(store.Failed[0].Reason, "database unavailable") {
		t.Fatalf("expected failure reason recorded, got %q", store.Failed[0].Reason)
	}
}

func TestExecutorBacksOffBetweenTries(t *testing.T) {
	store := queuetest.NewStore()
	clock := session.NewManualClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	exec := newTestExecutor(store, clock)
	exec.Register("flaky", HandlerFunc(func(context.Context, Data) error { return errors.New("boom") }))

	ctx := context.Background()
	_ = NewDispatcher(store, clock, zap.NewNop()).Dispatch(ctx, QueueTextSessions, "flaky", Data{SessionID: 1})

	if n, _ := exec.Drain(ctx, 10); n != 1 {
		t.Fatalf("expected first attempt, got %d", n)
	}
	if n, _ := exec.Drain(ctx, 10); n != 0 {
		t.Fatalf("expected job held back by backoff, got %d", n)
	}
	clock.Advance(testOptions().Backoff)
	if n, _ := exec.Drain(ctx, 10); n != 1 {
		t.Fatalf("expected retry after backoff, got %d", n)
	}
}

func TestExecutorFailsUnknownJobImmediately(t *testing.T) {
	store := queuetest.NewStore()
	clock := session.NewManualClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	exec := newTestExecutor(store, clock)

	ctx := context.Background()
	_ = NewDispatcher(store, clock, zap.NewNop()).Dispatch(ctx, QueueTextSessions, "Unregistered", Data{SessionID: 1})

	if _, err := exec.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(store.Failed) != 1 {
		t.Fatalf("expected unknown job to fail at once, got %d failed", len(store.Failed))
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	store := queuetest.NewStore()
	clock := session.NewManualClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	exec := newTestExecutor(store, clock)
	exec.Register("explodes", HandlerFunc(func(context.Context, Data) error { panic("nil session") }))

	ctx := context.Background()
	_ = NewDispatcher(store, clock, zap.NewNop()).Dispatch(ctx, QueueTextSessions, "explodes", Data{SessionID: 1})

	if _, err := exec.Drain(ctx, 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	jobs := store.Jobs()
	if len(jobs) != 1 || jobs[0].ReservedAt != nil {
		t.Fatalf("expected panicking job released for retry, got %+v", jobs)
	}
}

func TestExpiredReservationIsRedelivered(t *testing.T) {
	store := queuetest.NewStore()
	clock := session.NewManualClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()
	_ = NewDispatcher(store, clock, zap.NewNop()).Dispatch(ctx, QueueTextSessions, "noop", Data{SessionID: 1})

	opts := testOptions()
	first, _ := store.Reserve(ctx, opts.Queues, clock.Now(), opts.RetryAfter, 1)
	if len(first) != 1 {
		t.Fatal("expected first reservation")
	}

	clock.Advance(opts.RetryAfter - time.Second)
	if again, _ := store.Reserve(ctx, opts.Queues, clock.Now(), opts.RetryAfter, 1); len(again) != 0 {
		t.Fatal("expected reservation to still be held")
	}

	clock.Advance(time.Second)
	again, _ := store.Reserve(ctx, opts.Queues, clock.Now(), opts.RetryAfter, 1)
	if len(again) != 1 || again[0].Attempts != 2 {
		t.Fatalf("expected crashed worker's job redelivered as attempt 2, got %+v", again)
	}
}

func TestPollerIsRateLimitedAndSingleFlight(t *testing.T) {
	store := queuetest.NewStore()
	clock := session.NewManualClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	exec := newTestExecutor(store, clock)

	release := make(chan struct{})
	var calls int32
	exec.Register("slow", HandlerFunc(func(context.Context, Data) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}))
	ctx := context.Background()
	dispatcher := NewDispatcher(store, clock, zap.NewNop())
	_ = dispatcher.Dispatch(ctx, QueueTextSessions, "slow", Data{SessionID: 1})

	poller := NewPoller(exec, time.Hour, 10, time.Second, zap.NewNop())

	app := fiber.New()
	app.Use(poller.Middleware())
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })

	for i := 0; i < 5; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected request to pass through, got %d", resp.StatusCode)
		}
		resp.Body.Close()
	}

	close(release)
	poller.Wait()

	if calls != 1 {
		t.Fatalf("expected a single drain across requests, got %d", calls)
	}
	if poller.Trigger() {
		t.Fatal("expected limiter to refuse a second drain within the interval")
	}
}

func TestPollerGivesEveryJobInTheBatchItsOwnTimeout(t *testing.T) {
	store := queuetest.NewStore()
	clock := session.NewManualClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	exec := newTestExecutor(store, clock)

	var calls int32
	exec.Register("steady", HandlerFunc(func(ctx context.Context, _ Data) error {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	ctx := context.Background()
	dispatcher := NewDispatcher(store, clock, zap.NewNop())
	for i := int64(1); i <= 4; i++ {
		_ = dispatcher.Dispatch(ctx, QueueTextSessions, "steady", Data{SessionID: i})
	}

	// Four jobs of 20ms each outlast a single 50ms job timeout.
	poller := NewPoller(exec, time.Hour, 4, 50*time.Millisecond, zap.NewNop())
	if !poller.Trigger() {
		t.Fatal("expected the first trigger to start a drain")
	}
	poller.Wait()

	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected all 4 jobs to run, got %d", got)
	}
	if remaining := len(store.Jobs()); remaining != 0 {
		t.Fatalf("expected no jobs left reserved, got %d", remaining)
	}
	if poller.budget() != 200*time.Millisecond {
		t.Fatalf("expected a 200ms drain budget, got %s", poller.budget())
	}
}
