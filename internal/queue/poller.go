package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/DocAvailableBack/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Poller keeps the queue moving when the dedicated worker is not running. It
// piggybacks on incoming HTTP traffic: at most one drain per interval, never
// more than one in flight, and never on the request's goroutine.
type Poller struct {
	exec    *Executor
	limiter *rate.Limiter
	batch   int
	timeout time.Duration
	running atomic.Bool
	wg      sync.WaitGroup
	log     *zap.Logger
}

func NewPoller(exec *Executor, interval time.Duration, batch int, timeout time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		exec:    exec,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		batch:   batch,
		timeout: timeout,
		log:     logger,
	}
}

func (p *Poller) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		p.Trigger()
		return c.Next()
	}
}

// Trigger starts a background drain if the rate limit and the in-flight
// guard allow it. It reports whether a drain was started.
func (p *Poller) Trigger() bool {
	if p.running.Load() {
		metrics.PollerRuns.WithLabelValues("busy").Inc()
		return false
	}
	if !p.limiter.Allow() {
		return false
	}
	if !p.running.CompareAndSwap(false, true) {
		metrics.PollerRuns.WithLabelValues("busy").Inc()
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		p.drain()
	}()
	return true
}

// drain gives every reserved job its own full timeout; the executor still
// bounds each job individually.
func (p *Poller) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.budget())
	defer cancel()

	n, err := p.exec.Drain(ctx, p.batch)
	if err != nil {
		metrics.PollerRuns.WithLabelValues("error").Inc()
		p.log.Error("fallback poller drain failed", zap.Error(err))
		return
	}
	metrics.PollerRuns.WithLabelValues("ok").Inc()
	if n > 0 {
		p.log.Info("fallback poller processed jobs", zap.Int("jobs", n))
	}
}

func (p *Poller) budget() time.Duration {
	batch := p.batch
	if batch < 1 {
		batch = 1
	}
	return p.timeout * time.Duration(batch)
}

// Wait blocks until an in-flight drain finishes.
func (p *Poller) Wait() {
	p.wg.Wait()
}
