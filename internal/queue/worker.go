package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker is the dedicated consumer: a fixed pool of goroutines that drain the
// queue one job at a time and sleep when it is empty.
type Worker struct {
	exec        *Executor
	concurrency int
	idleSleep   time.Duration
	wake        chan struct{}
	log         *zap.Logger
}

func NewWorker(exec *Executor, concurrency int, idleSleep time.Duration, logger *zap.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		exec:        exec,
		concurrency: concurrency,
		idleSleep:   idleSleep,
		wake:        make(chan struct{}, concurrency),
		log:         logger,
	}
}

// Wake interrupts idle sleep, typically on a jobs NOTIFY. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled and every goroutine has returned.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("queue worker started", zap.Int("concurrency", w.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()

	w.log.Info("queue worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.exec.Drain(ctx, 1)
		if err != nil && ctx.Err() == nil {
			w.log.Error("queue drain failed", zap.Int("slot", slot), zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}

		timer := time.NewTimer(w.idleSleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
