package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler processes one decoded job body. A returned error means the job
// should be retried; nil means done (including "done with no data").
type Handler func(ctx context.Context, body json.RawMessage) error

// Worker runs a pool of goroutines draining one queue plus a ticker that
// promotes due delayed retries.
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorker creates a worker pool for the queue.
func NewWorker(q *Queue, concurrency int, handler Handler) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{queue: q, handler: handler, concurrency: concurrency}
}

// Start launches the pool. Workers share no memory with request handlers;
// coordination happens through Redis and the durable store.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}

	w.wg.Add(1)
	go w.promoteLoop(ctx)

	log.Info().Str("queue", w.queue.Name()).
		Int("concurrency", w.concurrency).Msg("queue workers started")
}

// Stop cancels the pool and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	log.Info().Str("queue", w.queue.Name()).Msg("queue workers stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := w.queue.dequeue(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.queue.logger.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if env == nil {
			continue
		}

		atomic.AddInt64(&w.queue.active, 1)
		if err := w.handler(ctx, env.Body); err != nil {
			w.queue.retryLater(ctx, env, err)
		} else {
			w.queue.markProcessed(ctx)
		}
		atomic.AddInt64(&w.queue.active, -1)
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.queue.promoteDelayed(ctx)
		}
	}
}
