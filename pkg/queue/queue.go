// Package queue implements a bounded-concurrency task queue that records
// per-task outcomes and aggregate timing statistics.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/github/functions-deploy/pkg/metrics"
	"golang.org/x/time/rate"
)

// Task is a unit of work run by the queue.
type Task[T any] func(ctx context.Context) (T, error)

// Hook is called once a task reaches a terminal state. Hooks of one queue
// never run concurrently.
type Hook[T any] func(Result[T])

// Result is the outcome of a single task.
type Result[T any] struct {
	Name     string
	Value    T
	Err      error
	Duration time.Duration
}

// Stats summarizes a queue run.
type Stats struct {
	Total   int
	Success int
	Errored int
	Elapsed time.Duration
	Average time.Duration
}

// Config configures a Queue.
type Config struct {
	// Name labels log lines and metrics.
	Name string
	// Concurrency is the maximum number of tasks running at once.
	Concurrency int
	// Rate optionally limits task dispatch to this many tasks per second.
	// Zero disables the limiter.
	Rate float64
	// Burst is the limiter bucket size. Defaults to 1.
	Burst  int
	Logger *slog.Logger
}

type entry[T any] struct {
	name  string
	task  Task[T]
	hooks []Hook[T]
}

// Queue runs tasks with at most Concurrency of them in flight.
type Queue[T any] struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	pending  []*entry[T]
	inflight int
	running  bool
	closed   bool
	results  []Result[T]
	stats    Stats
	finished int
	busy     time.Duration

	hookMu sync.Mutex
	wake   chan struct{}
}

// New creates a queue. A non-positive concurrency is treated as 1.
func New[T any](cfg Config) *Queue[T] {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue[T]{
		cfg:    cfg,
		logger: logger.With("component", "queue", "queue", cfg.Name),
		wake:   make(chan struct{}, 1),
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return q
}

// Add enqueues a task. It may be called before Run, while Run is in
// progress, and from inside a running task or hook. Once Run has drained the
// queue, Add returns ErrQueueClosed.
func (q *Queue[T]) Add(name string, task Task[T], hooks ...Hook[T]) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, &entry[T]{name: name, task: task, hooks: hooks})
	q.stats.Total++
	q.mu.Unlock()

	q.signal()
	return nil
}

// Run dispatches queued tasks until every task added before or during the
// run is terminal. When ctx is cancelled, tasks that have not started are
// failed with the context error; started tasks are left to finish.
func (q *Queue[T]) Run(ctx context.Context) Stats {
	q.mu.Lock()
	if q.running || q.closed {
		q.mu.Unlock()
		return q.Stats()
	}
	q.running = true
	q.mu.Unlock()

	start := time.Now()
	q.logger.Debug("starting queue",
		"concurrency", q.cfg.Concurrency,
		"rate", q.cfg.Rate)

	var wg sync.WaitGroup
	for {
		q.mu.Lock()
		if ctx.Err() != nil && len(q.pending) > 0 {
			dropped := q.pending
			q.pending = nil
			q.mu.Unlock()
			for _, e := range dropped {
				q.complete(e, Result[T]{Name: e.name, Err: ctx.Err()}, false)
			}
			continue
		}
		if len(q.pending) == 0 && q.inflight == 0 {
			q.closed = true
			q.running = false
			q.mu.Unlock()
			break
		}
		if len(q.pending) > 0 && q.inflight < q.cfg.Concurrency {
			e := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight++
			q.mu.Unlock()

			if q.limiter != nil {
				if err := q.limiter.Wait(ctx); err != nil {
					q.complete(e, Result[T]{Name: e.name, Err: err}, true)
					continue
				}
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				q.execute(ctx, e)
			}()
			continue
		}
		q.mu.Unlock()

		done := ctx.Done()
		if ctx.Err() != nil {
			// Pending work has been failed already; only completions matter.
			done = nil
		}
		select {
		case <-q.wake:
		case <-done:
		}
	}
	wg.Wait()

	q.mu.Lock()
	q.stats.Elapsed = time.Since(start)
	if q.finished > 0 {
		q.stats.Average = q.busy / time.Duration(q.finished)
	}
	stats := q.stats
	q.mu.Unlock()

	q.logger.Debug("queue drained",
		"total", stats.Total,
		"success", stats.Success,
		"errored", stats.Errored,
		"elapsed", stats.Elapsed,
		"average", stats.Average)
	return stats
}

// Stats returns a snapshot of the queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Results returns the task outcomes in completion order.
func (q *Queue[T]) Results() []Result[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Result[T], len(q.results))
	copy(out, q.results)
	return out
}

func (q *Queue[T]) execute(ctx context.Context, e *entry[T]) {
	start := time.Now()
	value, err := q.call(ctx, e)
	q.complete(e, Result[T]{
		Name:     e.name,
		Value:    value,
		Err:      err,
		Duration: time.Since(start),
	}, true)
}

func (q *Queue[T]) call(ctx context.Context, e *entry[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return e.task(ctx)
}

// complete records the result and runs the hooks. The in-flight slot is
// released only after the hooks return so tasks added by a hook are seen
// before the queue considers itself drained.
func (q *Queue[T]) complete(e *entry[T], res Result[T], started bool) {
	q.mu.Lock()
	q.results = append(q.results, res)
	q.finished++
	q.busy += res.Duration
	if res.Err != nil {
		q.stats.Errored++
	} else {
		q.stats.Success++
	}
	q.mu.Unlock()

	if res.Err != nil {
		metrics.TasksProcessedFailed.WithLabelValues(q.cfg.Name).Inc()
		metrics.TasksProcessedTimer.WithLabelValues("failed").Observe(res.Duration.Seconds())
		q.logger.Debug("task failed",
			"task", res.Name,
			"duration", res.Duration,
			"error", res.Err)
	} else {
		metrics.TasksProcessedOk.WithLabelValues(q.cfg.Name).Inc()
		metrics.TasksProcessedTimer.WithLabelValues("ok").Observe(res.Duration.Seconds())
	}

	if len(e.hooks) > 0 {
		q.hookMu.Lock()
		for _, h := range e.hooks {
			h(res)
		}
		q.hookMu.Unlock()
	}

	if started {
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
	}
	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
