package operation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/github/functions-deploy/pkg/metrics"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
)

const (
	// MaxMonitored is the largest batch that is polled. Bigger batches
	// would exhaust the read quota of the functions API.
	MaxMonitored = 90

	defaultMaxRetries = 5
	defaultMaxBackoff = time.Minute
)

// ChooseInterval returns the polling interval for n operations. It returns
// false when there are too many operations to monitor.
//
//   - n > 90: too many
//   - 41..90: 10s
//   - 16..40: 5s
//   - otherwise: 2s
func ChooseInterval(n int) (time.Duration, bool) {
	switch {
	case n > MaxMonitored:
		return 0, false
	case n > 40:
		return 10 * time.Second, true
	case n > 15:
		return 5 * time.Second, true
	default:
		return 2 * time.Second, true
	}
}

// Options configures PollAndRetry.
type Options struct {
	// Interval between polling ticks. Zero picks one with ChooseInterval.
	Interval time.Duration
	// MaxRetries bounds how many times one operation is retried after a
	// retryable failure.
	MaxRetries int
	// MaxBackoff caps the per-operation retry backoff.
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Result partitions the operations of a pass by terminal state.
type Result struct {
	Succeeded []*Operation
	Failed    []*Operation
	// Unmonitored is set when the batch was too large to poll.
	Unmonitored bool
}

// PollAndRetry polls ops until each one has succeeded or failed.
//
// On every tick the status of each pending operation is fetched. A done
// operation without error succeeds. A done operation with a retryable error
// stays pending, is re-issued through Retry when set, and is not polled again
// until its exponential backoff has elapsed; once MaxRetries is exhausted, or
// on a non-retryable error, it fails. A status-check error aborts the pass
// with ErrStatusUnknown; the returned Result still holds the outcomes settled
// so far.
func PollAndRetry(ctx context.Context, ops []*Operation, checker Checker, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "operation_poller")

	interval := opts.Interval
	if interval <= 0 {
		var ok bool
		interval, ok = ChooseInterval(len(ops))
		if !ok {
			logger.Warn("too many operations to monitor",
				"count", len(ops),
				"max", MaxMonitored)
			return &Result{Unmonitored: true}, nil
		}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff < interval {
		maxBackoff = max(defaultMaxBackoff, interval)
	}

	// The first retry is polled on the very next tick; later ones back off.
	backoff := workqueue.NewTypedItemExponentialFailureRateLimiter[*Operation](interval, maxBackoff)
	skip := make(map[*Operation]int)

	condition := func(ctx context.Context) (bool, error) {
		pending := 0
		for _, op := range ops {
			if op.State != StatePending {
				continue
			}
			if skip[op] > 0 {
				skip[op]--
				pending++
				continue
			}

			status, err := checker.CheckOperation(ctx, op.Name)
			metrics.OperationPolls.Inc()
			if err != nil {
				return false, fmt.Errorf("%w: %s: %w", ErrStatusUnknown, op.Name, err)
			}
			if !status.Done {
				pending++
				continue
			}
			if status.Error == nil {
				settle(op, StateSucceeded, nil)
				backoff.Forget(op)
				continue
			}

			if !IsRetryable(status.Error.Code) || backoff.NumRequeues(op) >= maxRetries {
				settle(op, StateFailed, status.Error)
				backoff.Forget(op)
				continue
			}

			delay := backoff.When(op)
			skip[op] = max(int(delay/interval)-1, 0)
			metrics.OperationRetries.Inc()
			logger.Debug("retrying operation",
				"function", op.FunctionName,
				"operation", op.Name,
				"code", status.Error.Code.String(),
				"attempt", backoff.NumRequeues(op),
				"backoff", delay)

			if op.Retry != nil {
				name, err := op.Retry(ctx)
				if err != nil {
					settle(op, StateFailed, fmt.Errorf("retry %s: %w", op.Type, err))
					backoff.Forget(op)
					continue
				}
				op.Name = name
			}
			pending++
		}
		return pending == 0, nil
	}

	var pollErr error
	if anyPending(ops) {
		pollErr = wait.PollUntilContextCancel(ctx, interval, false, condition)
	}

	res := &Result{}
	for _, op := range ops {
		switch op.State {
		case StateSucceeded:
			res.Succeeded = append(res.Succeeded, op)
		case StateFailed:
			res.Failed = append(res.Failed, op)
		}
	}
	if pollErr != nil {
		return res, pollErr
	}
	return res, nil
}

func settle(op *Operation, state State, err error) {
	op.State = state
	op.Err = err
	result := "ok"
	if state == StateFailed {
		result = "failed"
	}
	metrics.OperationsSettled.WithLabelValues(result).Inc()
}

func anyPending(ops []*Operation) bool {
	for _, op := range ops {
		if op.State == StatePending {
			return true
		}
	}
	return false
}
