package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/github/functions-deploy/pkg/operation"
)

// pollDeploys waits for the deploy operations of a pass. The interval is
// chosen once from the batch size; batches too large to poll are left
// unmonitored and reported with a console link instead.
func (d *Deployer) pollDeploys(ctx context.Context, logger *slog.Logger, ops []*operation.Operation) (*operation.Result, error) {
	logsURL := ConsoleURL(d.opts.Project, "/functions/logs")

	interval, ok := operation.ChooseInterval(len(ops))
	if !ok {
		logger.Warn("too many functions are being deployed, cannot poll status",
			"count", len(ops),
			"max", operation.MaxMonitored)
		logger.Info("in a few minutes, you can check status at "+logsURL,
			"url", logsURL)
		logger.Info("you can use the --only flag to deploy fewer functions at a time")
		return &operation.Result{Unmonitored: true}, nil
	}

	opts := d.opts.Poll
	if opts.Interval <= 0 {
		opts.Interval = interval
	}
	opts.Logger = logger

	res, err := operation.PollAndRetry(ctx, ops, d.checker, opts)
	if err != nil {
		logger.Warn("failed to get status of all the deployments",
			"error", err)
		logger.Info("you can check on their status at "+logsURL,
			"url", logsURL)
		return res, fmt.Errorf("failed to get status of functions deployments: %w", err)
	}
	return res, nil
}
