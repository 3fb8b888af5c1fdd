// Package deploy runs a functions deploy pass: it selects the functions in
// scope, issues create, update and delete calls through a throttled queue,
// waits for the resulting operations and reports per-function failures.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/github/functions-deploy/pkg/funcname"
	"github.com/github/functions-deploy/pkg/manifest"
	"github.com/github/functions-deploy/pkg/metrics"
	"github.com/github/functions-deploy/pkg/operation"
	"github.com/github/functions-deploy/pkg/queue"

	"github.com/google/uuid"
	"google.golang.org/api/cloudfunctions/v1"
	"google.golang.org/api/cloudscheduler/v1"
	"k8s.io/apimachinery/pkg/util/runtime"
)

// FunctionsAPI is the subset of the Cloud Functions API a deploy uses.
type FunctionsAPI interface {
	CreateFunction(ctx context.Context, location string, fn *cloudfunctions.CloudFunction) (string, error)
	UpdateFunction(ctx context.Context, fn *cloudfunctions.CloudFunction) (string, error)
	DeleteFunction(ctx context.Context, name string) (string, error)
	SetPublicInvoker(ctx context.Context, name string) error
	ListFunctions(ctx context.Context, project string) ([]*cloudfunctions.CloudFunction, error)
}

// SchedulerAPI manages the scheduler jobs and topics of scheduled
// functions.
type SchedulerAPI interface {
	UpsertJob(ctx context.Context, job *cloudscheduler.Job) error
	DeleteJob(ctx context.Context, name string) error
	DeleteTopic(ctx context.Context, name string) error
}

// Options configures a Deployer.
type Options struct {
	Project           string
	AppEngineLocation string
	Runtime           string
	SourceURL         string
	// Filters are the --only name chunk groups; empty deploys everything.
	Filters        [][]string
	Force          bool
	NonInteractive bool

	Concurrency  int
	DispatchRate float64
	Burst        int

	Poll operation.Options
}

// Deployer runs deploy passes.
type Deployer struct {
	functions FunctionsAPI
	scheduler SchedulerAPI
	checker   operation.Checker
	confirm   Confirmer
	opts      Options
	logger    *slog.Logger
}

// New creates a Deployer.
func New(functions FunctionsAPI, scheduler SchedulerAPI, checker operation.Checker,
	confirm Confirmer, opts Options, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		functions: functions,
		scheduler: scheduler,
		checker:   checker,
		confirm:   confirm,
		opts:      opts,
		logger:    logger.With("component", "deployer"),
	}
}

// upload is one function of the manifest in one region.
type upload struct {
	trigger *manifest.Trigger
	name    funcname.Name
}

// plan is the outcome of selecting what a pass touches.
type plan struct {
	uploads  map[string]upload
	existing map[string]*cloudfunctions.CloudFunction
	deploy   []string
	delete   []string
}

// Run deploys triggers. Per-function failures do not stop the pass; they
// are collected and returned as a *DeployError at the end.
func (d *Deployer) Run(ctx context.Context, triggers []*manifest.Trigger) error {
	defer runtime.HandleCrash()

	start := time.Now()
	logger := d.logger.With("deploy_id", uuid.NewString())

	p, err := d.plan(ctx, logger, triggers)
	if err != nil {
		return err
	}

	errs := NewErrorHandler(logger)
	q := queue.New[*operation.Operation](queue.Config{
		Name:        "deploy",
		Concurrency: d.opts.Concurrency,
		Rate:        d.opts.DispatchRate,
		Burst:       d.opts.Burst,
		Logger:      logger,
	})

	for _, name := range p.deploy {
		u := p.uploads[name]
		opType := OpCreate
		if _, ok := p.existing[name]; ok {
			opType = OpUpdate
		}

		fn, err := BuildFunction(u.trigger, u.name, d.opts.Runtime, d.opts.SourceURL)
		if err != nil {
			errs.Record(LevelError, name, opType, err.Error())
			continue
		}
		if opType == OpCreate {
			d.addCreate(q, errs, u, fn)
		} else {
			d.addUpdate(q, errs, fn)
		}
	}
	for _, name := range p.delete {
		d.addDelete(q, errs, name, isScheduled(p.existing[name]))
	}

	stats := q.Run(ctx)
	logAndTrackDeployStats(logger, stats)

	var ops []*operation.Operation
	for _, r := range q.Results() {
		if r.Err == nil && r.Value != nil {
			ops = append(ops, r.Value)
		}
	}

	res, err := d.pollDeploys(ctx, logger, ops)
	if err != nil {
		return err
	}

	for _, op := range res.Failed {
		errs.Record(LevelError, op.FunctionName, OperationType(op.Type), op.Err.Error())
	}
	for _, op := range res.Succeeded {
		logger.Info("successful "+op.Type+" operation",
			"function", funcname.LabelOf(op.FunctionName))
	}

	d.runPostDeploy(ctx, logger, errs, p, res.Succeeded)

	if len(res.Succeeded) > 0 {
		d.printTriggerURLs(ctx, logger)
	}

	errs.FinalizeWarnings()
	logger.Info("deploy finished",
		"duration", time.Since(start),
		"succeeded", len(res.Succeeded),
		"failed", len(res.Failed),
		"unmonitored", res.Unmonitored)
	return errs.FinalizeErrors()
}

// plan lists the project, computes the release set and collects the
// confirmations the deploy needs.
func (d *Deployer) plan(ctx context.Context, logger *slog.Logger, triggers []*manifest.Trigger) (*plan, error) {
	existing, err := d.functions.ListFunctions(ctx, d.opts.Project)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing functions: %w", err)
	}

	p := &plan{
		uploads:  make(map[string]upload),
		existing: make(map[string]*cloudfunctions.CloudFunction, len(existing)),
	}
	// Only functions deployed by this tool are candidates for deletion.
	var managed []string
	for _, fn := range existing {
		p.existing[fn.Name] = fn
		if fn.Labels[ToolLabel] == RetryCommandName {
			managed = append(managed, fn.Name)
		}
	}

	var uploadNames []string
	for _, t := range triggers {
		for _, region := range t.Regions {
			n := funcname.New(d.opts.Project, region, t.Name)
			if _, dup := p.uploads[n.String()]; dup {
				return nil, fmt.Errorf("function %s is declared more than once", n.Label())
			}
			p.uploads[n.String()] = upload{trigger: t, name: n}
			uploadNames = append(uploadNames, n.String())
		}
	}

	release := ComputeReleaseSet(uploadNames, managed, d.opts.Filters)
	LogFilters(logger, managed, release, d.opts.Filters)

	var policyLabels []string
	for _, name := range release {
		u, ok := p.uploads[name]
		if !ok {
			continue
		}
		p.deploy = append(p.deploy, name)
		if u.trigger.FailurePolicy {
			policyLabels = append(policyLabels, u.name.Label())
		}
	}
	err = PromptForFailurePolicies(ctx, logger, policyLabels, d.opts.Force, d.opts.NonInteractive, d.confirm)
	if err != nil {
		return nil, err
	}

	for _, name := range managed {
		if _, ok := p.uploads[name]; !ok && MatchesAnyGroup(name, d.opts.Filters) {
			p.delete = append(p.delete, name)
		}
	}
	ok, err := confirmDeletes(ctx, logger, labels(p.delete), d.opts.Force, d.opts.NonInteractive, d.confirm)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Info("skipping deletion of functions",
			"functions", labels(p.delete))
		p.delete = nil
	}
	return p, nil
}

func (d *Deployer) addCreate(q *queue.Queue[*operation.Operation], errs *ErrorHandler,
	u upload, fn *cloudfunctions.CloudFunction) {
	create := func(ctx context.Context) (string, error) {
		return d.functions.CreateFunction(ctx, u.name.Location(), fn)
	}
	_ = q.Add(string(OpCreate)+" "+u.name.Label(), func(ctx context.Context) (*operation.Operation, error) {
		opName, err := create(ctx)
		if err != nil {
			return nil, err
		}
		return &operation.Operation{
			Name:         opName,
			FunctionName: fn.Name,
			Type:         string(OpCreate),
			Retry:        create,
		}, nil
	}, recordFailure[*operation.Operation](errs, LevelError, fn.Name, OpCreate))
}

func (d *Deployer) addUpdate(q *queue.Queue[*operation.Operation], errs *ErrorHandler,
	fn *cloudfunctions.CloudFunction) {
	update := func(ctx context.Context) (string, error) {
		return d.functions.UpdateFunction(ctx, fn)
	}
	_ = q.Add(string(OpUpdate)+" "+funcname.LabelOf(fn.Name), func(ctx context.Context) (*operation.Operation, error) {
		opName, err := update(ctx)
		if err != nil {
			return nil, err
		}
		return &operation.Operation{
			Name:         opName,
			FunctionName: fn.Name,
			Type:         string(OpUpdate),
			Retry:        update,
		}, nil
	}, recordFailure[*operation.Operation](errs, LevelError, fn.Name, OpUpdate))
}

// addDelete queues the deletion of name. The schedule of a scheduled
// function is removed by a follow-up task once the delete is accepted.
func (d *Deployer) addDelete(q *queue.Queue[*operation.Operation], errs *ErrorHandler,
	name string, scheduled bool) {
	remove := func(ctx context.Context) (string, error) {
		return d.functions.DeleteFunction(ctx, name)
	}
	_ = q.Add(string(OpDelete)+" "+funcname.LabelOf(name), func(ctx context.Context) (*operation.Operation, error) {
		opName, err := remove(ctx)
		if err != nil {
			return nil, err
		}
		if scheduled {
			d.addDeleteSchedule(q, errs, name)
		}
		return &operation.Operation{
			Name:         opName,
			FunctionName: name,
			Type:         string(OpDelete),
			Retry:        remove,
		}, nil
	}, recordFailure[*operation.Operation](errs, LevelError, name, OpDelete))
}

func (d *Deployer) addDeleteSchedule(q *queue.Queue[*operation.Operation], errs *ErrorHandler, name string) {
	hook := recordFailure[*operation.Operation](errs, LevelError, name, OpDeleteSchedule)
	err := q.Add(string(OpDeleteSchedule)+" "+funcname.LabelOf(name), func(ctx context.Context) (*operation.Operation, error) {
		return nil, d.deleteSchedule(ctx, name)
	}, hook)
	if err != nil {
		errs.Record(LevelError, name, OpDeleteSchedule, err.Error())
	}
}

func (d *Deployer) deleteSchedule(ctx context.Context, name string) error {
	n, err := funcname.Parse(name)
	if err != nil {
		return err
	}
	if err := d.scheduler.DeleteJob(ctx, n.ScheduleName(d.opts.AppEngineLocation)); err != nil {
		return fmt.Errorf("failed to delete schedule job: %w", err)
	}
	if err := d.scheduler.DeleteTopic(ctx, n.TopicName()); err != nil {
		return fmt.Errorf("failed to delete schedule topic: %w", err)
	}
	return nil
}

// runPostDeploy upserts the schedules of deployed scheduled functions,
// removes schedules of functions that are no longer scheduled, and makes
// newly created HTTPS functions public.
func (d *Deployer) runPostDeploy(ctx context.Context, logger *slog.Logger, errs *ErrorHandler,
	p *plan, succeeded []*operation.Operation) {
	q := queue.New[struct{}](queue.Config{
		Name:        "post-deploy",
		Concurrency: d.opts.Concurrency,
		Rate:        d.opts.DispatchRate,
		Burst:       d.opts.Burst,
		Logger:      logger,
	})

	for _, op := range succeeded {
		u, ok := p.uploads[op.FunctionName]
		if !ok {
			continue
		}
		name := op.FunctionName

		switch {
		case u.trigger.Scheduled():
			job, err := ToJob(u.trigger, u.name, d.opts.AppEngineLocation)
			if err != nil {
				errs.Record(LevelError, name, OpUpsertSchedule, err.Error())
				continue
			}
			_ = q.Add(string(OpUpsertSchedule)+" "+u.name.Label(), func(ctx context.Context) (struct{}, error) {
				return struct{}{}, d.scheduler.UpsertJob(ctx, job)
			}, recordFailure[struct{}](errs, LevelError, name, OpUpsertSchedule))

		case op.Type == string(OpUpdate) && isScheduled(p.existing[name]):
			_ = q.Add(string(OpDeleteSchedule)+" "+u.name.Label(), func(ctx context.Context) (struct{}, error) {
				return struct{}{}, d.deleteSchedule(ctx, name)
			}, recordFailure[struct{}](errs, LevelError, name, OpDeleteSchedule))

		case u.trigger.HTTPS && op.Type == string(OpCreate):
			_ = q.Add(string(OpMakePublic)+" "+u.name.Label(), func(ctx context.Context) (struct{}, error) {
				return struct{}{}, d.functions.SetPublicInvoker(ctx, name)
			}, recordFailure[struct{}](errs, LevelWarning, name, OpMakePublic))
		}
	}

	q.Run(ctx)
}

// printTriggerURLs logs the URL of every HTTPS function deployed from this
// pass's source upload.
func (d *Deployer) printTriggerURLs(ctx context.Context, logger *slog.Logger) {
	if d.opts.SourceURL == "" {
		return
	}
	fns, err := d.functions.ListFunctions(ctx, d.opts.Project)
	if err != nil {
		logger.Debug("failed to list functions for trigger URLs",
			"error", err)
		return
	}
	for _, fn := range fns {
		if fn.SourceUploadUrl != d.opts.SourceURL || fn.HttpsTrigger == nil {
			continue
		}
		logger.Info(fmt.Sprintf("Function URL (%s): %s", funcname.ShortNameOf(fn.Name), fn.HttpsTrigger.Url),
			"function", fn.Name,
			"url", fn.HttpsTrigger.Url)
	}
}

func logAndTrackDeployStats(logger *slog.Logger, stats queue.Stats) {
	logger.Debug("function deployment stats",
		"total", stats.Total,
		"errored", stats.Errored,
		"elapsed", stats.Elapsed,
		"average", stats.Average)
	metrics.FunctionsDeployed.WithLabelValues("dispatched").Add(float64(stats.Success))
	metrics.FunctionsDeployed.WithLabelValues("errored").Add(float64(stats.Errored))
}

func recordFailure[T any](errs *ErrorHandler, level Level, name string, op OperationType) queue.Hook[T] {
	return func(r queue.Result[T]) {
		if r.Err != nil {
			errs.Record(level, name, op, r.Err.Error())
		}
	}
}
