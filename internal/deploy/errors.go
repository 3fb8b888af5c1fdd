package deploy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/github/functions-deploy/pkg/funcname"
)

// Level is the severity of a recorded problem.
type Level int

const (
	// LevelError marks a failure that fails the deploy.
	LevelError Level = iota
	// LevelWarning marks a problem that is reported but tolerated.
	LevelWarning
)

// OperationType names the per-function step a problem occurred in.
type OperationType string

// Deploy steps.
const (
	OpCreate         OperationType = "create"
	OpUpdate         OperationType = "update"
	OpDelete         OperationType = "delete"
	OpUpsertSchedule OperationType = "upsert schedule"
	OpDeleteSchedule OperationType = "delete schedule"
	OpMakePublic     OperationType = "make public"
)

// RetryCommandName is the binary name used in the suggested retry command.
const RetryCommandName = "functions-deploy"

// ErrorInfo is one recorded problem.
type ErrorInfo struct {
	FunctionName  string
	OperationType OperationType
	Message       string
}

// DeployError is returned by FinalizeErrors when any error was recorded.
type DeployError struct {
	// Failed lists each failed function once, in first-failure order.
	Failed       []string
	RetryCommand string
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("functions did not deploy properly: %d function(s) failed", len(e.Failed))
}

// ErrorHandler collects per-function errors and warnings during a deploy
// pass. It is safe for concurrent use.
type ErrorHandler struct {
	logger *slog.Logger

	mu       sync.Mutex
	errors   []ErrorInfo
	warnings []ErrorInfo
}

// NewErrorHandler creates an empty handler.
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{logger: logger}
}

// Record appends a problem to the list for its level.
func (h *ErrorHandler) Record(level Level, functionName string, op OperationType, message string) {
	info := ErrorInfo{FunctionName: functionName, OperationType: op, Message: message}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch level {
	case LevelError:
		h.errors = append(h.errors, info)
	case LevelWarning:
		h.warnings = append(h.warnings, info)
	}
}

// Errors returns a copy of the recorded errors.
func (h *ErrorHandler) Errors() []ErrorInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ErrorInfo(nil), h.errors...)
}

// Warnings returns a copy of the recorded warnings.
func (h *ErrorHandler) Warnings() []ErrorInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ErrorInfo(nil), h.warnings...)
}

// FinalizeErrors reports the recorded errors and returns a *DeployError
// naming the failed functions and a command that redeploys only them. It
// returns nil when nothing failed.
func (h *ErrorHandler) FinalizeErrors() error {
	errs := h.Errors()
	if len(errs) == 0 {
		return nil
	}

	var failed, targets []string
	seenFn := make(map[string]bool)
	seenTarget := make(map[string]bool)
	for _, e := range errs {
		if !seenFn[e.FunctionName] {
			seenFn[e.FunctionName] = true
			failed = append(failed, e.FunctionName)
		}
		target := "functions:" + strings.ReplaceAll(funcname.ShortNameOf(e.FunctionName), "-", ".")
		if !seenTarget[target] {
			seenTarget[target] = true
			targets = append(targets, target)
		}
	}
	retry := RetryCommandName + ` --only "` + strings.Join(targets, ",") + `"`

	h.logger.Info("functions deploy had errors with the following functions",
		"functions", strings.Join(labels(failed), ", "))
	h.logger.Info("to try redeploying those functions, run",
		"command", retry)
	for _, e := range errs {
		h.logger.Debug("error during "+string(e.OperationType),
			"function", e.FunctionName,
			"error", e.Message)
	}

	return &DeployError{Failed: failed, RetryCommand: retry}
}

// FinalizeWarnings reports the recorded warnings. It returns the labels of
// functions that could not be made public.
func (h *ErrorHandler) FinalizeWarnings() []string {
	warnings := h.Warnings()
	if len(warnings) == 0 {
		return nil
	}

	var notPublic []string
	for _, w := range warnings {
		if w.OperationType == OpMakePublic {
			notPublic = append(notPublic, funcname.LabelOf(w.FunctionName))
		}
	}
	if len(notPublic) > 0 {
		h.logger.Info("unable to set publicly accessible IAM policy on the following functions",
			"functions", strings.Join(notPublic, ", "))
		h.logger.Info("unauthorized users will not be able to access these functions; " +
			"this may be caused by an organization policy that restricts network access on your project")
	}

	for _, w := range warnings {
		h.logger.Debug("warning during "+string(w.OperationType),
			"function", w.FunctionName,
			"error", w.Message)
	}
	return notPublic
}
