package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	//nolint: revive
	TasksProcessedOk = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fndeploy_tasks_processed_ok",
			Help: "The total number of successful queue tasks",
		},
		[]string{"queue"},
	)

	//nolint: revive
	TasksProcessedFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fndeploy_tasks_processed_failed",
			Help: "The total number of failed queue tasks",
		},
		[]string{"queue"},
	)

	//nolint: revive
	TasksProcessedTimer = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "fndeploy_tasks_processed_timer",
			Help: "The duration (seconds) for processing queue tasks",
		},
		[]string{"status"},
	)

	//nolint: revive
	OperationPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fndeploy_operation_polls",
			Help: "The total number of long-running operation status checks",
		},
	)

	//nolint: revive
	OperationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fndeploy_operation_retries",
			Help: "The total number of operations kept pending after a retryable error",
		},
	)

	//nolint: revive
	OperationsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fndeploy_operations_settled",
			Help: "The total number of long-running operations reaching a terminal state",
		},
		[]string{"result"},
	)

	//nolint: revive
	FunctionsDeployed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fndeploy_functions_deployed",
			Help: "The total number of function deploy actions by result",
		},
		[]string{"result"},
	)

	//nolint: revive
	APICallTimer = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "fndeploy_api_call_timer",
			Help: "The duration (seconds) for Google API calls",
		},
		[]string{"method"},
	)

	//nolint: revive
	APICallOk = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fndeploy_api_call_ok",
			Help: "The total number of successful API calls",
		},
	)

	//nolint: revive
	APICallSoftFail = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fndeploy_api_call_soft_fail",
			Help: "The total number of soft (recoverable) API call failures",
		},
	)

	//nolint: revive
	APICallHardFail = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fndeploy_api_call_hard_fail",
			Help: "The total number of API calls failing after all retries",
		},
	)

	//nolint: revive
	APICallClientError = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fndeploy_api_call_client_error",
			Help: "The total number of non-retryable client failures",
		},
	)
)
