package deploy

import (
	"errors"
	"fmt"
	"maps"

	"github.com/github/functions-deploy/pkg/funcname"
	"github.com/github/functions-deploy/pkg/manifest"
	"google.golang.org/api/cloudfunctions/v1"
	"google.golang.org/api/cloudscheduler/v1"
)

const (
	// ScheduledLabel marks functions triggered by a scheduler job.
	ScheduledLabel = "deployment-scheduled"
	// ToolLabel marks functions managed by this tool.
	ToolLabel = "deployment-tool"

	pubsubPublishEvent = "google.pubsub.topic.publish"
)

// ErrUnknownTrigger is returned for a function without a usable trigger.
var ErrUnknownTrigger = errors.New("could not parse function trigger, unknown trigger type")

// FunctionTrigger returns the trigger for t deployed as name: an HTTPS
// trigger, or an event trigger carrying the failure policy. A scheduled
// function is triggered by the Pub/Sub topic its job publishes to.
func FunctionTrigger(t *manifest.Trigger, name funcname.Name) (*cloudfunctions.HttpsTrigger, *cloudfunctions.EventTrigger, error) {
	var event *cloudfunctions.EventTrigger
	switch {
	case t.HTTPS:
		return &cloudfunctions.HttpsTrigger{}, nil, nil
	case t.EventTrigger != nil:
		event = &cloudfunctions.EventTrigger{
			EventType: t.EventTrigger.EventType,
			Resource:  t.EventTrigger.Resource,
			Service:   t.EventTrigger.Service,
		}
	case t.Schedule != nil:
		event = &cloudfunctions.EventTrigger{
			EventType: pubsubPublishEvent,
			Resource:  name.TopicName(),
		}
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, t.EntryPoint)
	}

	if t.FailurePolicy {
		event.FailurePolicy = &cloudfunctions.FailurePolicy{Retry: &cloudfunctions.Retry{}}
	}
	return nil, event, nil
}

// BuildFunction returns the function resource for t in the region of name.
func BuildFunction(t *manifest.Trigger, name funcname.Name, runtime, sourceURL string) (*cloudfunctions.CloudFunction, error) {
	https, event, err := FunctionTrigger(t, name)
	if err != nil {
		return nil, err
	}

	labels := maps.Clone(t.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[ToolLabel] = RetryCommandName
	if t.Scheduled() {
		labels[ScheduledLabel] = "true"
	}

	if t.Runtime != "" {
		runtime = t.Runtime
	}
	return &cloudfunctions.CloudFunction{
		Name:              name.String(),
		EntryPoint:        t.EntryPoint,
		Runtime:           runtime,
		SourceUploadUrl:   sourceURL,
		HttpsTrigger:      https,
		EventTrigger:      event,
		Labels:            labels,
		AvailableMemoryMb: t.MemoryMB,
		Timeout:           t.Timeout,
	}, nil
}

// ToJob returns the scheduler job of a scheduled function. The job
// publishes to the topic the function subscribes to.
func ToJob(t *manifest.Trigger, name funcname.Name, appEngineLocation string) (*cloudscheduler.Job, error) {
	if t.Schedule == nil {
		return nil, fmt.Errorf("%s is not a scheduled function", name.Label())
	}
	job := &cloudscheduler.Job{
		Name:     name.ScheduleName(appEngineLocation),
		Schedule: t.Schedule.Schedule,
		TimeZone: t.Schedule.TimeZone,
		PubsubTarget: &cloudscheduler.PubsubTarget{
			TopicName:  name.TopicName(),
			Attributes: map[string]string{"scheduled": "true"},
		},
	}
	if t.Schedule.RetryCount > 0 {
		job.RetryConfig = &cloudscheduler.RetryConfig{RetryCount: t.Schedule.RetryCount}
	}
	return job, nil
}

// ConsoleURL returns the web console URL of path within project.
func ConsoleURL(project, path string) string {
	return "https://console.firebase.google.com/project/" + project + path
}

func isScheduled(fn *cloudfunctions.CloudFunction) bool {
	return fn != nil && fn.Labels[ScheduledLabel] == "true"
}
