package gcp

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/api/cloudscheduler/v1"
)

// UpsertJob creates the scheduler job, or replaces it when it already
// exists.
func (c *Client) UpsertJob(ctx context.Context, job *cloudscheduler.Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}
	parent, ok := jobParent(job.Name)
	if !ok {
		return errors.New("invalid job name: " + job.Name)
	}

	err := c.do(ctx, "jobs.create", func() error {
		_, err := c.scheduler.Projects.Locations.Jobs.Create(parent, job).Context(ctx).Do()
		return err
	})
	if err == nil || !IsConflict(err) {
		return err
	}

	return c.do(ctx, "jobs.patch", func() error {
		_, err := c.scheduler.Projects.Locations.Jobs.Patch(job.Name, job).Context(ctx).Do()
		return err
	})
}

// DeleteJob deletes the named scheduler job. A missing job is not an error.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	err := c.do(ctx, "jobs.delete", func() error {
		_, err := c.scheduler.Projects.Locations.Jobs.Delete(name).Context(ctx).Do()
		return err
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// DeleteTopic deletes the named Pub/Sub topic. A missing topic is not an
// error.
func (c *Client) DeleteTopic(ctx context.Context, name string) error {
	err := c.do(ctx, "topics.delete", func() error {
		_, err := c.pubsub.Projects.Topics.Delete(name).Context(ctx).Do()
		return err
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// jobParent returns projects/{p}/locations/{l} for a job name of the form
// projects/{p}/locations/{l}/jobs/{id}.
func jobParent(name string) (string, bool) {
	idx := strings.LastIndex(name, "/jobs/")
	if idx <= 0 || idx+len("/jobs/") == len(name) {
		return "", false
	}
	return name[:idx], true
}
