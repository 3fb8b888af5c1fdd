package gcp

import (
	"context"
	"errors"

	"github.com/github/functions-deploy/pkg/operation"
	"google.golang.org/api/cloudfunctions/v1"
	"google.golang.org/grpc/codes"
)

const (
	// InvokerRole grants permission to call an HTTPS function.
	InvokerRole = "roles/cloudfunctions.invoker"
	// AllUsers is the IAM member for unauthenticated callers.
	AllUsers = "allUsers"
)

// CreateFunction creates fn under its parent location and returns the
// operation handle.
func (c *Client) CreateFunction(ctx context.Context, location string, fn *cloudfunctions.CloudFunction) (string, error) {
	if fn == nil {
		return "", errors.New("function cannot be nil")
	}
	var op *cloudfunctions.Operation
	err := c.do(ctx, "functions.create", func() error {
		var err error
		op, err = c.functions.Projects.Locations.Functions.Create(location, fn).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return op.Name, nil
}

// UpdateFunction patches an existing function and returns the operation
// handle.
func (c *Client) UpdateFunction(ctx context.Context, fn *cloudfunctions.CloudFunction) (string, error) {
	if fn == nil {
		return "", errors.New("function cannot be nil")
	}
	var op *cloudfunctions.Operation
	err := c.do(ctx, "functions.patch", func() error {
		var err error
		op, err = c.functions.Projects.Locations.Functions.Patch(fn.Name, fn).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return op.Name, nil
}

// DeleteFunction deletes the named function and returns the operation
// handle.
func (c *Client) DeleteFunction(ctx context.Context, name string) (string, error) {
	var op *cloudfunctions.Operation
	err := c.do(ctx, "functions.delete", func() error {
		var err error
		op, err = c.functions.Projects.Locations.Functions.Delete(name).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return op.Name, nil
}

// SetPublicInvoker lets unauthenticated users call the named function.
func (c *Client) SetPublicInvoker(ctx context.Context, name string) error {
	req := &cloudfunctions.SetIamPolicyRequest{
		Policy: &cloudfunctions.Policy{
			Bindings: []*cloudfunctions.Binding{{
				Role:    InvokerRole,
				Members: []string{AllUsers},
			}},
		},
	}
	return c.do(ctx, "functions.setIamPolicy", func() error {
		_, err := c.functions.Projects.Locations.Functions.SetIamPolicy(name, req).Context(ctx).Do()
		return err
	})
}

// ListFunctions returns every function of project across all regions.
func (c *Client) ListFunctions(ctx context.Context, project string) ([]*cloudfunctions.CloudFunction, error) {
	var fns []*cloudfunctions.CloudFunction
	err := c.do(ctx, "functions.list", func() error {
		fns = fns[:0]
		return c.functions.Projects.Locations.Functions.
			List("projects/"+project+"/locations/-").
			Pages(ctx, func(resp *cloudfunctions.ListFunctionsResponse) error {
				fns = append(fns, resp.Functions...)
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	return fns, nil
}

// CheckOperation fetches the status of a long-running operation.
func (c *Client) CheckOperation(ctx context.Context, name string) (*operation.Status, error) {
	var op *cloudfunctions.Operation
	err := c.do(ctx, "operations.get", func() error {
		var err error
		op, err = c.functions.Operations.Get(name).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	status := &operation.Status{Done: op.Done}
	if op.Error != nil {
		status.Error = &operation.Error{
			Code:    codes.Code(op.Error.Code), //nolint:gosec
			Message: op.Error.Message,
		}
	}
	return status, nil
}
