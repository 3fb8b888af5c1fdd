package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrFailurePolicyNotConfirmed is returned for non-interactive deploys
	// of functions with a failure policy when --force is not set.
	ErrFailurePolicyNotConfirmed = errors.New("pass the --force option to deploy functions with a failure policy")
	// ErrDeleteNotConfirmed is returned for non-interactive deploys that
	// would delete functions when --force is not set.
	ErrDeleteNotConfirmed = errors.New("pass the --force option to delete functions that are no longer in the manifest")
	// ErrCanceled is returned when the user declines to proceed.
	ErrCanceled = errors.New("deployment canceled")
)

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

// PromptForFailurePolicies warns about functions that are retried on
// failure and asks the user to acknowledge it. labels holds the labels of
// the functions with a failure policy.
func PromptForFailurePolicies(ctx context.Context, logger *slog.Logger, labels []string,
	force, nonInteractive bool, confirm Confirmer) error {
	if len(labels) == 0 {
		return nil
	}

	logger.Warn("the following functions will be retried in case of failure: "+
		strings.Join(labels, ", ")+
		". Retried executions are billed as any other execution, and functions are retried "+
		"repeatedly until they either successfully execute or the maximum retry period has "+
		"elapsed, which can be up to 7 days. Make sure your functions are idempotent.",
		"functions", labels)

	if nonInteractive {
		if !force {
			return ErrFailurePolicyNotConfirmed
		}
		return nil
	}

	proceed, err := confirm.Confirm(ctx, "Would you like to proceed with deployment?")
	if err != nil {
		return fmt.Errorf("failed to read confirmation: %w", err)
	}
	if !proceed {
		return ErrCanceled
	}
	return nil
}

// confirmDeletes decides whether functions that are no longer in the
// manifest may be deleted.
func confirmDeletes(ctx context.Context, logger *slog.Logger, labels []string,
	force, nonInteractive bool, confirm Confirmer) (bool, error) {
	if len(labels) == 0 || force {
		return true, nil
	}
	logger.Warn("the following functions are found in your project but do not exist in your manifest",
		"functions", strings.Join(labels, ", "))
	if nonInteractive {
		return false, ErrDeleteNotConfirmed
	}

	ok, err := confirm.Confirm(ctx, "Would you like to proceed with deletion? Selecting no will continue the rest of the deployment.")
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return ok, nil
}
