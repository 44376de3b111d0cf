package workflow

import (
	"fmt"
	"strings"

	"aideps/internal/services"
	"aideps/internal/stage"
)

// ValidationError reports the unmet completion conditions of a stage.
type ValidationError struct {
	Stage stage.ID
	Unmet []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %d (%s) cannot be completed: %s", e.Stage, e.Stage.Name(), strings.Join(e.Unmet, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == services.ErrValidation }

// PersistenceError reports a store write that did not succeed. The instance
// passed to the failing operation is unchanged, so the same call may be
// retried.
type PersistenceError struct {
	Stage     stage.ID
	Operation string
	Attempts  int
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s for stage %d failed after %d attempt(s): %v", e.Operation, e.Stage, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == services.ErrPersistence }

// Retryable is always true; the caller decides when to give up.
func (e *PersistenceError) Retryable() bool { return true }

func invalidTransition(id stage.ID, operation, format string, args ...any) error {
	return services.Wrap(services.ErrInvalidTransition, stageLabel(id), operation, fmt.Sprintf(format, args...), nil)
}

func stageLabel(id stage.ID) string {
	if !id.Valid() {
		return fmt.Sprintf("stage %d", int(id))
	}
	return fmt.Sprintf("stage %d (%s)", int(id), id.Name())
}
