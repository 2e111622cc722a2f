package jobs

import (
	"errors"
	"fmt"

	"github.com/me/renderq/pkg/model"
)

// Sentinel errors.
var (
	ErrNilJob          = errors.New("nil job")
	ErrIllegalState    = errors.New("illegal job state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrQueueClosed     = errors.New("queue closed")

	// ErrSuspended and ErrTerminated are the causes attached to a running
	// job's context when the queue asks it to stop.
	ErrSuspended  = errors.New("job suspended")
	ErrTerminated = errors.New("job terminated")
)

// PanicError is recorded as the failure cause when a work function panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("work panicked: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// illegalTransition reports a transition the state machine forbids. The
// result matches both ErrIllegalState and *model.InvalidTransitionError.
func illegalTransition(id string, from, to model.JobStatus) error {
	return fmt.Errorf("%w: %w", ErrIllegalState, &model.InvalidTransitionError{
		Entity: "Job",
		ID:     id,
		From:   from.String(),
		To:     to.String(),
	})
}
