package targetsign

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// MissingParameterError lists every required parameter that was not
// supplied.
type MissingParameterError struct {
	Names []string
}

func (e *MissingParameterError) Error() string {
	return "missing required parameters: " + strings.Join(e.Names, ", ")
}

func (e *MissingParameterError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// CollaboratorError reports a failure of the project mutator. Work done
// before it is not rolled back.
type CollaboratorError struct {
	Target string
	Err    error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("project mutator failed for target %s: %v", e.Target, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
