package host

import (
	"errors"
	"fmt"
)

// LaunchFailedError indicates the test host process could not be started or
// was abandoned before it came up. Stderr carries whatever the process wrote
// before dying, verbatim, so operators can diagnose a crashing host without
// separate log correlation.
type LaunchFailedError struct {
	Path   string
	Err    error
	Stderr string
}

func (e *LaunchFailedError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("launching test host %q: %v\nstderr: %s", e.Path, e.Err, e.Stderr)
	}
	return fmt.Sprintf("launching test host %q: %v", e.Path, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *LaunchFailedError) Unwrap() error {
	return e.Err
}

// IsLaunchFailed checks if the error is or wraps a LaunchFailedError.
func IsLaunchFailed(err error) bool {
	var launchErr *LaunchFailedError
	return err != nil && errors.As(err, &launchErr)
}
