package session

import (
	"errors"
	"fmt"
)

// ErrSessionEnded is returned by operations issued after the session reached
// its terminal state.
var ErrSessionEnded = errors.New("session ended")

// CustomHostLaunchFailedError indicates the peer acknowledged a custom host
// launch request with an error instead of a process id.
type CustomHostLaunchFailedError struct {
	Message string
}

func (e *CustomHostLaunchFailedError) Error() string {
	return fmt.Sprintf("custom test host launch failed: %s", e.Message)
}

// IsCustomHostLaunchFailed checks if the error is or wraps a
// CustomHostLaunchFailedError.
func IsCustomHostLaunchFailed(err error) bool {
	var launchErr *CustomHostLaunchFailedError
	return err != nil && errors.As(err, &launchErr)
}
