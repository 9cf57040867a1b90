package proxy

import (
	"errors"
	"fmt"
)

// ErrConnectionTimedOut reports that the test host never dialed back within
// the connection timeout while its process was still alive.
var ErrConnectionTimedOut = errors.New("timed out waiting for the test host to connect")

// InitializationFailedError reports that the test host exited before the
// session was established. Stderr carries the captured tail so the cause is
// visible without hunting for host logs.
type InitializationFailedError struct {
	ExitCode *int
	Stderr   string
}

func (e *InitializationFailedError) Error() string {
	msg := "test host exited during initialization"
	if e.ExitCode != nil {
		msg = fmt.Sprintf("%s (exit code %d)", msg, *e.ExitCode)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return msg
}

// IsInitializationFailed checks if the error is an InitializationFailedError.
func IsInitializationFailed(err error) bool {
	var e *InitializationFailedError
	return errors.As(err, &e)
}
