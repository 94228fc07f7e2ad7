package transport

import (
	"errors"
	"fmt"
)

// ErrDeviceUnreachable reports that the transport could not reach the
// device at all. The orchestrator retries only on its next discovery
// poll, never immediately.
var ErrDeviceUnreachable = errors.New("device unreachable")

// CommandError reports a remote command that ran but exited non-zero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d", e.Cmd, e.ExitCode)
}

// IsUnreachable reports whether err indicates an unreachable device.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrDeviceUnreachable)
}
