package runner

import "fmt"

// LaunchError means the external program never started: missing binary,
// permission denied, broken pipe setup. No exit code exists.
type LaunchError struct {
	Spec Spec
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Spec.Bin, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError means the process ran and terminated with a non-zero status.
// Code is -1 when the process died without reporting one (signal).
type ExitError struct {
	Spec Spec
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Spec, e.Err)
	}
	return fmt.Sprintf("%s: exit status %d", e.Spec, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// StreamError means a pipe read failed while the process itself exited
// cleanly. Output captured up to the failure point was still delivered.
type StreamError struct {
	Spec Spec
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: reading output: %v", e.Spec, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
