package orchestrator

import (
	"errors"
	"fmt"
)

// ErrRelayTimeout ends a live stream that outlived the relay ceiling. It is
// deliberately distinct from a RunFailure so callers can offer "try again"
// messaging instead of reporting a backend failure.
var ErrRelayTimeout = errors.New("run stream exceeded the relay time limit")

// RunFailure is a terminal run failure (failed, cancelled or expired).
// The driver never retries these; retries apply to individual calls, not to
// the run lifecycle.
type RunFailure struct {
	RunID   string
	Status  string
	Message string
}

func (e *RunFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("run %s ended with status %s", e.RunID, e.Status)
	}
	return fmt.Sprintf("run %s ended with status %s: %s", e.RunID, e.Status, e.Message)
}
