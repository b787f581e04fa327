package relay

import (
	"errors"
	"fmt"
)

var (
	ErrEmptySourceID = errors.New("source id is required")
	ErrInvalidURL    = errors.New("invalid stream url")
	ErrNoProcess     = errors.New("no process handle")
)

// SpawnError reports a relay subprocess that could not be started.
type SpawnError struct {
	SourceID string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn relay %s: %v", e.SourceID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
