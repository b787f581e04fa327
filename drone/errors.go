package drone

import (
	"errors"
	"fmt"
)

var (
	ErrReconnectsExhausted = errors.New("drone reconnect attempts exhausted")
	ErrSuperseded          = errors.New("drone link superseded by a newer worker")
	ErrNoTelemetryEndpoint = errors.New("drone has no ws_url")
	ErrInvalidEndpoint     = errors.New("invalid drone ws_url")
	ErrMissingDroneID      = errors.New("drone id is required")
)

// TransportError reports a failed dial or handshake write.
type TransportError struct {
	DroneID string
	URL     string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("drone %s link %s: %v", e.DroneID, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
