// Package telemetry carries drone GPS samples from the drone links to the
// WebSocket sessions: the Sample value, the broadcast Hub and the tagged
// message envelope spoken on /ws.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrMissingDroneID   = errors.New("drone_id is required")
	ErrInvalidLatitude  = errors.New("latitude must be within [-90, 90]")
	ErrInvalidLongitude = errors.New("longitude must be within [-180, 180]")
	ErrInvalidAltitude  = errors.New("altitude must be finite")
)

// Sample is one GPS reading from a drone. Samples are passed by value.
type Sample struct {
	// ID is assigned by the GPS cache when the sample is stored.
	ID        string  `json:"id,omitempty"`
	DroneID   string  `json:"drone_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	// Timestamp is the drone-reported time, RFC3339, when present.
	Timestamp string `json:"timestamp,omitempty"`
	Title     string `json:"title,omitempty"`
	// CreatedAt is when the server stored the sample, RFC3339.
	CreatedAt string `json:"created_at,omitempty"`
}

// Validate checks that the sample has an owner and plausible coordinates.
func (s Sample) Validate() error {
	if s.DroneID == "" {
		return ErrMissingDroneID
	}
	if math.IsNaN(s.Latitude) || s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("%w: %v", ErrInvalidLatitude, s.Latitude)
	}
	if math.IsNaN(s.Longitude) || s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: %v", ErrInvalidLongitude, s.Longitude)
	}
	if math.IsNaN(s.Altitude) || math.IsInf(s.Altitude, 0) {
		return ErrInvalidAltitude
	}
	return nil
}

// ReportedAt parses Timestamp, falling back to CreatedAt, then to the zero time.
func (s Sample) ReportedAt() time.Time {
	for _, v := range []string{s.Timestamp, s.CreatedAt} {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
