package drone

import (
	"github.com/goccy/go-json"

	"drone-relay-server/telemetry"
)

// Frame types spoken on the drone link.
const (
	FrameInit    = "init"
	FrameInitAck = "init_ack"
	FrameInfo    = "info"
	FrameGPS     = "gps"
	FrameGPSAck  = "gps_ack"
)

// Frame is the common header of every drone frame.
type Frame struct {
	Type string `json:"type"`
}

// InitFrame is sent by the server right after connecting.
type InitFrame struct {
	Type    string `json:"type"`
	DroneID string `json:"drone_id"`
}

// InfoFrame is a free-form greeting a drone may send.
type InfoFrame struct {
	Type    string `json:"type"`
	DroneID string `json:"drone_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// GPSFrame is one position report. Coordinates are pointers so a missing
// field can be told apart from zero.
type GPSFrame struct {
	Type      string   `json:"type"`
	DroneID   string   `json:"drone_id,omitempty"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  *float64 `json:"altitude"`
	Timestamp Text     `json:"timestamp,omitempty"`
	Title     Text     `json:"title,omitempty"`
}

// Text is an optional string field. Drones are loose about these, so a
// value of any other JSON type decodes as empty instead of failing the
// whole frame.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*t = ""
		return nil
	}
	*t = Text(s)
	return nil
}

// Sample converts f into a telemetry sample owned by droneID. It reports
// false when a coordinate is missing.
func (f GPSFrame) Sample(droneID string) (telemetry.Sample, bool) {
	if f.Latitude == nil || f.Longitude == nil || f.Altitude == nil {
		return telemetry.Sample{}, false
	}
	return telemetry.Sample{
		DroneID:   droneID,
		Latitude:  *f.Latitude,
		Longitude: *f.Longitude,
		Altitude:  *f.Altitude,
		Timestamp: string(f.Timestamp),
		Title:     string(f.Title),
	}, true
}

// AckFrame acknowledges an init or GPS frame.
type AckFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	DroneID   string `json:"drone_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
