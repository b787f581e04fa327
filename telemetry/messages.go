package telemetry

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Message types carried in the envelope's message_type field.
const (
	TypeGpsUpdate  = "gps_update"
	TypeGpsRequest = "gps_request"
	TypeAck        = "ack"
	TypeError      = "error"
)

// ErrMalformedMessage wraps every decode failure.
var ErrMalformedMessage = errors.New("malformed telemetry message")

// Message is the closed set of envelope payloads. Switch on the concrete
// type; Unknown covers kinds this server does not speak.
type Message interface {
	MessageType() string
	isMessage()
}

// GpsUpdate pushes one sample, in either direction.
type GpsUpdate struct {
	Sample
}

// GpsRequest asks for the latest sample of one drone, or of all drones
// when DroneID is empty.
type GpsRequest struct {
	DroneID string `json:"drone_id,omitempty"`
}

// Ack confirms an inbound message.
type Ack struct {
	Status    string `json:"status"`
	DroneID   string `json:"drone_id,omitempty"`
	SampleID  string `json:"sample_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Error reports a rejected inbound message.
type Error struct {
	Message string `json:"message"`
}

// Unknown preserves an envelope with an unrecognised message_type.
type Unknown struct {
	Type string
	Data json.RawMessage
}

func (GpsUpdate) MessageType() string  { return TypeGpsUpdate }
func (GpsRequest) MessageType() string { return TypeGpsRequest }
func (Ack) MessageType() string        { return TypeAck }
func (Error) MessageType() string      { return TypeError }
func (u Unknown) MessageType() string  { return u.Type }

func (GpsUpdate) isMessage()  {}
func (GpsRequest) isMessage() {}
func (Ack) isMessage()        {}
func (Error) isMessage()      {}
func (Unknown) isMessage()    {}

type envelope struct {
	MessageType string          `json:"message_type"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Encode wraps m in the {message_type, data} envelope.
func Encode(m Message) ([]byte, error) {
	var data []byte
	var err error
	switch msg := m.(type) {
	case Unknown:
		data = msg.Data
	case nil:
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	default:
		data, err = json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
		}
	}
	return json.Marshal(envelope{MessageType: m.MessageType(), Data: data})
}

// Decode parses an envelope into its concrete Message.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if env.MessageType == "" {
		return nil, fmt.Errorf("%w: missing message_type", ErrMalformedMessage)
	}

	switch env.MessageType {
	case TypeGpsUpdate:
		var m GpsUpdate
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeGpsRequest:
		var m GpsRequest
		if len(env.Data) > 0 {
			if err := decodeData(env.Data, &m); err != nil {
				return nil, err
			}
		}
		return m, nil
	case TypeAck:
		var m Ack
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeError:
		var m Error
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return Unknown{Type: env.MessageType, Data: env.Data}, nil
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return nil
}
