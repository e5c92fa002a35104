package session

import (
	"encoding/json"
	"errors"

	"github.com/elijahnyp/sim_device/device"
)

const (
	ConnectionsTopic = "sim-device-control/connections"

	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"

	// NoResponse is what goes on the wire when a command produced no result.
	NoResponse = "none"

	InvalidMessageFormat = "Invalid message format"
)

var errMissingCommand = errors.New("missing command")

func CommandTopic(deviceID string) string {
	return "sim-device-control/" + deviceID + "/command"
}

func ResponseTopic(deviceID string) string {
	return "sim-device-control/" + deviceID + "/response"
}

// Command is an inbound request. ID is optional and echoed back so callers
// can pair requests with responses.
type Command struct {
	ID        string `json:"id,omitempty"`
	Command   string `json:"command"`
	Parameter string `json:"parameter"`
}

// decodeCommand fails only when the payload is not a command object. A
// present but empty command decodes and is later reported as invalid.
func decodeCommand(payload []byte) (Command, error) {
	var raw struct {
		ID        string  `json:"id"`
		Command   *string `json:"command"`
		Parameter string  `json:"parameter"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Command{}, err
	}
	if raw.Command == nil {
		return Command{}, errMissingCommand
	}
	return Command{ID: raw.ID, Command: *raw.Command, Parameter: raw.Parameter}, nil
}

// Response answers exactly one inbound message. A nil Response is encoded
// as NoResponse.
type Response struct {
	DeviceID  string
	ID        string
	Message   string
	Response  *string
	Timestamp int64
}

func (r Response) Text() string {
	if r.Response == nil {
		return NoResponse
	}
	return *r.Response
}

func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DeviceID  string `json:"device_id"`
		ID        string `json:"id,omitempty"`
		Message   string `json:"message"`
		Response  string `json:"response"`
		Timestamp int64  `json:"timestamp"`
	}{r.DeviceID, r.ID, r.Message, r.Text(), r.Timestamp})
}

// Notice is published on ConnectionsTopic when the device comes and goes.
// Action repeats Status for consumers keyed on that field.
type Notice struct {
	DeviceID    string `json:"device_id"`
	DeviceType  string `json:"device_type"`
	Status      string `json:"status"`
	Action      string `json:"action"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// NewNotice is also used before a session exists, to build the last will.
func NewNotice(deviceID string, dev Device, status string) Notice {
	meta := dev.Metadata()
	return Notice{
		DeviceID:    deviceID,
		DeviceType:  dev.Kind().String(),
		Status:      status,
		Action:      status,
		Name:        meta.Name,
		Description: meta.Description,
		Version:     device.Version,
	}
}
