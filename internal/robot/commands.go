// Package robot defines the JSON contract between rover and the robot (and
// any attached control clients), and a websocket hub that carries it.
package robot

import (
	"encoding/json"
	"fmt"
)

// Command is an outbound message to the robot.
type Command interface {
	CommandType() string
}

// GoTo asks the robot to travel to a named location.
type GoTo struct {
	Location string `json:"location"`
}

// TakePicture asks for a snapshot that will be uploaded under RequestID.
type TakePicture struct {
	RequestID string `json:"requestId"`
}

// Speak asks the robot to say Text.
type Speak struct {
	Text string `json:"text"`
}

// CameraControl powers the camera subsystem on or off.
type CameraControl struct {
	On bool `json:"on"`
}

// PrivacyToggle switches privacy mode.
type PrivacyToggle struct {
	On bool `json:"on"`
}

// PrivacyStatus requests a privacy_mode_changed report.
type PrivacyStatus struct{}

// BatteryStatus requests a battery_status report.
type BatteryStatus struct{}

// StopMovement halts any travel in progress.
type StopMovement struct{}

// ManualTaskUpdate publishes the manually triggerable task names.
type ManualTaskUpdate struct {
	Names []string `json:"names"`
}

func (GoTo) CommandType() string             { return "goTo" }
func (TakePicture) CommandType() string      { return "takePicture" }
func (Speak) CommandType() string            { return "speak" }
func (CameraControl) CommandType() string    { return "cameraControl" }
func (PrivacyToggle) CommandType() string    { return "privacyToggle" }
func (PrivacyStatus) CommandType() string    { return "privacyStatus" }
func (BatteryStatus) CommandType() string    { return "batteryStatus" }
func (StopMovement) CommandType() string     { return "stopMovement" }
func (ManualTaskUpdate) CommandType() string { return "manualTaskUpdate" }

// Encode renders cmd as a JSON object with its "type" field first.
func Encode(cmd Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	typ, _ := json.Marshal(cmd.CommandType())

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
