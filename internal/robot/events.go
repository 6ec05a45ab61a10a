package robot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by DecodeEvent for an unrecognised type.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is an inbound message. The set is closed: every kind has a
// Handler method, so adding a kind breaks every handler until it is
// covered.
type Event interface {
	EventType() string
	Dispatch(ctx context.Context, h Handler)
}

// Handler receives decoded events.
type Handler interface {
	OnGotoStatus(ctx context.Context, ev GotoStatus)
	OnBatteryReport(ctx context.Context, ev BatteryReport)
	OnPrivacyModeChanged(ctx context.Context, ev PrivacyModeChanged)
	OnASRResult(ctx context.Context, ev ASRResult)
	OnBeWithMeChanged(ctx context.Context, ev BeWithMeChanged)
	OnManualTaskTrigger(ctx context.Context, ev ManualTaskTrigger)
	OnTurnPrivacyOffAfter(ctx context.Context, ev TurnPrivacyOffAfter)
	OnSnapshotUploaded(ctx context.Context, ev SnapshotUploaded)
}

// Goto statuses with scheduler meaning. Anything else is progress.
const (
	GotoComplete = "complete"
	GotoAbort    = "abort"
)

// GotoStatus reports travel progress.
type GotoStatus struct {
	Location string `json:"location"`
	Status   string `json:"status"`
}

// BatteryReport carries the battery level.
type BatteryReport struct {
	Percent    int  `json:"percent"`
	IsCharging bool `json:"is_charging"`
}

// PrivacyModeChanged reports the privacy flag.
type PrivacyModeChanged struct {
	PrivacyMode bool `json:"privacy_mode"`
}

// ASRResult carries recognised speech.
type ASRResult struct {
	Text string `json:"text"`
}

// BeWithMeChanged reports that follow-me mode was toggled.
type BeWithMeChanged struct {
	Active bool `json:"active"`
}

// ManualTaskTrigger asks for a task's action to run now.
type ManualTaskTrigger struct {
	Name string `json:"name"`
}

// TurnPrivacyOffAfter schedules privacy mode to end.
type TurnPrivacyOffAfter struct {
	Minutes float64 `json:"minutes"`
}

// SnapshotUploaded is produced by the upload endpoint once a requested
// image is saved.
type SnapshotUploaded struct {
	RequestID string `json:"requestId"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
}

func (GotoStatus) EventType() string          { return "goto_status" }
func (BatteryReport) EventType() string       { return "battery_status" }
func (PrivacyModeChanged) EventType() string  { return "privacy_mode_changed" }
func (ASRResult) EventType() string           { return "asr_result" }
func (BeWithMeChanged) EventType() string     { return "bewithme_changed" }
func (ManualTaskTrigger) EventType() string   { return "manual_task_trigger" }
func (TurnPrivacyOffAfter) EventType() string { return "turn_privacy_off_after" }
func (SnapshotUploaded) EventType() string    { return "snapshot_uploaded" }

func (e GotoStatus) Dispatch(ctx context.Context, h Handler)         { h.OnGotoStatus(ctx, e) }
func (e BatteryReport) Dispatch(ctx context.Context, h Handler)      { h.OnBatteryReport(ctx, e) }
func (e PrivacyModeChanged) Dispatch(ctx context.Context, h Handler) { h.OnPrivacyModeChanged(ctx, e) }
func (e ASRResult) Dispatch(ctx context.Context, h Handler)          { h.OnASRResult(ctx, e) }
func (e BeWithMeChanged) Dispatch(ctx context.Context, h Handler)    { h.OnBeWithMeChanged(ctx, e) }
func (e ManualTaskTrigger) Dispatch(ctx context.Context, h Handler)  { h.OnManualTaskTrigger(ctx, e) }
func (e TurnPrivacyOffAfter) Dispatch(ctx context.Context, h Handler) {
	h.OnTurnPrivacyOffAfter(ctx, e)
}
func (e SnapshotUploaded) Dispatch(ctx context.Context, h Handler) { h.OnSnapshotUploaded(ctx, e) }

// DecodeEvent parses one inbound JSON message.
func DecodeEvent(data []byte) (Event, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var ev Event
	var err error
	switch env.Type {
	case "goto_status":
		ev, err = decodeAs[GotoStatus](data)
	case "battery_status":
		ev, err = decodeAs[BatteryReport](data)
	case "privacy_mode_changed":
		ev, err = decodeAs[PrivacyModeChanged](data)
	case "asr_result":
		ev, err = decodeAs[ASRResult](data)
	case "bewithme_changed":
		ev, err = decodeAs[BeWithMeChanged](data)
	case "manual_task_trigger":
		ev, err = decodeAs[ManualTaskTrigger](data)
	case "turn_privacy_off_after":
		ev, err = decodeAs[TurnPrivacyOffAfter](data)
	case "snapshot_uploaded":
		ev, err = decodeAs[SnapshotUploaded](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
