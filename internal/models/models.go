// Package models defines the core domain types shared by the scheduler and
// the image analysis pipeline.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Unbounded marks a task that may be triggered any number of times per day.
const Unbounded = -1

// AnyoneCondition is the literal presence predicate that is satisfied by any
// person in view.
const AnyoneCondition = "anyone"

// InteractionTag marks capture jobs that only log a user interaction.
const InteractionTag = "user-interaction"

// Window is a [Start, End) range of minutes after midnight.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether t's wall-clock time lies within the window.
func (w Window) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= w.Start && m < w.End
}

// EndOfDay is the minute value of "24:00", the only way to close a window
// at midnight.
const EndOfDay = 24 * 60

// String formats the window as "HH:MM-HH:MM".
func (w Window) String() string {
	return formatClock(w.Start) + "-" + formatClock(w.End)
}

func formatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ParseClock parses "HH:MM" into minutes after midnight. "24:00" is
// accepted and means the end of the day.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return EndOfDay, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Trigger is a task's firing predicate: either a fixed boolean or a vision
// condition that may reference family members as {Name} placeholders.
type Trigger struct {
	Fixed     *bool  `json:"-"`
	Condition string `json:"-"`
}

// FixedTrigger returns a Trigger with a constant outcome.
func FixedTrigger(v bool) Trigger { return Trigger{Fixed: &v} }

// ConditionTrigger returns a Trigger evaluated by the vision model.
func ConditionTrigger(cond string) Trigger { return Trigger{Condition: cond} }

// IsAnyone reports whether the trigger is the literal presence predicate.
func (t Trigger) IsAnyone() bool {
	return t.Fixed == nil && strings.EqualFold(strings.TrimSpace(t.Condition), AnyoneCondition)
}

// NeedsQuery reports whether the trigger must be resolved by the vision model.
func (t Trigger) NeedsQuery() bool {
	return t.Fixed == nil && !t.IsAnyone() && t.Condition != ""
}

// UnmarshalJSON accepts either a JSON boolean or a condition string.
func (t *Trigger) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		t.Fixed, t.Condition = &b, ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("trigger must be a boolean or a condition string")
	}
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("trigger condition is empty")
	}
	t.Fixed, t.Condition = nil, s
	return nil
}

// MarshalJSON writes the trigger back in its configured form.
func (t Trigger) MarshalJSON() ([]byte, error) {
	if t.Fixed != nil {
		return json.Marshal(*t.Fixed)
	}
	return json.Marshal(t.Condition)
}

// FindDirective defers a task's speech until one of Members is found.
type FindDirective struct {
	Members   []string `json:"members,omitempty"`
	Locations []string `json:"locations,omitempty"`
}

// Action is what happens once a task's trigger fires.
type Action struct {
	Speech []string       `json:"speech,omitempty"`
	Find   *FindDirective `json:"find,omitempty"`
}

// TaskDefinition is one named, time-windowed behavior rule for a day.
type TaskDefinition struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Window           Window   `json:"window"`
	Locations        []string `json:"locations"`
	TriggerFreq      int      `json:"trigger_freq"`
	TriggerCheckFreq int      `json:"trigger_check_freq"`
	MaxTriggerCount  int      `json:"max_trigger_count"`
	DurationTrigger  int      `json:"duration_trigger,omitempty"`
	Trigger          Trigger  `json:"trigger"`
	Action           Action   `json:"action"`
	Members          []string `json:"members,omitempty"`
	Manual           bool     `json:"manual,omitempty"`

	// Origin is set on synthesized secondary tasks and names the task they
	// stand in for.
	Origin string `json:"origin,omitempty"`
	// Expires bounds a secondary task's validity.
	Expires time.Time `json:"expires,omitempty"`
}

// IsSecondary reports whether the task was synthesized by a find directive.
func (t *TaskDefinition) IsSecondary() bool { return t.Origin != "" }

// Active reports whether the task is live at now.
func (t *TaskDefinition) Active(now time.Time) bool {
	if t.IsSecondary() {
		return now.Before(t.Expires)
	}
	return t.Window.Contains(now)
}

// Capped reports whether count has reached the daily cap.
func (t *TaskDefinition) Capped(count int64) bool {
	return t.MaxTriggerCount != Unbounded && count >= int64(t.MaxTriggerCount)
}

// DurationRequired returns the sustain time before a duration task fires.
func (t *TaskDefinition) DurationRequired() time.Duration {
	return time.Duration(t.DurationTrigger) * time.Second
}

// StatusKind is the robot's coarse activity.
type StatusKind string

const (
	StatusIdle      StatusKind = "idle"
	StatusTraveling StatusKind = "traveling"
	StatusCapturing StatusKind = "capturing"
)

// Status is the scheduler's operating status with its last update time.
type Status struct {
	Kind      StatusKind `json:"kind"`
	Location  string     `json:"location,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// String renders the status as idle, traveling:<loc> or capturing:<loc>.
func (s Status) String() string {
	if s.Kind == StatusIdle || s.Kind == "" {
		return string(StatusIdle)
	}
	return string(s.Kind) + ":" + s.Location
}

// PendingRequest is an in-flight snapshot request.
type PendingRequest struct {
	RequestID   string    `json:"request_id"`
	Location    string    `json:"location"`
	Position    int       `json:"position"`
	TaskNames   []string  `json:"task_names"`
	Tag         string    `json:"tag,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// ImageJob is one capture handed to the analysis pipeline.
type ImageJob struct {
	Filename  string   `json:"filename"`
	Path      string   `json:"path,omitempty"`
	TaskNames []string `json:"taskNames"`
	RequestID string   `json:"requestId"`
	Position  int      `json:"position"`
	Location  string   `json:"location"`
	Tag       string   `json:"tag,omitempty"`
}

// InteractionOnly reports whether the job carries no analytic task.
func (j *ImageJob) InteractionOnly() bool {
	return len(j.TaskNames) == 0
}

// Decision is an audit record of a scheduler or pipeline decision.
type Decision struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Task       string    `json:"task,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Summary is the externally observable scheduler state.
type Summary struct {
	Status          string              `json:"status"`
	StatusUpdatedAt time.Time           `json:"status_updated_at"`
	Location        string              `json:"location,omitempty"`
	Battery         int                 `json:"battery"`
	Charging        bool                `json:"charging"`
	Privacy         bool                `json:"privacy"`
	Plan            []string            `json:"plan"`
	Cursor          int                 `json:"cursor"`
	ActiveTasks     []string            `json:"active_tasks"`
	Pending         int                 `json:"pending"`
	ManualTasks     map[string][]string `json:"manual_tasks,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}
