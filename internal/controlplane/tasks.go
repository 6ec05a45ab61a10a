package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/fentz26/rover/internal/state"
	"github.com/fentz26/rover/internal/taskconfig"
)

// TaskTable is the live task configuration.
type TaskTable interface {
	Current() *taskconfig.Table
	LastError() error
}

// TaskView is one task's configuration and progress for a day.
type TaskView struct {
	Name             string      `json:"name"`
	Description      string      `json:"description,omitempty"`
	Window           string      `json:"window"`
	Locations        []string    `json:"locations"`
	Condition        string      `json:"condition,omitempty"`
	Origin           string      `json:"origin,omitempty"`
	TriggerCount     int64       `json:"trigger_count"`
	MaxTriggerCount  int         `json:"max_trigger_count"`
	Inactive         bool        `json:"inactive"`
	Evidence         []time.Time `json:"evidence,omitempty"`
	EvidenceLocation string      `json:"evidence_location,omitempty"`
}

// TasksReport is the body of GET /tasks.
type TasksReport struct {
	Date           string     `json:"date"`
	Dates          []string   `json:"configured_dates"`
	ConfigError    string     `json:"config_error,omitempty"`
	Tasks          []TaskView `json:"tasks"`
	PendingActions []string   `json:"pending_actions"`
}

// Tasks reports the task table for date (DateLayout) with each task's
// counters and duration evidence. An empty date means today.
func (s *Service) Tasks(ctx context.Context, date string) (*TasksReport, error) {
	now := s.state.Now()
	day := now
	if date != "" {
		t, err := time.ParseInLocation(taskconfig.DateLayout, date, now.Location())
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY/MM/DD", ErrBadRequest)
		}
		day = t
	}
	report := &TasksReport{Date: state.Date(day), Dates: []string{}, Tasks: []TaskView{}}

	table := taskconfig.Empty()
	if s.tasks != nil {
		table = s.tasks.Current()
		if err := s.tasks.LastError(); err != nil {
			report.ConfigError = err.Error()
		}
	}
	report.Dates = append(report.Dates, table.Dates()...)

	counts, err := s.state.TriggerCounts(ctx, report.Date)
	if err != nil {
		return nil, err
	}
	inactive, err := s.state.Inactive(ctx, report.Date)
	if err != nil {
		return nil, err
	}

	view := table.Day(day)
	defs := view.Tasks
	if report.Date == state.Date(now) {
		sec, err := s.state.Secondary(ctx)
		if err != nil {
			return nil, err
		}
		if sec != nil {
			defs = append(defs[:len(defs):len(defs)], *sec)
		}
	}
	for _, def := range defs {
		tv := TaskView{
			Name:            def.Name,
			Description:     def.Description,
			Window:          def.Window.String(),
			Locations:       def.Locations,
			Condition:       view.Expand(def.Trigger.Condition),
			Origin:          def.Origin,
			TriggerCount:    counts[def.Name],
			MaxTriggerCount: def.MaxTriggerCount,
			Inactive:        inactive[def.Name],
		}
		if def.DurationTrigger > 0 {
			if tv.Evidence, err = s.state.Evidence(ctx, def.Name); err != nil {
				return nil, err
			}
			if tv.EvidenceLocation, err = s.state.EvidenceLocation(ctx, def.Name); err != nil {
				return nil, err
			}
		}
		report.Tasks = append(report.Tasks, tv)
	}

	pending, err := s.state.PendingActions(ctx)
	if err != nil {
		return nil, err
	}
	report.PendingActions = append([]string{}, pending...)
	return report, nil
}

// Interactions returns up to limit recorded interaction captures, newest
// first.
func (s *Service) Interactions(ctx context.Context, limit int) ([]state.InteractionSnapshot, error) {
	all, err := s.state.Interactions(ctx)
	if err != nil {
		return nil, err
	}
	out := []state.InteractionSnapshot{}
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
