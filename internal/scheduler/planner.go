package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/state"
)

// regeneratePlan rebuilds the movement plan from today's tasks. Tasks that
// are capped for the day, superseded by a live secondary task, outside
// their window, recently triggered or recently checked everywhere are left
// out. Locations keep the order in which tasks first claim them.
func (s *Scheduler) regeneratePlan(ctx context.Context, now time.Time) {
	day := s.tasks.Day(now)
	date := state.Date(now)

	inactive, err := s.state.Inactive(ctx, date)
	if err != nil {
		s.logger.Warn("load inactive tasks", zap.Error(err))
		inactive = map[string]bool{}
	}

	candidates := append([]models.TaskDefinition(nil), day.Tasks...)
	superseded := ""
	secondary, err := s.state.Secondary(ctx)
	if err != nil {
		s.logger.Warn("load secondary task", zap.Error(err))
	}
	if secondary != nil {
		if secondary.Active(now) {
			candidates = append(candidates, *secondary)
			superseded = secondary.Origin
		} else {
			if err := s.state.ClearSecondary(ctx); err != nil {
				s.logger.Warn("clear expired secondary task", zap.Error(err))
			}
		}
	}

	var active []string
	var order []string
	byLocation := map[string][]string{}

	for _, t := range candidates {
		if inactive[t.Name] || t.Name == superseded || !t.Active(now) {
			continue
		}
		if t.MaxTriggerCount != models.Unbounded {
			count, err := s.state.TriggerCount(ctx, date, t.Name)
			if err != nil {
				s.logger.Warn("load trigger count", zap.String("task", t.Name), zap.Error(err))
			} else if t.Capped(count) {
				continue
			}
		}
		active = append(active, t.Name)

		if s.recent(now, t.TriggerFreq, func() (time.Time, bool, error) {
			return s.state.LastTriggered(ctx, t.Name)
		}) {
			continue
		}

		locations := t.Locations
		if loc, err := s.state.EvidenceLocation(ctx, t.Name); err == nil && loc != "" {
			locations = []string{loc}
		}
		for _, loc := range locations {
			if s.recent(now, t.TriggerCheckFreq, func() (time.Time, bool, error) {
				return s.state.LastChecked(ctx, t.Name, loc)
			}) {
				continue
			}
			if _, seen := byLocation[loc]; !seen {
				order = append(order, loc)
			}
			byLocation[loc] = append(byLocation[loc], t.Name)
		}
	}

	s.activeTasks = active
	s.plan = order
	s.planTasks = byLocation
	s.cursor = 0
	s.planAt = now
	s.logger.Debug("plan regenerated",
		zap.Strings("plan", order),
		zap.Strings("active", active))

	s.refreshManual(ctx, now, day.Tasks, inactive)
}

// recent reports whether the timestamp returned by last lies within
// freqSeconds of now.
func (s *Scheduler) recent(now time.Time, freqSeconds int, last func() (time.Time, bool, error)) bool {
	if freqSeconds <= 0 {
		return false
	}
	at, ok, err := last()
	if err != nil {
		s.logger.Warn("load timestamp", zap.Error(err))
		return false
	}
	return ok && now.Sub(at) < time.Duration(freqSeconds)*time.Second
}
