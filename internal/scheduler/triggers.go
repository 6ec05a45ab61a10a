package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/audit"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/robot"
	"github.com/fentz26/rover/internal/state"
	"github.com/fentz26/rover/internal/taskconfig"
)

// SecondarySuffix is appended to a task name to name its find task.
const SecondarySuffix = "__find"

// EveryoneKey groups manual tasks that name no responsible member.
const EveryoneKey = "everyone"

// resolveTriggers turns queued task names into speech or find tasks.
func (s *Scheduler) resolveTriggers(ctx context.Context, names []string, now time.Time) {
	day := s.tasks.Day(now)
	for _, name := range names {
		s.resolveOne(ctx, day, name, now)
	}
	s.regeneratePlan(ctx, now)
}

func (s *Scheduler) resolveOne(ctx context.Context, day taskconfig.Day, name string, now time.Time) {
	task, ok := day.Task(name)
	viaSecondary := false
	if !ok {
		secondary, err := s.state.Secondary(ctx)
		if err != nil {
			s.logger.Warn("load secondary task", zap.Error(err))
			return
		}
		if secondary == nil || secondary.Name != name {
			s.logger.Info("ignoring trigger for unknown task", zap.String("task", name))
			return
		}
		if err := s.state.ClearSecondary(ctx); err != nil {
			s.logger.Warn("clear secondary task", zap.Error(err))
		}
		task, ok = day.Task(secondary.Origin)
		if !ok {
			s.logger.Info("secondary task outlived its origin", zap.String("task", secondary.Origin))
			return
		}
		viaSecondary = true
	}

	if task.Action.Find != nil && !viaSecondary {
		s.startFind(ctx, day, task, now)
		return
	}

	date := state.Date(now)
	count, err := s.state.IncrTriggerCount(ctx, date, task.Name)
	if err != nil {
		s.logger.Error("increment trigger count", zap.String("task", task.Name), zap.Error(err))
		return
	}
	if err := s.state.SetLastTriggered(ctx, task.Name, now); err != nil {
		s.logger.Warn("record last triggered", zap.String("task", task.Name), zap.Error(err))
	}
	if task.Capped(count) {
		if err := s.state.MarkInactive(ctx, date, task.Name); err != nil {
			s.logger.Error("mark task inactive", zap.String("task", task.Name), zap.Error(err))
		}
		s.record(ctx, audit.ActionTaskCapped, map[string]any{"task": task.Name, "count": count}, "inactive", task.Name,
			fmt.Sprintf("reached %d of %d", count, task.MaxTriggerCount))
	}

	line := s.pickLine(task.Action.Speech, count)
	outcome := "silent"
	if line != "" && s.transport.Connected() && s.send(ctx, robot.Speak{Text: line}) {
		outcome = "spoke"
		if err := s.state.AppendConversation(ctx, state.Message{Role: "robot", Text: line, At: now}); err != nil {
			s.logger.Warn("append conversation", zap.Error(err))
		}
		s.lastSpeech = now
		s.pauseUntil = now.Add(s.cfg.SpeechPause)
	}
	s.logger.Info("trigger resolved",
		zap.String("task", task.Name),
		zap.Int64("count", count),
		zap.Bool("via_find", viaSecondary),
		zap.String("outcome", outcome))
	s.record(ctx, audit.ActionTriggerFired, map[string]any{"task": task.Name, "count": count, "via_find": viaSecondary},
		outcome, task.Name, line)
}

// pickLine returns the line for the count-th trigger, or a random line
// when the count runs past the list.
func (s *Scheduler) pickLine(lines []string, count int64) string {
	if len(lines) == 0 {
		return ""
	}
	idx := int(count) - 1
	if idx < 0 || idx >= len(lines) {
		idx = s.randIntN(len(lines))
	}
	return lines[idx]
}

// startFind replaces task with a short-lived task that looks for the
// people it should be told to.
func (s *Scheduler) startFind(ctx context.Context, day taskconfig.Day, task models.TaskDefinition, now time.Time) {
	find := task.Action.Find
	condition := models.AnyoneCondition
	if len(find.Members) > 0 {
		descs := make([]string, 0, len(find.Members))
		for _, m := range find.Members {
			if d, ok := day.FamilyMembers[m]; ok && d != "" {
				descs = append(descs, d)
			} else {
				descs = append(descs, m)
			}
		}
		condition = fmt.Sprintf(s.cfg.PresenceTemplate, strings.Join(descs, " or "))
	}

	locations := find.Locations
	if len(locations) == 0 {
		locations = task.Locations
	}

	secondary := models.TaskDefinition{
		Name:            task.Name + SecondarySuffix,
		Description:     "find " + strings.Join(find.Members, ", ") + " for " + task.Name,
		Locations:       locations,
		MaxTriggerCount: models.Unbounded,
		Trigger:         models.ConditionTrigger(condition),
		Action:          models.Action{Speech: task.Action.Speech},
		Members:         task.Members,
		Origin:          task.Name,
		Expires:         now.Add(s.cfg.SecondaryValidity),
	}
	if err := s.state.SetSecondary(ctx, secondary); err != nil {
		s.logger.Error("persist secondary task", zap.String("task", task.Name), zap.Error(err))
		return
	}
	s.logger.Info("find task created",
		zap.String("task", secondary.Name),
		zap.Strings("locations", locations),
		zap.Time("expires", secondary.Expires))
	s.record(ctx, audit.ActionSecondaryCreated, secondary, "created", task.Name, condition)
}

// refreshManual recomputes the manually triggerable tasks per member and
// publishes them when they change.
func (s *Scheduler) refreshManual(ctx context.Context, now time.Time, tasks []models.TaskDefinition, inactive map[string]bool) {
	byMember := map[string][]string{}
	var names []string
	for _, t := range tasks {
		if !t.Manual || inactive[t.Name] || !t.Active(now) {
			continue
		}
		names = append(names, t.Name)
		members := t.Members
		if len(members) == 0 {
			members = []string{EveryoneKey}
		}
		for _, m := range members {
			byMember[m] = append(byMember[m], t.Name)
		}
	}
	if manualEqual(byMember, s.manual) {
		return
	}
	s.manual = byMember
	if err := s.state.SetManualTasks(ctx, byMember); err != nil {
		s.logger.Warn("persist manual tasks", zap.Error(err))
	}
	sort.Strings(names)
	if names == nil {
		names = []string{}
	}
	s.send(ctx, robot.ManualTaskUpdate{Names: names})
}

func manualEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !slices.Equal(v, b[k]) {
			return false
		}
	}
	return true
}
