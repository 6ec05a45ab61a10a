package scheduler

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/robot"
	"github.com/fentz26/rover/internal/state"
)

var (
	_ robot.Handler = (*Scheduler)(nil)
	_ robot.Sink    = (*Scheduler)(nil)
)

// OnGotoStatus tracks travel. Arrival at a planned location requests a
// capture for the tasks planned there.
func (s *Scheduler) OnGotoStatus(ctx context.Context, ev robot.GotoStatus) {
	now := s.clock.Now()
	switch ev.Status {
	case robot.GotoComplete:
		s.location = ev.Location
		s.locationAt = now
		s.setStatus(ctx, models.StatusIdle, "")
		s.logger.Info("arrived", zap.String("location", ev.Location))
		if tasks := s.planTasks[ev.Location]; len(tasks) > 0 {
			if _, err := s.requestSnapshot(ctx, newRequestID(), ev.Location, tasks, ""); err != nil {
				s.logger.Debug("snapshot not taken on arrival", zap.String("location", ev.Location), zap.Error(err))
			}
		}
	case robot.GotoAbort:
		s.logger.Info("travel aborted", zap.String("location", ev.Location))
		s.setStatus(ctx, models.StatusIdle, "")
	default:
		s.logger.Debug("travel progress", zap.String("location", ev.Location), zap.String("status", ev.Status))
	}
}

func (s *Scheduler) OnBatteryReport(_ context.Context, ev robot.BatteryReport) {
	s.battery = ev.Percent
	s.charging = ev.IsCharging
}

// OnPrivacyModeChanged tracks privacy mode. Turning it on halts travel to
// any location other than the home base.
func (s *Scheduler) OnPrivacyModeChanged(ctx context.Context, ev robot.PrivacyModeChanged) {
	if s.privacy != ev.PrivacyMode {
		s.logger.Info("privacy mode changed", zap.Bool("privacy", ev.PrivacyMode))
	}
	s.privacy = ev.PrivacyMode
	if !ev.PrivacyMode {
		s.privacyOffAt = time.Time{}
		return
	}
	if s.status.Kind == models.StatusTraveling && s.status.Location != s.cfg.HomeBase {
		if s.send(ctx, robot.StopMovement{}) {
			s.setStatus(ctx, models.StatusIdle, "")
		}
	}
}

func (s *Scheduler) OnASRResult(ctx context.Context, ev robot.ASRResult) {
	now := s.clock.Now()
	s.lastInteraction = now
	if ev.Text == "" {
		return
	}
	if err := s.state.AppendConversation(ctx, state.Message{Role: "user", Text: ev.Text, At: now}); err != nil {
		s.logger.Warn("append conversation", zap.Error(err))
	}
}

func (s *Scheduler) OnBeWithMeChanged(_ context.Context, ev robot.BeWithMeChanged) {
	s.lastInteraction = s.clock.Now()
	s.logger.Debug("be-with-me changed", zap.Bool("active", ev.Active))
}

// OnManualTaskTrigger queues a task for resolution on the next tick.
func (s *Scheduler) OnManualTaskTrigger(ctx context.Context, ev robot.ManualTaskTrigger) {
	if ev.Name == "" {
		return
	}
	if _, ok := s.tasks.Day(s.clock.Now()).Task(ev.Name); !ok {
		s.logger.Warn("manual trigger for unknown task", zap.String("task", ev.Name))
		return
	}
	if err := s.state.EnqueueActions(ctx, ev.Name); err != nil {
		s.logger.Error("enqueue manual trigger", zap.String("task", ev.Name), zap.Error(err))
		return
	}
	s.logger.Info("manual trigger queued", zap.String("task", ev.Name))
}

// OnTurnPrivacyOffAfter schedules privacy mode to end.
func (s *Scheduler) OnTurnPrivacyOffAfter(_ context.Context, ev robot.TurnPrivacyOffAfter) {
	if ev.Minutes <= 0 || math.IsNaN(ev.Minutes) || math.IsInf(ev.Minutes, 0) {
		s.privacyOffAt = s.clock.Now()
		return
	}
	s.privacyOffAt = s.clock.Now().Add(time.Duration(ev.Minutes * float64(time.Minute)))
	s.logger.Info("privacy end scheduled", zap.Time("at", s.privacyOffAt))
}

// OnSnapshotUploaded matches an upload to its pending request and hands
// the image to the analysis pipeline.
func (s *Scheduler) OnSnapshotUploaded(ctx context.Context, ev robot.SnapshotUploaded) {
	req, ok := s.pending[ev.RequestID]
	if !ok {
		s.logger.Info("upload without pending request", zap.String("request_id", ev.RequestID))
		return
	}
	delete(s.pending, ev.RequestID)
	if s.status.Kind == models.StatusCapturing {
		s.setStatus(ctx, models.StatusIdle, "")
	}

	if len(req.TaskNames) > 0 || req.Tag == models.InteractionTag {
		job := models.ImageJob{
			Filename:  ev.Filename,
			Path:      ev.Path,
			TaskNames: req.TaskNames,
			RequestID: req.RequestID,
			Position:  req.Position,
			Location:  req.Location,
			Tag:       req.Tag,
		}
		if err := s.state.EnqueueImageJob(ctx, job); err != nil {
			s.logger.Error("enqueue image job", zap.String("request_id", ev.RequestID), zap.Error(err))
		}
	}

	if ch, ok := s.waiters[ev.RequestID]; ok {
		ch <- snapshotReply{upload: ev}
		delete(s.waiters, ev.RequestID)
	}
}
