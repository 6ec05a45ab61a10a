package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/audit"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/robot"
)

// Action is the outcome of one tick.
type Action string

const (
	ActionNone                Action = "none"
	ActionGoHome              Action = "go_home"
	ActionResolve             Action = "resolve_triggers"
	ActionPause               Action = "speech_pause"
	ActionRest                Action = "rest"
	ActionPrivacy             Action = "privacy"
	ActionSpeechCooldown      Action = "speech_cooldown"
	ActionGoTo                Action = "go_to"
	ActionSnapshot            Action = "snapshot"
	ActionInteractionSnapshot Action = "interaction_snapshot"
	ActionHold                Action = "hold"
	ActionResetStale          Action = "reset_stale"
	ActionBusy                Action = "busy"
)

// Tick runs one pass of the decision loop and returns what it chose.
func (s *Scheduler) Tick(ctx context.Context) Action {
	if ctx.Err() != nil {
		return ActionNone
	}
	now := s.clock.Now()

	s.queryRobotStatus(ctx, now)
	s.checkPrivacyDeadline(ctx, now)
	s.checkPending(ctx, now)

	action := s.selectAction(ctx, now)
	if action != ActionBusy && action != ActionNone {
		s.logger.Debug("tick", zap.String("action", string(action)), zap.String("status", s.status.String()))
	}
	s.publish(ctx, now)
	return action
}

// selectAction evaluates the priority chain; the first rule that applies
// decides the tick.
func (s *Scheduler) selectAction(ctx context.Context, now time.Time) Action {
	if s.battery <= s.cfg.CriticalBattery {
		s.goHome(ctx, now)
		return ActionGoHome
	}

	if now.Before(s.pauseUntil) {
		return ActionPause
	}

	names, err := s.state.DrainActions(ctx)
	if err != nil {
		s.logger.Warn("drain robot actions", zap.Error(err))
	}
	if len(names) > 0 {
		s.resolveTriggers(ctx, names, now)
		return ActionResolve
	}

	if s.battery <= s.cfg.RestBattery && s.charging {
		return ActionRest
	}
	if s.privacy {
		return ActionPrivacy
	}
	if !s.lastSpeech.IsZero() && now.Sub(s.lastSpeech) < s.cfg.SpeechCooldown {
		return ActionSpeechCooldown
	}

	if s.status.Kind != models.StatusIdle {
		return s.checkStale(ctx, now)
	}

	exhausted := s.cursor >= len(s.plan) && len(s.plan) > 0
	stale := len(s.plan) == 0 && now.Sub(s.planAt) > s.cfg.PlanStaleness
	if exhausted || stale {
		s.regeneratePlan(ctx, now)
	}

	if len(s.activeTasks) == 0 {
		s.goHome(ctx, now)
		return ActionGoHome
	}

	if !s.lastInteraction.IsZero() && now.Sub(s.lastInteraction) < s.cfg.InteractionWindow {
		if now.Sub(s.lastInterSnap) < s.cfg.InteractionSnapshotInterval {
			return ActionHold
		}
		s.lastInterSnap = now
		if _, err := s.requestSnapshot(ctx, newRequestID(), s.location, nil, models.InteractionTag); err != nil {
			s.logger.Debug("interaction snapshot not taken", zap.Error(err))
			return ActionHold
		}
		return ActionInteractionSnapshot
	}

	if s.cursor < len(s.plan) {
		loc := s.plan[s.cursor]
		s.cursor++
		return s.visit(ctx, loc, now)
	}

	if s.battery < s.cfg.RestBattery {
		s.goHome(ctx, now)
		return ActionGoHome
	}
	return ActionNone
}

// checkStale forces a stuck status back to idle.
func (s *Scheduler) checkStale(ctx context.Context, now time.Time) Action {
	age := now.Sub(s.status.UpdatedAt)
	var limit time.Duration
	switch s.status.Kind {
	case models.StatusTraveling:
		limit = s.cfg.TravelingTimeout
	case models.StatusCapturing:
		limit = s.cfg.CapturingTimeout
	default:
		return ActionBusy
	}
	if age <= limit {
		return ActionBusy
	}

	prev := s.status.String()
	s.logger.Warn("status stuck, resetting to idle", zap.String("status", prev), zap.Duration("age", age))
	s.setStatus(ctx, models.StatusIdle, "")
	s.record(ctx, audit.ActionStatusReset, map[string]any{"status": prev, "age": age.Seconds()}, "idle", "", prev)
	return ActionResetStale
}

// visit travels to loc, or captures right away when the robot is already
// known to be there.
func (s *Scheduler) visit(ctx context.Context, loc string, now time.Time) Action {
	if s.atLocation(loc, now) {
		if _, err := s.requestSnapshot(ctx, newRequestID(), loc, s.planTasks[loc], ""); err != nil {
			s.logger.Debug("snapshot not taken", zap.String("location", loc), zap.Error(err))
			return ActionHold
		}
		return ActionSnapshot
	}
	if !s.send(ctx, robot.GoTo{Location: loc}) {
		return ActionHold
	}
	s.setStatus(ctx, models.StatusTraveling, loc)
	return ActionGoTo
}

func (s *Scheduler) atLocation(loc string, now time.Time) bool {
	return s.location == loc && now.Sub(s.locationAt) < s.cfg.LocationValidity
}

// goHome sends the robot to its base unless it is already there or on
// its way. A charging robot is taken to be docked.
func (s *Scheduler) goHome(ctx context.Context, now time.Time) {
	home := s.cfg.HomeBase
	if s.charging || s.atLocation(home, now) {
		return
	}
	if s.status.Kind == models.StatusTraveling && s.status.Location == home &&
		now.Sub(s.status.UpdatedAt) <= s.cfg.TravelingTimeout {
		return
	}
	if s.send(ctx, robot.GoTo{Location: home}) {
		s.setStatus(ctx, models.StatusTraveling, home)
	}
}

// requestSnapshot asks the robot for an image of loc under requestID.
func (s *Scheduler) requestSnapshot(ctx context.Context, requestID, loc string, taskNames []string, tag string) (string, error) {
	now := s.clock.Now()
	if s.privacy {
		return "", ErrPrivacy
	}
	if now.Before(s.cameraCooldown) {
		return "", ErrCameraCooldown
	}
	if err := s.transport.Send(ctx, robot.TakePicture{RequestID: requestID}); err != nil {
		return "", fmt.Errorf("request snapshot: %w", err)
	}

	position := 0
	for i, p := range s.plan {
		if p == loc {
			position = i
			break
		}
	}
	s.pending[requestID] = models.PendingRequest{
		RequestID:   requestID,
		Location:    loc,
		Position:    position,
		TaskNames:   append([]string(nil), taskNames...),
		Tag:         tag,
		RequestedAt: now,
	}
	s.setStatus(ctx, models.StatusCapturing, loc)
	s.logger.Debug("snapshot requested",
		zap.String("request_id", requestID),
		zap.String("location", loc),
		zap.Strings("tasks", taskNames),
		zap.String("tag", tag))
	return requestID, nil
}

// checkPending power cycles the camera when too many captures are
// outstanding.
func (s *Scheduler) checkPending(ctx context.Context, now time.Time) {
	if len(s.pending) < s.cfg.MaxPending {
		return
	}
	s.logger.Warn("too many pending snapshots, resetting camera", zap.Int("pending", len(s.pending)))
	s.send(ctx, robot.CameraControl{On: false})
	s.send(ctx, robot.CameraControl{On: true})

	dropped := len(s.pending)
	s.pending = map[string]models.PendingRequest{}
	s.failWaiters(ErrCameraReset)
	s.cameraCooldown = now.Add(s.cfg.CameraResetCooldown)
	if s.status.Kind == models.StatusCapturing {
		s.setStatus(ctx, models.StatusIdle, "")
	}
	s.record(ctx, audit.ActionCameraReset, map[string]int{"pending": dropped}, "power_cycled", "",
		fmt.Sprintf("dropped %d pending requests", dropped))
}

// queryRobotStatus periodically asks for battery and privacy reports.
func (s *Scheduler) queryRobotStatus(ctx context.Context, now time.Time) {
	if !s.transport.Connected() {
		return
	}
	if !s.lastStatusQuery.IsZero() && now.Sub(s.lastStatusQuery) < s.cfg.StatusQueryInterval {
		return
	}
	s.lastStatusQuery = now
	s.send(ctx, robot.BatteryStatus{})
	s.send(ctx, robot.PrivacyStatus{})
}

// checkPrivacyDeadline ends privacy mode once its scheduled end passes.
func (s *Scheduler) checkPrivacyDeadline(ctx context.Context, now time.Time) {
	if s.privacyOffAt.IsZero() || now.Before(s.privacyOffAt) {
		return
	}
	s.privacyOffAt = time.Time{}
	if s.send(ctx, robot.PrivacyToggle{On: false}) {
		s.privacy = false
		s.logger.Info("privacy mode ended on schedule")
	}
}
