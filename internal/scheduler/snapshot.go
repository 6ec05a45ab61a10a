package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/robot"
)

// ErrNoLocation is returned when a snapshot is requested without a
// location and the robot's own location is unknown.
var ErrNoLocation = errors.New("no location")

func newRequestID() string { return uuid.NewString() }

// HandleUpload reports a saved upload to the loop.
func (s *Scheduler) HandleUpload(upload robot.SnapshotUploaded) {
	s.Deliver(upload)
}

// RequestSnapshot asks the robot for a capture at location and blocks until
// the image arrives, SnapshotWait passes or ctx ends. An empty location
// means wherever the robot is. On timeout the pending request is dropped.
func (s *Scheduler) RequestSnapshot(ctx context.Context, location string) (robot.SnapshotUploaded, error) {
	id := newRequestID()
	reply := make(chan snapshotReply, 1)

	err := s.submit(ctx, func(ctx context.Context) {
		loc := location
		if loc == "" {
			loc = s.location
		}
		if loc == "" {
			reply <- snapshotReply{err: ErrNoLocation}
			return
		}
		if _, err := s.requestSnapshot(ctx, id, loc, s.planTasks[loc], SyncTag); err != nil {
			reply <- snapshotReply{err: err}
			return
		}
		s.waiters[id] = reply
	})
	if err != nil {
		return robot.SnapshotUploaded{}, err
	}

	select {
	case r := <-reply:
		return r.upload, r.err
	case <-s.clock.After(s.cfg.SnapshotWait):
		s.abandon(id)
		return robot.SnapshotUploaded{}, fmt.Errorf("request %s: %w", id, ErrSnapshotTimeout)
	case <-ctx.Done():
		s.abandon(id)
		return robot.SnapshotUploaded{}, ctx.Err()
	}
}

// abandon removes a request nobody waits for anymore.
func (s *Scheduler) abandon(id string) {
	err := s.submit(context.Background(), func(ctx context.Context) {
		delete(s.waiters, id)
		if _, ok := s.pending[id]; !ok {
			return
		}
		delete(s.pending, id)
		if s.status.Kind == models.StatusCapturing {
			s.setStatus(ctx, models.StatusIdle, "")
		}
		s.logger.Info("snapshot abandoned", zap.String("request_id", id))
	})
	if err != nil {
		s.logger.Debug("abandon snapshot", zap.String("request_id", id), zap.Error(err))
	}
}
