// Package scheduler is the robot's decision loop. Every tick it picks the
// single most important thing to do next (go home on a flat battery, speak
// a triggered reminder, rest, respect privacy, explore the movement plan,
// recover from a stuck status) and reacts to robot events in between.
//
// All scheduler state is owned by the goroutine running Run. Events,
// uploads and synchronous snapshot requests are handed to that goroutine
// through an inbox, so no field is ever touched concurrently.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/audit"
	"github.com/fentz26/rover/internal/clock"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/robot"
	"github.com/fentz26/rover/internal/state"
	"github.com/fentz26/rover/internal/taskconfig"
)

var (
	// ErrStopped is returned when the scheduler is no longer running.
	ErrStopped = errors.New("scheduler stopped")
	// ErrSnapshotTimeout is returned when a requested image never arrives.
	ErrSnapshotTimeout = errors.New("snapshot timed out")
	// ErrPrivacy is returned when a capture is refused in privacy mode.
	ErrPrivacy = errors.New("privacy mode active")
	// ErrCameraCooldown is returned while the camera recovers from a reset.
	ErrCameraCooldown = errors.New("camera resetting")
	// ErrCameraReset is returned to callers whose request was dropped by a
	// camera reset.
	ErrCameraReset = errors.New("camera reset")
)

// Transport carries commands to the robot.
type Transport interface {
	Send(ctx context.Context, cmd robot.Command) error
	Connected() bool
}

// TaskSource provides the day's task table.
type TaskSource interface {
	Day(t time.Time) taskconfig.Day
}

// SyncTag marks captures requested through RequestSnapshot.
const SyncTag = "sync"

type snapshotReply struct {
	upload robot.SnapshotUploaded
	err    error
}

// Scheduler drives the robot between user interactions.
type Scheduler struct {
	cfg       *Config
	state     *state.State
	tasks     TaskSource
	transport Transport
	pdr       *audit.PDRWriter
	clock     clock.Clock
	logger    *zap.Logger
	randIntN  func(n int) int

	inbox chan func(context.Context)
	done  chan struct{}

	// Loop-owned state.
	status          models.Status
	location        string
	locationAt      time.Time
	battery         int
	charging        bool
	privacy         bool
	privacyOffAt    time.Time
	lastInteraction time.Time
	lastInterSnap   time.Time
	lastSpeech      time.Time
	pauseUntil      time.Time
	lastStatusQuery time.Time
	cameraCooldown  time.Time

	activeTasks []string
	plan        []string
	planTasks   map[string][]string
	cursor      int
	planAt      time.Time

	pending map[string]models.PendingRequest
	waiters map[string]chan snapshotReply
	manual  map[string][]string
}

// New creates a scheduler. Call Run to start it.
func New(cfg *Config, st *state.State, tasks TaskSource, transport Transport, pdr *audit.PDRWriter, clk clock.Clock, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cfg:       cfg,
		state:     st,
		tasks:     tasks,
		transport: transport,
		pdr:       pdr,
		clock:     clk,
		logger:    logger.Named("scheduler"),
		randIntN:  rand.IntN,
		inbox:     make(chan func(context.Context), 64),
		done:      make(chan struct{}),
		status:    models.Status{Kind: models.StatusIdle, UpdatedAt: clk.Now()},
		battery:   100,
		planTasks: map[string][]string{},
		pending:   map[string]models.PendingRequest{},
		waiters:   map[string]chan snapshotReply{},
		manual:    map[string][]string{},
	}
}

// Run ticks until ctx is done, applying inbox work between ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.TickInterval))
	defer s.logger.Info("scheduler stopped")

	s.setStatus(ctx, models.StatusIdle, "")
	next := s.clock.After(0)
	for {
		select {
		case <-ctx.Done():
			s.failWaiters(ErrStopped)
			return nil
		case fn := <-s.inbox:
			s.safely(ctx, "inbox", fn)
		case <-next:
			s.safely(ctx, "tick", func(ctx context.Context) { s.Tick(ctx) })
			next = s.clock.After(s.cfg.TickInterval)
		}
	}
}

// safely runs fn, logging and swallowing any panic so one bad tick never
// stops the loop.
func (s *Scheduler) safely(ctx context.Context, what string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered panic",
				zap.String("in", what),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn(ctx)
}

// submit hands fn to the loop goroutine.
func (s *Scheduler) submit(ctx context.Context, fn func(context.Context)) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.inbox <- fn:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver queues an inbound event for the loop. It implements robot.Sink.
func (s *Scheduler) Deliver(ev robot.Event) {
	err := s.submit(context.Background(), func(ctx context.Context) { ev.Dispatch(ctx, s) })
	if err != nil {
		s.logger.Debug("event dropped", zap.String("type", ev.EventType()), zap.Error(err))
	}
}

func (s *Scheduler) setStatus(ctx context.Context, kind models.StatusKind, location string) {
	s.status = models.Status{Kind: kind, Location: location, UpdatedAt: s.clock.Now()}
	if kind == models.StatusIdle {
		s.status.Location = ""
	}
	if err := s.state.SetStatus(ctx, s.status); err != nil {
		s.logger.Warn("persist status", zap.Error(err))
	}
}

// send writes cmd to the robot, logging failures. It reports whether the
// command went out.
func (s *Scheduler) send(ctx context.Context, cmd robot.Command) bool {
	if err := s.transport.Send(ctx, cmd); err != nil {
		s.logger.Debug("send failed", zap.String("cmd", cmd.CommandType()), zap.Error(err))
		return false
	}
	return true
}

func (s *Scheduler) record(ctx context.Context, action string, inputs any, outcome, task, details string) {
	if _, err := s.pdr.Record(ctx, action, inputs, outcome, task, details); err != nil {
		s.logger.Warn("record decision", zap.String("action", action), zap.Error(err))
	}
}

// publish writes the externally observable summary.
func (s *Scheduler) publish(ctx context.Context, now time.Time) {
	sum := models.Summary{
		Status:          s.status.String(),
		StatusUpdatedAt: s.status.UpdatedAt,
		Location:        s.location,
		Battery:         s.battery,
		Charging:        s.charging,
		Privacy:         s.privacy,
		Plan:            append([]string{}, s.plan...),
		Cursor:          s.cursor,
		ActiveTasks:     append([]string{}, s.activeTasks...),
		Pending:         len(s.pending),
		ManualTasks:     s.manual,
		UpdatedAt:       now,
	}
	if err := s.state.SetSummary(ctx, sum); err != nil {
		s.logger.Warn("publish summary", zap.Error(err))
	}
}

func (s *Scheduler) failWaiters(err error) {
	for id, ch := range s.waiters {
		ch <- snapshotReply{err: err}
		delete(s.waiters, id)
	}
}
