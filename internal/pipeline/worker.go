// Package pipeline turns captured images into trigger decisions. A worker
// pops capture jobs from the shared store, runs the person prefilter, asks
// the vision model about every pending condition in one call, records
// duration evidence and queues the tasks whose triggers fired for the
// scheduler.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/audit"
	"github.com/fentz26/rover/internal/clock"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/state"
	"github.com/fentz26/rover/internal/taskconfig"
	"github.com/fentz26/rover/internal/vision"
)

// PersonDetector is the cheap presence prefilter.
type PersonDetector interface {
	PersonPresent(ctx context.Context, imagePath string) (bool, error)
}

// VisionModel answers a prompt about an image.
type VisionModel interface {
	Query(ctx context.Context, imagePath, prompt string) (string, error)
}

// TaskSource provides the day's task table.
type TaskSource interface {
	Day(t time.Time) taskconfig.Day
}

// Config holds pipeline settings.
type Config struct {
	// UploadDir resolves jobs that carry only a filename.
	UploadDir string `yaml:"-"`
	// EvidenceWindow is the minimum trailing window of duration evidence.
	// A task whose duration_trigger is longer keeps twice its duration.
	EvidenceWindow time.Duration `yaml:"evidence_window"`
	// ErrorBackoff is the pause after a store error in Run.
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{EvidenceWindow: 15 * time.Minute, ErrorBackoff: time.Second}
}

// Stage is how far a job got through processing.
type Stage string

const (
	StageReceived    Stage = "received"
	StagePrefiltered Stage = "prefiltered"
	StageQueried     Stage = "vision-queried"
	StageEvaluated   Stage = "trigger-evaluated"
	StageQueued      Stage = "queued-for-action"
)

// Result summarises one processed job.
type Result struct {
	Stage         Stage
	PersonPresent bool
	Queried       bool
	Conditions    map[string]bool
	Enqueued      []string
}

// Worker consumes image analysis jobs.
type Worker struct {
	cfg      Config
	state    *state.State
	tasks    TaskSource
	detector PersonDetector
	model    VisionModel
	pdr      *audit.PDRWriter
	clock    clock.Clock
	logger   *zap.Logger

	widened sync.Map // task name -> struct{}, warned once
}

// NewWorker creates a pipeline worker.
func NewWorker(cfg Config, st *state.State, tasks TaskSource, detector PersonDetector, model VisionModel, pdr *audit.PDRWriter, clk clock.Clock, logger *zap.Logger) *Worker {
	if cfg.EvidenceWindow <= 0 {
		cfg.EvidenceWindow = DefaultConfig().EvidenceWindow
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultConfig().ErrorBackoff
	}
	return &Worker{
		cfg:      cfg,
		state:    st,
		tasks:    tasks,
		detector: detector,
		model:    model,
		pdr:      pdr,
		clock:    clk,
		logger:   logger.Named("pipeline"),
	}
}

// Run processes jobs until ctx is done. A failed or panicking job is
// logged and dropped; the next capture is the retry.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("pipeline worker started")
	defer w.logger.Info("pipeline worker stopped")

	for {
		job, err := w.state.NextImageJob(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Error("pop image job", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-w.clock.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.safeProcess(ctx, job)
	}
}

func (w *Worker) safeProcess(ctx context.Context, job models.ImageJob) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic processing job",
				zap.String("request_id", job.RequestID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	start := w.clock.Now()
	res, err := w.Process(ctx, job)
	if err != nil {
		w.logger.Error("process job",
			zap.String("request_id", job.RequestID),
			zap.String("stage", string(res.Stage)),
			zap.Error(err))
		return
	}
	w.logger.Info("job processed",
		zap.String("request_id", job.RequestID),
		zap.String("location", job.Location),
		zap.String("stage", string(res.Stage)),
		zap.Bool("person", res.PersonPresent),
		zap.Bool("queried", res.Queried),
		zap.Any("conditions", res.Conditions),
		zap.Strings("enqueued", res.Enqueued),
		zap.Duration("took", w.clock.Now().Sub(start)))
}

func (w *Worker) imagePath(job models.ImageJob) string {
	if job.Path != "" {
		return job.Path
	}
	return filepath.Join(w.cfg.UploadDir, job.Filename)
}

// Process runs one job through the pipeline.
func (w *Worker) Process(ctx context.Context, job models.ImageJob) (Result, error) {
	res := Result{Stage: StageReceived, Conditions: map[string]bool{}}
	now := w.clock.Now()
	path := w.imagePath(job)

	if job.InteractionOnly() {
		err := w.state.AppendInteraction(ctx, state.InteractionSnapshot{
			Filename: job.Filename,
			Path:     path,
			Location: job.Location,
			At:       now,
		})
		return res, err
	}

	tasks, family, err := w.resolveTasks(ctx, job, now)
	if err != nil {
		return res, err
	}
	if len(tasks) == 0 {
		return res, nil
	}

	person, err := w.detector.PersonPresent(ctx, path)
	if err != nil {
		w.logger.Warn("person detector failed, assuming nobody present",
			zap.String("image", path), zap.Error(err))
		person = false
	}
	res.PersonPresent = person
	res.Stage = StagePrefiltered

	plan := planQuery(tasks, family, person)
	for name, v := range plan.fixed {
		res.Conditions[name] = v
	}
	for _, name := range plan.personly {
		res.Conditions[name] = false
	}
	if len(plan.query) > 0 {
		res.Queried = true
		res.Stage = StageQueried
		for name, v := range w.query(ctx, path, job.Location, plan.query) {
			res.Conditions[name] = v
		}
	}

	res.Stage = StageEvaluated
	for _, t := range tasks {
		v, ok := res.Conditions[t.Name]
		if !ok {
			continue
		}
		fire, err := w.evaluate(ctx, t, job.Location, v, now)
		if err != nil {
			return res, fmt.Errorf("evaluate %s: %w", t.Name, err)
		}
		if fire {
			res.Enqueued = append(res.Enqueued, t.Name)
		}
	}

	if len(res.Enqueued) > 0 {
		if err := w.state.EnqueueActions(ctx, res.Enqueued...); err != nil {
			return res, fmt.Errorf("enqueue actions: %w", err)
		}
		res.Stage = StageQueued
		for _, name := range res.Enqueued {
			if _, err := w.pdr.Record(ctx, audit.ActionTaskEnqueued,
				map[string]any{"task": name, "request_id": job.RequestID, "location": job.Location},
				"queued", name, job.Location); err != nil {
				w.logger.Warn("record decision", zap.Error(err))
			}
		}
	}
	return res, nil
}

// resolveTasks looks job's task names up in today's table and the live
// secondary task.
func (w *Worker) resolveTasks(ctx context.Context, job models.ImageJob, now time.Time) ([]models.TaskDefinition, map[string]string, error) {
	day := w.tasks.Day(now)
	secondary, err := w.state.Secondary(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load secondary task: %w", err)
	}

	var tasks []models.TaskDefinition
	for _, name := range job.TaskNames {
		if t, ok := day.Task(name); ok {
			tasks = append(tasks, t)
			continue
		}
		if secondary != nil && secondary.Name == name {
			tasks = append(tasks, *secondary)
			continue
		}
		w.logger.Debug("job names unknown task", zap.String("task", name))
	}
	return tasks, day.FamilyMembers, nil
}

// query asks the model about every condition at once. Failures yield no
// results so those tasks are simply not evaluated this cycle.
func (w *Worker) query(ctx context.Context, path, location string, conditions map[string]string) map[string]bool {
	prompt := BuildPrompt(location, conditions)
	text, err := w.model.Query(ctx, path, prompt)
	if err != nil {
		w.logger.Warn("vision query failed", zap.String("image", path), zap.Error(err))
		return nil
	}
	parsed, err := vision.ParseConditions(text)
	if err != nil {
		w.logger.Warn("vision reply unusable", zap.String("image", path), zap.Error(err))
		return nil
	}
	out := make(map[string]bool, len(conditions))
	for name := range conditions {
		if v, ok := parsed[name]; ok {
			out[name] = v
		}
	}
	return out
}

// evaluate records the observation and reports whether t should fire.
func (w *Worker) evaluate(ctx context.Context, t models.TaskDefinition, location string, value bool, now time.Time) (bool, error) {
	if err := w.state.SetLastChecked(ctx, t.Name, location, now); err != nil {
		return false, err
	}
	if t.DurationTrigger <= 0 {
		return value, nil
	}

	if !value {
		loc, err := w.state.EvidenceLocation(ctx, t.Name)
		if err != nil {
			return false, err
		}
		if loc != "" && loc == location {
			return false, w.state.ClearEvidenceLocation(ctx, t.Name)
		}
		return false, nil
	}

	window := w.evidenceWindow(t)
	if err := w.state.AddEvidence(ctx, t.Name, now); err != nil {
		return false, err
	}
	if err := w.state.SetEvidenceLocation(ctx, t.Name, location, window); err != nil {
		return false, err
	}
	if err := w.state.PruneEvidence(ctx, t.Name, now.Add(-window)); err != nil {
		return false, err
	}
	earliest, ok, err := w.state.EarliestEvidence(ctx, t.Name)
	if err != nil || !ok {
		return false, err
	}
	return now.Sub(earliest) > t.DurationRequired(), nil
}

func (w *Worker) evidenceWindow(t models.TaskDefinition) time.Duration {
	need := t.DurationRequired()
	if need < w.cfg.EvidenceWindow {
		return w.cfg.EvidenceWindow
	}
	if _, seen := w.widened.LoadOrStore(t.Name, struct{}{}); !seen {
		w.logger.Warn("duration_trigger exceeds evidence window, widening for task",
			zap.String("task", t.Name),
			zap.Duration("duration", need),
			zap.Duration("evidence_window", w.cfg.EvidenceWindow),
			zap.Duration("using", 2*need))
	}
	return max(w.cfg.EvidenceWindow, 2*need)
}
