package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/audit"
	"github.com/fentz26/rover/internal/clock"
	"github.com/fentz26/rover/internal/config"
	"github.com/fentz26/rover/internal/connectors/localexec"
	"github.com/fentz26/rover/internal/controlplane"
	"github.com/fentz26/rover/internal/pipeline"
	"github.com/fentz26/rover/internal/robot"
	"github.com/fentz26/rover/internal/scheduler"
	"github.com/fentz26/rover/internal/state"
	"github.com/fentz26/rover/internal/store"
	"github.com/fentz26/rover/internal/taskconfig"
	"github.com/fentz26/rover/internal/vision"
)

// core is what every long-running command shares.
type core struct {
	kv     store.KV
	state  *state.State
	pdr    *audit.PDRWriter
	tasks  *taskconfig.Loader
	clock  clock.Clock
	logger *zap.Logger
}

func openCore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*core, error) {
	clk := clock.Real()
	kv, err := store.Open(ctx, cfg.Store.DSN, store.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	tasks := taskconfig.NewLoader(cfg.FamilyConfig, cfg.TaskRefresh, clk, logger)
	if err := tasks.Load(); err != nil {
		logger.Warn("task config unavailable, no tasks are active", zap.String("path", cfg.FamilyConfig), zap.Error(err))
	}
	return &core{
		kv:     kv,
		state:  state.New(kv, clk),
		pdr:    audit.NewPDRWriter(kv, clk),
		tasks:  tasks,
		clock:  clk,
		logger: logger,
	}, nil
}

func (c *core) Close() {
	if err := c.kv.Close(); err != nil {
		c.logger.Warn("close store", zap.Error(err))
	}
}

// daemon is the scheduler side: hub, scheduler and HTTP server.
type daemon struct {
	hub    *robot.Hub
	sched  *scheduler.Scheduler
	server *controlplane.Server
}

func newDaemon(c *core, cfg *config.Config) *daemon {
	hub := robot.NewHub(nil, c.logger)
	sched := scheduler.New(cfg.Scheduler, c.state, c.tasks, hub, c.pdr, c.clock, c.logger)
	hub.SetSink(sched)

	svc := controlplane.NewService(c.state, c.pdr, sched, c.tasks, cfg.UploadDir, c.logger)
	return &daemon{
		hub:    hub,
		sched:  sched,
		server: controlplane.NewServer(svc, c.kv, hub, cfg.Listen, c.logger),
	}
}

func newWorker(ctx context.Context, c *core, cfg *config.Config) (*pipeline.Worker, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	exec := localexec.New(workDir, cfg.Detector.Allowlist())
	detector := vision.NewCommandDetector(cfg.Detector, exec, c.logger)

	model, err := vision.NewGemini(ctx, cfg.Vision, c.logger)
	if err != nil {
		return nil, fmt.Errorf("vision model: %w", err)
	}
	return pipeline.NewWorker(cfg.Pipeline, c.state, c.tasks, detector, model, c.pdr, c.clock, c.logger), nil
}
