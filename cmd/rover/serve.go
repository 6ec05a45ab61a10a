package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/rover/internal/pipeline"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and control plane",
	Long:  `Starts the behavior scheduler, the robot websocket hub and the HTTP control plane.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(cmd.Context(), true, false)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the image analysis pipeline",
	Long:  `Consumes captured images from the shared queue, evaluates task triggers and queues fired tasks for the scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(cmd.Context(), false, true)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler, control plane and pipeline in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(cmd.Context(), true, true)
	},
}

// runProcess starts the requested loops and blocks until SIGINT/SIGTERM
// or the first loop failure.
func runProcess(parent context.Context, withDaemon, withWorker bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	var worker *pipeline.Worker
	if withWorker {
		w, err := newWorker(ctx, c, cfg)
		if err != nil {
			return err
		}
		worker = w
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.tasks.Watch(gctx) })
	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
	}

	if withDaemon {
		d := newDaemon(c, cfg)
		g.Go(func() error { return d.sched.Run(gctx) })
		g.Go(func() error {
			err := d.server.Start()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := d.server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown", zap.Error(err))
			}
			return nil
		})
	}

	logger.Info("rover started",
		zap.Bool("scheduler", withDaemon),
		zap.Bool("pipeline", withWorker),
		zap.String("listen", cfg.Listen),
		zap.String("tasks", cfg.FamilyConfig))
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
