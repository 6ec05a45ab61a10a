package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/audit"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/robot"
	"github.com/fentz26/rover/internal/state"
)

// Snapshotter is the part of the scheduler the control plane drives.
type Snapshotter interface {
	RequestSnapshot(ctx context.Context, location string) (robot.SnapshotUploaded, error)
	HandleUpload(upload robot.SnapshotUploaded)
}

// StatusReport is the body of GET /status.
type StatusReport struct {
	Status    string          `json:"status"`
	UpdatedAt string          `json:"updated_at"`
	Summary   *models.Summary `json:"summary,omitempty"`
}

// Service implements the control plane operations over shared state.
type Service struct {
	state     *state.State
	pdr       *audit.PDRWriter
	sched     Snapshotter
	tasks     TaskTable
	uploadDir string
	logger    *zap.Logger
}

// NewService creates a service. sched may be nil in processes that only
// report state, and tasks may be nil when no task table is loaded.
func NewService(st *state.State, pdr *audit.PDRWriter, sched Snapshotter, tasks TaskTable, uploadDir string, logger *zap.Logger) *Service {
	return &Service{state: st, pdr: pdr, sched: sched, tasks: tasks, uploadDir: uploadDir, logger: logger}
}

// Status returns the persisted robot status and scheduler summary.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	st, err := s.state.Status(ctx)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Status: st.String()}
	if !st.UpdatedAt.IsZero() {
		report.UpdatedAt = st.UpdatedAt.UTC().Format(time.RFC3339)
	}
	sum, ok, err := s.state.Summary(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		report.Summary = &sum
	}
	return report, nil
}

// ManualTasks returns the manually triggerable tasks per member.
func (s *Service) ManualTasks(ctx context.Context) (map[string][]string, error) {
	byMember, err := s.state.ManualTasks(ctx)
	if err != nil {
		return nil, err
	}
	if byMember == nil {
		byMember = map[string][]string{}
	}
	return byMember, nil
}

// Decisions returns up to limit recent audit records, newest first.
func (s *Service) Decisions(ctx context.Context, limit int) ([]models.Decision, error) {
	return s.pdr.Recent(ctx, limit)
}

// SaveUpload stores an uploaded image and announces it to the scheduler.
func (s *Service) SaveUpload(ctx context.Context, requestID, filename string, body io.Reader) (robot.SnapshotUploaded, error) {
	var out robot.SnapshotUploaded
	if strings.TrimSpace(requestID) == "" {
		return out, fmt.Errorf("%w: request_id is required", ErrBadRequest)
	}
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." || name == "" {
		return out, fmt.Errorf("%w: invalid filename %q", ErrBadRequest, filename)
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return out, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.uploadDir, name)
	f, err := os.Create(path)
	if err != nil {
		return out, fmt.Errorf("create upload: %w", err)
	}
	_, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(path)
		return out, fmt.Errorf("write upload: %w", err)
	}

	out = robot.SnapshotUploaded{RequestID: requestID, Filename: name, Path: path}
	s.logger.Info("upload received",
		zap.String("request_id", requestID),
		zap.String("filename", name))
	if s.sched != nil {
		s.sched.HandleUpload(out)
	}
	return out, nil
}

// Snapshot requests a capture and waits for the image.
func (s *Service) Snapshot(ctx context.Context, location string) (robot.SnapshotUploaded, error) {
	if s.sched == nil {
		return robot.SnapshotUploaded{}, ErrNoScheduler
	}
	return s.sched.RequestSnapshot(ctx, location)
}

// Trigger queues a task for resolution on the next tick.
func (s *Service) Trigger(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: task name is required", ErrBadRequest)
	}
	return s.state.EnqueueActions(ctx, name)
}
