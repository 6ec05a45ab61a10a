package tui

import (
	"github.com/fentz26/rover/internal/controlplane"
	"github.com/fentz26/rover/internal/models"
)

// snapshotMsg carries one poll of the control plane.
type snapshotMsg struct {
	online    bool
	robot     bool
	status    *controlplane.StatusReport
	manual    map[string][]string
	tasks     *controlplane.TasksReport
	decisions []models.Decision
	err       error
}

type tickMsg struct{}

type commandResultMsg struct {
	message string
}
