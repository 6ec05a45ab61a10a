package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/rover/internal/robot"
	"github.com/fentz26/rover/internal/scheduler"
)

// Sentinel errors for control plane operations.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrNoScheduler  = errors.New("scheduler not attached")
	ErrUploadTooBig = errors.New("upload too large")
)

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUploadTooBig):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, scheduler.ErrPrivacy):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrSnapshotTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, scheduler.ErrCameraCooldown),
		errors.Is(err, scheduler.ErrCameraReset),
		errors.Is(err, scheduler.ErrStopped),
		errors.Is(err, scheduler.ErrNoLocation),
		errors.Is(err, robot.ErrNotConnected),
		errors.Is(err, ErrNoScheduler):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
