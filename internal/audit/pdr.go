// Package audit keeps a trail of the decisions the scheduler and pipeline
// make: triggers fired, tasks capped, secondary tasks created, camera resets.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fentz26/rover/internal/clock"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/state"
	"github.com/fentz26/rover/internal/store"
)

// Decision actions.
const (
	ActionTriggerFired     = "trigger.fired"
	ActionTaskCapped       = "task.capped"
	ActionSecondaryCreated = "secondary.created"
	ActionCameraReset      = "camera.reset"
	ActionStatusReset      = "status.reset"
	ActionTaskEnqueued     = "task.enqueued"
)

// PDRWriter writes decision records to the shared store.
type PDRWriter struct {
	kv    store.KV
	clock clock.Clock
}

// NewPDRWriter creates a new decision writer.
func NewPDRWriter(kv store.KV, clk clock.Clock) *PDRWriter {
	return &PDRWriter{kv: kv, clock: clk}
}

// Record appends a decision, keeping the most recent state.AuditLimit.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, task, details string) (*models.Decision, error) {
	d := &models.Decision{
		ID:         uuid.NewString(),
		Action:     action,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		Task:       task,
		Details:    details,
		Timestamp:  w.clock.Now().UTC(),
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}
	if err := w.kv.RPush(ctx, state.KeyAudit, string(data)); err != nil {
		return nil, fmt.Errorf("write decision: %w", err)
	}
	if err := w.kv.LTrim(ctx, state.KeyAudit, state.AuditLimit); err != nil {
		return nil, fmt.Errorf("trim decisions: %w", err)
	}
	return d, nil
}

// Recent returns up to limit decisions, newest first. A limit below one
// returns nothing.
func (w *PDRWriter) Recent(ctx context.Context, limit int) ([]models.Decision, error) {
	if limit < 1 {
		return []models.Decision{}, nil
	}
	items, err := w.kv.LRange(ctx, state.KeyAudit)
	if err != nil {
		return nil, fmt.Errorf("read decisions: %w", err)
	}
	out := make([]models.Decision, 0, min(limit, len(items)))
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		var d models.Decision
		if err := json.Unmarshal([]byte(items[i]), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
