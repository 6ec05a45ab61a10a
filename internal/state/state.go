// Package state names every key the scheduler and pipeline share and
// provides typed accessors over the store primitives.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/fentz26/rover/internal/clock"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/store"
)

// Key layout.
const (
	KeyStatus               = "robot:status"
	KeySnapshot             = "robot:snapshot"
	KeyImageJobs            = "queue:image_jobs"
	KeyRobotActions         = "queue:robot_actions"
	KeySecondary            = "secondary_task"
	KeyManualTasks          = "manual_active_tasks"
	KeyConversation         = "conversation"
	KeyInteractionSnapshots = "interaction_snapshots"
	KeyAudit                = "audit"

	prefixTriggerCount     = "trigger_count:"
	prefixInactive         = "inactive:"
	prefixLastTriggered    = "last_triggered:"
	prefixLastChecked      = "last_checked:"
	prefixEvidence         = "evidence:"
	prefixEvidenceLocation = "evidence_location:"
)

// Retention limits.
const (
	CounterTTL        = 48 * time.Hour
	ConversationLimit = 80
	InteractionLimit  = 200
	AuditLimit        = 500
	DateLayout        = "2006/01/02"
	timestampTTL      = 48 * time.Hour
)

// State is the typed view of the shared store.
type State struct {
	kv    store.KV
	clock clock.Clock
}

// New wraps kv.
func New(kv store.KV, clk clock.Clock) *State {
	return &State{kv: kv, clock: clk}
}

// Now is the current time on the state's clock.
func (s *State) Now() time.Time { return s.clock.Now() }

// Date returns the day key for t.
func Date(t time.Time) string { return t.Format(DateLayout) }

// TriggerCountKey is the per-day trigger counter key for task.
func TriggerCountKey(date, task string) string { return prefixTriggerCount + date + ":" + task }

// InactiveKey is the per-day inactive list key.
func InactiveKey(date string) string { return prefixInactive + date }

func lastCheckedKey(task, location string) string {
	return prefixLastChecked + task + ":" + location
}

func (s *State) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(data), ttl)
}

// getJSON decodes key into v. It reports false when the key is absent.
func (s *State) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *State) setTime(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	return s.kv.Set(ctx, key, strconv.FormatInt(t.Unix(), 10), ttl)
}

func (s *State) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return time.Unix(sec, 0), true, nil
}

// --- Status ---

// SetStatus persists the robot status.
func (s *State) SetStatus(ctx context.Context, st models.Status) error {
	return s.setJSON(ctx, KeyStatus, st, 0)
}

// Status returns the persisted robot status, idle when none is stored.
func (s *State) Status(ctx context.Context) (models.Status, error) {
	st := models.Status{Kind: models.StatusIdle}
	_, err := s.getJSON(ctx, KeyStatus, &st)
	return st, err
}

// SetSummary publishes the scheduler summary.
func (s *State) SetSummary(ctx context.Context, sum models.Summary) error {
	return s.setJSON(ctx, KeySnapshot, sum, 0)
}

// Summary returns the last published scheduler summary.
func (s *State) Summary(ctx context.Context) (models.Summary, bool, error) {
	var sum models.Summary
	ok, err := s.getJSON(ctx, KeySnapshot, &sum)
	return sum, ok, err
}

// --- Queues ---

// EnqueueImageJob pushes job for the analysis pipeline.
func (s *State) EnqueueImageJob(ctx context.Context, job models.ImageJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode image job: %w", err)
	}
	return s.kv.RPush(ctx, KeyImageJobs, string(data))
}

// NextImageJob blocks until a job is queued or ctx is done.
func (s *State) NextImageJob(ctx context.Context) (models.ImageJob, error) {
	var job models.ImageJob
	raw, err := s.kv.BLPop(ctx, KeyImageJobs)
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return job, fmt.Errorf("decode image job: %w", err)
	}
	return job, nil
}

// EnqueueActions pushes triggered task names for the scheduler.
func (s *State) EnqueueActions(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	return s.kv.RPush(ctx, KeyRobotActions, names...)
}

// DrainActions returns and clears the queued task names.
func (s *State) DrainActions(ctx context.Context) ([]string, error) {
	return s.kv.Drain(ctx, KeyRobotActions)
}

// PendingActions lists queued task names without removing them.
func (s *State) PendingActions(ctx context.Context) ([]string, error) {
	return s.kv.LRange(ctx, KeyRobotActions)
}

// --- Trigger bookkeeping ---

// IncrTriggerCount atomically bumps task's counter for date.
func (s *State) IncrTriggerCount(ctx context.Context, date, task string) (int64, error) {
	return s.kv.Incr(ctx, TriggerCountKey(date, task), CounterTTL)
}

// TriggerCount returns task's counter for date.
func (s *State) TriggerCount(ctx context.Context, date, task string) (int64, error) {
	raw, err := s.kv.Get(ctx, TriggerCountKey(date, task))
	if errors.Is(err, store.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// MarkInactive excludes task from planning for the rest of date.
func (s *State) MarkInactive(ctx context.Context, date, task string) error {
	return s.kv.RPush(ctx, InactiveKey(date), task)
}

// Inactive returns the set of tasks excluded for date.
func (s *State) Inactive(ctx context.Context, date string) (map[string]bool, error) {
	names, err := s.kv.LRange(ctx, InactiveKey(date))
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}

// SetLastTriggered records when task last fired.
func (s *State) SetLastTriggered(ctx context.Context, task string, t time.Time) error {
	return s.setTime(ctx, prefixLastTriggered+task, t, timestampTTL)
}

// LastTriggered returns when task last fired.
func (s *State) LastTriggered(ctx context.Context, task string) (time.Time, bool, error) {
	return s.getTime(ctx, prefixLastTriggered+task)
}

// SetLastChecked records when task was last evaluated at location.
func (s *State) SetLastChecked(ctx context.Context, task, location string, t time.Time) error {
	return s.setTime(ctx, lastCheckedKey(task, location), t, timestampTTL)
}

// LastChecked returns when task was last evaluated at location.
func (s *State) LastChecked(ctx context.Context, task, location string) (time.Time, bool, error) {
	return s.getTime(ctx, lastCheckedKey(task, location))
}

// --- Duration evidence ---

// AddEvidence records a true observation of task at t.
func (s *State) AddEvidence(ctx context.Context, task string, t time.Time) error {
	return s.kv.ZAdd(ctx, prefixEvidence+task, float64(t.Unix()), strconv.FormatInt(t.UnixNano(), 10))
}

// PruneEvidence drops observations of task older than cutoff.
func (s *State) PruneEvidence(ctx context.Context, task string, cutoff time.Time) error {
	_, err := s.kv.ZRemRangeByScore(ctx, prefixEvidence+task, 0, float64(cutoff.Unix())-0.5)
	return err
}

// EarliestEvidence returns the oldest surviving observation of task.
func (s *State) EarliestEvidence(ctx context.Context, task string) (time.Time, bool, error) {
	members, err := s.kv.ZRangeByScore(ctx, prefixEvidence+task, 0, math.MaxFloat64)
	if err != nil || len(members) == 0 {
		return time.Time{}, false, err
	}
	return time.Unix(int64(members[0].Score), 0), true, nil
}

// Evidence returns all surviving observation times of task, oldest first.
func (s *State) Evidence(ctx context.Context, task string) ([]time.Time, error) {
	members, err := s.kv.ZRangeByScore(ctx, prefixEvidence+task, 0, math.MaxFloat64)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(members))
	for i, m := range members {
		out[i] = time.Unix(int64(m.Score), 0)
	}
	return out, nil
}

// SetEvidenceLocation associates task's in-progress duration trigger with
// location.
func (s *State) SetEvidenceLocation(ctx context.Context, task, location string, ttl time.Duration) error {
	return s.kv.Set(ctx, prefixEvidenceLocation+task, location, ttl)
}

// EvidenceLocation returns the location of task's in-progress duration
// trigger, or "" when none.
func (s *State) EvidenceLocation(ctx context.Context, task string) (string, error) {
	loc, err := s.kv.Get(ctx, prefixEvidenceLocation+task)
	if errors.Is(err, store.ErrNil) {
		return "", nil
	}
	return loc, err
}

// ClearEvidenceLocation drops task's location association.
func (s *State) ClearEvidenceLocation(ctx context.Context, task string) error {
	return s.kv.Del(ctx, prefixEvidenceLocation+task)
}

// --- Secondary task ---

// SetSecondary persists def until it expires.
func (s *State) SetSecondary(ctx context.Context, def models.TaskDefinition) error {
	ttl := def.Expires.Sub(s.clock.Now())
	if ttl <= 0 {
		return fmt.Errorf("secondary task %s already expired", def.Name)
	}
	return s.setJSON(ctx, KeySecondary, def, ttl)
}

// Secondary returns the live secondary task, or nil.
func (s *State) Secondary(ctx context.Context) (*models.TaskDefinition, error) {
	var def models.TaskDefinition
	ok, err := s.getJSON(ctx, KeySecondary, &def)
	if err != nil || !ok {
		return nil, err
	}
	return &def, nil
}

// ClearSecondary removes the secondary task.
func (s *State) ClearSecondary(ctx context.Context) error {
	return s.kv.Del(ctx, KeySecondary)
}

// --- Manual tasks ---

// SetManualTasks persists the manually triggerable tasks per member.
func (s *State) SetManualTasks(ctx context.Context, byMember map[string][]string) error {
	return s.setJSON(ctx, KeyManualTasks, byMember, 0)
}

// ManualTasks returns the manually triggerable tasks per member.
func (s *State) ManualTasks(ctx context.Context) (map[string][]string, error) {
	byMember := map[string][]string{}
	_, err := s.getJSON(ctx, KeyManualTasks, &byMember)
	return byMember, err
}

// --- History lists ---

// Message is one line of the robot's conversation history.
type Message struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// AppendConversation records a message, keeping the last ConversationLimit.
func (s *State) AppendConversation(ctx context.Context, msg Message) error {
	return s.appendCapped(ctx, KeyConversation, msg, ConversationLimit)
}

// Conversation returns the recorded messages, oldest first.
func (s *State) Conversation(ctx context.Context) ([]Message, error) {
	var out []Message
	err := s.decodeList(ctx, KeyConversation, func(raw []byte) error {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// InteractionSnapshot is a capture taken during user interaction.
type InteractionSnapshot struct {
	Filename string    `json:"filename"`
	Path     string    `json:"path,omitempty"`
	Location string    `json:"location,omitempty"`
	At       time.Time `json:"at"`
}

// AppendInteraction records an interaction capture.
func (s *State) AppendInteraction(ctx context.Context, snap InteractionSnapshot) error {
	return s.appendCapped(ctx, KeyInteractionSnapshots, snap, InteractionLimit)
}

// Interactions returns the recorded interaction captures, oldest first.
func (s *State) Interactions(ctx context.Context) ([]InteractionSnapshot, error) {
	var out []InteractionSnapshot
	err := s.decodeList(ctx, KeyInteractionSnapshots, func(raw []byte) error {
		var snap InteractionSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return err
		}
		out = append(out, snap)
		return nil
	})
	return out, err
}

func (s *State) appendCapped(ctx context.Context, key string, v any, limit int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", key, err)
	}
	if err := s.kv.RPush(ctx, key, string(data)); err != nil {
		return err
	}
	return s.kv.LTrim(ctx, key, limit)
}

func (s *State) decodeList(ctx context.Context, key string, fn func([]byte) error) error {
	items, err := s.kv.LRange(ctx, key)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := fn([]byte(item)); err != nil {
			return fmt.Errorf("decode %s entry: %w", key, err)
		}
	}
	return nil
}

// TriggerCounts returns today's counters keyed by task name.
func (s *State) TriggerCounts(ctx context.Context, date string) (map[string]int64, error) {
	prefix := prefixTriggerCount + date + ":"
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(keys))
	for _, k := range keys {
		raw, err := s.kv.Get(ctx, k)
		if errors.Is(err, store.ErrNil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		counts[k[len(prefix):]] = n
	}
	return counts, nil
}
