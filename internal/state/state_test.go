package state

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/rover/internal/clock"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/store"
)

var start = time.Date(2025, 6, 1, 7, 30, 0, 0, time.UTC)

func newTestState(t *testing.T) (*State, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(start)
	kv, err := store.NewSQLite(filepath.Join(t.TempDir(), "state.db"), store.WithClock(fc))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return New(kv, fc), fc
}

func TestTriggerCountBackToBack(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()
	date := Date(start)

	n1, err := s.IncrTriggerCount(ctx, date, "check-stove")
	require.NoError(t, err)
	n2, err := s.IncrTriggerCount(ctx, date, "check-stove")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, []int64{n1, n2})

	got, err := s.TriggerCount(ctx, date, "check-stove")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	other, err := s.TriggerCount(ctx, "2025/06/02", "check-stove")
	require.NoError(t, err)
	assert.Zero(t, other, "counters are per day")

	counts, err := s.TriggerCounts(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"check-stove": 2}, counts)
}

func TestInactive(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	require.NoError(t, s.MarkInactive(ctx, "2025/06/01", "check-stove"))
	set, err := s.Inactive(ctx, "2025/06/01")
	require.NoError(t, err)
	assert.True(t, set["check-stove"])

	set, err = s.Inactive(ctx, "2025/06/02")
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestTimestamps(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	_, ok, err := s.LastTriggered(ctx, "t")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetLastTriggered(ctx, "t", start))
	got, ok, err := s.LastTriggered(ctx, "t")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(start))

	require.NoError(t, s.SetLastChecked(ctx, "t", "kitchen", start))
	_, ok, err = s.LastChecked(ctx, "t", "nursery")
	require.NoError(t, err)
	assert.False(t, ok)
	got, ok, err = s.LastChecked(ctx, "t", "kitchen")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(start))
}

func TestEvidence(t *testing.T) {
	s, fc := newTestState(t)
	ctx := context.Background()

	for _, off := range []time.Duration{0, 300 * time.Second, 650 * time.Second} {
		require.NoError(t, s.AddEvidence(ctx, "nap", start.Add(off)))
	}
	fc.Set(start.Add(650 * time.Second))

	earliest, ok, err := s.EarliestEvidence(ctx, "nap")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, earliest.Equal(start))

	require.NoError(t, s.PruneEvidence(ctx, "nap", start.Add(300*time.Second)))
	all, err := s.Evidence(ctx, "nap")
	require.NoError(t, err)
	require.Len(t, all, 2, "cutoff itself survives")
	assert.True(t, all[0].Equal(start.Add(300*time.Second)))
}

func TestEvidenceSameSecond(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	require.NoError(t, s.AddEvidence(ctx, "nap", start))
	require.NoError(t, s.AddEvidence(ctx, "nap", start.Add(time.Millisecond)))
	all, err := s.Evidence(ctx, "nap")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEvidenceLocation(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	loc, err := s.EvidenceLocation(ctx, "nap")
	require.NoError(t, err)
	assert.Empty(t, loc)

	require.NoError(t, s.SetEvidenceLocation(ctx, "nap", "nursery", time.Hour))
	loc, err = s.EvidenceLocation(ctx, "nap")
	require.NoError(t, err)
	assert.Equal(t, "nursery", loc)

	require.NoError(t, s.ClearEvidenceLocation(ctx, "nap"))
	loc, err = s.EvidenceLocation(ctx, "nap")
	require.NoError(t, err)
	assert.Empty(t, loc)
}

func TestSecondaryExpires(t *testing.T) {
	s, fc := newTestState(t)
	ctx := context.Background()

	def := models.TaskDefinition{
		Name:            "take-pills__find",
		Origin:          "take-pills",
		Expires:         start.Add(10 * time.Minute),
		MaxTriggerCount: models.Unbounded,
		Trigger:         models.ConditionTrigger("a tall man"),
	}
	require.NoError(t, s.SetSecondary(ctx, def))

	got, err := s.Secondary(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "take-pills", got.Origin)
	assert.Equal(t, "a tall man", got.Trigger.Condition)

	fc.Advance(11 * time.Minute)
	got, err = s.Secondary(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	def.Expires = fc.Now().Add(-time.Second)
	assert.Error(t, s.SetSecondary(ctx, def))
}

func TestQueues(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	job := models.ImageJob{Filename: "a.jpg", TaskNames: []string{"check-stove"}, RequestID: "r1", Location: "kitchen"}
	require.NoError(t, s.EnqueueImageJob(ctx, job))
	got, err := s.NextImageJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	require.NoError(t, s.EnqueueActions(ctx))
	require.NoError(t, s.EnqueueActions(ctx, "a", "b"))
	pending, err := s.PendingActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, pending)

	drained, err := s.DrainActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, drained)
	drained, err = s.DrainActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestConversationTrimmed(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	for i := 0; i < ConversationLimit+5; i++ {
		require.NoError(t, s.AppendConversation(ctx, Message{Role: "robot", Text: fmt.Sprintf("line %d", i), At: start}))
	}
	msgs, err := s.Conversation(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, ConversationLimit)
	assert.Equal(t, "line 5", msgs[0].Text)
}

func TestStatusAndManual(t *testing.T) {
	s, _ := newTestState(t)
	ctx := context.Background()

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", st.String())

	require.NoError(t, s.SetStatus(ctx, models.Status{Kind: models.StatusTraveling, Location: "kitchen", UpdatedAt: start}))
	st, err = s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "traveling:kitchen", st.String())

	require.NoError(t, s.SetManualTasks(ctx, map[string][]string{"Alex": {"take-pills"}}))
	manual, err := s.ManualTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"Alex": {"take-pills"}}, manual)

	require.NoError(t, s.AppendInteraction(ctx, InteractionSnapshot{Filename: "i.jpg", At: start}))
	snaps, err := s.Interactions(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}
