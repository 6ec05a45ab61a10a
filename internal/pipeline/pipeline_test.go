package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/audit"
	"github.com/fentz26/rover/internal/clock"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/state"
	"github.com/fentz26/rover/internal/store"
	"github.com/fentz26/rover/internal/taskconfig"
)

var t0 = time.Date(2025, 6, 1, 7, 30, 0, 0, time.UTC)

type fakeDetector struct {
	person bool
	err    error
	calls  int
}

func (f *fakeDetector) PersonPresent(context.Context, string) (bool, error) {
	f.calls++
	return f.person, f.err
}

type fakeModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (f *fakeModel) Query(_ context.Context, _ string, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func (f *fakeModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func task(name, condition string, mutate ...func(*models.TaskDefinition)) models.TaskDefinition {
	t := models.TaskDefinition{
		Name:             name,
		Window:           models.Window{Start: 0, End: 24 * 60},
		Locations:        []string{"kitchen"},
		TriggerFreq:      60,
		TriggerCheckFreq: 60,
		MaxTriggerCount:  1,
		Trigger:          models.ConditionTrigger(condition),
		Action:           models.Action{Speech: []string{"hello"}},
	}
	for _, m := range mutate {
		m(&t)
	}
	return t
}

type harness struct {
	worker   *Worker
	state    *state.State
	clock    *clock.Fake
	detector *fakeDetector
	model    *fakeModel
}

func newHarness(t *testing.T, tasks ...models.TaskDefinition) *harness {
	t.Helper()
	fc := clock.NewFake(t0)
	kv, err := store.NewSQLite(filepath.Join(t.TempDir(), "p.db"), store.WithClock(fc), store.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	table := taskconfig.Empty()
	table.Days[state.Date(t0)] = tasks
	table.FamilyMembers["Alex"] = "a tall man with grey hair"

	st := state.New(kv, fc)
	h := &harness{state: st, clock: fc, detector: &fakeDetector{}, model: &fakeModel{}}
	h.worker = NewWorker(DefaultConfig(), st, table, h.detector, h.model,
		audit.NewPDRWriter(kv, fc), fc, zap.NewNop())
	return h
}

func job(names ...string) models.ImageJob {
	return models.ImageJob{Filename: "snap.jpg", Path: "/tmp/snap.jpg", TaskNames: names, RequestID: "r1", Location: "kitchen"}
}

func TestCheckStoveFiresImmediately(t *testing.T) {
	h := newHarness(t, task("check-stove", "the stove is on"))
	h.model.reply = `{"check-stove": true}`
	ctx := context.Background()

	res, err := h.worker.Process(ctx, job("check-stove"))
	require.NoError(t, err)
	assert.False(t, res.PersonPresent)
	assert.True(t, res.Queried, "condition without a person is queried even when nobody is in view")
	assert.Equal(t, StageQueued, res.Stage)
	assert.Equal(t, []string{"check-stove"}, res.Enqueued)
	require.Len(t, h.model.prompts, 1)
	assert.Contains(t, h.model.prompts[0], `"check-stove": the stove is on`)

	actions, err := h.state.DrainActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"check-stove"}, actions)

	checked, ok, err := h.state.LastChecked(ctx, "check-stove", "kitchen")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, checked.Equal(t0))
}

func TestDurationTrigger(t *testing.T) {
	nap := task("baby-nap-check", "no person in the crib", func(d *models.TaskDefinition) {
		d.DurationTrigger = 600
		d.Locations = []string{"nursery"}
		d.MaxTriggerCount = 3
	})
	h := newHarness(t, nap)
	h.model.reply = `{"baby-nap-check": true}`
	ctx := context.Background()
	j := job("baby-nap-check")
	j.Location = "nursery"

	for _, at := range []time.Duration{0, 300 * time.Second} {
		h.clock.Set(t0.Add(at))
		res, err := h.worker.Process(ctx, j)
		require.NoError(t, err)
		assert.Empty(t, res.Enqueued, "at %v the condition has not held long enough", at)
		assert.Equal(t, StageEvaluated, res.Stage)
	}

	h.clock.Set(t0.Add(650 * time.Second))
	res, err := h.worker.Process(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, []string{"baby-nap-check"}, res.Enqueued)

	loc, err := h.state.EvidenceLocation(ctx, "baby-nap-check")
	require.NoError(t, err)
	assert.Equal(t, "nursery", loc)

	// A lapse at the same location drops the association but keeps evidence.
	h.clock.Set(t0.Add(700 * time.Second))
	h.model.reply = `{"baby-nap-check": false}`
	res, err = h.worker.Process(ctx, j)
	require.NoError(t, err)
	assert.Empty(t, res.Enqueued)

	loc, err = h.state.EvidenceLocation(ctx, "baby-nap-check")
	require.NoError(t, err)
	assert.Empty(t, loc)
	evidence, err := h.state.Evidence(ctx, "baby-nap-check")
	require.NoError(t, err)
	assert.Len(t, evidence, 3)
}

func TestDurationEvidencePrunedBeforeDecision(t *testing.T) {
	nap := task("nap", "nobody in the crib", func(d *models.TaskDefinition) { d.DurationTrigger = 60 })
	h := newHarness(t, nap)
	h.model.reply = `{"nap": true}`
	ctx := context.Background()

	_, err := h.worker.Process(ctx, job("nap"))
	require.NoError(t, err)

	// Older than the 15 minute window: the first observation is gone, so
	// the new one alone has not lasted 60s.
	h.clock.Set(t0.Add(20 * time.Minute))
	res, err := h.worker.Process(ctx, job("nap"))
	require.NoError(t, err)
	assert.Empty(t, res.Enqueued)

	evidence, err := h.state.Evidence(ctx, "nap")
	require.NoError(t, err)
	assert.Len(t, evidence, 1)
}

func TestLongDurationWidensWindow(t *testing.T) {
	long := task("long", "the window is open", func(d *models.TaskDefinition) { d.DurationTrigger = 30 * 60 })
	h := newHarness(t, long)
	h.model.reply = `{"long": true}`
	ctx := context.Background()

	_, err := h.worker.Process(ctx, job("long"))
	require.NoError(t, err)

	h.clock.Set(t0.Add(31 * time.Minute))
	res, err := h.worker.Process(ctx, job("long"))
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, res.Enqueued)
}

func TestNoPersonSkipsPersonConditions(t *testing.T) {
	h := newHarness(t, task("greet-alex", "{Alex} is sitting at the table"))
	ctx := context.Background()

	res, err := h.worker.Process(ctx, job("greet-alex"))
	require.NoError(t, err)
	assert.False(t, res.Queried)
	assert.Equal(t, 0, h.model.calls())
	assert.Equal(t, map[string]bool{"greet-alex": false}, res.Conditions)

	_, ok, err := h.state.LastChecked(ctx, "greet-alex", "kitchen")
	require.NoError(t, err)
	assert.True(t, ok, "a skipped check still counts as checked")
}

func TestPersonPresentExpandsPlaceholders(t *testing.T) {
	h := newHarness(t, task("greet-alex", "{Alex} is sitting at the table"))
	h.detector.person = true
	h.model.reply = `{"greet-alex": true}`

	res, err := h.worker.Process(context.Background(), job("greet-alex"))
	require.NoError(t, err)
	assert.Equal(t, []string{"greet-alex"}, res.Enqueued)
	require.Len(t, h.model.prompts, 1)
	assert.Contains(t, h.model.prompts[0], "a tall man with grey hair is sitting at the table")
}

func TestAnyoneResolvedByPrefilter(t *testing.T) {
	h := newHarness(t, task("say-hi", models.AnyoneCondition))
	h.detector.person = true

	res, err := h.worker.Process(context.Background(), job("say-hi"))
	require.NoError(t, err)
	assert.False(t, res.Queried)
	assert.Equal(t, []string{"say-hi"}, res.Enqueued)

	h.detector.person = false
	res, err = h.worker.Process(context.Background(), job("say-hi"))
	require.NoError(t, err)
	assert.Empty(t, res.Enqueued)
	assert.Equal(t, 0, h.model.calls())
}

func TestFixedTrigger(t *testing.T) {
	fixed := task("water-plants", "", func(d *models.TaskDefinition) { d.Trigger = models.FixedTrigger(true) })
	h := newHarness(t, fixed)

	res, err := h.worker.Process(context.Background(), job("water-plants"))
	require.NoError(t, err)
	assert.Equal(t, []string{"water-plants"}, res.Enqueued)
	assert.Equal(t, 0, h.model.calls())
}

func TestInferenceFailuresFailOpen(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{"call error", "", errors.New("deadline exceeded")},
		{"malformed reply", "I cannot tell", nil},
		{"missing key", `{"other": true}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, task("check-stove", "the stove is on"))
			h.model.reply, h.model.err = tt.reply, tt.err

			res, err := h.worker.Process(context.Background(), job("check-stove"))
			require.NoError(t, err)
			assert.Empty(t, res.Enqueued)
			assert.NotContains(t, res.Conditions, "check-stove")
		})
	}
}

func TestDetectorFailureTreatedAsNobody(t *testing.T) {
	h := newHarness(t, task("greet", "someone is at the door"), task("check-stove", "the stove is on"))
	h.detector.err = errors.New("model missing")
	h.model.reply = `{"check-stove": false}`

	res, err := h.worker.Process(context.Background(), job("greet", "check-stove"))
	require.NoError(t, err)
	assert.False(t, res.PersonPresent)
	assert.Equal(t, map[string]bool{"greet": false, "check-stove": false}, res.Conditions)
	require.Len(t, h.model.prompts, 1)
	assert.NotContains(t, h.model.prompts[0], "door")
}

func TestInteractionOnlyJob(t *testing.T) {
	h := newHarness(t)
	j := job()
	j.Tag = models.InteractionTag

	res, err := h.worker.Process(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, StageReceived, res.Stage)
	assert.Equal(t, 0, h.detector.calls)

	snaps, err := h.state.Interactions(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "snap.jpg", snaps[0].Filename)
}

func TestSecondaryTaskEvaluated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	secondary := models.TaskDefinition{
		Name:            "take-pills__find",
		Origin:          "take-pills",
		Expires:         t0.Add(10 * time.Minute),
		Locations:       []string{"kitchen"},
		MaxTriggerCount: models.Unbounded,
		Trigger:         models.ConditionTrigger("Is there a person matching: a tall man with grey hair?"),
	}
	require.NoError(t, h.state.SetSecondary(ctx, secondary))
	h.detector.person = true
	h.model.reply = `{"take-pills__find": true}`

	res, err := h.worker.Process(ctx, job("take-pills__find", "unknown-task"))
	require.NoError(t, err)
	assert.Equal(t, []string{"take-pills__find"}, res.Enqueued)
}

func TestRunConsumesQueue(t *testing.T) {
	// The store outlives this function; its cleanup runs after the check.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	h := newHarness(t, task("check-stove", "the stove is on"))
	h.model.reply = `{"check-stove": true}`
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.NoError(t, h.state.EnqueueImageJob(ctx, job("check-stove")))
	require.Eventually(t, func() bool {
		pending, err := h.state.PendingActions(context.Background())
		return err == nil && len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type panicModel struct{}

func (panicModel) Query(context.Context, string, string) (string, error) { panic("boom") }

func TestRunSurvivesPanic(t *testing.T) {
	h := newHarness(t, task("check-stove", "the stove is on"), task("fixed", "", func(d *models.TaskDefinition) {
		d.Trigger = models.FixedTrigger(true)
	}))
	h.worker.model = panicModel{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.NoError(t, h.state.EnqueueImageJob(ctx, job("check-stove")))
	require.NoError(t, h.state.EnqueueImageJob(ctx, job("fixed")))
	require.Eventually(t, func() bool {
		pending, err := h.state.PendingActions(context.Background())
		return err == nil && len(pending) == 1 && pending[0] == "fixed"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRequiresPerson(t *testing.T) {
	tests := []struct {
		condition string
		want      bool
	}{
		{"someone is at the front door", true},
		{"{Alex} is sitting at the table", true},
		{"people are eating", true},
		{"no person in the crib", false},
		{"nobody is in the living room", false},
		{"the room is empty", false},
		{"the stove is on", false},
		{"a child is not wearing shoes", false},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			assert.Equal(t, tt.want, RequiresPerson(tt.condition))
		})
	}
}

func TestBuildPromptIsStable(t *testing.T) {
	p := BuildPrompt("kitchen", map[string]string{"b": "cond b", "a": "cond a"})
	assert.Contains(t, p, `"kitchen"`)
	assert.Less(t, indexOf(p, `"a": cond a`), indexOf(p, `"b": cond b`))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
