package vision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/connectors"
)

func TestParseJSONObject(t *testing.T) {
	var v map[string]bool
	require.NoError(t, ParseJSONObject("Sure!\n```json\n{\"check-stove\": true}\n```", &v))
	assert.Equal(t, map[string]bool{"check-stove": true}, v)

	err := ParseJSONObject("no braces here", &v)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	err = ParseJSONObject("} backwards {", &v)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	err = ParseJSONObject("{not json}", &v)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseConditions(t *testing.T) {
	got, err := ParseConditions(`{"a": true, "b": "yes", "c": "No", "d": 3, "e": false}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": false, "e": false}, got)
}

type fakeExec struct {
	inv    connectors.Invocation
	result *connectors.Result
	err    error
}

func (f *fakeExec) Run(_ context.Context, inv connectors.Invocation) (*connectors.Result, error) {
	f.inv = inv
	return f.result, f.err
}

func TestCommandDetector(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Confidence = 0.6

	tests := []struct {
		name   string
		stdout string
		want   bool
	}{
		{"confident person", `{"detections":[{"label":"dog","confidence":0.9},{"label":"person","confidence":0.61}]}`, true},
		{"weak person", `{"detections":[{"label":"person","confidence":0.3}]}`, false},
		{"nothing", `{"detections":[]}`, false},
		{"banner before json", "loading weights...\n{\"detections\":[{\"label\":\"Person\",\"confidence\":0.6}]}", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExec{result: &connectors.Result{Stdout: tt.stdout}}
			d := NewCommandDetector(cfg, ex, zap.NewNop())

			got, err := d.PersonPresent(context.Background(), "/tmp/snap.jpg")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "python3", ex.inv.Command)
			assert.Equal(t, []string{"detect.py", "--image", "/tmp/snap.jpg", "--conf", "0.6"}, ex.inv.Args)
			assert.Equal(t, cfg.Timeout, ex.inv.Timeout)
		})
	}
}

func TestCommandDetectorFailures(t *testing.T) {
	cfg := DefaultDetectorConfig()

	ex := &fakeExec{err: errors.New("boom")}
	_, err := NewCommandDetector(cfg, ex, zap.NewNop()).PersonPresent(context.Background(), "x.jpg")
	assert.Error(t, err)

	ex = &fakeExec{result: &connectors.Result{ExitCode: 2, Stderr: "no model"}}
	_, err = NewCommandDetector(cfg, ex, zap.NewNop()).PersonPresent(context.Background(), "x.jpg")
	assert.ErrorContains(t, err, "exited 2")

	ex = &fakeExec{result: &connectors.Result{Stdout: "garbage"}}
	_, err = NewCommandDetector(cfg, ex, zap.NewNop()).PersonPresent(context.Background(), "x.jpg")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDetectorAllowlist(t *testing.T) {
	cfg := DefaultDetectorConfig()
	assert.Equal(t, map[string][]string{"python3": {"detect.py"}}, cfg.Allowlist())

	cfg.Args = nil
	cfg.Command = "/usr/local/bin/yolo-person"
	assert.Equal(t, map[string][]string{"/usr/local/bin/yolo-person": nil}, cfg.Allowlist())
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), DefaultModelConfig(), zap.NewNop())
	assert.Error(t, err)
}
