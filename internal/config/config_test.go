package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvStoreDSN, EnvFamilyConfig, EnvUploadDir, EnvListen, EnvGeminiKey, EnvGoogleKey} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, cfg.UploadDir, cfg.Pipeline.UploadDir)
}

func TestLoadOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
listen: ":9000"
store:
  dsn: postgres://rover@db/rover
family_config: /etc/rover/family.json
scheduler:
  home_base: charging dock
  tick_interval: 5s
pipeline:
  evidence_window: 20m
detector:
  confidence: 0.4
vision:
  model: gemini-2.5-pro
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "postgres://rover@db/rover", cfg.Store.DSN)
	assert.Equal(t, "charging dock", cfg.Scheduler.HomeBase)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.SpeechCooldown, "unset fields keep defaults")
	assert.Equal(t, 20*time.Minute, cfg.Pipeline.EvidenceWindow)
	assert.InDelta(t, 0.4, cfg.Detector.Confidence, 1e-9)
	assert.NotEmpty(t, cfg.Detector.Command)
	assert.Equal(t, "gemini-2.5-pro", cfg.Vision.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "listen: \":9000\"\n")
	t.Setenv(EnvListen, ":7000")
	t.Setenv(EnvStoreDSN, "/var/lib/rover.db")
	t.Setenv(EnvGoogleKey, "google")
	t.Setenv(EnvGeminiKey, "gemini")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "/var/lib/rover.db", cfg.Store.DSN)
	assert.Equal(t, "gemini", cfg.Vision.APIKey, "GEMINI_API_KEY wins")
}

func TestAPIKeyNotReadFromFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "vision:\n  api_key: secret\n  apikey: secret\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Vision.APIKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	for name, body := range map[string]string{
		"bad yaml":       "listen: [",
		"bad battery":    "scheduler:\n  critical_battery: 50\n  rest_battery: 20\n",
		"zero tick":      "scheduler:\n  tick_interval: 0s\n",
		"bad confidence": "detector:\n  confidence: 2\n",
		"empty family":   "family_config: \"\"\n",
		"null scheduler": "scheduler: null\n",
		"zero evidence":  "pipeline:\n  evidence_window: 0s\n",
		"empty detector": "detector:\n  command: \"\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}
