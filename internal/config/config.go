// Package config loads the rover's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/rover/internal/logging"
	"github.com/fentz26/rover/internal/pipeline"
	"github.com/fentz26/rover/internal/scheduler"
	"github.com/fentz26/rover/internal/vision"
)

// Environment overrides, applied after the file is read.
const (
	EnvStoreDSN     = "ROVER_STORE_DSN"
	EnvFamilyConfig = "ROVER_FAMILY_CONFIG"
	EnvUploadDir    = "ROVER_UPLOAD_DIR"
	EnvListen       = "ROVER_LISTEN"
	EnvGeminiKey    = "GEMINI_API_KEY"
	EnvGoogleKey    = "GOOGLE_API_KEY"
)

// StoreConfig selects the shared state backend.
type StoreConfig struct {
	// DSN is a postgres:// URL or a SQLite file path.
	DSN string `yaml:"dsn"`
}

// Config is the full process configuration.
type Config struct {
	// Listen is the HTTP address of the control plane.
	Listen string      `yaml:"listen"`
	Store  StoreConfig `yaml:"store"`
	// UploadDir receives snapshot uploads.
	UploadDir string `yaml:"upload_dir"`
	// FamilyConfig is the task table file.
	FamilyConfig string `yaml:"family_config"`
	// TaskRefresh re-reads the task table even without file events.
	TaskRefresh time.Duration `yaml:"task_refresh"`

	Scheduler *scheduler.Config     `yaml:"scheduler"`
	Pipeline  pipeline.Config       `yaml:"pipeline"`
	Detector  vision.DetectorConfig `yaml:"detector"`
	Vision    vision.ModelConfig    `yaml:"vision"`
	Logging   logging.Options       `yaml:"logging"`
}

// DefaultConfig returns a configuration rooted at ~/.rover.
func DefaultConfig() *Config {
	base := Dir()
	return &Config{
		Listen:       "127.0.0.1:7466",
		Store:        StoreConfig{DSN: filepath.Join(base, "rover.db")},
		UploadDir:    filepath.Join(base, "uploads"),
		FamilyConfig: filepath.Join(base, "family_config.json"),
		TaskRefresh:  time.Minute,
		Scheduler:    scheduler.DefaultConfig(),
		Pipeline:     pipeline.DefaultConfig(),
		Detector:     vision.DefaultDetectorConfig(),
		Vision:       vision.DefaultModelConfig(),
		Logging:      logging.Options{Level: "info"},
	}
}

// Dir returns ~/.rover, or .rover when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rover"
	}
	return filepath.Join(home, ".rover")
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.Pipeline.UploadDir = cfg.UploadDir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome loads ~/.rover/rover.yaml.
func LoadFromHome() (*Config, error) {
	return Load(filepath.Join(Dir(), "rover.yaml"))
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Store.DSN, EnvStoreDSN)
	set(&c.FamilyConfig, EnvFamilyConfig)
	set(&c.UploadDir, EnvUploadDir)
	set(&c.Listen, EnvListen)
	set(&c.Vision.APIKey, EnvGoogleKey)
	set(&c.Vision.APIKey, EnvGeminiKey)
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return errors.New("store.dsn must be set")
	}
	if c.FamilyConfig == "" {
		return errors.New("family_config must be set")
	}
	if c.UploadDir == "" {
		return errors.New("upload_dir must be set")
	}
	if c.Scheduler == nil {
		return errors.New("scheduler section must not be null")
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Pipeline.EvidenceWindow <= 0 {
		return errors.New("pipeline.evidence_window must be positive")
	}
	if c.Detector.Command == "" {
		return errors.New("detector.command must be set")
	}
	if c.Detector.Confidence <= 0 || c.Detector.Confidence > 1 {
		return errors.New("detector.confidence must be in (0, 1]")
	}
	return nil
}
