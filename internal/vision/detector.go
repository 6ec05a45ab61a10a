package vision

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/rover/internal/connectors"
)

// DetectorConfig configures the local object detection command. Args may
// contain {image} and {confidence} placeholders.
type DetectorConfig struct {
	Command    string        `yaml:"command"`
	Args       []string      `yaml:"args"`
	Confidence float64       `yaml:"confidence"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultDetectorConfig returns the detector defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Command:    "python3",
		Args:       []string{"detect.py", "--image", "{image}", "--conf", "{confidence}"},
		Confidence: 0.5,
		Timeout:    20 * time.Second,
	}
}

// Allowlist returns the executable and first argument the detector needs.
func (c DetectorConfig) Allowlist() map[string][]string {
	if len(c.Args) == 0 {
		return map[string][]string{c.Command: nil}
	}
	return map[string][]string{c.Command: {c.Args[0]}}
}

const maxDetectorOutput = 1 << 20

type detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type detectorOutput struct {
	Detections []detection `json:"detections"`
}

// CommandDetector answers "is a person in this image" by running a local
// detection program through a connector.
type CommandDetector struct {
	cfg    DetectorConfig
	exec   connectors.Runner
	logger *zap.Logger
}

// NewCommandDetector creates a detector that runs through exec.
func NewCommandDetector(cfg DetectorConfig, exec connectors.Runner, logger *zap.Logger) *CommandDetector {
	return &CommandDetector{cfg: cfg, exec: exec, logger: logger.Named("detector")}
}

// PersonPresent reports whether a person is detected at or above the
// configured confidence.
func (d *CommandDetector) PersonPresent(ctx context.Context, imagePath string) (bool, error) {
	conf := strconv.FormatFloat(d.cfg.Confidence, 'f', -1, 64)
	args := make([]string, len(d.cfg.Args))
	for i, a := range d.cfg.Args {
		a = strings.ReplaceAll(a, "{image}", imagePath)
		args[i] = strings.ReplaceAll(a, "{confidence}", conf)
	}

	res, err := d.exec.Run(ctx, connectors.Invocation{
		Command:   d.cfg.Command,
		Args:      args,
		Timeout:   d.cfg.Timeout,
		MaxOutput: maxDetectorOutput,
	})
	if err != nil {
		return false, fmt.Errorf("run detector: %w", err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("detector exited %d: %s", res.ExitCode, truncate(strings.TrimSpace(res.Stderr), 200))
	}

	var out detectorOutput
	if err := ParseJSONObject(res.Stdout, &out); err != nil {
		return false, fmt.Errorf("decode detector output: %w", err)
	}

	present := personDetected(out.Detections, d.cfg.Confidence)
	d.logger.Debug("detection finished",
		zap.String("image", imagePath),
		zap.Int("detections", len(out.Detections)),
		zap.Bool("person", present),
		zap.Duration("took", res.Elapsed))
	return present, nil
}

func personDetected(dets []detection, threshold float64) bool {
	for _, det := range dets {
		if strings.EqualFold(det.Label, "person") && det.Confidence >= threshold {
			return true
		}
	}
	return false
}
