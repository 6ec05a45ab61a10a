package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// ModelConfig configures the vision language model.
type ModelConfig struct {
	Model           string        `yaml:"model"`
	APIKey          string        `yaml:"-"`
	Temperature     float32       `yaml:"temperature"`
	MaxOutputTokens int32         `yaml:"max_output_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DefaultModelConfig returns the model defaults.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model:           "gemini-2.5-flash",
		Temperature:     0.2,
		MaxOutputTokens: 256,
		Timeout:         60 * time.Second,
	}
}

// Gemini queries a Gemini model with an image and a prompt.
type Gemini struct {
	client *genai.Client
	cfg    ModelConfig
	logger *zap.Logger
}

// NewGemini creates a Gemini vision model client.
func NewGemini(ctx context.Context, cfg ModelConfig, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg, logger: logger.Named("gemini")}, nil
}

// Query sends the image at imagePath with prompt and returns the raw text
// reply. The model is asked for a JSON response.
func (g *Gemini) Query(ctx context.Context, imagePath, prompt string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, http.DetectContentType(data)),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(g.cfg.Temperature),
		MaxOutputTokens:  g.cfg.MaxOutputTokens,
		ResponseMIMEType: "application/json",
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	g.logger.Debug("vision query finished",
		zap.String("image", imagePath),
		zap.Int("prompt_len", len(prompt)),
		zap.Duration("took", time.Since(start)))
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}
	return text, nil
}
