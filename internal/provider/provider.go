// Package provider adapts hosted language models to agent.Provider.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/m2tx/voice_agent/internal/agent"
)

const (
	NameGemini = "gemini"
	NameOpenAI = "openai"
)

type Config struct {
	Name        string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	// RequestTimeout bounds a whole streamed turn. Zero means no limit.
	RequestTimeout time.Duration
}

// New builds the provider named by cfg.Name.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (agent.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Name {
	case NameGemini, "":
		clientConfig := &genai.ClientConfig{
			Backend: genai.BackendGeminiAPI,
			APIKey:  cfg.APIKey,
		}
		if cfg.BaseURL != "" {
			clientConfig.HTTPOptions.BaseURL = cfg.BaseURL
		}
		client, err := genai.NewClient(ctx, clientConfig)
		if err != nil {
			return nil, fmt.Errorf("provider: gemini client: %w", err)
		}
		return NewGemini(client, cfg, logger), nil

	case NameOpenAI:
		var opts []option.RequestOption
		if cfg.APIKey != "" {
			opts = append(opts, option.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		client := openai.NewClient(opts...)
		return NewOpenAI(&client, cfg, logger), nil
	}

	return nil, fmt.Errorf("provider: unknown provider %q", cfg.Name)
}

// withTimeout applies the request timeout to one streamed turn.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// schemaMap turns a parameter schema into the plain map both APIs accept.
// A missing schema becomes an object without properties.
func schemaMap(s *jsonschema.Schema) (map[string]any, error) {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
