package internal

import (
	"context"
	"fmt"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/google"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openrouter"
)

const (
	DefaultOracleProvider = "google"
	DefaultOracleModel    = "gemini-2.0-flash"
)

type FantasyConfig struct {
	Provider        string
	APIKey          string
	BaseURL         string
	Model           string
	Temperature     float64
	TopP            float64
	TopK            int64
	MaxOutputTokens int64
}

var _ Oracle = (*FantasyOracle)(nil)

type FantasyOracle struct {
	model fantasy.LanguageModel
	name  string
	cfg   FantasyConfig
}

func NewFantasyOracle(ctx context.Context, cfg FantasyConfig) (*FantasyOracle, error) {
	var provider fantasy.Provider
	var err error

	switch cfg.Provider {
	case "", "google":
		cfg.Provider = "google"
		provider, err = google.New(google.WithGeminiAPIKey(cfg.APIKey))

	case "openai":
		opts := []openai.Option{openai.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		provider, err = openai.New(opts...)

	case "anthropic":
		opts := []anthropic.Option{anthropic.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		provider, err = anthropic.New(opts...)

	case "openrouter":
		provider, err = openrouter.New(openrouter.WithAPIKey(cfg.APIKey))

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	if cfg.Model == "" {
		cfg.Model = DefaultOracleModel
	}

	model, err := provider.LanguageModel(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("get language model: %w", err)
	}

	return &FantasyOracle{model: model, name: cfg.Provider, cfg: cfg}, nil
}

// Analyze sends the image inline with prompt in a single user turn.
func (o *FantasyOracle) Analyze(ctx context.Context, image []byte, mediaType, prompt string) (string, error) {
	msg := fantasy.NewUserMessage(prompt, fantasy.FilePart{
		Filename:  "scan",
		Data:      image,
		MediaType: mediaType,
	})
	return o.generate(ctx, msg)
}

func (o *FantasyOracle) Complete(ctx context.Context, prompt string) (string, error) {
	return o.generate(ctx, fantasy.NewUserMessage(prompt))
}

func (o *FantasyOracle) generate(ctx context.Context, msg fantasy.Message) (string, error) {
	call := fantasy.Call{Prompt: fantasy.Prompt{msg}}
	if o.cfg.Temperature > 0 {
		call.Temperature = &o.cfg.Temperature
	}
	if o.cfg.TopP > 0 {
		call.TopP = &o.cfg.TopP
	}
	if o.cfg.TopK > 0 {
		call.TopK = &o.cfg.TopK
	}
	if o.cfg.MaxOutputTokens > 0 {
		call.MaxOutputTokens = &o.cfg.MaxOutputTokens
	}

	resp, err := o.model.Generate(ctx, call)
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", o.name, err)
	}

	return resp.Content.Text(), nil
}
