package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ricochet1k/concordia/internal/domain"
)

var (
	ErrMergeFailed     = errors.New("merge failed")
	ErrEmptyMerge      = errors.New("merge produced no text")
	ErrUnknownProvider = errors.New("unknown merge provider")
	ErrMissingAPIKey   = errors.New("merge provider needs an API key")
)

const (
	ProviderAuto     = "auto"
	ProviderGemini   = "gemini"
	ProviderOpenAI   = "openai"
	ProviderFallback = "fallback"

	DefaultGeminiModel = "gemini-2.0-flash"
	DefaultOpenAIModel = "gpt-4o-mini"
)

// Client is a single-turn text completion backend.
type Client interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Merger folds prompt batches into one request and summarizes sessions.
type Merger interface {
	Name() string
	Merge(ctx context.Context, batch []domain.PromptItem) (string, error)
	Summarize(ctx context.Context, merged []string) (string, error)
}

type Config struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	APIKey       string `mapstructure:"api_key"`
	GeminiAPIKey string `mapstructure:"-"`
	OpenAIAPIKey string `mapstructure:"-"`
	// BaseURL overrides the provider endpoint.
	BaseURL string `mapstructure:"base_url"`
}

// ResolveProvider picks the concrete provider for cfg. Auto prefers Gemini,
// then OpenAI, then the fallback template, depending on which keys exist.
func ResolveProvider(cfg Config) (string, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderAuto:
		switch {
		case cfg.APIKey != "" || cfg.GeminiAPIKey != "":
			return ProviderGemini, nil
		case cfg.OpenAIAPIKey != "":
			return ProviderOpenAI, nil
		default:
			return ProviderFallback, nil
		}
	case ProviderGemini:
		return ProviderGemini, nil
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderFallback:
		return ProviderFallback, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// New builds the merger described by cfg.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Merger, error) {
	provider, err := ResolveProvider(cfg)
	if err != nil {
		return nil, err
	}
	var client Client
	switch provider {
	case ProviderGemini:
		key := firstNonEmpty(cfg.APIKey, cfg.GeminiAPIKey)
		if key == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, provider)
		}
		client, err = NewGeminiClient(ctx, key, firstNonEmpty(cfg.Model, DefaultGeminiModel), cfg.BaseURL)
		if err != nil {
			return nil, err
		}
	case ProviderOpenAI:
		key := firstNonEmpty(cfg.APIKey, cfg.OpenAIAPIKey)
		if key == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, provider)
		}
		client = NewOpenAIClient(key, firstNonEmpty(cfg.Model, DefaultOpenAIModel), cfg.BaseURL)
	default:
		return Fallback{}, nil
	}
	return NewCollaborator(client, logger), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Collaborator merges through a model client.
type Collaborator struct {
	client Client
	logger *slog.Logger
}

func NewCollaborator(client Client, logger *slog.Logger) *Collaborator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collaborator{
		client: client,
		logger: logger.With("component", "merge", "provider", client.Name()),
	}
}

func (c *Collaborator) Name() string {
	return c.client.Name()
}

func (c *Collaborator) Merge(ctx context.Context, batch []domain.PromptItem) (string, error) {
	if len(batch) == 0 {
		return "", ErrEmptyMerge
	}
	out, err := c.generate(ctx, PromptTemplate(batch))
	if err != nil {
		return "", err
	}
	c.logger.Debug("batch merged", "prompts", len(batch), "chars", len(out))
	return out, nil
}

func (c *Collaborator) Summarize(ctx context.Context, merged []string) (string, error) {
	if len(merged) == 0 {
		return "", nil
	}
	return c.generate(ctx, SummaryTemplate(merged))
}

func (c *Collaborator) generate(ctx context.Context, prompt string) (string, error) {
	out, err := c.client.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrMergeFailed, c.client.Name(), err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyMerge
	}
	return out, nil
}

// Fallback merges by listing the prompts under a fixed header.
type Fallback struct{}

func (Fallback) Name() string { return ProviderFallback }

func (Fallback) Merge(_ context.Context, batch []domain.PromptItem) (string, error) {
	if len(batch) == 0 {
		return "", ErrEmptyMerge
	}
	return FallbackTemplate(batch), nil
}

func (Fallback) Summarize(_ context.Context, merged []string) (string, error) {
	if len(merged) == 0 {
		return "", nil
	}
	return SummaryFallback(merged), nil
}
