package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	genaisdk "google.golang.org/genai"

	"github.com/BTreeMap/meeka/internal/models"
)

// DefaultGeminiModel is used when no Gemini model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// contentGenerator is the slice of the Gemini SDK the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genaisdk.Content, config *genaisdk.GenerateContentConfig) (*genaisdk.GenerateContentResponse, error)
}

// GeminiClient wraps Gemini GenerateContent.
type GeminiClient struct {
	models      contentGenerator
	model       string
	temperature float32
}

var _ Completer = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini-backed Completer. The key falls back to GEMINI_API_KEY.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := Opts{Model: DefaultGeminiModel, Temperature: 0.4}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	cli, err := genaisdk.NewClient(ctx, &genaisdk.ClientConfig{APIKey: cfg.APIKey, Backend: genaisdk.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	slog.Debug("genai.NewGeminiClient: Gemini client created", "model", cfg.Model)
	return &GeminiClient{models: cli.Models, model: cfg.Model, temperature: float32(cfg.Temperature)}, nil
}

func (g *GeminiClient) Complete(ctx context.Context, messages []Message, systemPreamble string) (string, error) {
	var contents []*genaisdk.Content
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genaisdk.Content{Role: role, Parts: []*genaisdk.Part{{Text: m.Content}}})
	}
	temp := g.temperature
	cfg := &genaisdk.GenerateContentConfig{Temperature: &temp}
	if systemPreamble != "" {
		cfg.SystemInstruction = &genaisdk.Content{Parts: []*genaisdk.Part{{Text: systemPreamble}}}
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		slog.Error("GeminiClient.Complete: generate content failed", "model", g.model, "error", err)
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil {
		return "", ErrNoChoicesReturned
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p != nil && strings.TrimSpace(p.Text) != "" {
				return strings.TrimSpace(p.Text), nil
			}
		}
	}
	return "", ErrNoChoicesReturned
}

// NewCompleter picks a provider by name ("openai" or "gemini").
func NewCompleter(ctx context.Context, provider string, opts ...Option) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "openai":
		return NewClient(opts...)
	case "gemini", "google":
		return NewGeminiClient(ctx, opts...)
	}
	return nil, fmt.Errorf("unknown AI provider %q", provider)
}
