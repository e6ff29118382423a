// Package genai is the text-completion service behind Meeka's free-text conversation.
//
// Completer is the provider-neutral contract. Client talks to OpenAI chat
// completions and GeminiClient talks to Google's Gemini API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/meeka/internal/models"
)

// ErrNoChoicesReturned is returned when the provider answers without any text.
var ErrNoChoicesReturned = errors.New("no choices returned")

// Message is one chat turn passed to the model.
type Message struct {
	Role    models.Role
	Content string
}

// Completer turns a conversation plus a system preamble into reply text.
type Completer interface {
	Complete(ctx context.Context, messages []Message, systemPreamble string) (string, error)
}

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = string(openai.ChatModelGPT4oMini)

// Opts holds configuration for provider clients.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	BaseURL     string
}

// Option mutates Opts.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// chatService is the slice of the OpenAI SDK the client uses.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client wraps OpenAI chat completions.
type Client struct {
	chat        chatService
	model       string
	temperature float64
}

var _ Completer = (*Client)(nil)

// NewClient creates an OpenAI-backed Completer. The key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultOpenAIModel, Temperature: 0.4}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: OpenAI client created", "model", cfg.Model)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// Complete sends the preamble as a system message followed by the conversation.
func (c *Client) Complete(ctx context.Context, messages []Message, systemPreamble string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    toOpenAIMessages(messages, systemPreamble),
		Temperature: openai.Float(c.temperature),
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("Client.Complete: chat completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	for _, choice := range resp.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", ErrNoChoicesReturned
}

func toOpenAIMessages(messages []Message, systemPreamble string) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPreamble != "" {
		out = append(out, openai.SystemMessage(systemPreamble))
	}
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == models.RoleAssistant {
			out = append(out, openai.AssistantMessage(m.Content))
		} else {
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
