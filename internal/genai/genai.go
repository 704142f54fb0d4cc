// Package genai wraps the OpenAI chat completions API behind the narrow
// generator contract the conversation core needs: one prompt in, one result
// out, with per-call usage accounting.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// Generation defaults applied when a caller leaves GenerateOptions zeroed.
const (
	DefaultTemperature     = 0.3
	DefaultMaxOutputTokens = 1500
)

// ErrNoChoicesReturned indicates the API responded without any completion choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// GenerateOptions tunes a single generation call.
type GenerateOptions struct {
	Temperature     float64
	MaxOutputTokens int64
}

// MetricsSink counts generator usage. Every Generate call increments the call
// counter and every failed call the error counter. Implementations must be
// safe for concurrent use; counting is best-effort.
type MetricsSink interface {
	IncrMetric(ctx context.Context, metric models.Metric) error
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the OpenAI SDK client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
	Metrics MetricsSink
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMetricsSink attaches the usage counters.
func WithMetricsSink(sink MetricsSink) Option {
	return func(o *Opts) { o.Metrics = sink }
}

// Client wraps the OpenAI chat completion service for generating results.
type Client struct {
	chat    chatService
	model   string
	metrics MetricsSink
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable and is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   openai.ChatModelGPT4oMini,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	requestOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(requestOpts...)
	slog.Debug("GenAI client initialized", "model", cfg.Model, "base_url", cfg.BaseURL)
	return &Client{
		chat:    openaiChatService{client: cli},
		model:   cfg.Model,
		metrics: cfg.Metrics,
	}, nil
}

// Generate produces a completion for a single prompt. The call counter is
// incremented before the request and the error counter on failure, mirroring
// the contract that counting happens inside the generator wrapper.
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if opts.Temperature == 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxOutputTokens == 0 {
		opts.MaxOutputTokens = DefaultMaxOutputTokens
	}
	c.count(ctx, models.MetricGeneratorCalls)

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		Temperature: param.NewOpt(opts.Temperature),
		MaxTokens:   param.NewOpt(opts.MaxOutputTokens),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		c.count(ctx, models.MetricErrors)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		c.count(ctx, models.MetricErrors)
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) count(ctx context.Context, metric models.Metric) {
	if c.metrics == nil {
		return
	}
	if err := c.metrics.IncrMetric(ctx, metric); err != nil {
		slog.Warn("GenAI client: failed to record metric", "metric", metric, "error", err)
	}
}
