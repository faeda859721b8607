package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "generation_duration_seconds",
		Help:      "Duration of AI feedback generation requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "generation_failures_total",
		Help:      "Number of AI feedback generation failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI compatible generator.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points the client at any OpenAI compatible endpoint.
	BaseURL        string
	Model          string
	MaxTokens      int
	Temperature    float32
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// OpenAIGenerator implements Generator against the chat completion API.
type OpenAIGenerator struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIGenerator builds a generator. A missing or placeholder key yields ErrNotConfigured.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if IsPlaceholderKey(cfg.APIKey) {
		return nil, fmt.Errorf("%w: a valid ai api key is required", ErrNotConfigured)
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 10000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/openai"),
		logger: logger.With().Str("component", "ai_feedback").Logger(),
	}, nil
}

// NewOpenAIFactory returns a Factory building generators from cfg.
func NewOpenAIFactory(cfg OpenAIConfig) Factory {
	return func() (Generator, error) {
		return NewOpenAIGenerator(cfg)
	}
}

// Generate sends the tutor prompt and returns the trimmed completion.
func (g *OpenAIGenerator) Generate(parent context.Context, input FeedbackInput) FeedbackResult {
	verdict, prompt := BuildPrompt(input)

	ctx, span := g.tracer.Start(parent, "openai.generate_feedback", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("verdict", string(verdict)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	fail := func(err error) FeedbackResult {
		aiFailures.WithLabelValues(g.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn().Err(err).Str("verdict", string(verdict)).Msg("feedback generation failed")
		return FeedbackResult{Success: false, ModelUsed: g.cfg.Model, Error: err.Error(), Err: err}
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	aiDuration.WithLabelValues(g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		if rejectedCredential(err) {
			return fail(fmt.Errorf("openai generate: %w: %w", ErrNotConfigured, err))
		}
		return fail(fmt.Errorf("openai generate: %w", err))
	}

	if len(resp.Choices) == 0 {
		return fail(errors.New("no choices returned from model"))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return fail(errors.New("model returned empty feedback"))
	}

	g.logger.Info().Str("verdict", string(verdict)).Int("completion_tokens", resp.Usage.CompletionTokens).Msg("generated ai feedback")
	return FeedbackResult{
		Success:     true,
		Feedback:    content,
		VerdictType: verdict,
		ModelUsed:   g.cfg.Model,
	}
}

// rejectedCredential reports whether the upstream refused the api key itself.
func rejectedCredential(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden
}
