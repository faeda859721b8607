// Package bootstrap builds the components shared by the API and worker processes.
package bootstrap

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/executor"
)

// NewLogger builds the process logger. Development runs log at debug level.
func NewLogger(cfg config.Config, process string) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.AppName).
		Str("process", process).
		Logger()
}

// NewGateway selects the execution provider named in the configuration.
func NewGateway(cfg config.Config, logger zerolog.Logger) (executor.Gateway, error) {
	switch cfg.ExecutionProvider {
	case config.ProviderDocker:
		gateway, err := executor.NewDockerGateway(executor.DockerConfig{
			Host:          cfg.DockerHost,
			MemoryLimitMB: int64(cfg.DockerMemoryMB),
			CPUShares:     int64(cfg.DockerCPUShares),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return gateway, nil
	case config.ProviderJudge0, "":
		gateway, err := executor.NewJudge0Gateway(executor.Judge0Config{
			BaseURL:        cfg.Judge0URL,
			APIKey:         cfg.Judge0APIKey,
			Host:           cfg.Judge0Host,
			AuthToken:      cfg.Judge0AuthToken,
			RequestTimeout: cfg.Judge0RequestTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return gateway, nil
	default:
		return nil, fmt.Errorf("unknown execution provider %q", cfg.ExecutionProvider)
	}
}

// EvaluatorConfig maps execution limits onto the test evaluator.
func EvaluatorConfig(cfg config.Config) service.EvaluatorConfig {
	return service.EvaluatorConfig{
		TimeLimit:     cfg.ExecutionTimeLimit,
		MemoryLimitKB: cfg.ExecutionMemoryKB,
		MaxWait:       cfg.Judge0MaxWait,
		PollInterval:  cfg.Judge0PollInterval,
	}
}

// FeedbackFactory returns a generator factory. A missing key only surfaces
// when feedback is generated.
func FeedbackFactory(cfg config.Config, logger zerolog.Logger) ai.Factory {
	return ai.NewOpenAIFactory(ai.OpenAIConfig{
		APIKey:         cfg.AIAPIKey,
		BaseURL:        cfg.AIBaseURL,
		Model:          cfg.AIModel,
		MaxTokens:      cfg.AIMaxTokens,
		Temperature:    cfg.AITemperature,
		RequestTimeout: cfg.AIRequestTimeout,
		Logger:         logger,
	})
}

// JobPolicies maps the configured retry budgets onto the job runner.
func JobPolicies(cfg config.Config) service.JobPolicies {
	policies := service.DefaultJobPolicies()
	policies.Grading = queue.RetryPolicy{MaxAttempts: cfg.GradingMaxAttempts, Delay: cfg.GradingRetryDelay}
	policies.Feedback = queue.RetryPolicy{MaxAttempts: cfg.FeedbackMaxAttempts, Delay: cfg.FeedbackRetryDelay}
	return policies
}
