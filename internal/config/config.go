package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Execution providers.
const (
	ProviderJudge0 = "judge0"
	ProviderDocker = "docker"
)

// Config holds runtime configuration for the grader processes.
type Config struct {
	AppName       string
	AppEnv        string
	AppPort       string
	DatabaseURL   string
	RedisURL      string
	NATSURL       string
	EventsChannel string
	JWTSecret     string

	ExecutionProvider    string
	ExecutionTimeLimit   time.Duration
	ExecutionMemoryKB    int
	ExecutionRateLimit   int
	ExecutionRateWindow  time.Duration
	Judge0URL            string
	Judge0APIKey         string
	Judge0Host           string
	Judge0AuthToken      string
	Judge0RequestTimeout time.Duration
	Judge0MaxWait        time.Duration
	Judge0PollInterval   time.Duration
	DockerHost           string
	DockerMemoryMB       int
	DockerCPUShares      int

	AIAPIKey         string
	AIBaseURL        string
	AIModel          string
	AIMaxTokens      int
	AITemperature    float32
	AIRequestTimeout time.Duration

	QueueName           string
	QueueWorkers        int
	GradingMaxAttempts  int
	GradingRetryDelay   time.Duration
	FeedbackMaxAttempts int
	FeedbackRetryDelay  time.Duration
	WorkerMetricsPort   string
	StreamIdleTimeout   time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	return listenAddress(c.AppPort)
}

// MetricsAddress returns the address the worker serves metrics on.
func (c Config) MetricsAddress() string {
	return listenAddress(c.WorkerMetricsPort)
}

// IsDevelopment reports whether the process runs with development defaults.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

func listenAddress(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("events.channel", "grader")
	v.SetDefault("execution.provider", ProviderJudge0)
	v.SetDefault("execution.time_limit", "5s")
	v.SetDefault("execution.memory_limit_kb", 128000)
	v.SetDefault("execution.rate_limit", 20)
	v.SetDefault("execution.rate_window", "1m")
	v.SetDefault("judge0.url", "https://judge0-ce.p.rapidapi.com")
	v.SetDefault("judge0.request_timeout", "30s")
	v.SetDefault("judge0.max_wait", "30s")
	v.SetDefault("judge0.poll_interval", "500ms")
	v.SetDefault("docker.memory_mb", 256)
	v.SetDefault("docker.cpu_shares", 512)
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.max_output_tokens", 10000)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.request_timeout", "60s")
	v.SetDefault("queue.name", "grader:jobs")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("grading.max_attempts", 4)
	v.SetDefault("grading.retry_delay", "5s")
	v.SetDefault("feedback.max_attempts", 3)
	v.SetDefault("feedback.retry_delay", "10s")
	v.SetDefault("worker.metrics_port", "9091")
	v.SetDefault("stream.idle_timeout", "5m")

	durations := make(map[string]time.Duration)
	durationKeys := []string{
		"execution.time_limit",
		"execution.rate_window",
		"judge0.request_timeout",
		"judge0.max_wait",
		"judge0.poll_interval",
		"ai.request_timeout",
		"grading.retry_delay",
		"feedback.retry_delay",
		"stream.idle_timeout",
	}
	for _, key := range durationKeys {
		parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:       v.GetString("app.name"),
		AppEnv:        v.GetString("app.env"),
		AppPort:       v.GetString("app.port"),
		DatabaseURL:   v.GetString("database.url"),
		RedisURL:      v.GetString("redis.url"),
		NATSURL:       v.GetString("nats.url"),
		EventsChannel: v.GetString("events.channel"),
		JWTSecret:     v.GetString("jwt.secret"),

		ExecutionProvider:    strings.ToLower(strings.TrimSpace(v.GetString("execution.provider"))),
		ExecutionTimeLimit:   durations["execution.time_limit"],
		ExecutionMemoryKB:    v.GetInt("execution.memory_limit_kb"),
		ExecutionRateLimit:   v.GetInt("execution.rate_limit"),
		ExecutionRateWindow:  durations["execution.rate_window"],
		Judge0URL:            v.GetString("judge0.url"),
		Judge0APIKey:         v.GetString("judge0.api_key"),
		Judge0Host:           v.GetString("judge0.host"),
		Judge0AuthToken:      v.GetString("judge0.auth_token"),
		Judge0RequestTimeout: durations["judge0.request_timeout"],
		Judge0MaxWait:        durations["judge0.max_wait"],
		Judge0PollInterval:   durations["judge0.poll_interval"],
		DockerHost:           v.GetString("docker.host"),
		DockerMemoryMB:       v.GetInt("docker.memory_mb"),
		DockerCPUShares:      v.GetInt("docker.cpu_shares"),

		AIAPIKey:         v.GetString("ai.api_key"),
		AIBaseURL:        v.GetString("ai.base_url"),
		AIModel:          v.GetString("ai.model"),
		AIMaxTokens:      v.GetInt("ai.max_output_tokens"),
		AITemperature:    float32(v.GetFloat64("ai.temperature")),
		AIRequestTimeout: durations["ai.request_timeout"],

		QueueName:           v.GetString("queue.name"),
		QueueWorkers:        v.GetInt("queue.workers"),
		GradingMaxAttempts:  v.GetInt("grading.max_attempts"),
		GradingRetryDelay:   durations["grading.retry_delay"],
		FeedbackMaxAttempts: v.GetInt("feedback.max_attempts"),
		FeedbackRetryDelay:  durations["feedback.retry_delay"],
		WorkerMetricsPort:   v.GetString("worker.metrics_port"),
		StreamIdleTimeout:   durations["stream.idle_timeout"],
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.ExecutionProvider {
	case ProviderJudge0, ProviderDocker:
	default:
		return Config{}, fmt.Errorf("unknown execution provider %q", cfg.ExecutionProvider)
	}

	if cfg.QueueWorkers <= 0 {
		cfg.QueueWorkers = 4
	}
	if cfg.GradingMaxAttempts <= 0 {
		cfg.GradingMaxAttempts = 4
	}
	if cfg.FeedbackMaxAttempts <= 0 {
		cfg.FeedbackMaxAttempts = 3
	}
	if cfg.DockerMemoryMB <= 0 {
		cfg.DockerMemoryMB = 256
	}
	if cfg.DockerCPUShares <= 0 {
		cfg.DockerCPUShares = 512
	}

	return cfg, nil
}
