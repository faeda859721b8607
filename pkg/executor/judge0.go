package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	judgeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "judge0",
		Name:      "request_duration_seconds",
		Help:      "Duration of Judge0 API requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	judgeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "judge0",
		Name:      "failures_total",
		Help:      "Number of Judge0 requests that did not produce a result",
	}, []string{"operation"})
)

const (
	defaultJudge0URL     = "https://judge0-ce.p.rapidapi.com"
	defaultTimeLimit     = 5 * time.Second
	defaultMemoryLimitKB = 128000
)

// Judge0Config groups Judge0 connection settings.
type Judge0Config struct {
	// BaseURL of the Judge0 API. Defaults to the RapidAPI hosted CE instance.
	BaseURL string
	// APIKey is sent as X-RapidAPI-Key.
	APIKey string
	// Host is sent as X-RapidAPI-Host. Derived from BaseURL when empty.
	Host string
	// AuthToken is sent as X-Auth-Token for self-hosted instances.
	AuthToken      string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Judge0Gateway talks to the Judge0 REST API.
type Judge0Gateway struct {
	baseURL   string
	apiKey    string
	host      string
	authToken string
	client    *http.Client
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewJudge0Gateway constructs a Judge0 backed gateway.
func NewJudge0Gateway(cfg Judge0Config) (*Judge0Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultJudge0URL
	}

	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid judge0 url %q", cfg.BaseURL)
	}

	host := cfg.Host
	if host == "" && cfg.APIKey != "" {
		host = parsed.Host
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &Judge0Gateway{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		host:      host,
		authToken: cfg.AuthToken,
		client:    client,
		tracer:    otel.Tracer("github.com/noah-isme/gema-grader/pkg/executor/judge0"),
		logger:    logger,
	}, nil
}

type judge0Payload struct {
	LanguageID     int     `json:"language_id"`
	SourceCode     string  `json:"source_code"`
	Stdin          string  `json:"stdin"`
	CPUTimeLimit   float64 `json:"cpu_time_limit"`
	MemoryLimit    int     `json:"memory_limit"`
	ExpectedOutput string  `json:"expected_output,omitempty"`
}

type judge0Response struct {
	Token         string  `json:"token"`
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
	CompileOutput *string `json:"compile_output"`
	Message       *string `json:"message"`
	Time          *string `json:"time"`
	Memory        *int    `json:"memory"`
	ExitCode      *int    `json:"exit_code"`
	StatusID      int     `json:"status_id"`
	Status        *struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
}

// Execute creates a Judge0 submission. With Wait=false only the token is
// populated and the caller should use Fetch or AwaitResult.
func (g *Judge0Gateway) Execute(parent context.Context, req Request) (Result, error) {
	lang, err := LookupLanguage(req.Language)
	if err != nil {
		return Result{}, err
	}

	timeLimit := req.TimeLimit
	if timeLimit <= 0 {
		timeLimit = defaultTimeLimit
	}
	memoryLimit := req.MemoryLimitKB
	if memoryLimit <= 0 {
		memoryLimit = defaultMemoryLimitKB
	}

	payload := judge0Payload{
		LanguageID:   lang.Judge0ID,
		SourceCode:   encode(req.SourceCode),
		CPUTimeLimit: timeLimit.Seconds(),
		MemoryLimit:  memoryLimit,
	}
	if req.Stdin != "" {
		payload.Stdin = encode(req.Stdin)
	}
	if req.ExpectedOutput != "" {
		payload.ExpectedOutput = encode(req.ExpectedOutput)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failure("Execution error", err.Error()), nil
	}

	query := url.Values{}
	query.Set("base64_encoded", "true")
	query.Set("wait", strconv.FormatBool(req.Wait))

	ctx, span := g.tracer.Start(parent, "judge0.create_submission", trace.WithAttributes(
		attribute.String("judge0.language", lang.Name),
		attribute.Bool("judge0.wait", req.Wait),
	))
	defer span.End()

	result := g.do(ctx, span, "create", http.MethodPost, "/submissions?"+query.Encode(), body, "Execution error")
	return result, nil
}

// Fetch reads the current state of a submission by token.
func (g *Judge0Gateway) Fetch(parent context.Context, token string) Result {
	ctx, span := g.tracer.Start(parent, "judge0.get_submission", trace.WithAttributes(
		attribute.String("judge0.token", token),
	))
	defer span.End()

	path := "/submissions/" + url.PathEscape(token) + "?base64_encoded=true"
	result := g.do(ctx, span, "fetch", http.MethodGet, path, nil, "Error fetching submission")
	if result.Token == "" {
		result.Token = token
	}
	return result
}

// AwaitResult polls Fetch at a fixed interval until the submission leaves the
// queued/processing states or maxWait elapses.
func (g *Judge0Gateway) AwaitResult(ctx context.Context, token string, maxWait, interval time.Duration) Result {
	return poll(ctx, token, maxWait, interval, g.Fetch)
}

func poll(ctx context.Context, token string, maxWait, interval time.Duration, fetch func(context.Context, string) Result) Result {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		result := fetch(ctx, token)
		if !result.Pending() {
			return result
		}

		select {
		case <-ctx.Done():
			timeout := failure("Timeout", ctx.Err().Error())
			timeout.Token = token
			return timeout
		case <-time.After(interval):
		}
	}

	timeout := failure("Timeout", "Execution took too long")
	timeout.Token = token
	return timeout
}

func (g *Judge0Gateway) do(ctx context.Context, span trace.Span, operation, method, path string, body []byte, errorKind string) Result {
	start := time.Now()
	defer func() {
		judgeDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	fail := func(kind, details string, err error) Result {
		judgeFailures.WithLabelValues(operation).Inc()
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, kind)
		g.logger.Warn().Str("operation", operation).Str("error", kind).Str("details", details).Msg("judge0 request failed")
		return failure(kind, details)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fail(errorKind, err.Error(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("X-RapidAPI-Key", g.apiKey)
		httpReq.Header.Set("X-RapidAPI-Host", g.host)
	}
	if g.authToken != "" {
		httpReq.Header.Set("X-Auth-Token", g.authToken)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return fail("Request timeout", "The code execution request timed out", err)
		}
		return fail(errorKind, err.Error(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(errorKind, err.Error(), err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fail(fmt.Sprintf("API Error: %d", resp.StatusCode), string(raw), nil)
	}

	var decoded judge0Response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fail(errorKind, fmt.Sprintf("decode judge0 response: %v", err), err)
	}

	result := parseJudge0Response(decoded)
	span.SetAttributes(attribute.Int("judge0.status_id", result.StatusID))
	return result
}

func parseJudge0Response(raw judge0Response) Result {
	result := Result{
		Token:         raw.Token,
		Stdout:        strings.TrimSpace(decode(deref(raw.Stdout))),
		Stderr:        strings.TrimSpace(decode(deref(raw.Stderr))),
		CompileOutput: strings.TrimSpace(decode(deref(raw.CompileOutput))),
		Message:       deref(raw.Message),
		Memory:        raw.Memory,
		ExitCode:      raw.ExitCode,
		StatusID:      raw.StatusID,
	}

	if raw.Status != nil {
		result.StatusID = raw.Status.ID
		result.Status = raw.Status.Description
	}

	if raw.Time != nil {
		if seconds, err := strconv.ParseFloat(*raw.Time, 64); err == nil {
			result.Time = &seconds
		}
	}

	if result.Message != "" {
		result.Message = strings.TrimSpace(decode(result.Message))
	}

	result.Success = result.StatusID == StatusAccepted
	return result
}

func encode(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

// decode returns the input unchanged when it is not base64 encoded UTF-8 text.
func decode(encoded string) string {
	if encoded == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || !utf8.Valid(decoded) {
		return encoded
	}
	return string(decoded)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
