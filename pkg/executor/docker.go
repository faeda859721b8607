package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	containerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "docker",
		Name:      "execution_duration_seconds",
		Help:      "Duration of container executions",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	containerTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "docker",
		Name:      "execution_timeouts_total",
		Help:      "Number of executions that hit the timeout",
	}, []string{"image"})

	containerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "docker",
		Name:      "execution_failures_total",
		Help:      "Number of executions that resulted in an error",
	}, []string{"image"})
)

const (
	stdinFileName     = "stdin.txt"
	containerWorkdir  = "/workspace"
	asyncResultMaxAge = 10 * time.Minute
)

// DockerConfig groups settings for the local container gateway.
type DockerConfig struct {
	Host          string
	MemoryLimitMB int64
	CPUShares     int64
	WorkspaceRoot string
	Logger        zerolog.Logger
}

type containerSpec struct {
	Image         string
	Cmd           []string
	Timeout       time.Duration
	Workspace     string
	MemoryLimitMB int64
	CPUShares     int64
}

type containerOutcome struct {
	Stdout           string
	Stderr           string
	ExitCode         int
	Duration         time.Duration
	TimedOut         bool
	MemoryUsageBytes int64
}

type containerRunner interface {
	run(ctx context.Context, spec containerSpec) (containerOutcome, error)
}

type asyncEntry struct {
	result   Result
	done     bool
	storedAt time.Time
}

// DockerGateway executes submissions in throwaway local containers and reports
// Judge0 compatible statuses. It is meant for development and offline grading.
type DockerGateway struct {
	runner    containerRunner
	cfg       DockerConfig
	logger    zerolog.Logger
	closeFunc func() error

	mu      sync.Mutex
	pending map[string]*asyncEntry
}

// NewDockerGateway constructs a container backed gateway.
func NewDockerGateway(cfg DockerConfig) (*DockerGateway, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	gateway := newDockerGateway(nil, cfg)
	gateway.runner = &dockerRunner{
		client: cli,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/executor/docker"),
		logger: gateway.logger,
	}
	gateway.closeFunc = cli.Close
	return gateway, nil
}

func newDockerGateway(runner containerRunner, cfg DockerConfig) *DockerGateway {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = 256
	}
	if cfg.CPUShares <= 0 {
		cfg.CPUShares = 512
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &DockerGateway{
		runner:  runner,
		cfg:     cfg,
		logger:  logger.With().Str("component", "docker_gateway").Logger(),
		pending: make(map[string]*asyncEntry),
	}
}

// Execute runs the submission. With Wait=false the run continues in the
// background and the returned token can be passed to Fetch or AwaitResult.
func (g *DockerGateway) Execute(ctx context.Context, req Request) (Result, error) {
	lang, err := LookupLanguage(req.Language)
	if err != nil {
		return Result{}, err
	}
	if lang.Image == "" {
		return Result{}, fmt.Errorf("%w: %s is not available in the docker sandbox", ErrUnsupportedLanguage, lang.Name)
	}

	if req.Wait {
		return g.runOnce(ctx, lang, req), nil
	}

	token := uuid.NewString()
	g.mu.Lock()
	g.evictLocked()
	g.pending[token] = &asyncEntry{storedAt: time.Now()}
	g.mu.Unlock()

	go func() {
		runCtx := context.WithoutCancel(ctx)
		result := g.runOnce(runCtx, lang, req)
		result.Token = token

		g.mu.Lock()
		defer g.mu.Unlock()
		if entry, ok := g.pending[token]; ok {
			entry.result = result
			entry.done = true
		}
	}()

	return Result{Token: token, StatusID: StatusInQueue, Status: "In Queue"}, nil
}

// Fetch returns the state of a background run.
func (g *DockerGateway) Fetch(_ context.Context, token string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.pending[token]
	if !ok {
		result := failure("Error fetching submission", "unknown token")
		result.Token = token
		return result
	}
	if !entry.done {
		return Result{Token: token, StatusID: StatusProcessing, Status: "Processing"}
	}

	delete(g.pending, token)
	return entry.result
}

// AwaitResult polls Fetch at a fixed interval until the run finishes or maxWait elapses.
func (g *DockerGateway) AwaitResult(ctx context.Context, token string, maxWait, interval time.Duration) Result {
	return poll(ctx, token, maxWait, interval, g.Fetch)
}

// Close shuts down the underlying docker client.
func (g *DockerGateway) Close() error {
	if g.closeFunc == nil {
		return nil
	}
	return g.closeFunc()
}

func (g *DockerGateway) evictLocked() {
	cutoff := time.Now().Add(-asyncResultMaxAge)
	for token, entry := range g.pending {
		if entry.done && entry.storedAt.Before(cutoff) {
			delete(g.pending, token)
		}
	}
}

func (g *DockerGateway) runOnce(ctx context.Context, lang Language, req Request) Result {
	timeLimit := req.TimeLimit
	if timeLimit <= 0 {
		timeLimit = defaultTimeLimit
	}

	memoryMB := g.cfg.MemoryLimitMB
	if req.MemoryLimitKB > 0 {
		memoryMB = int64(req.MemoryLimitKB) / 1024
		if memoryMB < 6 {
			memoryMB = 6
		}
	}

	workspace, err := os.MkdirTemp(g.cfg.WorkspaceRoot, "submission-")
	if err != nil {
		return failure("Execution error", fmt.Sprintf("create workspace: %v", err))
	}
	defer os.RemoveAll(workspace)

	if err := os.WriteFile(filepath.Join(workspace, lang.FileName), []byte(req.SourceCode), 0o644); err != nil {
		return failure("Execution error", fmt.Sprintf("write source: %v", err))
	}
	if err := os.WriteFile(filepath.Join(workspace, stdinFileName), []byte(req.Stdin), 0o644); err != nil {
		return failure("Execution error", fmt.Sprintf("write stdin: %v", err))
	}

	outcome, runErr := g.runner.run(ctx, containerSpec{
		Image:         lang.Image,
		Cmd:           []string{"sh", "-c", strings.Join(lang.Command, " ") + " < " + stdinFileName},
		Timeout:       timeLimit,
		Workspace:     workspace,
		MemoryLimitMB: memoryMB,
		CPUShares:     g.cfg.CPUShares,
	})
	if runErr != nil && !outcome.TimedOut {
		g.logger.Error().Err(runErr).Str("image", lang.Image).Msg("container execution failed")
		return failure("Execution error", runErr.Error())
	}

	return outcomeToResult(outcome, req.ExpectedOutput)
}

func outcomeToResult(outcome containerOutcome, expected string) Result {
	seconds := outcome.Duration.Seconds()
	memoryKB := int(outcome.MemoryUsageBytes / 1024)
	exitCode := outcome.ExitCode

	result := Result{
		Stdout: strings.TrimSpace(outcome.Stdout),
		Stderr: strings.TrimSpace(outcome.Stderr),
		Time:   &seconds,
		Memory: &memoryKB,
	}

	switch {
	case outcome.TimedOut:
		result.StatusID = StatusTimeLimitExceeded
		result.Status = "Time Limit Exceeded"
		result.Message = "Time limit exceeded"
	case exitCode != 0:
		result.ExitCode = &exitCode
		result.StatusID = StatusRuntimeError
		result.Status = "Runtime Error (NZEC)"
		result.Message = fmt.Sprintf("Exited with error status %d", exitCode)
	case expected != "" && result.Stdout != strings.TrimSpace(expected):
		result.ExitCode = &exitCode
		result.StatusID = StatusWrongAnswer
		result.Status = "Wrong Answer"
	default:
		result.ExitCode = &exitCode
		result.StatusID = StatusAccepted
		result.Status = "Accepted"
	}

	result.Success = result.StatusID == StatusAccepted
	return result
}

type dockerRunner struct {
	client *client.Client
	tracer trace.Tracer
	logger zerolog.Logger
}

func (r *dockerRunner) run(parent context.Context, spec containerSpec) (containerOutcome, error) {
	image := spec.Image
	if image == "" {
		return containerOutcome{}, errors.New("image is required")
	}

	ctx, span := r.tracer.Start(parent, "docker.executor.run", trace.WithAttributes(
		attribute.String("docker.image", image),
	))
	defer span.End()

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    spec.MemoryLimitMB * 1024 * 1024,
			CPUShares: spec.CPUShares,
		},
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Workspace,
			Target: containerWorkdir,
		}},
	}

	config := &container.Config{
		Image:        image,
		Cmd:          spec.Cmd,
		WorkingDir:   containerWorkdir,
		AttachStdout: true,
		AttachStderr: true,
	}

	start := time.Now()
	outcome := containerOutcome{}

	resp, err := r.client.ContainerCreate(ctx, config, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		containerFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, fmt.Errorf("container create: %w", err)
	}

	containerID := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		containerFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, fmt.Errorf("container start: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	var waitErr error
	select {
	case err := <-errCh:
		waitErr = err
	case status := <-statusCh:
		outcome.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	outcome.Duration = time.Since(start)
	containerDuration.WithLabelValues(image).Observe(outcome.Duration.Seconds())

	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome.TimedOut = true
			containerTimeouts.WithLabelValues(image).Inc()
			killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.client.ContainerKill(killCtx, containerID, "KILL"); err != nil {
				r.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to kill timed out container")
			}
			span.SetStatus(codes.Error, "execution timed out")
		} else {
			containerFailures.WithLabelValues(image).Inc()
			span.RecordError(waitErr)
			span.SetStatus(codes.Error, waitErr.Error())
			return outcome, fmt.Errorf("container wait: %w", waitErr)
		}
	}

	logReader, err := r.client.ContainerLogs(parent, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err == nil {
		defer logReader.Close()
		stdout, stderr, err := splitDockerLogs(logReader)
		if err != nil {
			r.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to read container logs")
		} else {
			outcome.Stdout = stdout
			outcome.Stderr = stderr
		}
	} else {
		r.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to fetch container logs")
	}

	statsCtx, cancelStats := context.WithTimeout(parent, 2*time.Second)
	defer cancelStats()
	if stats, err := r.client.ContainerStatsOneShot(statsCtx, containerID); err == nil {
		defer stats.Body.Close()
		var data types.StatsJSON
		if decodeErr := json.NewDecoder(stats.Body).Decode(&data); decodeErr == nil {
			outcome.MemoryUsageBytes = int64(data.MemoryStats.MaxUsage)
			if outcome.MemoryUsageBytes == 0 {
				outcome.MemoryUsageBytes = int64(data.MemoryStats.Usage)
			}
		}
	}

	if outcome.TimedOut {
		return outcome, fmt.Errorf("execution timed out after %s", spec.Timeout)
	}
	return outcome, nil
}

func splitDockerLogs(reader io.Reader) (string, string, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, reader); err != nil {
		return "", "", err
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}
