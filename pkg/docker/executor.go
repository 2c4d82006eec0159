package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultWorkingDir     = "/task"
	defaultMaxOutputBytes = 1 << 20
	cleanupTimeout        = 5 * time.Second
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "executor",
		Name:      "run_duration_seconds",
		Help:      "Wall time of grading container runs",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"environment"})

	runOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "executor",
		Name:      "runs_total",
		Help:      "Grading container runs by environment and outcome",
	}, []string{"environment", "outcome"})
)

// Executor runs a grading environment inside a sandboxed container.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes one grading container run.
type ExecutionRequest struct {
	Image           string
	Cmd             []string
	Env             []string
	Labels          map[string]string
	Timeout         time.Duration
	Workspace       string
	WorkingDir      string
	MemoryLimitMB   int64
	CPUShares       int64
	NetworkDisabled bool
	ReadOnlyFS      bool
}

// ExecutionResult summarises a container run.
type ExecutionResult struct {
	Stdout           string
	Stderr           string
	OutputTruncated  bool
	ExitCode         int
	Duration         time.Duration
	TimedOut         bool
	Canceled         bool
	MemoryUsageBytes int64
	CPUUsageNanosec  uint64
}

// Config groups executor configuration values.
type Config struct {
	Host          string
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	WorkingDir    string
	// MaxOutputBytes caps stdout and stderr separately.
	MaxOutputBytes int
	// PullMissing pulls grading environments that are not present on the engine.
	PullMissing bool
	Logger      zerolog.Logger
}

// DockerExecutor implements Executor with the Docker engine API.
type DockerExecutor struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerExecutor constructs a Docker backed executor.
func NewDockerExecutor(cfg Config) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = defaultWorkingDir
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}

	return &DockerExecutor{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/docker"),
		logger: cfg.Logger.With().Str("component", "docker_executor").Logger(),
	}, nil
}

// Ping checks that the docker engine answers.
func (e *DockerExecutor) Ping(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Run executes the grading command. Cancelling ctx kills the container and reports Canceled.
func (e *DockerExecutor) Run(parent context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.Image == "" {
		return ExecutionResult{}, errors.New("image is required")
	}

	ctx, span := e.tracer.Start(parent, "docker.executor.run", trace.WithAttributes(
		attribute.String("grader.environment", req.Image),
		attribute.Bool("grader.network_disabled", req.NetworkDisabled),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := e.ensureImage(ctx, req.Image); err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, err)
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = e.cfg.WorkingDir
	}

	created, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:        req.Image,
		Cmd:          req.Cmd,
		Env:          req.Env,
		Labels:       req.Labels,
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
	}, e.hostConfig(req, workingDir), &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, fmt.Errorf("container create: %w", err))
	}
	containerID := created.ID
	logger := e.logger.With().Str("container_id", containerID).Str("environment", req.Image).Logger()
	defer e.remove(containerID, logger)

	start := time.Now()
	result := ExecutionResult{}

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if errors.Is(parent.Err(), context.Canceled) {
			result.Canceled = true
			runOutcomes.WithLabelValues(req.Image, "canceled").Inc()
			return result, nil
		}
		return result, e.fail(span, req.Image, fmt.Errorf("container start: %w", err))
	}

	waitErr := e.wait(ctx, containerID, &result)
	result.Duration = time.Since(start)
	runDuration.WithLabelValues(req.Image).Observe(result.Duration.Seconds())

	if waitErr != nil {
		switch {
		case errors.Is(parent.Err(), context.Canceled):
			result.Canceled = true
		case errors.Is(waitErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			span.SetStatus(codes.Error, "execution timed out")
		default:
			return result, e.fail(span, req.Image, fmt.Errorf("container wait: %w", waitErr))
		}
		e.kill(containerID, logger)
	}

	e.collect(containerID, &result, logger)
	runOutcomes.WithLabelValues(req.Image, outcomeLabel(result)).Inc()
	span.SetAttributes(attribute.Int("grader.exit_code", result.ExitCode))

	return result, nil
}

func (e *DockerExecutor) hostConfig(req ExecutionRequest, workingDir string) *container.HostConfig {
	memory := req.MemoryLimitMB
	if memory <= 0 {
		memory = e.cfg.MemoryLimitMB
	}
	shares := req.CPUShares
	if shares <= 0 {
		shares = e.cfg.CPUShares
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     memory * 1024 * 1024,
			MemorySwap: memory * 1024 * 1024,
			CPUShares:  shares,
		},
		NetworkMode:    "bridge",
		ReadonlyRootfs: req.ReadOnlyFS,
	}
	if req.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}
	if req.Workspace != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.Workspace,
			Target: workingDir,
		}}
	}
	return hostCfg
}

func (e *DockerExecutor) ensureImage(ctx context.Context, ref string) error {
	if !e.cfg.PullMissing {
		return nil
	}
	if _, _, err := e.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect environment %s: %w", ref, err)
	}

	e.logger.Info().Str("environment", ref).Msg("pulling grading environment")
	progress, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull environment %s: %w", ref, err)
	}
	defer progress.Close()
	_, err = io.Copy(io.Discard, progress)
	return err
}

func (e *DockerExecutor) wait(ctx context.Context, containerID string, result *ExecutionResult) error {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)
	select {
	case err := <-errCh:
		return err
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// collect reads logs and a stats snapshot on a fresh context; the run context may be done.
func (e *DockerExecutor) collect(containerID string, result *ExecutionResult, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch container logs")
	} else {
		defer logs.Close()
		stdout := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
		stderr := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
		if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
			logger.Error().Err(err).Msg("failed to read container logs")
		}
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.OutputTruncated = stdout.truncated || stderr.truncated
	}

	stats, err := e.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return
	}
	defer stats.Body.Close()
	var data types.StatsJSON
	if err := json.NewDecoder(stats.Body).Decode(&data); err == nil {
		result.MemoryUsageBytes = int64(data.MemoryStats.Usage)
		result.CPUUsageNanosec = data.CPUStats.CPUUsage.TotalUsage
	}
}

func (e *DockerExecutor) kill(containerID string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.client.ContainerKill(ctx, containerID, "KILL"); err != nil {
		logger.Warn().Err(err).Msg("failed to kill container")
	}
}

func (e *DockerExecutor) remove(containerID string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logger.Error().Err(err).Msg("failed to remove container")
	}
}

func (e *DockerExecutor) fail(span trace.Span, environment string, err error) error {
	runOutcomes.WithLabelValues(environment, "error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Close shuts down the executor's underlying client.
func (e *DockerExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func outcomeLabel(result ExecutionResult) string {
	switch {
	case result.Canceled:
		return "canceled"
	case result.TimedOut:
		return "timeout"
	case result.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "exited"
	}
}

// cappedBuffer keeps the first limit bytes and silently drops the rest.
type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
