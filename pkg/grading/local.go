package grading

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-grader/pkg/docker"
)

const (
	inputFileName    = "input.json"
	feedbackFileName = "feedback.json"
	archiveDirName   = "archive"
	uploadsDirName   = "uploads"

	oomExitCode = 137
)

const feedbackSchema = `{
  "type": "object",
  "required": ["result"],
  "properties": {
    "result": {"enum": ["success", "failed", "timeout", "overflow", "killed", "crash"]},
    "grade": {"type": "number", "minimum": 0},
    "text": {"type": "string"},
    "problems": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["result"],
        "properties": {
          "result": {"type": "string"},
          "text": {"type": "string"}
        }
      }
    },
    "tests": {"type": "object"},
    "custom": {"type": "object"},
    "state": {"type": "string"}
  }
}`

// LocalConfig tunes the docker-backed grading client.
type LocalConfig struct {
	Workers          int
	QueueSize        int
	WorkspaceRoot    string
	DefaultTimeLimit time.Duration
	DefaultMemoryMB  int
	CPUShares        int64
}

type feedback struct {
	Result   string                   `json:"result"`
	Grade    *float64                 `json:"grade"`
	Text     string                   `json:"text"`
	Problems map[string]ProblemResult `json:"problems"`
	Tests    map[string]interface{}   `json:"tests"`
	Custom   map[string]interface{}   `json:"custom"`
	State    string                   `json:"state"`
}

type localJob struct {
	id        string
	job       Job
	ctx       context.Context
	done      CompletionFunc
	liveDebug LiveDebugFunc
}

// LocalClient runs grading jobs on the local docker engine with a bounded worker pool.
// Priority 0 jobs are always picked before background jobs.
type LocalClient struct {
	executor docker.Executor
	cfg      LocalConfig
	schema   *jsonschema.Schema
	logger   zerolog.Logger

	urgent     chan *localJob
	background chan *localJob
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewLocalClient starts the worker pool.
func NewLocalClient(executor docker.Executor, cfg LocalConfig, logger zerolog.Logger) (*LocalClient, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	if cfg.DefaultTimeLimit <= 0 {
		cfg.DefaultTimeLimit = 30 * time.Second
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(feedbackFileName, strings.NewReader(feedbackSchema)); err != nil {
		return nil, fmt.Errorf("load feedback schema: %w", err)
	}
	schema, err := compiler.Compile(feedbackFileName)
	if err != nil {
		return nil, fmt.Errorf("compile feedback schema: %w", err)
	}

	client := &LocalClient{
		executor:   executor,
		cfg:        cfg,
		schema:     schema,
		logger:     logger.With().Str("component", "local_grading_client").Logger(),
		urgent:     make(chan *localJob, cfg.QueueSize),
		background: make(chan *localJob, cfg.QueueSize),
		stop:       make(chan struct{}),
		running:    make(map[string]context.CancelFunc),
	}

	for i := 0; i < cfg.Workers; i++ {
		client.wg.Add(1)
		go client.worker()
	}

	return client, nil
}

// Dispatch queues the job and returns its handle.
func (c *LocalClient) Dispatch(ctx context.Context, job Job, done CompletionFunc, liveDebug LiveDebugFunc) (string, error) {
	if done == nil {
		return "", errors.New("completion callback is required")
	}

	jobID := uuid.NewString()
	jobCtx, cancel := context.WithCancel(context.Background())
	item := &localJob{id: jobID, job: job, ctx: jobCtx, done: done, liveDebug: liveDebug}

	c.mu.Lock()
	c.running[jobID] = cancel
	c.mu.Unlock()

	queue := c.background
	if job.Priority <= 0 {
		queue = c.urgent
	}

	select {
	case queue <- item:
	case <-ctx.Done():
		c.forget(jobID)
		return "", ctx.Err()
	case <-c.stop:
		c.forget(jobID)
		return "", errors.New("grading client stopped")
	}

	c.logger.Debug().Str("job_id", jobID).Str("course_id", job.CourseID).Str("task_id", job.TaskID).Int("priority", job.Priority).Msg("job queued")
	return jobID, nil
}

// Kill cancels a queued or running job. The job still completes, with the killed outcome.
func (c *LocalClient) Kill(_ context.Context, jobID string) error {
	c.mu.Lock()
	cancel, ok := c.running[jobID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}
	cancel()
	return nil
}

// Close stops the workers and kills jobs still in flight.
func (c *LocalClient) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		for _, cancel := range c.running {
			cancel()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
}

func (c *LocalClient) worker() {
	defer c.wg.Done()
	for {
		select {
		case item := <-c.urgent:
			c.execute(item)
			continue
		default:
		}

		select {
		case item := <-c.urgent:
			c.execute(item)
		case item := <-c.background:
			c.execute(item)
		case <-c.stop:
			return
		}
	}
}

func (c *LocalClient) execute(item *localJob) {
	defer c.forget(item.id)

	result := c.run(item)

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().Interface("panic", rec).Str("job_id", item.id).Msg("completion callback panicked")
		}
	}()
	item.done(result)
}

func (c *LocalClient) run(item *localJob) Result {
	logger := c.logger.With().Str("job_id", item.id).Str("course_id", item.job.CourseID).Str("task_id", item.job.TaskID).Logger()

	if item.ctx.Err() != nil {
		return Result{Outcome: OutcomeKilled, Text: "Job was killed before it started."}
	}

	if item.job.Debug == DebugLive {
		logger.Warn().Msg("live debug is not available on the local backend")
	}

	workspace, err := c.prepareWorkspace(item)
	if err != nil {
		logger.Error().Err(err).Msg("failed to prepare workspace")
		return Result{Outcome: OutcomeCrash, Text: "Unable to prepare the grading environment."}
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			logger.Warn().Err(err).Str("workspace", workspace).Msg("failed to remove workspace")
		}
	}()

	timeLimit := item.job.TimeLimit
	if timeLimit <= 0 {
		timeLimit = c.cfg.DefaultTimeLimit
	}
	memory := item.job.MemoryLimitMB
	if memory <= 0 {
		memory = c.cfg.DefaultMemoryMB
	}

	exec, err := c.executor.Run(item.ctx, docker.ExecutionRequest{
		Image: item.job.Environment,
		Cmd:   []string{"sh", "-c", item.job.Command},
		Env: []string{
			"GRADER_INPUT=" + inputFileName,
			"GRADER_FEEDBACK=" + feedbackFileName,
			"GRADER_ARCHIVE=" + archiveDirName,
			"GRADER_UPLOADS=" + uploadsDirName,
			"GRADER_DEBUG=" + string(item.job.Debug),
			"GRADER_LAUNCHER=" + item.job.Launcher,
		},
		Labels: map[string]string{
			"gema-grader.job":    item.id,
			"gema-grader.course": item.job.CourseID,
			"gema-grader.task":   item.job.TaskID,
		},
		Timeout:         timeLimit,
		Workspace:       workspace,
		MemoryLimitMB:   int64(memory),
		CPUShares:       c.cfg.CPUShares,
		NetworkDisabled: true,
	})
	if err != nil {
		logger.Error().Err(err).Msg("grading container failed")
		return Result{Outcome: OutcomeCrash, Text: "The grading environment failed to run."}
	}

	result := Result{Stdout: exec.Stdout, Stderr: exec.Stderr}
	if exec.OutputTruncated {
		logger.Debug().Msg("grading output truncated")
	}

	switch {
	case exec.Canceled:
		result.Outcome = OutcomeKilled
		result.Text = "Job was killed."
		return result
	case exec.TimedOut:
		result.Outcome = OutcomeTimeout
		result.Text = fmt.Sprintf("Your code took more than %s to run.", timeLimit)
		return result
	}

	fb, err := c.readFeedback(workspace)
	if err != nil {
		if exec.ExitCode == oomExitCode {
			result.Outcome = OutcomeOverflow
			result.Text = "Your code used more memory than allowed."
			return result
		}
		logger.Warn().Err(err).Int("exit_code", exec.ExitCode).Msg("grading environment returned no valid feedback")
		result.Outcome = OutcomeCrash
		result.Text = "The grading environment returned no valid feedback."
		return result
	}

	result.Outcome = fb.Result
	result.Text = fb.Text
	result.Problems = fb.Problems
	result.Tests = fb.Tests
	result.Custom = fb.Custom
	result.State = fb.State
	switch {
	case fb.Grade != nil:
		result.Grade = *fb.Grade
	case fb.Result == OutcomeSuccess:
		result.Grade = 100
	}

	archive, err := tarDirectory(filepath.Join(workspace, archiveDirName))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to pack output archive")
	} else {
		result.Archive = archive
	}

	return result
}

func (c *LocalClient) prepareWorkspace(item *localJob) (string, error) {
	if err := os.MkdirAll(c.cfg.WorkspaceRoot, 0o755); err != nil {
		return "", err
	}
	workspace, err := os.MkdirTemp(c.cfg.WorkspaceRoot, "job-")
	if err != nil {
		return "", err
	}

	input := item.job.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		os.RemoveAll(workspace)
		return "", fmt.Errorf("encode job input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, inputFileName), payload, 0o644); err != nil {
		os.RemoveAll(workspace)
		return "", err
	}
	if err := writeUploads(filepath.Join(workspace, uploadsDirName), input); err != nil {
		os.RemoveAll(workspace)
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(workspace, archiveDirName), 0o777); err != nil {
		os.RemoveAll(workspace)
		return "", err
	}
	return workspace, nil
}

// writeUploads materialises file answers as uploads/<problem>/<filename>.
func writeUploads(dir string, input map[string]interface{}) error {
	for problem, value := range input {
		entry, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		filename, ok := entry["filename"].(string)
		if !ok {
			continue
		}
		encoded, _ := entry["value"].(string)
		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode upload %q: %w", problem, err)
		}

		name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(filename, "\\", "/")))
		if !plainName(problem) || !plainName(name) {
			return fmt.Errorf("upload %q has an unsafe name", problem)
		}
		target := filepath.Join(dir, problem)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(target, name), content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func plainName(name string) bool {
	return name != "" && name != "." && name != ".." && name != "/" &&
		!strings.ContainsAny(name, "/\\")
}

func (c *LocalClient) readFeedback(workspace string) (feedback, error) {
	raw, err := os.ReadFile(filepath.Join(workspace, feedbackFileName))
	if err != nil {
		return feedback{}, err
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return feedback{}, fmt.Errorf("parse feedback: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return feedback{}, fmt.Errorf("validate feedback: %w", err)
	}

	var fb feedback
	if err := json.Unmarshal(raw, &fb); err != nil {
		return feedback{}, fmt.Errorf("decode feedback: %w", err)
	}
	return fb, nil
}

func (c *LocalClient) forget(jobID string) {
	c.mu.Lock()
	cancel, ok := c.running[jobID]
	delete(c.running, jobID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// tarDirectory packs dir as a gzip tar stream. An empty or missing directory yields nil.
func tarDirectory(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
