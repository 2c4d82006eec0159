package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

type jobMessage struct {
	JobID         string                 `json:"job_id"`
	ResultSubject string                 `json:"result_subject"`
	DebugSubject  string                 `json:"debug_subject"`
	Priority      int                    `json:"priority"`
	CourseID      string                 `json:"course_id"`
	TaskID        string                 `json:"task_id"`
	Environment   string                 `json:"environment"`
	Command       string                 `json:"command"`
	TimeLimitSec  float64                `json:"time_limit"`
	MemoryLimitMB int                    `json:"memory_limit_mb"`
	Input         map[string]interface{} `json:"input"`
	Launcher      string                 `json:"launcher"`
	Debug         DebugMode              `json:"debug"`
}

type resultMessage struct {
	JobID  string `json:"job_id"`
	Result Result `json:"result"`
}

type debugMessage struct {
	JobID string    `json:"job_id"`
	Debug LiveDebug `json:"debug"`
}

type killMessage struct {
	JobID string `json:"job_id"`
}

type pendingJob struct {
	done      CompletionFunc
	liveDebug LiveDebugFunc
	deadline  *time.Timer
}

const (
	defaultFleetTimeLimit = 30 * time.Second
	defaultResultSlack    = 2 * time.Minute
	fleetSilentText       = "The grading fleet did not report a result in time."
)

// NATSConfig tunes the remote client.
type NATSConfig struct {
	Prefix string
	// DefaultTimeLimit applies to jobs dispatched without a time limit.
	DefaultTimeLimit time.Duration
	// ResultSlack is how long past the time limit the client waits before failing the job itself.
	ResultSlack time.Duration
}

// NATSClient forwards jobs to a remote grading fleet over NATS.
//
// Jobs go to <prefix>.jobs, kill requests to <prefix>.kill. Each client instance listens for
// results on <prefix>.results.<clientID> and live-debug info on <prefix>.debug.<clientID>.
// A job whose result never arrives completes as a crash once its time limit plus slack expires.
type NATSClient struct {
	conn     *nats.Conn
	pub      publisher
	prefix   string
	cfg      NATSConfig
	clientID string
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]pendingJob
}

// NewNATSClient builds a client on an established connection. Call Start before dispatching.
func NewNATSClient(conn *nats.Conn, cfg NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	client := newNATSClient(conn, cfg, logger)
	client.conn = conn
	return client, nil
}

func newNATSClient(pub publisher, cfg NATSConfig, logger zerolog.Logger) *NATSClient {
	if cfg.Prefix == "" {
		cfg.Prefix = "grader"
	}
	if cfg.DefaultTimeLimit <= 0 {
		cfg.DefaultTimeLimit = defaultFleetTimeLimit
	}
	if cfg.ResultSlack <= 0 {
		cfg.ResultSlack = defaultResultSlack
	}
	clientID := uuid.NewString()
	return &NATSClient{
		pub:      pub,
		prefix:   cfg.Prefix,
		cfg:      cfg,
		clientID: clientID,
		logger:   logger.With().Str("component", "nats_grading_client").Str("client_id", clientID).Logger(),
		pending:  make(map[string]pendingJob),
	}
}

func (c *NATSClient) jobsSubject() string { return c.prefix + ".jobs" }
func (c *NATSClient) killSubject() string { return c.prefix + ".kill" }
func (c *NATSClient) resultSubject() string { return c.prefix + ".results." + c.clientID }
func (c *NATSClient) debugSubject() string { return c.prefix + ".debug." + c.clientID }

// Start subscribes to the result and debug subjects until ctx is done.
func (c *NATSClient) Start(ctx context.Context) error {
	if c.conn == nil {
		return errors.New("nats connection is required")
	}

	resultSub, err := c.conn.Subscribe(c.resultSubject(), func(msg *nats.Msg) {
		c.handleResult(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}

	debugSub, err := c.conn.Subscribe(c.debugSubject(), func(msg *nats.Msg) {
		c.handleDebug(msg.Data)
	})
	if err != nil {
		_ = resultSub.Unsubscribe()
		return fmt.Errorf("subscribe debug: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := debugSub.Drain(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to drain debug subscription")
		}
		if err := resultSub.Drain(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to drain result subscription")
		}
	}()

	return nil
}

// Dispatch publishes the job. Callbacks fire when the fleet answers on this client's subjects.
func (c *NATSClient) Dispatch(_ context.Context, job Job, done CompletionFunc, liveDebug LiveDebugFunc) (string, error) {
	if done == nil {
		return "", errors.New("completion callback is required")
	}

	jobID := uuid.NewString()
	payload, err := json.Marshal(jobMessage{
		JobID:         jobID,
		ResultSubject: c.resultSubject(),
		DebugSubject:  c.debugSubject(),
		Priority:      job.Priority,
		CourseID:      job.CourseID,
		TaskID:        job.TaskID,
		Environment:   job.Environment,
		Command:       job.Command,
		TimeLimitSec:  job.TimeLimit.Seconds(),
		MemoryLimitMB: job.MemoryLimitMB,
		Input:         job.Input,
		Launcher:      job.Launcher,
		Debug:         job.Debug,
	})
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	timeLimit := job.TimeLimit
	if timeLimit <= 0 {
		timeLimit = c.cfg.DefaultTimeLimit
	}

	c.mu.Lock()
	c.pending[jobID] = pendingJob{
		done:      done,
		liveDebug: liveDebug,
		deadline:  time.AfterFunc(timeLimit+c.cfg.ResultSlack, func() { c.expire(jobID) }),
	}
	c.mu.Unlock()

	if err := c.pub.Publish(c.jobsSubject(), payload); err != nil {
		if _, ok := c.take(jobID); !ok {
			c.logger.Warn().Str("job_id", jobID).Msg("job expired while publishing")
		}
		return "", fmt.Errorf("publish job: %w", err)
	}

	return jobID, nil
}

// Kill asks the fleet to stop the job. The fleet still reports a result for it.
func (c *NATSClient) Kill(_ context.Context, jobID string) error {
	c.mu.Lock()
	_, ok := c.pending[jobID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}

	payload, err := json.Marshal(killMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return c.pub.Publish(c.killSubject(), payload)
}

func (c *NATSClient) handleResult(data []byte) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("invalid result payload")
		return
	}

	job, ok := c.take(msg.JobID)
	if !ok {
		c.logger.Warn().Str("job_id", msg.JobID).Msg("dropping result for unknown job")
		return
	}
	c.complete(msg.JobID, job, msg.Result)
}

// expire fails a job the fleet never answered. Whichever of expire and handleResult takes the
// pending entry first owns the callback.
func (c *NATSClient) expire(jobID string) {
	job, ok := c.take(jobID)
	if !ok {
		return
	}
	c.logger.Warn().Str("job_id", jobID).Msg("no result from grading fleet, failing job")
	c.complete(jobID, job, Result{Outcome: OutcomeCrash, Text: fleetSilentText})
}

func (c *NATSClient) take(jobID string) (pendingJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.pending[jobID]
	if !ok {
		return pendingJob{}, false
	}
	delete(c.pending, jobID)
	if job.deadline != nil {
		job.deadline.Stop()
	}
	return job, true
}

func (c *NATSClient) complete(jobID string, job pendingJob, result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().Interface("panic", rec).Str("job_id", jobID).Msg("completion callback panicked")
		}
	}()
	job.done(result)
}

func (c *NATSClient) handleDebug(data []byte) {
	var msg debugMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("invalid debug payload")
		return
	}

	c.mu.Lock()
	job, ok := c.pending[msg.JobID]
	c.mu.Unlock()

	if !ok || job.liveDebug == nil {
		return
	}
	job.liveDebug(msg.Debug)
}
