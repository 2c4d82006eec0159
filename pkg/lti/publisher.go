package lti

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Supported LTI versions.
const (
	Version11 = "1.1"
	Version13 = "1.3"
)

// ErrQueueFull is returned when the publisher cannot accept more scores.
var ErrQueueFull = errors.New("lti publish queue is full")

var publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "grader",
	Subsystem: "lti",
	Name:      "publish_total",
	Help:      "Score publications sent to LTI consumers",
}, []string{"version", "status"})

// Score is one grade sent back to the consumer platform.
type Score struct {
	SubmissionID string
	CourseID     string
	TaskID       string
	Grade        float64 // 0..100
	ConsumerKey  string
	ServiceURL   string
	ResultID     string
	LaunchID     string
}

// Sender delivers a score to the consumer for one LTI version.
type Sender interface {
	Send(ctx context.Context, score Score) error
}

// QueueConfig tunes the retry queue.
type QueueConfig struct {
	Size        int
	MaxAttempts int
	Backoff     time.Duration
}

// Publisher queues scores and delivers them in the background with retries.
type Publisher struct {
	version string
	sender  Sender
	cfg     QueueConfig
	queue   chan Score
	logger  zerolog.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewPublisher creates a publisher for one LTI version.
func NewPublisher(version string, sender Sender, cfg QueueConfig, logger zerolog.Logger) *Publisher {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &Publisher{
		version: version,
		sender:  sender,
		cfg:     cfg,
		queue:   make(chan Score, cfg.Size),
		logger:  logger.With().Str("component", "lti_publisher").Str("lti_version", version).Logger(),
	}
}

// Version returns the LTI version handled by the publisher.
func (p *Publisher) Version() string {
	return p.version
}

// Add queues a score without blocking.
func (p *Publisher) Add(score Score) error {
	select {
	case p.queue <- score:
		return nil
	default:
		publishTotal.WithLabelValues(p.version, "dropped").Inc()
		return ErrQueueFull
	}
}

// Start launches the delivery loop until ctx is done.
func (p *Publisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.loop(ctx)
	})
}

// Wait blocks until the delivery loop has stopped.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case score := <-p.queue:
			p.deliver(ctx, score)
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, score Score) {
	logger := p.logger.With().Str("submission_id", score.SubmissionID).Logger()
	backoff := p.cfg.Backoff

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		err := p.sender.Send(ctx, score)
		if err == nil {
			publishTotal.WithLabelValues(p.version, "success").Inc()
			logger.Debug().Int("attempt", attempt).Msg("score published")
			return
		}

		logger.Warn().Err(err).Int("attempt", attempt).Msg("score publication failed")
		if attempt == p.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	publishTotal.WithLabelValues(p.version, "failed").Inc()
	logger.Error().Msg("giving up on score publication")
}
