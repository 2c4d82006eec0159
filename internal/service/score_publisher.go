package service

import (
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/lti"
)

// LTISession is the learning-platform context of a requester.
type LTISession struct {
	Version           string
	SendGrades        bool
	MessageLaunchID   string
	OutcomeServiceURL string
	OutcomeResultID   string
	ConsumerKey       string
	// Extra launch fields forwarded to the grading environment as @lti_<key>.
	Extra map[string]string
}

// ScorePublisher routes grades of LTI-tagged submissions back to the consumer platform.
type ScorePublisher interface {
	Version() string
	Tag(submission *models.Submission, session LTISession)
	Publish(submission models.Submission, grade float64) bool
}

type ltiScorePublisher struct {
	publisher *lti.Publisher
	logger    zerolog.Logger
}

// NewLTIScorePublisher adapts an lti.Publisher queue.
func NewLTIScorePublisher(publisher *lti.Publisher, logger zerolog.Logger) ScorePublisher {
	return &ltiScorePublisher{
		publisher: publisher,
		logger:    logger.With().Str("component", "score_publisher").Str("lti_version", publisher.Version()).Logger(),
	}
}

func (p *ltiScorePublisher) Version() string {
	return p.publisher.Version()
}

func (p *ltiScorePublisher) Tag(submission *models.Submission, session LTISession) {
	version := p.publisher.Version()
	submission.LTIVersion = &version
	submission.LTIMessageLaunchID = optionalString(session.MessageLaunchID)
	submission.LTIOutcomeServiceURL = optionalString(session.OutcomeServiceURL)
	submission.LTIOutcomeResultID = optionalString(session.OutcomeResultID)
	if version == lti.Version11 {
		submission.LTIOutcomeConsumerKey = optionalString(session.ConsumerKey)
	}
}

func (p *ltiScorePublisher) Publish(submission models.Submission, grade float64) bool {
	score := lti.Score{
		SubmissionID: submission.ID,
		CourseID:     submission.CourseID,
		TaskID:       submission.TaskID,
		Grade:        grade,
		ConsumerKey:  derefString(submission.LTIOutcomeConsumerKey),
		ServiceURL:   derefString(submission.LTIOutcomeServiceURL),
		ResultID:     derefString(submission.LTIOutcomeResultID),
		LaunchID:     derefString(submission.LTIMessageLaunchID),
	}
	if err := p.publisher.Add(score); err != nil {
		p.logger.Warn().Err(err).Str("submission_id", submission.ID).Msg("unable to queue score")
		return false
	}
	return true
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
