package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// ErrSubmissionNotFound indicates a submission could not be found.
var ErrSubmissionNotFound = errors.New("submission not found")

// ErrNotSubmissionOwner indicates the viewer is not a participant of the submission.
var ErrNotSubmissionOwner = errors.New("not a participant of this submission")

const badFeedbackText = "Feedback is badly formatted."

// SubmissionSearch filters the staff search surface.
type SubmissionSearch struct {
	CourseID      string `validate:"required"`
	TaskID        string
	Username      string
	Usernames     []string
	SubmissionIDs []string
	Status        string `validate:"omitempty,oneof=waiting done error"`
	Limit         int    `validate:"gte=0,lte=1000"`
}

// ProblemFeedback is the sanitized outcome of one problem.
type ProblemFeedback struct {
	Result string `json:"result"`
	Text   string `json:"text"`
}

// Feedback is the rendered, sanitized result of a submission.
type Feedback struct {
	Result   string                     `json:"result"`
	Grade    float64                    `json:"grade"`
	Text     string                     `json:"text"`
	Problems map[string]ProblemFeedback `json:"problems"`
	Stdout   string                     `json:"stdout,omitempty"`
	Stderr   string                     `json:"stderr,omitempty"`
	Custom   map[string]interface{}     `json:"custom,omitempty"`
}

// SubmissionQueryService is the read surface over stored submissions.
type SubmissionQueryService interface {
	Get(ctx context.Context, id string, viewer Requester) (models.Submission, error)
	IsRunning(ctx context.Context, id string, viewer Requester) (bool, error)
	IsDone(ctx context.Context, id string, viewer Requester) (bool, error)
	ListForTask(ctx context.Context, username, courseID, taskID string) ([]models.Submission, error)
	Search(ctx context.Context, filter SubmissionSearch) ([]models.Submission, error)
	LatestPerTask(ctx context.Context, username string, limit int) ([]models.Submission, error)
	Input(ctx context.Context, submission models.Submission) (models.InputData, error)
	Feedback(submission models.Submission, showEverything bool) Feedback
}

type submissionQueryService struct {
	submissions repository.SubmissionRepository
	blobs       BlobStore
	cache       *redis.Client
	cacheTTL    time.Duration
	validator   *validator.Validate
	policy      *bluemonday.Policy
	logger      zerolog.Logger
}

// NewSubmissionQueryService constructs the query service. A nil cache disables latest-view caching.
func NewSubmissionQueryService(submissions repository.SubmissionRepository, blobs BlobStore, cache *redis.Client, cacheTTL time.Duration, validate *validator.Validate, logger zerolog.Logger) SubmissionQueryService {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &submissionQueryService{
		submissions: submissions,
		blobs:       blobs,
		cache:       cache,
		cacheTTL:    cacheTTL,
		validator:   validate,
		policy:      bluemonday.UGCPolicy(),
		logger:      logger.With().Str("component", "submission_query_service").Logger(),
	}
}

func (s *submissionQueryService) Get(ctx context.Context, id string, viewer Requester) (models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}
	if !viewer.Staff && !submission.HasUser(viewer.Username) {
		return models.Submission{}, ErrNotSubmissionOwner
	}
	return submission, nil
}

func (s *submissionQueryService) IsRunning(ctx context.Context, id string, viewer Requester) (bool, error) {
	submission, err := s.Get(ctx, id, viewer)
	if err != nil {
		return false, err
	}
	return submission.IsWaiting(), nil
}

func (s *submissionQueryService) IsDone(ctx context.Context, id string, viewer Requester) (bool, error) {
	submission, err := s.Get(ctx, id, viewer)
	if err != nil {
		return false, err
	}
	return submission.IsFinished(), nil
}

func (s *submissionQueryService) ListForTask(ctx context.Context, username, courseID, taskID string) ([]models.Submission, error) {
	return s.submissions.List(ctx, repository.SubmissionFilter{
		Username: username,
		CourseID: courseID,
		TaskID:   taskID,
	})
}

func (s *submissionQueryService) Search(ctx context.Context, filter SubmissionSearch) ([]models.Submission, error) {
	if err := s.validator.Struct(filter); err != nil {
		return nil, err
	}
	return s.submissions.List(ctx, repository.SubmissionFilter{
		CourseID:  filter.CourseID,
		TaskID:    filter.TaskID,
		Username:  filter.Username,
		Usernames: filter.Usernames,
		IDs:       filter.SubmissionIDs,
		Status:    filter.Status,
		Limit:     filter.Limit,
	})
}

// LatestPerTask caches the ordered ids per limit, the records themselves are always reloaded.
func (s *submissionQueryService) LatestPerTask(ctx context.Context, username string, limit int) ([]models.Submission, error) {
	cacheKey := latestCacheKey(username)
	field := strconv.Itoa(limit)

	if s.cache != nil {
		cached, err := s.cache.HGet(ctx, cacheKey, field).Result()
		if err == nil {
			var ids []string
			if unmarshalErr := json.Unmarshal([]byte(cached), &ids); unmarshalErr == nil {
				if submissions, loadErr := s.loadOrdered(ctx, ids); loadErr == nil {
					return submissions, nil
				}
			}
		} else if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("failed to read latest submissions cache")
		}
	}

	submissions, err := s.submissions.LatestPerTask(ctx, username, limit)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		ids := make([]string, 0, len(submissions))
		for _, submission := range submissions {
			ids = append(ids, submission.ID)
		}
		payload, err := json.Marshal(ids)
		if err == nil {
			pipe := s.cache.TxPipeline()
			pipe.HSet(ctx, cacheKey, field, payload)
			pipe.Expire(ctx, cacheKey, s.cacheTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store latest submissions cache")
			}
		}
	}

	return submissions, nil
}

func (s *submissionQueryService) loadOrdered(ctx context.Context, ids []string) ([]models.Submission, error) {
	if len(ids) == 0 {
		return []models.Submission{}, nil
	}
	submissions, err := s.submissions.List(ctx, repository.SubmissionFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	if len(submissions) != len(ids) {
		return nil, fmt.Errorf("cached submissions changed")
	}

	position := make(map[string]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}
	sort.SliceStable(submissions, func(i, j int) bool {
		return position[submissions[i].ID] < position[submissions[j].ID]
	})
	return submissions, nil
}

func (s *submissionQueryService) Input(ctx context.Context, submission models.Submission) (models.InputData, error) {
	if submission.InputBlobID == "" {
		return models.InputData{}, nil
	}
	raw, err := s.blobs.Get(ctx, submission.InputBlobID)
	if err != nil {
		return nil, fmt.Errorf("load submission input: %w", err)
	}
	return models.DecodeInput(raw)
}

// Feedback sanitizes grader-produced text. Problems without a result code are reported as a crash.
// Raw output and custom data are only part of the full view.
func (s *submissionQueryService) Feedback(submission models.Submission, showEverything bool) Feedback {
	feedback := Feedback{
		Result:   submission.Result,
		Grade:    submission.Grade,
		Text:     s.policy.Sanitize(submission.Text),
		Problems: make(map[string]ProblemFeedback),
	}

	for id, problem := range submission.Problems.Data() {
		if problem.Result == "" {
			s.logger.Error().Str("submission_id", submission.ID).Str("problem_id", id).Msg("badly formatted problem feedback")
			feedback.Problems[id] = ProblemFeedback{Result: models.ResultCrash, Text: badFeedbackText}
			continue
		}
		feedback.Problems[id] = ProblemFeedback{Result: problem.Result, Text: s.policy.Sanitize(problem.Text)}
	}

	if showEverything {
		feedback.Stdout = submission.Stdout
		feedback.Stderr = submission.Stderr
		feedback.Custom = submission.Custom
	}
	return feedback
}
