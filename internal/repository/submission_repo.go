package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ErrDocumentTooLarge indicates a grading result exceeds what the store accepts for one submission.
var ErrDocumentTooLarge = errors.New("submission document too large")

// ErrSubmissionNotWaiting indicates a conditional update found no waiting submission.
var ErrSubmissionNotWaiting = errors.New("submission is not waiting")

// postgres program_limit_exceeded
const pgProgramLimitExceeded = "54000"

// SubmissionFilter narrows submission queries.
type SubmissionFilter struct {
	CourseID  string
	TaskID    string
	Username  string
	// Usernames matches submissions owned by any of the given users.
	Usernames []string
	Status    string
	IDs       []string
	Limit     int
}

// SubmissionResult is the set of fields written when a job completes.
type SubmissionResult struct {
	Status        string                          `json:"status"`
	Result        string                          `json:"result"`
	Grade         float64                         `json:"grade"`
	Text          string                          `json:"text"`
	Problems      map[string]models.ProblemResult `json:"problems"`
	Tests         map[string]interface{}          `json:"tests"`
	Custom        map[string]interface{}          `json:"custom"`
	State         string                          `json:"state"`
	Stdout        string                          `json:"stdout"`
	Stderr        string                          `json:"stderr"`
	ArchiveBlobID *string                         `json:"archive_blob_id"`
}

// LiveDebugInfo carries the connection details of a live-debug session.
type LiveDebugInfo struct {
	Host     string
	Port     int
	User     string
	Password string
}

// SubmissionRepository is the submission store used by the grading core.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id string) (models.Submission, error)
	List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error)
	HasWaiting(ctx context.Context, username, courseID, taskID string) (bool, error)
	SetJobID(ctx context.Context, id, jobID string) (bool, error)
	SetLiveDebug(ctx context.Context, id string, info LiveDebugInfo) (bool, error)
	Finalize(ctx context.Context, id string, result SubmissionResult) (models.Submission, error)
	ResetForReplay(ctx context.Context, id string, replayedAt time.Time) (models.Submission, error)
	FailWaiting(ctx context.Context, text string) (int64, error)
	Delete(ctx context.Context, ids []string) error
	LatestPerTask(ctx context.Context, username string, limit int) ([]models.Submission, error)
}

// NewSubmissionRepository instantiates the repository. maxResultBytes <= 0 disables the size guard.
func NewSubmissionRepository(db *gorm.DB, maxResultBytes int) SubmissionRepository {
	return &submissionRepository{db: db, maxResultBytes: maxResultBytes}
}

type submissionRepository struct {
	db             *gorm.DB
	maxResultBytes int
}

func (r *submissionRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Submission{}).Preload("Users")
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *submissionRepository) GetByID(ctx context.Context, id string) (models.Submission, error) {
	var submission models.Submission
	if err := r.baseQuery(ctx).First(&submission, "id = ?", id).Error; err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	query := r.baseQuery(ctx).Select("submissions.*")

	if filter.Username != "" {
		query = query.Joins("JOIN submission_users su ON su.submission_id = submissions.id AND su.username = ?", filter.Username)
	}
	if len(filter.Usernames) > 0 {
		owned := r.db.WithContext(ctx).Model(&models.SubmissionUser{}).
			Select("submission_id").
			Where("username IN ?", filter.Usernames)
		query = query.Where("submissions.id IN (?)", owned)
	}
	if filter.CourseID != "" {
		query = query.Where("submissions.course_id = ?", filter.CourseID)
	}
	if filter.TaskID != "" {
		query = query.Where("submissions.task_id = ?", filter.TaskID)
	}
	if filter.Status != "" {
		query = query.Where("submissions.status = ?", filter.Status)
	}
	if len(filter.IDs) > 0 {
		query = query.Where("submissions.id IN ?", filter.IDs)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var submissions []models.Submission
	if err := query.Order("submissions.submitted_on DESC").Find(&submissions).Error; err != nil {
		return nil, err
	}
	return submissions, nil
}

func (r *submissionRepository) HasWaiting(ctx context.Context, username, courseID, taskID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Submission{}).
		Joins("JOIN submission_users su ON su.submission_id = submissions.id AND su.username = ?", username).
		Where("submissions.course_id = ? AND submissions.task_id = ? AND submissions.status = ?", courseID, taskID, models.SubmissionStatusWaiting).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetJobID records the job handle only while the submission is still waiting, so a completion
// that already landed keeps its cleared handle.
func (r *submissionRepository) SetJobID(ctx context.Context, id, jobID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.SubmissionStatusWaiting).
		Update("job_id", jobID)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *submissionRepository) SetLiveDebug(ctx context.Context, id string, info LiveDebugInfo) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.SubmissionStatusWaiting).
		Updates(map[string]interface{}{
			"ssh_host":     info.Host,
			"ssh_port":     info.Port,
			"ssh_user":     info.User,
			"ssh_password": info.Password,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Finalize writes the grading result and clears transient execution fields in one atomic
// modify-and-return operation. It only applies to waiting submissions.
func (r *submissionRepository) Finalize(ctx context.Context, id string, result SubmissionResult) (models.Submission, error) {
	if r.maxResultBytes > 0 {
		encoded, err := json.Marshal(result)
		if err != nil {
			return models.Submission{}, fmt.Errorf("encode submission result: %w", err)
		}
		if len(encoded) > r.maxResultBytes {
			return models.Submission{}, fmt.Errorf("%w: %d bytes", ErrDocumentTooLarge, len(encoded))
		}
	}

	problems := result.Problems
	if problems == nil {
		problems = map[string]models.ProblemResult{}
	}

	updates := map[string]interface{}{
		"status":          result.Status,
		"result":          result.Result,
		"grade":           result.Grade,
		"text":            result.Text,
		"problems":        datatypes.NewJSONType(problems),
		"tests":           datatypes.JSONMap(result.Tests),
		"custom":          datatypes.JSONMap(result.Custom),
		"state":           result.State,
		"stdout":          result.Stdout,
		"stderr":          result.Stderr,
		"archive_blob_id": result.ArchiveBlobID,
	}
	for column, value := range transientColumns() {
		updates[column] = value
	}

	return r.modifyWaiting(ctx, id, updates)
}

func (r *submissionRepository) ResetForReplay(ctx context.Context, id string, replayedAt time.Time) (models.Submission, error) {
	updates := map[string]interface{}{
		"status":          models.SubmissionStatusWaiting,
		"result":          "",
		"grade":           0.0,
		"text":            "",
		"problems":        datatypes.NewJSONType(map[string]models.ProblemResult{}),
		"tests":           gorm.Expr("NULL"),
		"custom":          gorm.Expr("NULL"),
		"state":           "",
		"stdout":          "",
		"stderr":          "",
		"archive_blob_id": gorm.Expr("NULL"),
		"last_replay":     replayedAt,
	}
	for column, value := range transientColumns() {
		updates[column] = value
	}

	var submission models.Submission
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Submission{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Preload("Users").First(&submission, "id = ?", id).Error
	})
	if err != nil {
		return models.Submission{}, translateStoreError(err)
	}
	return submission, nil
}

// FailWaiting parks every waiting submission in error, used after a restart lost their jobs.
func (r *submissionRepository) FailWaiting(ctx context.Context, text string) (int64, error) {
	updates := map[string]interface{}{
		"status": models.SubmissionStatusError,
		"grade":  0.0,
		"text":   text,
		"job_id": gorm.Expr("NULL"),
	}
	result := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("status = ?", models.SubmissionStatusWaiting).
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *submissionRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("submission_id IN ?", ids).Delete(&models.SubmissionUser{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.Submission{}).Error
	})
}

// LatestPerTask returns the most recent submission of the user for every (course, task) pair,
// newest first.
func (r *submissionRepository) LatestPerTask(ctx context.Context, username string, limit int) ([]models.Submission, error) {
	latest := r.db.WithContext(ctx).Model(&models.Submission{}).
		Select("submissions.course_id, submissions.task_id, MAX(submissions.submitted_on) AS submitted_on").
		Joins("JOIN submission_users su ON su.submission_id = submissions.id AND su.username = ?", username).
		Group("submissions.course_id, submissions.task_id")

	query := r.baseQuery(ctx).Select("submissions.*").
		Joins("JOIN (?) AS latest ON latest.course_id = submissions.course_id AND latest.task_id = submissions.task_id AND latest.submitted_on = submissions.submitted_on", latest).
		Joins("JOIN submission_users owner ON owner.submission_id = submissions.id AND owner.username = ?", username).
		Order("submissions.submitted_on DESC")

	var rows []models.Submission
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(rows))
	submissions := make([]models.Submission, 0, len(rows))
	for _, row := range rows {
		key := row.CourseID + "/" + row.TaskID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		submissions = append(submissions, row)
		if limit > 0 && len(submissions) == limit {
			break
		}
	}
	return submissions, nil
}

func (r *submissionRepository) modifyWaiting(ctx context.Context, id string, updates map[string]interface{}) (models.Submission, error) {
	var submission models.Submission
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Submission{}).
			Where("id = ? AND status = ?", id, models.SubmissionStatusWaiting).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Submission{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return gorm.ErrRecordNotFound
			}
			return ErrSubmissionNotWaiting
		}
		return tx.Preload("Users").First(&submission, "id = ?", id).Error
	})
	if err != nil {
		return models.Submission{}, translateStoreError(err)
	}
	return submission, nil
}

func transientColumns() map[string]interface{} {
	return map[string]interface{}{
		"job_id":       gorm.Expr("NULL"),
		"ssh_host":     gorm.Expr("NULL"),
		"ssh_port":     gorm.Expr("NULL"),
		"ssh_user":     gorm.Expr("NULL"),
		"ssh_password": gorm.Expr("NULL"),
	}
}

func translateStoreError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgProgramLimitExceeded {
		return fmt.Errorf("%w: %s", ErrDocumentTooLarge, pgErr.Message)
	}
	return err
}
