package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmissionFilter narrows submission listings.
type SubmissionFilter struct {
	StudentID  uint
	ActivityID *uint
	FinalOnly  bool
	Limit      int
}

// GradingUpdate carries the grading columns written by a state transition.
// Nil fields are left untouched.
type GradingUpdate struct {
	Status        string
	Result        *string
	Score         *int
	TestResults   []models.TestCaseResult
	Output        *string
	ErrorMessage  *string
	ExecutionTime *float64
	MemoryUsed    *int
}

func (u GradingUpdate) columns() map[string]interface{} {
	columns := map[string]interface{}{
		"status":     u.Status,
		"updated_at": time.Now().UTC(),
	}
	if u.Result != nil {
		columns["result"] = *u.Result
	}
	if u.Score != nil {
		columns["score"] = *u.Score
	}
	if u.TestResults != nil {
		columns["test_results"] = datatypes.JSONSlice[models.TestCaseResult](u.TestResults)
	}
	if u.Output != nil {
		columns["output"] = *u.Output
	}
	if u.ErrorMessage != nil {
		columns["error_message"] = *u.ErrorMessage
	}
	if u.ExecutionTime != nil {
		columns["execution_time"] = *u.ExecutionTime
	}
	if u.MemoryUsed != nil {
		columns["memory_used"] = *u.MemoryUsed
	}
	return columns
}

// SubmissionRepository persists submissions. Grading writes and feedback
// writes touch disjoint columns and are each guarded by their own state column.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error)
	SetTaskToken(ctx context.Context, id uint, token string) error
	// TransitionGrading applies update only while the submission is in one of
	// the from states. It reports whether a row changed.
	TransitionGrading(ctx context.Context, id uint, from []string, update GradingUpdate) (bool, error)
	// ClaimFeedback moves feedback_status from one of the from states to
	// generating. Only the caller that wins the claim should start generation.
	ClaimFeedback(ctx context.Context, id uint, from []string) (bool, error)
	// SaveFeedback stores a feedback record unless a successful one already exists.
	SaveFeedback(ctx context.Context, id uint, feedback models.AIFeedback, status string) (bool, error)
}

// NewSubmissionRepository constructs a submission repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

type submissionRepository struct {
	db *gorm.DB
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	err := r.db.WithContext(ctx).
		Preload("Activity").
		First(&submission, id).Error
	if err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *submissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("student_id = ?", filter.StudentID)

	if filter.ActivityID != nil {
		query = query.Where("activity_id = ?", *filter.ActivityID)
	}
	if filter.FinalOnly {
		query = query.Where("is_final = ?", true)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var submissions []models.Submission
	if err := query.Order("created_at DESC").Order("id DESC").Find(&submissions).Error; err != nil {
		return nil, err
	}
	return submissions, nil
}

func (r *submissionRepository) SetTaskToken(ctx context.Context, id uint, token string) error {
	return r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"task_token": token, "updated_at": time.Now().UTC()}).Error
}

func (r *submissionRepository) TransitionGrading(ctx context.Context, id uint, from []string, update GradingUpdate) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(update.columns())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *submissionRepository) ClaimFeedback(ctx context.Context, id uint, from []string) (bool, error) {
	status := models.FeedbackStatusGenerating
	claimed := models.AIFeedback{Status: &status}

	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND feedback_status IN ?", id, from).
		Updates(map[string]interface{}{
			"feedback_status": status,
			"ai_feedback":     datatypes.NewJSONType(claimed),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *submissionRepository) SaveFeedback(ctx context.Context, id uint, feedback models.AIFeedback, status string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND feedback_status <> ?", id, models.FeedbackStatusReady).
		Updates(map[string]interface{}{
			"feedback_status": status,
			"ai_feedback":     datatypes.NewJSONType(feedback),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
