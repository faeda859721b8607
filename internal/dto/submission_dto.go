package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// QuickRunRequest executes code once without persisting a submission.
type QuickRunRequest struct {
	ActivityID uint    `json:"activity_id" validate:"required,gt=0"`
	Code       string  `json:"code" validate:"required,min=1"`
	Language   string  `json:"language" validate:"required,max=50"`
	Input      *string `json:"input"`
}

// QuickRunResponse reports the outcome of a direct run.
type QuickRunResponse struct {
	Success   bool     `json:"success"`
	Output    string   `json:"output"`
	Error     string   `json:"error"`
	Time      *float64 `json:"time"`
	Memory    *int     `json:"memory"`
	Status    string   `json:"status"`
	InputUsed string   `json:"input_used"`
}

// SubmitRequest creates a graded submission or a queued run.
type SubmitRequest struct {
	ActivityID uint   `json:"activity_id" validate:"required,gt=0"`
	Code       string `json:"code" validate:"required,min=1"`
	Language   string `json:"language" validate:"required,max=50"`
}

// SubmitResponse is returned after a submission is accepted.
type SubmitResponse struct {
	SubmissionID    uint                      `json:"submission_id"`
	TaskToken       *string                   `json:"task_token"`
	Status          string                    `json:"status"`
	ImmediateResult *SubmissionStatusResponse `json:"immediate_result,omitempty"`
}

// SubmissionStatusResponse is the polling view of a submission.
type SubmissionStatusResponse struct {
	SubmissionID  uint                    `json:"submission_id"`
	Status        string                  `json:"status"`
	Result        string                  `json:"result"`
	Score         int                     `json:"score"`
	Output        string                  `json:"output"`
	Error         string                  `json:"error"`
	ExecutionTime *float64                `json:"execution_time"`
	MemoryUsed    *int                    `json:"memory_used"`
	TestResults   []models.TestCaseResult `json:"test_results"`
	PassedTests   int                     `json:"passed_tests"`
	TotalTests    int                     `json:"total_tests"`
	IsComplete    bool                    `json:"is_complete"`
}

// NewSubmissionStatusResponse builds the polling view from a model.
func NewSubmissionStatusResponse(submission models.Submission) SubmissionStatusResponse {
	results := []models.TestCaseResult(submission.TestResults)
	if results == nil {
		results = []models.TestCaseResult{}
	}

	return SubmissionStatusResponse{
		SubmissionID:  submission.ID,
		Status:        submission.Status,
		Result:        submission.Result,
		Score:         submission.Score,
		Output:        submission.Output,
		Error:         submission.ErrorMessage,
		ExecutionTime: submission.ExecutionTime,
		MemoryUsed:    submission.MemoryUsed,
		TestResults:   results,
		PassedTests:   submission.PassedTests(),
		TotalTests:    submission.TotalTests(),
		IsComplete:    submission.IsTerminal(),
	}
}

// SubmissionSummary is one row of a student's submission history.
type SubmissionSummary struct {
	ID             uint      `json:"id"`
	ActivityID     uint      `json:"activity_id"`
	Language       string    `json:"language"`
	IsFinal        bool      `json:"is_final"`
	Status         string    `json:"status"`
	Result         string    `json:"result"`
	Score          int       `json:"score"`
	PassedTests    int       `json:"passed_tests"`
	TotalTests     int       `json:"total_tests"`
	FeedbackStatus string    `json:"feedback_status"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewSubmissionSummaries converts submissions into history rows.
func NewSubmissionSummaries(submissions []models.Submission) []SubmissionSummary {
	summaries := make([]SubmissionSummary, 0, len(submissions))
	for _, submission := range submissions {
		summaries = append(summaries, SubmissionSummary{
			ID:             submission.ID,
			ActivityID:     submission.ActivityID,
			Language:       submission.Language,
			IsFinal:        submission.IsFinal,
			Status:         submission.Status,
			Result:         submission.Result,
			Score:          submission.Score,
			PassedTests:    submission.PassedTests(),
			TotalTests:     submission.TotalTests(),
			FeedbackStatus: submission.FeedbackStatus,
			CreatedAt:      submission.CreatedAt,
		})
	}
	return summaries
}
