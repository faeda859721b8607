package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission lifecycle states.
const (
	SubmissionStatusPending   = "pending"
	SubmissionStatusRunning   = "running"
	SubmissionStatusCompleted = "completed"
	SubmissionStatusFailed    = "failed"
)

// Grading results.
const (
	SubmissionResultPending = "pending"
	SubmissionResultPass    = "pass"
	SubmissionResultFail    = "fail"
	SubmissionResultError   = "error"
)

// Feedback states mirrored in the feedback_status column.
const (
	FeedbackStatusNone       = ""
	FeedbackStatusGenerating = "generating"
	FeedbackStatusReady      = "ready"
	FeedbackStatusError      = "error"
)

// TestCaseResult is the outcome of one test case, numbered from 1.
type TestCaseResult struct {
	TestCase       int      `json:"test_case"`
	Input          string   `json:"input"`
	ExpectedOutput string   `json:"expected_output"`
	ActualOutput   string   `json:"actual_output"`
	Passed         bool     `json:"passed"`
	Errored        bool     `json:"errored"`
	Error          *string  `json:"error"`
	ExecutionTime  *float64 `json:"execution_time"`
	Memory         *int     `json:"memory"`
	Status         string   `json:"status"`
}

// AIFeedback is the persisted feedback record. Clients read it directly, so
// every key is always present and unset values serialise as null.
type AIFeedback struct {
	Feedback    *string `json:"feedback"`
	VerdictType *string `json:"verdict_type"`
	ModelUsed   *string `json:"model_used"`
	GeneratedAt *string `json:"generated_at"`
	Error       *string `json:"error"`
	Status      *string `json:"status"`
}

// HasFeedback reports whether a successful feedback value is stored.
func (f AIFeedback) HasFeedback() bool {
	return f.Feedback != nil && *f.Feedback != ""
}

// Failed reports whether generation stopped with an error that will not be
// retried. An error text without this status belongs to a pending retry.
func (f AIFeedback) Failed() bool {
	return f.Status != nil && *f.Status == FeedbackStatusError
}

// Submission is one run or graded submit by a student on an activity.
type Submission struct {
	ID             uint                                `gorm:"primaryKey" json:"id"`
	StudentID      uint                                `gorm:"index;not null" json:"student_id"`
	ActivityID     uint                                `gorm:"index;not null" json:"activity_id"`
	Code           string                              `gorm:"type:text;not null" json:"code"`
	Language       string                              `gorm:"size:50;not null" json:"language"`
	IsFinal        bool                                `gorm:"default:false" json:"is_final"`
	Status         string                              `gorm:"size:20;not null;default:pending" json:"status"`
	Result         string                              `gorm:"size:20;not null;default:pending" json:"result"`
	Score          int                                 `gorm:"default:0" json:"score"`
	TestResults    datatypes.JSONSlice[TestCaseResult] `json:"test_results"`
	Output         string                              `gorm:"type:text" json:"output"`
	ErrorMessage   string                              `gorm:"type:text" json:"error_message"`
	ExecutionTime  *float64                            `json:"execution_time"`
	MemoryUsed     *int                                `json:"memory_used"`
	TaskToken      string                              `gorm:"size:100" json:"task_token"`
	AIFeedback     datatypes.JSONType[AIFeedback]      `gorm:"column:ai_feedback" json:"ai_feedback"`
	FeedbackStatus string                              `gorm:"size:16;index" json:"feedback_status"`
	CreatedAt      time.Time                           `json:"created_at"`
	UpdatedAt      time.Time                           `json:"updated_at"`
	Student        Student                             `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Activity       Activity                            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// IsTerminal reports whether grading has finished, successfully or not.
func (s Submission) IsTerminal() bool {
	return s.Status == SubmissionStatusCompleted || s.Status == SubmissionStatusFailed
}

// PassedTests counts the passed test cases.
func (s Submission) PassedTests() int {
	passed := 0
	for _, result := range s.TestResults {
		if result.Passed {
			passed++
		}
	}
	return passed
}

// TotalTests is the number of recorded test case results.
func (s Submission) TotalTests() int {
	return len(s.TestResults)
}

// Feedback returns the stored feedback record.
func (s Submission) Feedback() AIFeedback {
	return s.AIFeedback.Data()
}
