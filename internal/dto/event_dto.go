package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// SubmissionEvent is broadcast whenever a submission's grading or feedback state changes.
type SubmissionEvent struct {
	SubmissionID   uint      `json:"submission_id"`
	StudentID      uint      `json:"student_id"`
	Status         string    `json:"status"`
	Result         string    `json:"result"`
	Score          int       `json:"score"`
	FeedbackStatus string    `json:"feedback_status"`
	IsFinal        bool      `json:"is_final"`
	At             time.Time `json:"at"`
}

// NewSubmissionEvent snapshots a submission into an event.
func NewSubmissionEvent(submission models.Submission) SubmissionEvent {
	return SubmissionEvent{
		SubmissionID:   submission.ID,
		StudentID:      submission.StudentID,
		Status:         submission.Status,
		Result:         submission.Result,
		Score:          submission.Score,
		FeedbackStatus: submission.FeedbackStatus,
		IsFinal:        submission.IsFinal,
		At:             time.Now().UTC(),
	}
}

// Settled reports whether no further events are expected for the submission.
// Graded submissions settle once feedback is stored or has failed.
func (e SubmissionEvent) Settled() bool {
	switch e.Status {
	case models.SubmissionStatusFailed:
		return true
	case models.SubmissionStatusCompleted:
		if !e.IsFinal {
			return true
		}
		return e.FeedbackStatus == models.FeedbackStatusReady || e.FeedbackStatus == models.FeedbackStatusError
	}
	return false
}
