package dto

import "github.com/noah-isme/gema-grader/internal/models"

// Feedback read states.
const (
	FeedbackStateGenerating = "generating"
	FeedbackStateError      = "error"
	FeedbackStateReady      = "ready"
)

// FeedbackResponse is the client view of a submission's AI feedback.
type FeedbackResponse struct {
	SubmissionID uint    `json:"submission_id"`
	HasFeedback  bool    `json:"has_feedback"`
	Status       string  `json:"status"`
	Feedback     *string `json:"feedback,omitempty"`
	VerdictType  *string `json:"verdict_type,omitempty"`
	ModelUsed    *string `json:"model_used,omitempty"`
	GeneratedAt  *string `json:"generated_at,omitempty"`
	Error        *string `json:"error,omitempty"`
	Message      string  `json:"message,omitempty"`
}

// NewFeedbackResponse derives the read state from the stored record.
func NewFeedbackResponse(submission models.Submission) FeedbackResponse {
	feedback := submission.Feedback()
	response := FeedbackResponse{SubmissionID: submission.ID}

	switch {
	case feedback.HasFeedback():
		response.HasFeedback = true
		response.Status = FeedbackStateReady
		response.Feedback = feedback.Feedback
		response.VerdictType = feedback.VerdictType
		response.ModelUsed = feedback.ModelUsed
		response.GeneratedAt = feedback.GeneratedAt
	case feedback.Failed():
		response.Status = FeedbackStateError
		response.Error = feedback.Error
	case feedback.Error != nil && *feedback.Error != "":
		response.Status = FeedbackStateGenerating
		response.Error = feedback.Error
		response.Message = "The last feedback attempt failed and will be retried."
	default:
		response.Status = FeedbackStateGenerating
		response.Message = "AI feedback is being generated. Please try again in a few seconds."
	}
	return response
}
