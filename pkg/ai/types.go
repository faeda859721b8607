package ai

import (
	"context"
	"errors"
	"strings"
)

// ErrNotConfigured is returned when the generator has no usable credential.
// It is a permanent condition that retrying will not fix.
var ErrNotConfigured = errors.New("ai feedback generator is not configured")

// Verdict selects the prompt template used for a submission.
type Verdict string

const (
	VerdictAccepted    Verdict = "accepted"
	VerdictWrongAnswer Verdict = "wrong_answer"
	VerdictError       Verdict = "error"
)

// ClassifyVerdict maps a grading result (pass, fail, error) to a verdict.
func ClassifyVerdict(result string) Verdict {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "pass":
		return VerdictAccepted
	case "error":
		return VerdictError
	default:
		return VerdictWrongAnswer
	}
}

// FeedbackInput holds everything the tutor prompt is built from.
type FeedbackInput struct {
	Result           string
	SourceCode       string
	Language         string
	ProblemStatement string
	ExpectedOutput   string
	ActualOutput     string
	ErrorMessage     string
}

// FeedbackResult is the outcome of one generation call.
type FeedbackResult struct {
	Success     bool    `json:"success"`
	Feedback    string  `json:"feedback,omitempty"`
	VerdictType Verdict `json:"verdict_type,omitempty"`
	ModelUsed   string  `json:"model_used,omitempty"`
	Error       string  `json:"error,omitempty"`
	// Err is the failure cause; it wraps ErrNotConfigured when the upstream
	// rejected the credential.
	Err         error   `json:"-"`
}

// Generator produces tutoring feedback for a graded submission. Generate makes
// exactly one outbound call and reports failures through FeedbackResult.
type Generator interface {
	Generate(ctx context.Context, input FeedbackInput) FeedbackResult
}

// Factory builds a Generator. It returns ErrNotConfigured when the credential
// is missing or still a placeholder.
type Factory func() (Generator, error)

// IsPlaceholderKey reports whether an API key is empty or an unfilled template value.
func IsPlaceholderKey(key string) bool {
	key = strings.TrimSpace(key)
	return key == "" || strings.HasPrefix(key, "YOUR_")
}
