package service

import (
	"context"
	"time"

	"github.com/noah-isme/gema-grader/internal/queue"
)

// JobPolicies holds the retry policy of each submission job.
type JobPolicies struct {
	Grading  queue.RetryPolicy
	Feedback queue.RetryPolicy
}

// DefaultJobPolicies retries grading three times five seconds apart and
// feedback twice ten seconds apart.
func DefaultJobPolicies() JobPolicies {
	return JobPolicies{
		Grading:  queue.RetryPolicy{MaxAttempts: 4, Delay: 5 * time.Second},
		Feedback: queue.RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Second},
	}
}

// RegisterJobs binds the orchestrator's transitions to the runner.
func RegisterJobs(runner *queue.Runner, orchestrator *Orchestrator, policies JobPolicies) {
	runner.Register(JobGradeSubmission, policies.Grading, func(ctx context.Context, job queue.Job) error {
		var payload SubmissionJob
		if err := job.Decode(&payload); err != nil {
			return err
		}
		return orchestrator.RunGrading(ctx, payload.SubmissionID, job.LastAttempt())
	})

	runner.Register(JobRunSubmission, policies.Grading, func(ctx context.Context, job queue.Job) error {
		var payload SubmissionJob
		if err := job.Decode(&payload); err != nil {
			return err
		}
		return orchestrator.RunQuick(ctx, payload.SubmissionID, job.LastAttempt())
	})

	runner.Register(JobGenerateFeedback, policies.Feedback, func(ctx context.Context, job queue.Job) error {
		var payload SubmissionJob
		if err := job.Decode(&payload); err != nil {
			return err
		}
		_, err := orchestrator.RunFeedback(ctx, payload.SubmissionID, job.LastAttempt())
		return err
	})
}
