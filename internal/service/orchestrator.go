package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/executor"
)

// Job names understood by the worker.
const (
	JobGradeSubmission  = "grade_submission"
	JobRunSubmission    = "run_submission"
	JobGenerateFeedback = "generate_feedback"
)

// SubmissionJob is the payload of every submission job.
type SubmissionJob struct {
	SubmissionID uint `json:"submission_id"`
}

// FeedbackOutcome describes what a feedback run did.
type FeedbackOutcome struct {
	Submission   models.Submission
	NotFinal     bool
	NotCompleted bool
	AlreadyReady bool
	Generated    bool
}

// Orchestrator owns every state transition of a submission.
type Orchestrator struct {
	submissions repository.SubmissionRepository
	evaluator   *TestEvaluator
	generators  ai.Factory
	enqueuer    queue.Enqueuer
	events      SubmissionEvents
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time
}

// NewOrchestrator wires the orchestrator. enqueuer and events may be nil.
func NewOrchestrator(submissions repository.SubmissionRepository, evaluator *TestEvaluator, generators ai.Factory, enqueuer queue.Enqueuer, events SubmissionEvents, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		submissions: submissions,
		evaluator:   evaluator,
		generators:  generators,
		enqueuer:    enqueuer,
		events:      events,
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/orchestrator"),
		logger:      logger.With().Str("component", "submission_orchestrator").Logger(),
		now:         time.Now,
	}
}

var activeStates = []string{models.SubmissionStatusPending, models.SubmissionStatusRunning}

// RunGrading grades a submission against its activity's test cases.
//
// Failures on a non-final attempt keep the submission running with the error
// text recorded; the final attempt (or a permanent error) marks it failed.
// Grading an already terminal submission is a no-op.
func (o *Orchestrator) RunGrading(parent context.Context, submissionID uint, finalAttempt bool) error {
	ctx, span := o.tracer.Start(parent, "orchestrator.run_grading", trace.WithAttributes(
		attribute.Int64("submission.id", int64(submissionID)),
	))
	defer span.End()

	logger := o.logger.With().Uint("submission_id", submissionID).Str("job", JobGradeSubmission).Logger()

	submission, err := o.load(ctx, submissionID)
	if err != nil {
		return err
	}
	if submission.IsTerminal() {
		logger.Info().Str("status", submission.Status).Msg("submission already graded, skipping")
		return nil
	}

	if err := o.markRunning(ctx, submission); err != nil {
		return err
	}

	report, err := o.evaluator.RunAll(ctx, submission.Code, submission.Language, submission.Activity.EffectiveTestCases())
	if err != nil {
		if errors.Is(err, executor.ErrUnsupportedLanguage) {
			err = queue.Permanent(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.recordGradingFailure(ctx, submissionID, err, finalAttempt || queue.IsPermanent(err))
		return err
	}

	result := report.Result()
	score := report.Score
	output := report.FirstOutput()
	errorMessage := report.ErrorSummary()
	update := repository.GradingUpdate{
		Status:       models.SubmissionStatusCompleted,
		Result:       &result,
		Score:        &score,
		TestResults:  report.Results,
		Output:       &output,
		ErrorMessage: &errorMessage,
	}
	if len(report.Results) > 0 {
		update.ExecutionTime = report.Results[0].ExecutionTime
		update.MemoryUsed = report.Results[0].Memory
	}

	updated, err := o.submissions.TransitionGrading(ctx, submissionID, activeStates, update)
	if err != nil {
		span.RecordError(err)
		o.recordGradingFailure(ctx, submissionID, err, finalAttempt)
		return fmt.Errorf("persist grading: %w", err)
	}
	if !updated {
		logger.Info().Msg("submission reached a terminal state concurrently, result discarded")
		return nil
	}

	observability.SubmissionsGraded().WithLabelValues(result).Inc()
	logger.Info().Str("result", result).Int("score", score).Int("passed", report.Passed).Int("total", report.Total).Msg("submission graded")
	o.publish(ctx, submissionID)

	o.TriggerFeedback(ctx, submissionID)
	return nil
}

// RunQuick executes a persisted run once against the activity's sample input.
// It never scores and never triggers feedback.
func (o *Orchestrator) RunQuick(parent context.Context, submissionID uint, finalAttempt bool) error {
	ctx, span := o.tracer.Start(parent, "orchestrator.run_quick", trace.WithAttributes(
		attribute.Int64("submission.id", int64(submissionID)),
	))
	defer span.End()

	submission, err := o.load(ctx, submissionID)
	if err != nil {
		return err
	}
	if submission.IsTerminal() {
		return nil
	}

	if err := o.markRunning(ctx, submission); err != nil {
		return err
	}

	result, err := o.evaluator.Execute(ctx, executor.Request{
		SourceCode: submission.Code,
		Language:   submission.Language,
		Stdin:      submission.Activity.SampleInput(),
	})
	if err != nil {
		if errors.Is(err, executor.ErrUnsupportedLanguage) {
			err = queue.Permanent(err)
		}
		span.RecordError(err)
		o.recordGradingFailure(ctx, submissionID, err, finalAttempt || queue.IsPermanent(err))
		return err
	}

	outcome := quickRunResult(result)
	output := result.Stdout
	errorMessage := quickRunError(result)
	updated, err := o.submissions.TransitionGrading(ctx, submissionID, activeStates, repository.GradingUpdate{
		Status:        models.SubmissionStatusCompleted,
		Result:        &outcome,
		Output:        &output,
		ErrorMessage:  &errorMessage,
		ExecutionTime: result.Time,
		MemoryUsed:    result.Memory,
	})
	if err != nil {
		o.recordGradingFailure(ctx, submissionID, err, finalAttempt)
		return fmt.Errorf("persist run: %w", err)
	}
	if updated {
		o.publish(ctx, submissionID)
	}
	return nil
}

// RunFeedback generates and stores AI feedback for a completed final
// submission. Runs never receive feedback.
//
// A configuration error is stored as a terminal error and returned as
// permanent. A transient generation failure keeps the record generating with
// the error text attached so the queue can retry it; on the final attempt the
// error becomes terminal.
func (o *Orchestrator) RunFeedback(parent context.Context, submissionID uint, finalAttempt bool) (FeedbackOutcome, error) {
	ctx, span := o.tracer.Start(parent, "orchestrator.run_feedback", trace.WithAttributes(
		attribute.Int64("submission.id", int64(submissionID)),
	))
	defer span.End()

	logger := o.logger.With().Uint("submission_id", submissionID).Str("job", JobGenerateFeedback).Logger()

	submission, err := o.load(ctx, submissionID)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	if !submission.IsFinal {
		logger.Debug().Msg("run submissions receive no feedback, skipping")
		return FeedbackOutcome{Submission: submission, NotFinal: true}, nil
	}
	if submission.Status != models.SubmissionStatusCompleted {
		return FeedbackOutcome{Submission: submission, NotCompleted: true}, nil
	}
	if submission.Feedback().HasFeedback() {
		return FeedbackOutcome{Submission: submission, AlreadyReady: true}, nil
	}

	generator, err := o.generators()
	if err != nil {
		logger.Warn().Err(err).Msg("ai feedback generator not configured")
		o.storeFeedbackError(ctx, submissionID, err.Error(), true)
		return o.feedbackOutcome(ctx, submissionID), queue.Permanent(err)
	}

	submission, err = o.load(ctx, submissionID)
	if err != nil {
		return FeedbackOutcome{}, err
	}
	if submission.Feedback().HasFeedback() {
		return FeedbackOutcome{Submission: submission, AlreadyReady: true}, nil
	}

	result := generator.Generate(ctx, BuildFeedbackInput(submission))
	if !result.Success {
		cause := result.Err
		if cause == nil {
			message := result.Error
			if message == "" {
				message = "feedback generation failed"
			}
			cause = errors.New(message)
		}
		span.SetStatus(codes.Error, cause.Error())

		if errors.Is(cause, ai.ErrNotConfigured) {
			logger.Warn().Err(cause).Msg("ai credential rejected")
			o.storeFeedbackError(ctx, submissionID, cause.Error(), true)
			return o.feedbackOutcome(ctx, submissionID), queue.Permanent(cause)
		}

		o.storeFeedbackError(ctx, submissionID, cause.Error(), finalAttempt)
		return o.feedbackOutcome(ctx, submissionID), cause
	}

	feedback := result.Feedback
	verdict := string(result.VerdictType)
	model := result.ModelUsed
	generatedAt := o.now().UTC().Format(time.RFC3339)
	status := models.FeedbackStatusReady
	stored, err := o.submissions.SaveFeedback(ctx, submissionID, models.AIFeedback{
		Feedback:    &feedback,
		VerdictType: &verdict,
		ModelUsed:   &model,
		GeneratedAt: &generatedAt,
		Status:      &status,
	}, models.FeedbackStatusReady)
	if err != nil {
		return FeedbackOutcome{}, fmt.Errorf("persist feedback: %w", err)
	}

	outcome := o.feedbackOutcome(ctx, submissionID)
	if !stored {
		outcome.AlreadyReady = true
		return outcome, nil
	}

	logger.Info().Str("verdict", verdict).Msg("ai feedback stored")
	outcome.Generated = true
	o.publish(ctx, submissionID)
	return outcome, nil
}

// TriggerFeedback claims feedback generation for a submission that has no
// attempt recorded yet, enqueues it, and falls back to generating inline when
// the queue is unavailable. It reports whether this call won the claim.
func (o *Orchestrator) TriggerFeedback(ctx context.Context, submissionID uint) bool {
	return o.triggerFeedback(ctx, submissionID, []string{models.FeedbackStatusNone})
}

// RetriggerFeedback is TriggerFeedback for submissions whose previous attempt
// failed or never finished. A stored success is never regenerated.
func (o *Orchestrator) RetriggerFeedback(ctx context.Context, submissionID uint) bool {
	return o.triggerFeedback(ctx, submissionID, []string{
		models.FeedbackStatusNone,
		models.FeedbackStatusGenerating,
		models.FeedbackStatusError,
	})
}

func (o *Orchestrator) triggerFeedback(ctx context.Context, submissionID uint, from []string) bool {
	logger := o.logger.With().Uint("submission_id", submissionID).Logger()

	claimed, err := o.submissions.ClaimFeedback(ctx, submissionID, from)
	if err != nil {
		logger.Warn().Err(err).Msg("claim feedback generation failed")
		return false
	}
	if !claimed {
		return false
	}

	if o.enqueuer != nil {
		token, err := o.enqueuer.Enqueue(ctx, JobGenerateFeedback, SubmissionJob{SubmissionID: submissionID})
		if err == nil {
			logger.Info().Str("task_token", token).Msg("feedback generation queued")
			return true
		}
		logger.Warn().Err(err).Msg("feedback queue unavailable, generating inline")
	}

	if _, err := o.RunFeedback(ctx, submissionID, true); err != nil {
		logger.Warn().Err(err).Msg("inline feedback generation failed")
	}
	return true
}

// BuildFeedbackInput derives the prompt inputs from a graded submission: the
// first failed case, else the first case, else the activity's expected output.
func BuildFeedbackInput(submission models.Submission) ai.FeedbackInput {
	input := ai.FeedbackInput{
		Result:           submission.Result,
		SourceCode:       submission.Code,
		Language:         submission.Language,
		ProblemStatement: submission.Activity.ProblemStatement,
		ActualOutput:     submission.Output,
		ErrorMessage:     submission.ErrorMessage,
	}

	if len(submission.TestResults) == 0 {
		input.ExpectedOutput = submission.Activity.ExpectedOutput
		return input
	}

	chosen := submission.TestResults[0]
	for _, result := range submission.TestResults {
		if !result.Passed {
			chosen = result
			break
		}
	}
	input.ExpectedOutput = chosen.ExpectedOutput
	input.ActualOutput = chosen.ActualOutput
	return input
}

func (o *Orchestrator) load(ctx context.Context, submissionID uint) (models.Submission, error) {
	submission, err := o.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, queue.Permanent(ErrSubmissionNotFound)
		}
		return models.Submission{}, err
	}
	return submission, nil
}

func (o *Orchestrator) markRunning(ctx context.Context, submission models.Submission) error {
	if submission.Status == models.SubmissionStatusRunning {
		return nil
	}
	updated, err := o.submissions.TransitionGrading(ctx, submission.ID, []string{models.SubmissionStatusPending}, repository.GradingUpdate{
		Status: models.SubmissionStatusRunning,
	})
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if updated {
		o.publish(ctx, submission.ID)
	}
	return nil
}

// recordGradingFailure is best effort: a failure to persist is logged and the
// queue's retry converges the record later.
func (o *Orchestrator) recordGradingFailure(ctx context.Context, submissionID uint, cause error, terminal bool) {
	message := cause.Error()
	update := repository.GradingUpdate{
		Status:       models.SubmissionStatusRunning,
		ErrorMessage: &message,
	}
	if terminal {
		result := models.SubmissionResultError
		update.Status = models.SubmissionStatusFailed
		update.Result = &result
	}

	writeCtx := context.WithoutCancel(ctx)
	updated, err := o.submissions.TransitionGrading(writeCtx, submissionID, activeStates, update)
	if err != nil {
		o.logger.Error().Err(err).AnErr("cause", cause).Uint("submission_id", submissionID).Msg("failed to record grading failure")
		return
	}
	if updated && terminal {
		observability.SubmissionsGraded().WithLabelValues(models.SubmissionResultError).Inc()
		o.logger.Error().Err(cause).Uint("submission_id", submissionID).Msg("submission marked failed")
		o.publish(writeCtx, submissionID)
	}
}

// storeFeedbackError records a failed generation. A terminal failure settles
// the feedback as error; otherwise the record stays generating with the error
// text attached while the retry is pending.
func (o *Orchestrator) storeFeedbackError(ctx context.Context, submissionID uint, message string, terminal bool) {
	record := models.AIFeedback{Error: &message}
	feedbackStatus := models.FeedbackStatusGenerating
	if terminal {
		status := models.FeedbackStatusError
		record.Status = &status
		feedbackStatus = models.FeedbackStatusError
	}

	_, err := o.submissions.SaveFeedback(context.WithoutCancel(ctx), submissionID, record, feedbackStatus)
	if err != nil {
		o.logger.Error().Err(err).Uint("submission_id", submissionID).Msg("failed to store feedback error")
		return
	}
	o.publish(ctx, submissionID)
}

func (o *Orchestrator) feedbackOutcome(ctx context.Context, submissionID uint) FeedbackOutcome {
	submission, err := o.submissions.GetByID(context.WithoutCancel(ctx), submissionID)
	if err != nil {
		return FeedbackOutcome{}
	}
	return FeedbackOutcome{Submission: submission}
}

func (o *Orchestrator) publish(ctx context.Context, submissionID uint) {
	if o.events == nil {
		return
	}
	submission, err := o.submissions.GetByID(context.WithoutCancel(ctx), submissionID)
	if err != nil {
		return
	}
	o.events.Publish(ctx, submission)
}

func quickRunResult(result executor.Result) string {
	switch {
	case result.Failed():
		return models.SubmissionResultError
	case result.StatusID == executor.StatusAccepted:
		return models.SubmissionResultPass
	default:
		return models.SubmissionResultFail
	}
}

func quickRunError(result executor.Result) string {
	if result.Failed() {
		if result.Details != "" {
			return result.Error + ": " + result.Details
		}
		return result.Error
	}
	return result.Diagnostic()
}
