package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/executor"
)

// SubmissionService exposes the grading operations used by the HTTP layer.
type SubmissionService interface {
	CreateQuickRun(ctx context.Context, payload dto.QuickRunRequest) (dto.QuickRunResponse, error)
	CreateRun(ctx context.Context, studentID uint, payload dto.SubmitRequest) (dto.SubmitResponse, error)
	CreateGradedSubmission(ctx context.Context, studentID uint, payload dto.SubmitRequest, synchronous bool) (dto.SubmitResponse, error)
	GetSubmissionStatus(ctx context.Context, submissionID uint) (dto.SubmissionStatusResponse, error)
	GetFeedback(ctx context.Context, submissionID uint) (dto.FeedbackResponse, error)
	RetryFeedback(ctx context.Context, submissionID uint) (dto.FeedbackResponse, error)
	ListSubmissions(ctx context.Context, studentID uint, activityID *uint) ([]dto.SubmissionSummary, error)
	// Snapshot returns the current state of a submission as an event.
	Snapshot(ctx context.Context, submissionID uint) (dto.SubmissionEvent, error)
}

type submissionService struct {
	submissions  repository.SubmissionRepository
	activities   repository.ActivityRepository
	students     repository.StudentRepository
	orchestrator *Orchestrator
	evaluator    *TestEvaluator
	enqueuer     queue.Enqueuer
	validator    *validator.Validate
	logger       zerolog.Logger
}

// NewSubmissionService constructs the submission service. enqueuer may be nil,
// in which case every job runs inline.
func NewSubmissionService(submissionRepo repository.SubmissionRepository, activityRepo repository.ActivityRepository, studentRepo repository.StudentRepository, orchestrator *Orchestrator, evaluator *TestEvaluator, enqueuer queue.Enqueuer, validate *validator.Validate, logger zerolog.Logger) SubmissionService {
	return &submissionService{
		submissions:  submissionRepo,
		activities:   activityRepo,
		students:     studentRepo,
		orchestrator: orchestrator,
		evaluator:    evaluator,
		enqueuer:     enqueuer,
		validator:    validate,
		logger:       logger.With().Str("component", "submission_service").Logger(),
	}
}

func (s *submissionService) CreateQuickRun(ctx context.Context, payload dto.QuickRunRequest) (dto.QuickRunResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.QuickRunResponse{}, err
	}
	if _, err := executor.LookupLanguage(payload.Language); err != nil {
		return dto.QuickRunResponse{}, err
	}

	activity, err := s.activity(ctx, payload.ActivityID)
	if err != nil {
		return dto.QuickRunResponse{}, err
	}

	input := activity.SampleInput()
	if payload.Input != nil {
		input = *payload.Input
	}

	result, err := s.evaluator.Execute(ctx, executor.Request{
		SourceCode: payload.Code,
		Language:   payload.Language,
		Stdin:      input,
	})
	if err != nil {
		return dto.QuickRunResponse{}, err
	}

	return dto.QuickRunResponse{
		Success:   result.Success,
		Output:    result.Stdout,
		Error:     quickRunError(result),
		Time:      result.Time,
		Memory:    result.Memory,
		Status:    quickRunStatus(result),
		InputUsed: input,
	}, nil
}

func (s *submissionService) CreateRun(ctx context.Context, studentID uint, payload dto.SubmitRequest) (dto.SubmitResponse, error) {
	submission, err := s.create(ctx, studentID, payload, false)
	if err != nil {
		return dto.SubmitResponse{}, err
	}

	response := dto.SubmitResponse{SubmissionID: submission.ID, Status: submission.Status}
	token, err := s.enqueue(ctx, JobRunSubmission, submission.ID)
	if err == nil {
		response.TaskToken = &token
		return response, nil
	}

	s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("run queue unavailable, executing inline")
	if err := s.orchestrator.RunQuick(ctx, submission.ID, true); err != nil {
		s.logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("inline run failed")
	}
	return s.withImmediateResult(ctx, response)
}

func (s *submissionService) CreateGradedSubmission(ctx context.Context, studentID uint, payload dto.SubmitRequest, synchronous bool) (dto.SubmitResponse, error) {
	submission, err := s.create(ctx, studentID, payload, true)
	if err != nil {
		return dto.SubmitResponse{}, err
	}

	response := dto.SubmitResponse{SubmissionID: submission.ID, Status: submission.Status}
	if !synchronous {
		token, err := s.enqueue(ctx, JobGradeSubmission, submission.ID)
		if err == nil {
			response.TaskToken = &token
			return response, nil
		}
		s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("grading queue unavailable, grading inline")
	}

	if err := s.orchestrator.RunGrading(ctx, submission.ID, true); err != nil {
		s.logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("inline grading failed")
	}
	return s.withImmediateResult(ctx, response)
}

func (s *submissionService) GetSubmissionStatus(ctx context.Context, submissionID uint) (dto.SubmissionStatusResponse, error) {
	submission, err := s.submission(ctx, submissionID)
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}
	return dto.NewSubmissionStatusResponse(submission), nil
}

func (s *submissionService) GetFeedback(ctx context.Context, submissionID uint) (dto.FeedbackResponse, error) {
	submission, err := s.submission(ctx, submissionID)
	if err != nil {
		return dto.FeedbackResponse{}, err
	}
	if !submission.IsFinal {
		return dto.FeedbackResponse{}, ErrFeedbackNotOffered
	}

	if submission.Status == models.SubmissionStatusCompleted && submission.FeedbackStatus == models.FeedbackStatusNone && !submission.Feedback().HasFeedback() {
		if s.orchestrator.TriggerFeedback(ctx, submissionID) {
			if submission, err = s.submission(ctx, submissionID); err != nil {
				return dto.FeedbackResponse{}, err
			}
		}
	}

	return dto.NewFeedbackResponse(submission), nil
}

func (s *submissionService) RetryFeedback(ctx context.Context, submissionID uint) (dto.FeedbackResponse, error) {
	submission, err := s.submission(ctx, submissionID)
	if err != nil {
		return dto.FeedbackResponse{}, err
	}
	if !submission.IsFinal {
		return dto.FeedbackResponse{}, ErrFeedbackNotOffered
	}
	if submission.Status != models.SubmissionStatusCompleted {
		return dto.FeedbackResponse{}, ErrSubmissionNotCompleted
	}
	if submission.Feedback().HasFeedback() {
		return dto.NewFeedbackResponse(submission), nil
	}

	if s.orchestrator.RetriggerFeedback(ctx, submissionID) {
		if submission, err = s.submission(ctx, submissionID); err != nil {
			return dto.FeedbackResponse{}, err
		}
	}
	return dto.NewFeedbackResponse(submission), nil
}

func (s *submissionService) ListSubmissions(ctx context.Context, studentID uint, activityID *uint) ([]dto.SubmissionSummary, error) {
	submissions, err := s.submissions.List(ctx, repository.SubmissionFilter{
		StudentID:  studentID,
		ActivityID: activityID,
		FinalOnly:  true,
	})
	if err != nil {
		return nil, err
	}
	return dto.NewSubmissionSummaries(submissions), nil
}

func (s *submissionService) Snapshot(ctx context.Context, submissionID uint) (dto.SubmissionEvent, error) {
	submission, err := s.submission(ctx, submissionID)
	if err != nil {
		return dto.SubmissionEvent{}, err
	}
	return dto.NewSubmissionEvent(submission), nil
}

func (s *submissionService) create(ctx context.Context, studentID uint, payload dto.SubmitRequest, final bool) (models.Submission, error) {
	if err := s.validator.Struct(payload); err != nil {
		return models.Submission{}, err
	}
	language, err := executor.LookupLanguage(payload.Language)
	if err != nil {
		return models.Submission{}, err
	}

	exists, err := s.students.Exists(ctx, studentID)
	if err != nil {
		return models.Submission{}, err
	}
	if !exists {
		return models.Submission{}, ErrStudentNotFound
	}
	if _, err := s.activity(ctx, payload.ActivityID); err != nil {
		return models.Submission{}, err
	}

	submission := models.Submission{
		StudentID:  studentID,
		ActivityID: payload.ActivityID,
		Code:       payload.Code,
		Language:   language.Name,
		IsFinal:    final,
		Status:     models.SubmissionStatusPending,
		Result:     models.SubmissionResultPending,
	}
	if err := s.submissions.Create(ctx, &submission); err != nil {
		return models.Submission{}, fmt.Errorf("create submission: %w", err)
	}

	s.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("student_id", studentID).
		Uint("activity_id", payload.ActivityID).
		Bool("is_final", final).
		Msg("submission created")
	return submission, nil
}

func (s *submissionService) enqueue(ctx context.Context, job string, submissionID uint) (string, error) {
	if s.enqueuer == nil {
		return "", queue.ErrUnavailable
	}
	token, err := s.enqueuer.Enqueue(ctx, job, SubmissionJob{SubmissionID: submissionID})
	if err != nil {
		return "", err
	}
	if err := s.submissions.SetTaskToken(ctx, submissionID, token); err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", submissionID).Msg("failed to store task token")
	}
	return token, nil
}

func (s *submissionService) withImmediateResult(ctx context.Context, response dto.SubmitResponse) (dto.SubmitResponse, error) {
	submission, err := s.submission(ctx, response.SubmissionID)
	if err != nil {
		return dto.SubmitResponse{}, err
	}
	status := dto.NewSubmissionStatusResponse(submission)
	response.Status = submission.Status
	response.ImmediateResult = &status
	return response, nil
}

func (s *submissionService) activity(ctx context.Context, id uint) (models.Activity, error) {
	activity, err := s.activities.GetActiveByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Activity{}, ErrActivityNotFound
		}
		return models.Activity{}, err
	}
	return activity, nil
}

func (s *submissionService) submission(ctx context.Context, id uint) (models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}
	return submission, nil
}

func quickRunStatus(result executor.Result) string {
	if result.Status != "" {
		return result.Status
	}
	return result.Error
}
