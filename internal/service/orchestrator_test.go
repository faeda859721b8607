package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/executor"
)

func TestRunGradingPassingSubmission(t *testing.T) {
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		return accepted("2\n")
	}}
	enqueuer := &stubEnqueuer{}
	f := newFixture(t, models.Activity{TestCases: []models.TestCase{{Input: "", ExpectedOutput: "2"}}}, gateway, factoryFor(successfulGenerator()), enqueuer)

	submission := f.createPending(t, "print(1+1)")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	graded := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusCompleted, graded.Status)
	require.Equal(t, models.SubmissionResultPass, graded.Result)
	require.Equal(t, 100, graded.Score)
	require.Equal(t, "2", graded.Output)
	require.Empty(t, graded.ErrorMessage)
	require.Len(t, graded.TestResults, 1)
	require.True(t, graded.TestResults[0].Passed)
	require.NotNil(t, graded.ExecutionTime)

	jobs := enqueuer.named(JobGenerateFeedback)
	require.Len(t, jobs, 1)
	require.Equal(t, SubmissionJob{SubmissionID: submission.ID}, jobs[0].payload)
	require.Equal(t, models.FeedbackStatusGenerating, graded.FeedbackStatus)
}

func TestRunGradingWrongOutputFails(t *testing.T) {
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		return wrongAnswer("3\n")
	}}
	f := newFixture(t, models.Activity{TestCases: []models.TestCase{{ExpectedOutput: "2"}}}, gateway, factoryFor(successfulGenerator()), &stubEnqueuer{})

	submission := f.createPending(t, "print(3)")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	graded := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusCompleted, graded.Status)
	require.Equal(t, models.SubmissionResultFail, graded.Result)
	require.Equal(t, 0, graded.Score)
	require.False(t, graded.TestResults[0].Passed)
	require.Equal(t, "3", graded.TestResults[0].ActualOutput)
}

func TestRunGradingAllTimeoutsIsError(t *testing.T) {
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		return executor.Result{Error: "Timeout", Details: "Execution took too long"}
	}}
	enqueuer := &stubEnqueuer{}
	f := newFixture(t, models.Activity{TestCases: []models.TestCase{{ExpectedOutput: "1"}, {ExpectedOutput: "2"}}}, gateway, factoryFor(successfulGenerator()), enqueuer)

	submission := f.createPending(t, "while True: pass")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	graded := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusCompleted, graded.Status)
	require.Equal(t, models.SubmissionResultError, graded.Result)
	require.Equal(t, 0, graded.Score)
	require.Contains(t, graded.ErrorMessage, "Test 1: Timeout")
	require.Contains(t, graded.ErrorMessage, "Test 2: Timeout")
	require.Len(t, enqueuer.named(JobGenerateFeedback), 1)
}

func TestRunGradingWithoutTestCasesUsesExpectedOutput(t *testing.T) {
	gateway := echoGateway(nil)
	f := newFixture(t, models.Activity{ExpectedOutput: "hello"}, gateway, factoryFor(successfulGenerator()), &stubEnqueuer{})

	submission := f.createPending(t, "print('hello')")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	graded := f.reload(t, submission.ID)
	require.Equal(t, 1, graded.TotalTests())
	require.Equal(t, 100, graded.Score)
	require.Len(t, gateway.calls, 1)
	require.Equal(t, "", gateway.calls[0].Stdin)
	require.Equal(t, "hello", gateway.calls[0].ExpectedOutput)
}

func TestRunGradingSkipsTerminalSubmissions(t *testing.T) {
	gateway := echoGateway(nil)
	f := newFixture(t, models.Activity{ExpectedOutput: "x"}, gateway, factoryFor(successfulGenerator()), &stubEnqueuer{})

	submission := f.createPending(t, "print('x')")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	require.Equal(t, 1, gateway.callCount())
}

func TestRunGradingMissingSubmissionIsPermanent(t *testing.T) {
	f := newFixture(t, models.Activity{ExpectedOutput: "x"}, echoGateway(nil), factoryFor(successfulGenerator()), &stubEnqueuer{})

	err := f.orchestrator.RunGrading(context.Background(), 9999, false)
	require.ErrorIs(t, err, ErrSubmissionNotFound)
	require.True(t, queue.IsPermanent(err))
}

func TestRunGradingUnsupportedLanguageFailsPermanently(t *testing.T) {
	gateway := echoGateway(nil)
	f := newFixture(t, models.Activity{ExpectedOutput: "x"}, gateway, factoryFor(successfulGenerator()), &stubEnqueuer{})

	submission := f.createPending(t, "DISPLAY 'x'")
	require.NoError(t, f.db.Model(&models.Submission{}).Where("id = ?", submission.ID).Update("language", "cobol").Error)

	err := f.orchestrator.RunGrading(context.Background(), submission.ID, false)
	require.ErrorIs(t, err, executor.ErrUnsupportedLanguage)
	require.True(t, queue.IsPermanent(err))

	failed := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusFailed, failed.Status)
	require.Equal(t, models.SubmissionResultError, failed.Result)
	require.Contains(t, failed.ErrorMessage, "unsupported language")
	require.Zero(t, gateway.callCount())
}

func TestRunGradingTransientFailureKeepsRunningUntilLastAttempt(t *testing.T) {
	var cancel context.CancelFunc
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		cancel()
		return accepted("1")
	}}
	enqueuer := &stubEnqueuer{}
	f := newFixture(t, models.Activity{TestCases: []models.TestCase{{ExpectedOutput: "1"}, {ExpectedOutput: "2"}}}, gateway, factoryFor(successfulGenerator()), enqueuer)
	submission := f.createPending(t, "print(1)")

	var ctx context.Context
	ctx, cancel = context.WithCancel(context.Background())
	err := f.orchestrator.RunGrading(ctx, submission.ID, false)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, queue.IsPermanent(err))

	retrying := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusRunning, retrying.Status)
	require.Equal(t, models.SubmissionResultPending, retrying.Result)
	require.Equal(t, context.Canceled.Error(), retrying.ErrorMessage)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	err = f.orchestrator.RunGrading(ctx, submission.ID, true)
	require.ErrorIs(t, err, context.Canceled)

	failed := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusFailed, failed.Status)
	require.Equal(t, models.SubmissionResultError, failed.Result)
	require.NotEmpty(t, failed.ErrorMessage)
	require.Empty(t, enqueuer.named(JobGenerateFeedback))
}

func TestRunGradingFallsBackToInlineFeedback(t *testing.T) {
	generator := successfulGenerator()
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), factoryFor(generator), unavailableEnqueuer())

	submission := f.createPending(t, "print(2)")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	graded := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionResultPass, graded.Result)
	require.Equal(t, 1, generator.callCount())
	require.Equal(t, models.FeedbackStatusReady, graded.FeedbackStatus)
	require.True(t, graded.Feedback().HasFeedback())
	require.Equal(t, string(ai.VerdictAccepted), *graded.Feedback().VerdictType)
}

func TestRunGradingFeedbackFailureDoesNotUndoGrade(t *testing.T) {
	generator := &stubGenerator{result: ai.FeedbackResult{Success: false, Error: "upstream 503"}}
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), factoryFor(generator), unavailableEnqueuer())

	submission := f.createPending(t, "print(2)")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	graded := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusCompleted, graded.Status)
	require.Equal(t, models.SubmissionResultPass, graded.Result)
	require.Equal(t, models.FeedbackStatusError, graded.FeedbackStatus)
	require.Equal(t, "upstream 503", *graded.Feedback().Error)
	require.Nil(t, graded.Feedback().GeneratedAt)
}

func TestRunFeedbackIsIdempotent(t *testing.T) {
	generator := successfulGenerator()
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), factoryFor(generator), &stubEnqueuer{})

	submission := f.createPending(t, "print(2)")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	first, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, false)
	require.NoError(t, err)
	require.True(t, first.Generated)
	stored := *first.Submission.Feedback().Feedback

	second, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, false)
	require.NoError(t, err)
	require.True(t, second.AlreadyReady)
	require.Equal(t, stored, *second.Submission.Feedback().Feedback)
	require.Equal(t, 1, generator.callCount())
}

func TestRunFeedbackRequiresCompletedGrading(t *testing.T) {
	generator := successfulGenerator()
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), factoryFor(generator), &stubEnqueuer{})

	submission := f.createPending(t, "print(2)")
	outcome, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, false)
	require.NoError(t, err)
	require.True(t, outcome.NotCompleted)
	require.Zero(t, generator.callCount())
}

func TestRunFeedbackConfigurationErrorIsPermanent(t *testing.T) {
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), unconfiguredFactory(), &stubEnqueuer{})

	submission := f.createPending(t, "print(2)")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	_, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, false)
	require.ErrorIs(t, err, ai.ErrNotConfigured)
	require.True(t, queue.IsPermanent(err))

	stored := f.reload(t, submission.ID)
	require.Equal(t, models.FeedbackStatusError, stored.FeedbackStatus)
	require.Contains(t, *stored.Feedback().Error, "api key")
	require.True(t, stored.Feedback().Failed())
}

func TestRunFeedbackSeparatesConfigurationFromTransientFailures(t *testing.T) {
	failOnce := func(t *testing.T, generators ai.Factory) models.Submission {
		f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), generators, &stubEnqueuer{})
		submission := f.createPending(t, "print(2)")
		require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))
		_, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, false)
		require.Error(t, err)
		return f.reload(t, submission.ID)
	}

	var configError, retrying models.Submission
	t.Run("configuration", func(t *testing.T) {
		configError = failOnce(t, unconfiguredFactory())
	})
	t.Run("transient", func(t *testing.T) {
		retrying = failOnce(t, factoryFor(&stubGenerator{result: ai.FeedbackResult{Success: false, Error: "openai generate: 503"}}))
	})

	require.Equal(t, models.FeedbackStatusError, configError.FeedbackStatus)
	require.Equal(t, models.FeedbackStatusError, *configError.Feedback().Status)
	require.Equal(t, models.FeedbackStatusGenerating, retrying.FeedbackStatus)
	require.Nil(t, retrying.Feedback().Status)
	require.Equal(t, "openai generate: 503", *retrying.Feedback().Error)

	require.Equal(t, dto.FeedbackStateError, dto.NewFeedbackResponse(configError).Status)
	require.Equal(t, dto.FeedbackStateGenerating, dto.NewFeedbackResponse(retrying).Status)
	require.True(t, dto.NewSubmissionEvent(configError).Settled())
	require.False(t, dto.NewSubmissionEvent(retrying).Settled())
}

func TestRunFeedbackFinalAttemptSettlesTransientFailure(t *testing.T) {
	generator := &stubGenerator{result: ai.FeedbackResult{Success: false, Error: "openai generate: 503"}}
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), factoryFor(generator), &stubEnqueuer{})

	submission := f.createPending(t, "print(2)")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	_, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, true)
	require.Error(t, err)

	stored := f.reload(t, submission.ID)
	require.Equal(t, models.FeedbackStatusError, stored.FeedbackStatus)
	require.True(t, stored.Feedback().Failed())
	require.Equal(t, "openai generate: 503", *stored.Feedback().Error)
}

func TestRunFeedbackRejectedCredentialIsPermanent(t *testing.T) {
	cause := fmt.Errorf("openai generate: %w: status 401", ai.ErrNotConfigured)
	generator := &stubGenerator{result: ai.FeedbackResult{Success: false, Error: cause.Error(), Err: cause}}
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), factoryFor(generator), &stubEnqueuer{})

	submission := f.createPending(t, "print(2)")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	_, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, false)
	require.ErrorIs(t, err, ai.ErrNotConfigured)
	require.True(t, queue.IsPermanent(err))

	stored := f.reload(t, submission.ID)
	require.Equal(t, models.FeedbackStatusError, stored.FeedbackStatus)
	require.True(t, stored.Feedback().Failed())
}

func TestRunFeedbackSkipsRuns(t *testing.T) {
	generator := successfulGenerator()
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), factoryFor(generator), &stubEnqueuer{})

	submission := f.createRun(t, "print(2)")
	require.NoError(t, f.orchestrator.RunQuick(context.Background(), submission.ID, false))
	require.Equal(t, models.SubmissionStatusCompleted, f.reload(t, submission.ID).Status)

	outcome, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, true)
	require.NoError(t, err)
	require.True(t, outcome.NotFinal)
	require.Zero(t, generator.callCount())
	require.Equal(t, models.FeedbackStatusNone, f.reload(t, submission.ID).FeedbackStatus)
}

func TestRunFeedbackGenerationFailureIsRetriable(t *testing.T) {
	generator := &stubGenerator{result: ai.FeedbackResult{Success: false, Error: "rate limited"}}
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), factoryFor(generator), &stubEnqueuer{})

	submission := f.createPending(t, "print(2)")
	require.NoError(t, f.orchestrator.RunGrading(context.Background(), submission.ID, false))

	_, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, false)
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))

	pending := f.reload(t, submission.ID)
	require.Equal(t, models.FeedbackStatusGenerating, pending.FeedbackStatus)
	require.Equal(t, "rate limited", *pending.Feedback().Error)
	require.Nil(t, pending.Feedback().Status)
	require.False(t, pending.Feedback().Failed())

	generator.mu.Lock()
	generator.result = ai.FeedbackResult{Success: true, Feedback: "Better now", ModelUsed: "test-model"}
	generator.mu.Unlock()

	outcome, err := f.orchestrator.RunFeedback(context.Background(), submission.ID, false)
	require.NoError(t, err)
	require.True(t, outcome.Generated)

	stored := f.reload(t, submission.ID)
	require.Equal(t, models.FeedbackStatusReady, stored.FeedbackStatus)
	require.Nil(t, stored.Feedback().Error)
	require.NotNil(t, stored.Feedback().GeneratedAt)
}

func TestTriggerFeedbackClaimsOnce(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	f := newFixture(t, models.Activity{ExpectedOutput: "2"}, echoGateway(nil), factoryFor(successfulGenerator()), enqueuer)

	submission := f.createPending(t, "print(2)")
	require.NoError(t, f.db.Model(&models.Submission{}).Where("id = ?", submission.ID).Updates(map[string]interface{}{
		"status": models.SubmissionStatusCompleted,
		"result": models.SubmissionResultPass,
	}).Error)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.orchestrator.TriggerFeedback(context.Background(), submission.ID) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Len(t, enqueuer.named(JobGenerateFeedback), 1)
}

func TestRunQuickUsesSampleInputWithoutScoring(t *testing.T) {
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		return accepted("echo:" + req.Stdin)
	}}
	enqueuer := &stubEnqueuer{}
	f := newFixture(t, models.Activity{TestCases: []models.TestCase{{Input: "first", ExpectedOutput: "a"}, {Input: "second", ExpectedOutput: "b"}}}, gateway, factoryFor(successfulGenerator()), enqueuer)

	submission := f.createPending(t, "print(input())")
	require.NoError(t, f.orchestrator.RunQuick(context.Background(), submission.ID, false))

	ran := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionStatusCompleted, ran.Status)
	require.Equal(t, models.SubmissionResultPass, ran.Result)
	require.Equal(t, 0, ran.Score)
	require.Equal(t, "echo:first", ran.Output)
	require.Empty(t, ran.TestResults)
	require.Len(t, gateway.calls, 1)
	require.Equal(t, "", gateway.calls[0].ExpectedOutput)
	require.Empty(t, enqueuer.named(JobGenerateFeedback))
}

func TestRunQuickGatewayFailureIsError(t *testing.T) {
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		return executor.Result{Error: "API Error: 502", Details: "bad gateway"}
	}}
	f := newFixture(t, models.Activity{ExpectedOutput: "x"}, gateway, factoryFor(successfulGenerator()), &stubEnqueuer{})

	submission := f.createPending(t, "print(1)")
	require.NoError(t, f.orchestrator.RunQuick(context.Background(), submission.ID, false))

	ran := f.reload(t, submission.ID)
	require.Equal(t, models.SubmissionResultError, ran.Result)
	require.Equal(t, "API Error: 502: bad gateway", ran.ErrorMessage)
}

func TestBuildFeedbackInputPrefersFirstFailedCase(t *testing.T) {
	failedErr := "boom"
	submission := models.Submission{
		Result: models.SubmissionResultFail,
		Code:   "print(x)",
		TestResults: []models.TestCaseResult{
			{TestCase: 1, ExpectedOutput: "1", ActualOutput: "1", Passed: true},
			{TestCase: 2, ExpectedOutput: "2", ActualOutput: "3", Error: &failedErr},
			{TestCase: 3, ExpectedOutput: "4", ActualOutput: "5"},
		},
		Activity: models.Activity{ProblemStatement: "<p>Print</p>", ExpectedOutput: "fallback"},
	}

	input := BuildFeedbackInput(submission)
	require.Equal(t, "2", input.ExpectedOutput)
	require.Equal(t, "3", input.ActualOutput)
	require.Equal(t, "<p>Print</p>", input.ProblemStatement)

	submission.TestResults = submission.TestResults[:1]
	input = BuildFeedbackInput(submission)
	require.Equal(t, "1", input.ExpectedOutput)

	submission.TestResults = nil
	submission.Output = "out"
	input = BuildFeedbackInput(submission)
	require.Equal(t, "fallback", input.ExpectedOutput)
	require.Equal(t, "out", input.ActualOutput)
}
