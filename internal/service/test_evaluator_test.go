package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/executor"
)

func newEvaluator(gateway executor.Gateway) *TestEvaluator {
	return NewTestEvaluator(gateway, EvaluatorConfig{TimeLimit: 5 * time.Second, MemoryLimitKB: 128000, MaxWait: time.Second, PollInterval: time.Millisecond}, zerolog.Nop())
}

func TestTestEvaluatorRunsCasesInOrder(t *testing.T) {
	gateway := echoGateway(map[string]string{"2": "wrong"})
	evaluator := newEvaluator(gateway)

	cases := []models.TestCase{
		{Input: "1", ExpectedOutput: "one"},
		{Input: "2", ExpectedOutput: "two"},
		{Input: "3", ExpectedOutput: "three"},
	}
	report, err := evaluator.RunAll(context.Background(), "print(x)", "python", cases)
	require.NoError(t, err)

	require.Equal(t, 3, report.Total)
	require.Equal(t, 2, report.Passed)
	require.Equal(t, 67, report.Score)
	require.False(t, report.AllPassed())
	require.Equal(t, models.SubmissionResultFail, report.Result())

	require.Len(t, gateway.calls, 3)
	for i, call := range gateway.calls {
		require.Equal(t, cases[i].Input, call.Stdin)
		require.True(t, call.Wait)
		require.Equal(t, 5*time.Second, call.TimeLimit)
		require.Equal(t, 128000, call.MemoryLimitKB)
	}
	for i, result := range report.Results {
		require.Equal(t, i+1, result.TestCase)
	}
	require.Equal(t, "wrong", report.Results[1].ActualOutput)
	require.False(t, report.Results[1].Passed)
	require.False(t, report.Results[1].Errored)
}

func TestTestEvaluatorTrimsOuterWhitespaceOnly(t *testing.T) {
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		return accepted("  a  b \n")
	}}
	evaluator := newEvaluator(gateway)

	report, err := evaluator.RunAll(context.Background(), "x", "python", []models.TestCase{
		{ExpectedOutput: "a  b"},
		{ExpectedOutput: "a b"},
	})
	require.NoError(t, err)
	require.True(t, report.Results[0].Passed)
	require.False(t, report.Results[1].Passed)
	require.Equal(t, 50, report.Score)
}

func TestTestEvaluatorGatewayFailureIsErrored(t *testing.T) {
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		return executor.Result{Error: "Timeout", Details: "Execution took too long"}
	}}
	evaluator := newEvaluator(gateway)

	report, err := evaluator.RunAll(context.Background(), "x", "python", []models.TestCase{{ExpectedOutput: "2"}, {ExpectedOutput: "3"}})
	require.NoError(t, err)
	require.Equal(t, 2, report.Errored)
	require.Equal(t, 0, report.Score)
	require.Equal(t, models.SubmissionResultError, report.Result())
	require.Equal(t, "Test 1: Timeout: Execution took too long\nTest 2: Timeout: Execution took too long", report.ErrorSummary())
}

func TestTestEvaluatorCapturesDiagnosticInPriorityOrder(t *testing.T) {
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		return executor.Result{StatusID: executor.StatusCompilationError, Status: "Compilation Error", CompileOutput: "SyntaxError", Message: "exit 1"}
	}}
	evaluator := newEvaluator(gateway)

	report, err := evaluator.RunAll(context.Background(), "x", "python", []models.TestCase{{ExpectedOutput: "2"}})
	require.NoError(t, err)
	require.Equal(t, models.SubmissionResultFail, report.Result())
	require.NotNil(t, report.Results[0].Error)
	require.Equal(t, "SyntaxError", *report.Results[0].Error)
	require.Equal(t, "Compilation Error", report.Results[0].Status)
}

func TestTestEvaluatorRejectsUnsupportedLanguage(t *testing.T) {
	gateway := echoGateway(nil)
	evaluator := newEvaluator(gateway)

	_, err := evaluator.RunAll(context.Background(), "x", "cobol", []models.TestCase{{ExpectedOutput: "2"}})
	require.ErrorIs(t, err, executor.ErrUnsupportedLanguage)
	require.Zero(t, gateway.callCount())
}

func TestTestEvaluatorAwaitsPendingResults(t *testing.T) {
	gateway := &stubGateway{respond: func(req executor.Request) executor.Result {
		return executor.Result{Token: "tok", StatusID: executor.StatusInQueue, Status: "In Queue"}
	}}
	evaluator := newEvaluator(gateway)

	result, err := evaluator.Execute(context.Background(), executor.Request{SourceCode: "x", Language: "python"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, gateway.awaited)
}

func TestTestEvaluatorStopsOnCancelledContext(t *testing.T) {
	gateway := echoGateway(nil)
	evaluator := newEvaluator(gateway)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.RunAll(ctx, "x", "python", []models.TestCase{{ExpectedOutput: "2"}})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, gateway.callCount())
}
