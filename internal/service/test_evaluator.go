package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/pkg/executor"
)

// EvaluatorConfig bounds each test case execution.
type EvaluatorConfig struct {
	TimeLimit     time.Duration
	MemoryLimitKB int
	MaxWait       time.Duration
	PollInterval  time.Duration
}

// GradingReport aggregates the per-case outcomes of one evaluation.
type GradingReport struct {
	Results []models.TestCaseResult
	Passed  int
	Errored int
	Total   int
	Score   int
}

// AllPassed reports whether every test case passed.
func (r GradingReport) AllPassed() bool {
	return r.Passed == r.Total
}

// Result maps the report to a submission result: pass when every case passed,
// error when any case could not be executed, fail otherwise.
func (r GradingReport) Result() string {
	switch {
	case r.AllPassed():
		return models.SubmissionResultPass
	case r.Errored > 0:
		return models.SubmissionResultError
	default:
		return models.SubmissionResultFail
	}
}

// ErrorSummary joins per-case errors as "Test N: ..." lines.
func (r GradingReport) ErrorSummary() string {
	lines := make([]string, 0, len(r.Results))
	for _, result := range r.Results {
		if result.Error != nil && *result.Error != "" {
			lines = append(lines, fmt.Sprintf("Test %d: %s", result.TestCase, *result.Error))
		}
	}
	return strings.Join(lines, "\n")
}

// FirstOutput is the actual output of the first case.
func (r GradingReport) FirstOutput() string {
	if len(r.Results) == 0 {
		return ""
	}
	return r.Results[0].ActualOutput
}

// TestEvaluator runs a submission against test cases through the gateway.
type TestEvaluator struct {
	gateway executor.Gateway
	cfg     EvaluatorConfig
	logger  zerolog.Logger
}

// NewTestEvaluator constructs an evaluator.
func NewTestEvaluator(gateway executor.Gateway, cfg EvaluatorConfig, logger zerolog.Logger) *TestEvaluator {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &TestEvaluator{
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With().Str("component", "test_evaluator").Logger(),
	}
}

// RunAll executes the cases strictly in order, one gateway call each. It only
// returns an error for validation failures or a cancelled context.
func (e *TestEvaluator) RunAll(ctx context.Context, code, language string, cases []models.TestCase) (GradingReport, error) {
	report := GradingReport{
		Results: make([]models.TestCaseResult, 0, len(cases)),
		Total:   len(cases),
	}

	for i, testCase := range cases {
		if err := ctx.Err(); err != nil {
			return GradingReport{}, err
		}

		result, err := e.Execute(ctx, executor.Request{
			SourceCode:     code,
			Language:       language,
			Stdin:          testCase.Input,
			ExpectedOutput: testCase.ExpectedOutput,
		})
		if err != nil {
			return GradingReport{}, err
		}

		caseResult := compareOutput(i+1, testCase, result)
		if caseResult.Passed {
			report.Passed++
		}
		if caseResult.Errored {
			report.Errored++
		}
		report.Results = append(report.Results, caseResult)
	}

	if report.Total > 0 {
		report.Score = int(math.Round(float64(report.Passed) / float64(report.Total) * 100))
	}

	e.logger.Debug().
		Int("passed", report.Passed).
		Int("errored", report.Errored).
		Int("total", report.Total).
		Msg("evaluation finished")
	return report, nil
}

// Execute runs one request with the configured limits and waits for the
// outcome, polling when the judge answers before the run finished.
func (e *TestEvaluator) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	req.Wait = true
	if req.TimeLimit <= 0 {
		req.TimeLimit = e.cfg.TimeLimit
	}
	if req.MemoryLimitKB <= 0 {
		req.MemoryLimitKB = e.cfg.MemoryLimitKB
	}

	result, err := e.gateway.Execute(ctx, req)
	if err != nil {
		return executor.Result{}, err
	}
	if result.Pending() && result.Token != "" {
		result = e.gateway.AwaitResult(ctx, result.Token, e.cfg.MaxWait, e.cfg.PollInterval)
	}
	return result, nil
}

func compareOutput(index int, testCase models.TestCase, result executor.Result) models.TestCaseResult {
	expected := strings.TrimSpace(testCase.ExpectedOutput)
	actual := strings.TrimSpace(result.Stdout)

	caseResult := models.TestCaseResult{
		TestCase:       index,
		Input:          testCase.Input,
		ExpectedOutput: expected,
		ActualOutput:   actual,
		ExecutionTime:  result.Time,
		Memory:         result.Memory,
		Status:         result.Status,
	}

	if result.Failed() {
		caseResult.Errored = true
		caseResult.Status = result.Error
		message := result.Error
		if result.Details != "" {
			message += ": " + result.Details
		}
		caseResult.Error = &message
		return caseResult
	}

	caseResult.Passed = actual == expected
	if !caseResult.Passed {
		if diagnostic := result.Diagnostic(); diagnostic != "" {
			caseResult.Error = &diagnostic
		}
	}
	return caseResult
}
