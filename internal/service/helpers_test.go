package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/executor"
)

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Professor{}, &models.Student{}, &models.Activity{}, &models.Submission{}))
	return db
}

func seedStudentAndActivity(t *testing.T, db *gorm.DB, activity models.Activity) (models.Student, models.Activity) {
	t.Helper()
	professor := models.Professor{EmployeeID: "EMP-1", Email: "prof@example.com", FirstName: "Grace", LastName: "Hopper"}
	require.NoError(t, db.Create(&professor).Error)

	student := models.Student{StudentNumber: "S-1", Email: "student@example.com", FirstName: "Linus", LastName: "Torvalds", IsActive: true}
	require.NoError(t, db.Create(&student).Error)

	activity.ProfessorID = professor.ID
	if activity.Title == "" {
		activity.Title = "Warm up"
	}
	activity.IsActive = true
	require.NoError(t, db.Create(&activity).Error)
	return student, activity
}

// stubGateway answers each request through respond and records calls.
type stubGateway struct {
	mu      sync.Mutex
	calls   []executor.Request
	respond func(req executor.Request) executor.Result
	awaited int
}

func (g *stubGateway) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	if _, err := executor.LookupLanguage(req.Language); err != nil {
		return executor.Result{}, err
	}
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	return g.respond(req), nil
}

func (g *stubGateway) Fetch(ctx context.Context, token string) executor.Result {
	return executor.Result{Token: token, StatusID: executor.StatusAccepted, Status: "Accepted", Success: true}
}

func (g *stubGateway) AwaitResult(ctx context.Context, token string, maxWait, interval time.Duration) executor.Result {
	g.mu.Lock()
	g.awaited++
	g.mu.Unlock()
	return g.Fetch(ctx, token)
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func accepted(stdout string) executor.Result {
	elapsed := 0.01
	memory := 1024
	return executor.Result{Success: true, StatusID: executor.StatusAccepted, Status: "Accepted", Stdout: stdout, Time: &elapsed, Memory: &memory}
}

func wrongAnswer(stdout string) executor.Result {
	return executor.Result{StatusID: executor.StatusWrongAnswer, Status: "Wrong Answer", Stdout: stdout}
}

// echoGateway prints the expected output of every case, optionally wrong for some inputs.
func echoGateway(wrongFor map[string]string) *stubGateway {
	return &stubGateway{respond: func(req executor.Request) executor.Result {
		if out, ok := wrongFor[req.Stdin]; ok {
			return wrongAnswer(out)
		}
		return accepted(req.ExpectedOutput + "\n")
	}}
}

type stubGenerator struct {
	mu     sync.Mutex
	calls  int
	inputs []ai.FeedbackInput
	result ai.FeedbackResult
}

func (g *stubGenerator) Generate(ctx context.Context, input ai.FeedbackInput) ai.FeedbackResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.inputs = append(g.inputs, input)
	result := g.result
	if result.Success && result.VerdictType == "" {
		result.VerdictType = ai.ClassifyVerdict(input.Result)
	}
	return result
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func successfulGenerator() *stubGenerator {
	return &stubGenerator{result: ai.FeedbackResult{Success: true, Feedback: "Nice work, consider naming variables.", ModelUsed: "test-model"}}
}

func factoryFor(generator ai.Generator) ai.Factory {
	return func() (ai.Generator, error) { return generator, nil }
}

func unconfiguredFactory() ai.Factory {
	return func() (ai.Generator, error) {
		return nil, fmt.Errorf("%w: a valid ai api key is required", ai.ErrNotConfigured)
	}
}

type enqueuedJob struct {
	name    string
	payload interface{}
}

type stubEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueuedJob
	err  error
}

func (e *stubEnqueuer) Enqueue(ctx context.Context, name string, payload interface{}) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, enqueuedJob{name: name, payload: payload})
	return fmt.Sprintf("task-%d", len(e.jobs)), nil
}

func (e *stubEnqueuer) named(name string) []enqueuedJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	var jobs []enqueuedJob
	for _, job := range e.jobs {
		if job.name == name {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func unavailableEnqueuer() *stubEnqueuer {
	return &stubEnqueuer{err: fmt.Errorf("%w: dial tcp: connection refused", queue.ErrUnavailable)}
}

type fixture struct {
	db           *gorm.DB
	submissions  repository.SubmissionRepository
	gateway      *stubGateway
	enqueuer     *stubEnqueuer
	orchestrator *Orchestrator
	service      SubmissionService
	student      models.Student
	activity     models.Activity
}

func newFixture(t *testing.T, activity models.Activity, gateway *stubGateway, generators ai.Factory, enqueuer *stubEnqueuer) fixture {
	t.Helper()
	db := setupServiceDB(t)
	student, activity := seedStudentAndActivity(t, db, activity)

	submissions := repository.NewSubmissionRepository(db)
	evaluator := NewTestEvaluator(gateway, EvaluatorConfig{TimeLimit: 5 * time.Second, MemoryLimitKB: 128000, MaxWait: time.Second, PollInterval: time.Millisecond}, zerolog.Nop())

	var enq queue.Enqueuer
	if enqueuer != nil {
		enq = enqueuer
	}
	orchestrator := NewOrchestrator(submissions, evaluator, generators, enq, nil, zerolog.Nop())
	svc := NewSubmissionService(submissions, repository.NewActivityRepository(db), repository.NewStudentRepository(db), orchestrator, evaluator, enq, validator.New(validator.WithRequiredStructEnabled()), zerolog.Nop())

	return fixture{
		db:           db,
		submissions:  submissions,
		gateway:      gateway,
		enqueuer:     enqueuer,
		orchestrator: orchestrator,
		service:      svc,
		student:      student,
		activity:     activity,
	}
}

func (f fixture) createPending(t *testing.T, code string) models.Submission {
	t.Helper()
	return f.create(t, code, true)
}

func (f fixture) createRun(t *testing.T, code string) models.Submission {
	t.Helper()
	return f.create(t, code, false)
}

func (f fixture) create(t *testing.T, code string, final bool) models.Submission {
	t.Helper()
	submission := models.Submission{
		StudentID:  f.student.ID,
		ActivityID: f.activity.ID,
		Code:       code,
		Language:   "python",
		IsFinal:    final,
		Status:     models.SubmissionStatusPending,
		Result:     models.SubmissionResultPending,
	}
	require.NoError(t, f.submissions.Create(context.Background(), &submission))
	return submission
}

func (f fixture) reload(t *testing.T, id uint) models.Submission {
	t.Helper()
	submission, err := f.submissions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return submission
}
