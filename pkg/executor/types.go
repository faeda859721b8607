package executor

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedLanguage is returned when a language has no provider mapping.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Judge0 status identifiers. The local docker gateway reports the same ids.
const (
	StatusInQueue           = 1
	StatusProcessing        = 2
	StatusAccepted          = 3
	StatusWrongAnswer       = 4
	StatusTimeLimitExceeded = 5
	StatusCompilationError  = 6
	StatusRuntimeError      = 11
	StatusInternalError     = 13
)

// Gateway executes untrusted source code on a remote (or sandboxed) judge.
//
// Remote failures are never returned as errors: they come back as a Result with
// Success=false and Error/Details populated. Execute returns an error only for
// request validation failures such as ErrUnsupportedLanguage.
type Gateway interface {
	Execute(ctx context.Context, req Request) (Result, error)
	Fetch(ctx context.Context, token string) Result
	AwaitResult(ctx context.Context, token string, maxWait, interval time.Duration) Result
}

// Request describes a single execution.
type Request struct {
	SourceCode     string
	Language       string
	Stdin          string
	ExpectedOutput string
	TimeLimit      time.Duration
	MemoryLimitKB  int
	Wait           bool
}

// Result is the normalised outcome of an execution.
type Result struct {
	Success       bool     `json:"success"`
	StatusID      int      `json:"status_id"`
	Status        string   `json:"status"`
	Stdout        string   `json:"stdout"`
	Stderr        string   `json:"stderr"`
	CompileOutput string   `json:"compile_output"`
	Message       string   `json:"message"`
	Time          *float64 `json:"time"`
	Memory        *int     `json:"memory"`
	ExitCode      *int     `json:"exit_code"`
	Token         string   `json:"token,omitempty"`
	Error         string   `json:"error,omitempty"`
	Details       string   `json:"details,omitempty"`
}

// Pending reports whether the judge is still working on the submission.
func (r Result) Pending() bool {
	return r.StatusID == StatusInQueue || r.StatusID == StatusProcessing
}

// Failed reports whether the gateway itself could not produce an execution
// outcome (transport error, non-2xx response, poll timeout).
func (r Result) Failed() bool {
	return r.Error != ""
}

// Diagnostic returns the first non-empty of stderr, compile output and message.
func (r Result) Diagnostic() string {
	switch {
	case r.Stderr != "":
		return r.Stderr
	case r.CompileOutput != "":
		return r.CompileOutput
	default:
		return r.Message
	}
}

func failure(kind, details string) Result {
	return Result{Success: false, Error: kind, Details: details}
}
