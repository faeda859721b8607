package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps broker failures on enqueue. Callers treat it as the
// signal to run the job inline instead.
var ErrUnavailable = errors.New("task queue unavailable")

// Job is the unit stored on the broker.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// MaxAttempts is filled in by the runner from the registered policy.
	MaxAttempts int `json:"-"`
}

// Decode unmarshals the job payload into dst.
func (j Job) Decode(dst interface{}) error {
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Name, err))
	}
	return nil
}

// LastAttempt reports whether a failure of this attempt exhausts the retry budget.
func (j Job) LastAttempt() bool {
	return j.MaxAttempts <= 0 || j.Attempt >= j.MaxAttempts
}

// Enqueuer publishes jobs and returns a correlation token.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}) (string, error)
}

// Handler runs one attempt of a job.
type Handler func(ctx context.Context, job Job) error

// RetryPolicy bounds how often and how quickly a failed job is retried.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Timeout     time.Duration
}

func (p RetryPolicy) normalised() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retriable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}
