package service

import "errors"

// ErrSubmissionNotFound indicates the submission cannot be located.
var ErrSubmissionNotFound = errors.New("submission not found")

// ErrActivityNotFound indicates the activity does not exist or is not active.
var ErrActivityNotFound = errors.New("activity not found")

// ErrStudentNotFound indicates the student cannot be located.
var ErrStudentNotFound = errors.New("student not found")

// ErrSubmissionNotCompleted is returned by feedback operations on ungraded submissions.
var ErrSubmissionNotCompleted = errors.New("submission not yet completed")

// ErrSubmissionForbidden indicates the caller does not own the submission.
var ErrSubmissionForbidden = errors.New("forbidden")

// ErrFeedbackNotOffered is returned by feedback operations on runs, which are never graded.
var ErrFeedbackNotOffered = errors.New("feedback is only generated for graded submissions")
