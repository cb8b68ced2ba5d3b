package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// ValidationError is always client-caused.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

type RateLimitedError struct {
	IssueType  IssueType
	Attempts   int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("fix %s rate limited after %d attempts, retry after %s", e.IssueType, e.Attempts, e.RetryAfter)
}

// UnsupportedOperationError is returned for issue types that need manual handling.
type UnsupportedOperationError struct {
	IssueType IssueType
	Supported []IssueType
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("issue type %s cannot be auto-fixed", e.IssueType)
}

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
