// Package errors provides error handling for dataqueue.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Typed sentinel errors for the job-queue surface
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := backend.CompleteJob(ctx, id, nil); err != nil {
//	    return errors.Wrap(err, "failed to complete job")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrJobNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllDetails = crdb.GetAllDetails
	GetAllHints   = crdb.GetAllHints
)

// Join combines multiple errors into one.
var Join = crdb.Join

// Sentinel errors for the job-queue surface.
// Use these with errors.Is() for type-safe error checking and wrap them
// with errors.Wrap() to add context while preserving the type.
var (
	// ErrJobNotFound indicates the requested job id does not exist
	ErrJobNotFound = New("job not found")

	// ErrTokenNotFound indicates the requested waitpoint token does not exist
	ErrTokenNotFound = New("waitpoint token not found")

	// ErrScheduleNotFound indicates the requested cron schedule does not exist
	ErrScheduleNotFound = New("cron schedule not found")

	// ErrDuplicateSchedule indicates a cron schedule with the same name already exists
	ErrDuplicateSchedule = New("cron schedule name already exists")

	// ErrInvalidCronExpression indicates a cron expression failed to parse
	ErrInvalidCronExpression = New("invalid cron expression")

	// ErrInvalidStatus indicates an operation was attempted against a job in
	// a status that does not permit it
	ErrInvalidStatus = New("invalid job status for operation")

	// ErrTxUnsupported indicates the backend does not support caller-supplied
	// transactions (the key-value backend rejects transactional enqueues)
	ErrTxUnsupported = New("backend does not support caller-supplied transactions")
)

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return err != nil && IsAny(err, ErrJobNotFound, ErrTokenNotFound, ErrScheduleNotFound)
}
