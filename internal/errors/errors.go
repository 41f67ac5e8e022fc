// Package errors provides error handling for vigil.
//
// It re-exports github.com/cockroachdb/errors and defines the engine's error
// taxonomy as marked sentinels. Callers classify failures with errors.Is or
// the Is* helpers:
//
//	if errors.IsDuplicate(err) {
//	    // retried append, safe no-op
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New         = crdb.New
	Newf        = crdb.Newf
	Wrap        = crdb.Wrap
	Wrapf       = crdb.Wrapf
	WithStack   = crdb.WithStack
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
	Mark        = crdb.Mark
	Combine     = crdb.CombineErrors
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	FlattenHints  = crdb.FlattenHints
	GetAllDetails = crdb.GetAllDetails
)

// Sentinels. Wrap or mark these; never compare error strings.
var (
	// ErrValidation marks malformed input rejected before any state mutation.
	ErrValidation = New("validation failed")

	// ErrDuplicate marks an idempotency violation. Retrying is a safe no-op.
	ErrDuplicate = New("duplicate")

	// ErrNotFound marks a lookup of an unknown actor or subject.
	ErrNotFound = New("not found")

	// ErrEmptyIndex marks a retrieval against a store with no patterns yet.
	ErrEmptyIndex = New("empty index")

	// ErrConsolidationConflict marks a concurrent consolidation of the same
	// subject and window. The caller retries after backoff.
	ErrConsolidationConflict = New("consolidation conflict")
)

// Validationf returns a formatted error marked as ErrValidation.
func Validationf(format string, args ...any) error {
	return crdb.Mark(crdb.NewWithDepthf(1, format, args...), ErrValidation)
}

// Duplicatef returns a formatted error marked as ErrDuplicate.
func Duplicatef(format string, args ...any) error {
	return crdb.Mark(crdb.NewWithDepthf(1, format, args...), ErrDuplicate)
}

// NotFoundf returns a formatted error marked as ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return crdb.Mark(crdb.NewWithDepthf(1, format, args...), ErrNotFound)
}

// EmptyIndexf returns a formatted error marked as ErrEmptyIndex.
func EmptyIndexf(format string, args ...any) error {
	return crdb.Mark(crdb.NewWithDepthf(1, format, args...), ErrEmptyIndex)
}

// Conflictf returns a formatted error marked as ErrConsolidationConflict.
func Conflictf(format string, args ...any) error {
	return crdb.Mark(crdb.NewWithDepthf(1, format, args...), ErrConsolidationConflict)
}

func IsValidation(err error) bool { return err != nil && Is(err, ErrValidation) }
func IsDuplicate(err error) bool  { return err != nil && Is(err, ErrDuplicate) }
func IsNotFound(err error) bool   { return err != nil && Is(err, ErrNotFound) }
func IsEmptyIndex(err error) bool { return err != nil && Is(err, ErrEmptyIndex) }
func IsConflict(err error) bool   { return err != nil && Is(err, ErrConsolidationConflict) }
