// Package fault defines the error taxonomy shared by every service in the
// renewal engine. Repositories and infrastructure return these kinds
// (optionally wrapped) so callers can branch on errors.Is without knowing
// which layer produced the failure.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input: negative periods, empty member lists.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks duplicate non-terminal renewals and the losing side of a
	// concurrent transition race.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks an unknown membership, renewal, or reminder.
	ErrNotFound = errors.New("not found")
	// ErrUpstream marks a pricing or notification collaborator failure that was
	// recovered locally via fallback or deferred retry.
	ErrUpstream = errors.New("upstream failure")
	// ErrPersistence marks a storage failure, fatal for the specific operation.
	ErrPersistence = errors.New("persistence failure")
)

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Upstream(format string, args ...any) error {
	return wrap(ErrUpstream, format, args...)
}

func Persistence(format string, args ...any) error {
	return wrap(ErrPersistence, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}

func IsValidation(err error) bool  { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool    { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsUpstream(err error) bool    { return errors.Is(err, ErrUpstream) }
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }
