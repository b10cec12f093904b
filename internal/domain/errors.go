package domain

import (
	"errors"
	"fmt"
)

// ValidationError is a rule violation in the caller's input; nothing was written.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a transition whose target was missing or not in the
// expected source state.
type ConflictError struct {
	AppointmentID int64
	Expected      AppointmentState
	Actual        AppointmentState
	NotFound      bool
}

func (e *ConflictError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("appointment %d not found", e.AppointmentID)
	}
	return fmt.Sprintf("appointment %d is %s, expected %s", e.AppointmentID, e.Actual, e.Expected)
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

type ForbiddenError struct {
	Required Role
	Actual   Role
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("role %q required, got %q", e.Required, e.Actual)
}

// RequireRole fails with ForbiddenError unless the actor holds role.
func RequireRole(actor Actor, role Role) error {
	if actor.Role != role {
		return &ForbiddenError{Required: role, Actual: actor.Role}
	}
	return nil
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
