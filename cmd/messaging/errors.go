package messaging

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind MUST be one of the sentinel kinds when applicable (ErrInvalidInput, ErrNotFound, ...).
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// NotAuthenticatedError reports an operation attempted without a caller identity.
type NotAuthenticatedError struct {
	Op string
}

func (e NotAuthenticatedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, ErrNotAuthenticated)
}

func (e NotAuthenticatedError) Unwrap() error { return ErrNotAuthenticated }

// ConflictError reports a uniqueness/constraint conflict for a specific logical field.
// Field is a stable logical name: "participant_pair", "client_msg_id".
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// PersistenceError wraps a backend read/write failure.
// errors.Is(err, ErrPersistence) holds, and the backend cause stays reachable via errors.As.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrPersistence)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

func (e PersistenceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPersistence}
	}
	return []error{ErrPersistence, e.Err}
}

// UploadError wraps an attachment upload failure.
type UploadError struct {
	Op  string
	Err error
}

func (e UploadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrUpload)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUpload, e.Err)
}

func (e UploadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpload}
	}
	return []error{ErrUpload, e.Err}
}

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func notFound(op, msg string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: msg}
}

// persistence wraps err unless it already carries a domain kind.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainKind(err) {
		return err
	}
	return PersistenceError{Op: op, Err: err}
}

func isDomainKind(err error) bool {
	for _, k := range []error{ErrInvalidInput, ErrNotFound, ErrNotParticipant, ErrNotAuthenticated, ErrConflict, ErrPersistence} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotAuthenticated reports whether err represents ErrNotAuthenticated.
func IsNotAuthenticated(err error) bool { return errors.Is(err, ErrNotAuthenticated) }

// IsPersistence reports whether err represents ErrPersistence.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// IsNotParticipant reports whether err represents ErrNotParticipant.
func IsNotParticipant(err error) bool { return errors.Is(err, ErrNotParticipant) }
