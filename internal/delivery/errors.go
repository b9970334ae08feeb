package delivery

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRecord   = errors.New("invalid response record")
	ErrAdvanceConflict = errors.New("session advanced concurrently")

	// ErrPersistence marks failures of state-mutating or state-reading storage
	// calls. A turn that hits one must not report success.
	ErrPersistence = errors.New("persistence failure")

	ErrMalformedRecord = errors.New("malformed record")
)

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

type MalformedRecordError struct {
	Table  string
	ID     string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("malformed %s row: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("malformed %s row %s: %s", e.Table, e.ID, e.Reason)
}

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }
