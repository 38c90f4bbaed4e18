package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a batch or request does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateCustomID is returned when a request with the same custom_id
// already exists in the target batch.
var ErrDuplicateCustomID = errors.New("custom_id already taken")

// WrongStateError is returned when a guarded transition is attempted from a
// state the machine does not allow, including the case where a concurrent
// writer changed the state between read and update.
type WrongStateError struct {
	Entity string // "batch" or "request"
	ID     uint
	Action string
	State  string
}

// Error implements the error interface.
func (e *WrongStateError) Error() string {
	return fmt.Sprintf("%s %d: action %q not allowed in state %q", e.Entity, e.ID, e.Action, e.State)
}

// IsWrongState reports whether err is a WrongStateError.
func IsWrongState(err error) bool {
	var wse *WrongStateError
	return errors.As(err, &wse)
}
