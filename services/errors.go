package services

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Error kinds. Every error returned by the routing services wraps exactly one
// of these, so callers branch with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("transient error")
	ErrNotFound   = errors.New("not found")
)

// RoutingError carries the operation and identifiers involved in a failed
// routing operation.
type RoutingError struct {
	Op        string
	Kind      error
	Reason    string
	OrderID   uint
	RoutingID uint
	Err       error
}

func (e *RoutingError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.OrderID != 0 {
		fmt.Fprintf(&b, " (order %d)", e.OrderID)
	}
	if e.RoutingID != 0 {
		fmt.Fprintf(&b, " (routing %d)", e.RoutingID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RoutingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationError(op, reason string) *RoutingError {
	return &RoutingError{Op: op, Kind: ErrValidation, Reason: reason}
}

func conflictError(op, reason string) *RoutingError {
	return &RoutingError{Op: op, Kind: ErrConflict, Reason: reason}
}

func notFoundError(op, reason string) *RoutingError {
	return &RoutingError{Op: op, Kind: ErrNotFound, Reason: reason}
}

// storeError classifies an error coming back from gorm. Unique index
// violations become conflicts, missing rows become not-found and everything
// else is treated as a transient store failure.
func storeError(op string, err error) *RoutingError {
	var re *RoutingError
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return &RoutingError{Op: op, Kind: ErrConflict, Reason: "duplicate active routing", Err: err}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &RoutingError{Op: op, Kind: ErrNotFound, Err: err}
	default:
		return &RoutingError{Op: op, Kind: ErrTransient, Err: err}
	}
}

// IsValidation, IsConflict, IsTransient and IsNotFound are shorthands for
// errors.Is against the kind sentinels.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsTransient(err error) bool  { return errors.Is(err, ErrTransient) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
