package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrValidation             = errors.New("validation failed")
	ErrPersistence            = errors.New("persistence failure")
)

// StateError describes a loan transition attempted from the wrong status.
type StateError struct {
	LoanID uuid.UUID
	From   LoanStatus
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s loan %s in status %q", e.Op, e.LoanID, e.From)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidStateTransition }

// InsufficientFundsError carries the amounts needed to render a user-facing message.
type InsufficientFundsError struct {
	UserID    string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for user %s: requested %s, available %s",
		e.UserID, e.Requested.StringFixed(CurrencyPlaces), e.Available.StringFixed(CurrencyPlaces))
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// NotFound wraps ErrNotFound with the kind and key of the missing record.
func NotFound(kind string, key any) error {
	return fmt.Errorf("%s %v: %w", kind, key, ErrNotFound)
}

// Invalid wraps ErrValidation with a description of the offending input.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Persistence marks a storage driver error as a persistence failure while
// keeping the driver error reachable through errors.As.
func Persistence(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrPersistence, err)
}
