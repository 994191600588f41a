package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInsufficient      = errors.New("insufficient stock")
	ErrConflictingUpdate = errors.New("conflicting update")
	ErrStorage           = errors.New("storage error")
)

// Errorf wraps one of the sentinel kinds with a formatted message.
func Errorf(kind error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.msg }
func (e *kindError) Unwrap() error { return e.kind }

type InsufficientError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientError) Is(target error) bool { return target == ErrInsufficient }

// Kind returns the sentinel an error belongs to, or ErrStorage for anything unclassified.
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrNotFound,
		ErrInvalidTransition,
		ErrInsufficient,
		ErrConflictingUpdate,
		ErrStorage,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrStorage
}
