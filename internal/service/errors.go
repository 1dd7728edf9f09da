package service

import (
	"errors"
	"fmt"

	"order-ledger/internal/store"
)

var (
	// ErrInvalidTransition: the requested edge is not in the transition table
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnauthorized: the actor class may not perform the edge
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict: the subject changed between the caller's read and the commit
	ErrConflict = errors.New("conflict")
	// ErrInsufficientFunds: a debit would take the balance below zero
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateCallback marks an already processed gateway callback; callers treat it as success
	ErrDuplicateCallback = errors.New("duplicate callback")
	// ErrDeliveryFailure is a real-time transport failure; retried, never surfaced to the originator
	ErrDeliveryFailure = errors.New("delivery failure")

	ErrNotFound         = errors.New("not found")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrRefMismatch      = errors.New("external ref reused with different parameters")
)

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable for workers
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was marked non-retryable, or is a validation
// error that retrying cannot fix.
func IsPermanent(err error) bool {
	var target permanentError
	if errors.As(err, &target) {
		return true
	}
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrRefMismatch) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientFunds)
}

// translate maps store sentinels onto the service taxonomy
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrVersionMismatch):
		return ErrConflict
	case errors.Is(err, store.ErrInsufficientFunds):
		return ErrInsufficientFunds
	}
	return err
}
