package collection

import (
	"errors"
	"fmt"

	"ar-collect/internal/repo"
)

var (
	// ErrNotFound is returned when a referenced user, vendor, invoice, run or proposal is missing.
	ErrNotFound = repo.ErrNotFound
	// ErrInvalidArgument is returned for malformed dates, non-positive amounts and missing fields.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPreconditionFailed is returned when the current state forbids the operation.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrAdapterFailure is returned when a provider call on a critical path fails.
	ErrAdapterFailure = errors.New("adapter failure")
)

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func precondition(err error) error {
	return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
}

func adapterFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrAdapterFailure, err)
}
