package engine

import (
	"errors"
	"fmt"

	"opsboard/internal/domain"
	"opsboard/internal/engine/auth"
	"opsboard/internal/repo"
)

type (
	ValidationError    = domain.ValidationError
	ConfigurationError = domain.ConfigurationError
	PersistenceError   = domain.PersistenceError
	AuthorizationError = auth.AuthorizationError
)

// storeErr keeps not-found and already typed errors as they are and wraps
// anything else from the store as a PersistenceError.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var (
		verr ValidationError
		cerr ConfigurationError
		perr PersistenceError
		aerr AuthorizationError
	)
	if errors.As(err, &verr) || errors.As(err, &cerr) || errors.As(err, &perr) || errors.As(err, &aerr) {
		return err
	}
	return PersistenceError{Op: op, Err: err}
}

func invalid(field, msg string) error {
	return ValidationError{Field: field, Message: msg}
}
