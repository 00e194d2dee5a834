package reconcile

import (
	"errors"
	"fmt"

	"reservesync/internal/domain/provider"
)

var (
	ErrUnknownProvider = errors.New("no refresher configured for provider")
	ErrUnusableToken   = errors.New("refresh returned an unusable token")
	ErrNilDefinition   = errors.New("nil job definition")
)

// PersistenceError means a store write failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// errorKind maps an error onto the failure taxonomy for logs and metrics.
func errorKind(err error) string {
	var authErr *provider.AuthRefreshError
	var provErr *provider.ProviderError
	var persistErr *PersistenceError

	switch {
	case errors.As(err, &authErr):
		return "auth_refresh"
	case errors.As(err, &provErr):
		return "provider"
	case errors.As(err, &persistErr):
		return "persistence"
	default:
		return "internal"
	}
}
