package account

import (
	"errors"
	"fmt"
	"time"

	"reservesync/internal/domain/connection"
)

// Type is the role an external account plays in a reserve job.
type Type string

const (
	TypeCard    Type = "card"
	TypeCash    Type = "cash"
	TypeReserve Type = "reserve"
)

var accountTypes = map[Type]struct{}{
	TypeCard:    {},
	TypeCash:    {},
	TypeReserve: {},
}

// Domain errors
var (
	ErrInvalidAccountType = errors.New("invalid account type")
	ErrAccountNotFound    = errors.New("account not found")
	ErrMissingConnection  = errors.New("account has no connection loaded")
)

// Account is an external financial account (card, cash or reserve pot)
// belonging to exactly one connection. Immutable apart from display metadata.
type Account struct {
	ID           int64
	ConnectionID int64
	Type         Type
	ExternalID   string // provider account id, or pot id for reserve accounts
	DisplayName  string
	CreatedAt    time.Time

	// Connection is materialized by the job selector.
	Connection *connection.Connection
}

// Validate checks the account is usable by the orchestrator.
func (a *Account) Validate(want Type) error {
	if _, ok := accountTypes[a.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidAccountType, a.Type)
	}
	if a.Type != want {
		return fmt.Errorf("%w: account %d is %q, want %q", ErrInvalidAccountType, a.ID, a.Type, want)
	}
	if a.ExternalID == "" {
		return fmt.Errorf("account %d has no external id", a.ID)
	}
	if a.Connection == nil {
		return fmt.Errorf("%w: account %d", ErrMissingConnection, a.ID)
	}
	return nil
}
