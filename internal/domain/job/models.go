package job

import (
	"errors"
	"fmt"
	"time"

	"reservesync/internal/domain/account"
)

// Domain errors
var (
	ErrJobNotFound       = errors.New("job definition not found")
	ErrInvalidStaleness  = errors.New("staleness threshold must be positive")
	ErrIncompleteAccount = errors.New("job definition has an incomplete account")
)

// Definition binds a user to a card (spend) account, a cash (funding) account
// and a reserve (destination pot) account. The three accounts may live on
// different providers; each carries its own connection.
type Definition struct {
	ID           int64
	UserID       int64
	Card         account.Account
	Cash         account.Account
	Reserve      account.Account
	LastSyncedAt *time.Time
	CreatedAt    time.Time
}

// Validate checks every account is materialized and plays the right role.
func (d *Definition) Validate() error {
	roles := []struct {
		acc  *account.Account
		want account.Type
	}{
		{&d.Card, account.TypeCard},
		{&d.Cash, account.TypeCash},
		{&d.Reserve, account.TypeReserve},
	}
	for _, r := range roles {
		if err := r.acc.Validate(r.want); err != nil {
			return fmt.Errorf("%w: job %d: %v", ErrIncompleteAccount, d.ID, err)
		}
	}
	return nil
}

// DueAt reports whether the job should run at now for the given staleness.
func (d *Definition) DueAt(now time.Time, staleness time.Duration) bool {
	if d.LastSyncedAt == nil {
		return true
	}
	return d.LastSyncedAt.Before(now.Add(-staleness))
}
