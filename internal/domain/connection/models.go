package connection

import (
	"errors"
	"time"
)

// Domain errors
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrMissingRefresh     = errors.New("connection has no refresh token")
)

// Connection is one OAuth credential pair held for a user at a provider.
// The refresh token is always present; the access token may be stale.
type Connection struct {
	ID           int64
	UserID       int64
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // zero when unknown, treated as expired
	CreatedAt    time.Time
}

// FreshAt reports whether the access token is still usable at now.
// Expiry must be strictly after now.
func (c *Connection) FreshAt(now time.Time) bool {
	if c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.After(now)
}

// TokenUpdate is the atomic write applied after a successful refresh.
type TokenUpdate struct {
	ConnectionID int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Apply copies a persisted update onto the in-memory connection.
func (c *Connection) Apply(u TokenUpdate) {
	c.AccessToken = u.AccessToken
	c.RefreshToken = u.RefreshToken
	c.ExpiresAt = u.ExpiresAt
}
