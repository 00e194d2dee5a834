package connection

import "context"

// Repository defines the persistence needed by the token manager.
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// SaveTokens writes the access token, refresh token and expiry in one atomic update.
	// Implementations must never move expires_at backwards.
	SaveTokens(ctx context.Context, update TokenUpdate) error
}
