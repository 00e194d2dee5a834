package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"reservesync/internal/domain/connection"
	"reservesync/internal/domain/provider"
)

// TokenManager guarantees a fresh access token for a connection, refreshing
// and persisting the token pair when it has expired.
//
// Refreshed pairs are remembered per connection, so a second job holding a
// stale copy of the same connection picks up the rotated refresh token
// instead of replaying the old one. Concurrent refreshes of one connection
// are collapsed into a single grant, which is not tied to any one caller's
// deadline.
type TokenManager struct {
	repo         connection.Repository
	refreshers   map[string]provider.Refresher
	alerter      Alerter
	now          func() time.Time
	grantTimeout time.Duration

	group  singleflight.Group
	mu     sync.Mutex
	latest map[int64]rotation
}

// rotation is a pair refreshed by this manager and the refresh token it
// replaced.
type rotation struct {
	update   connection.TokenUpdate
	replaced string
}

// supersedes reports whether r is a newer pair for the token conn holds.
// A connection re-authorised since then carries a different refresh token
// and is left alone.
func (r rotation) supersedes(conn *connection.Connection) bool {
	return r.replaced == conn.RefreshToken && r.update.ExpiresAt.After(conn.ExpiresAt)
}

const defaultGrantTimeout = time.Minute

// NewTokenManager creates a token manager. refreshers is keyed by the
// connection's provider name.
func NewTokenManager(repo connection.Repository, refreshers map[string]provider.Refresher, alerter Alerter) *TokenManager {
	if alerter == nil {
		alerter = LogAlerter{}
	}
	return &TokenManager{
		repo:         repo,
		refreshers:   refreshers,
		alerter:      alerter,
		now:          time.Now,
		grantTimeout: defaultGrantTimeout,
		latest:       make(map[int64]rotation),
	}
}

// EnsureFresh returns a usable access token for conn. When the stored token
// expires strictly after now it is returned as is, with no network call and
// no write. Otherwise the token is refreshed, persisted in one atomic write,
// applied to conn, and the new access token returned. A caller whose ctx
// ends while a shared grant is in flight gets its context error; the grant
// itself runs on.
func (m *TokenManager) EnsureFresh(ctx context.Context, conn *connection.Connection) (string, error) {
	if conn == nil {
		return "", errors.New("nil connection")
	}

	m.applyLatest(conn)
	if conn.FreshAt(m.now()) {
		return conn.AccessToken, nil
	}

	snapshot := *conn
	grant := m.group.DoChan(strconv.FormatInt(conn.ID, 10), func() (any, error) {
		// Another job may have refreshed this connection while we waited.
		if r, ok := m.cached(snapshot.ID); ok && r.replaced == snapshot.RefreshToken && r.update.ExpiresAt.After(m.now()) {
			return r.update, nil
		}

		grantCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.grantTimeout)
		defer cancel()
		return m.refresh(grantCtx, snapshot)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-grant:
		if res.Err != nil {
			return "", res.Err
		}
		update := res.Val.(connection.TokenUpdate)
		conn.Apply(update)
		return update.AccessToken, nil
	}
}

func (m *TokenManager) refresh(ctx context.Context, conn connection.Connection) (connection.TokenUpdate, error) {
	refresher, ok := m.refreshers[conn.Provider]
	if !ok {
		return connection.TokenUpdate{}, fmt.Errorf("%w: %q (connection %d)", ErrUnknownProvider, conn.Provider, conn.ID)
	}
	if conn.RefreshToken == "" {
		return connection.TokenUpdate{}, fmt.Errorf("%w: connection %d", connection.ErrMissingRefresh, conn.ID)
	}

	now := m.now()
	tok, err := refresher.Refresh(ctx, conn.RefreshToken)
	if err != nil {
		tokenRefreshes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", conn.Provider),
			attribute.String("status", "error"),
		))

		var authErr *provider.AuthRefreshError
		if errors.As(err, &authErr) {
			m.forget(conn.ID)
			m.alertRejected(ctx, conn, authErr)
		}
		return connection.TokenUpdate{}, fmt.Errorf("refresh connection %d: %w", conn.ID, err)
	}

	if tok.AccessToken == "" || tok.ExpiresIn <= 0 {
		return connection.TokenUpdate{}, fmt.Errorf("%w: connection %d (expires_in=%d)", ErrUnusableToken, conn.ID, tok.ExpiresIn)
	}

	update := connection.TokenUpdate{
		ConnectionID: conn.ID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt(now),
	}
	// Providers that don't rotate refresh tokens omit it from the response.
	if update.RefreshToken == "" {
		update.RefreshToken = conn.RefreshToken
	}

	if err := m.repo.SaveTokens(ctx, update); err != nil {
		return connection.TokenUpdate{}, &PersistenceError{
			Op:  fmt.Sprintf("save tokens for connection %d", conn.ID),
			Err: err,
		}
	}

	m.mu.Lock()
	m.latest[conn.ID] = rotation{update: update, replaced: conn.RefreshToken}
	m.mu.Unlock()

	tokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", conn.Provider),
		attribute.String("status", "success"),
	))
	log.Printf("Refreshed %s token for connection %d, expires at %s",
		conn.Provider, conn.ID, update.ExpiresAt.Format(time.RFC3339))

	return update, nil
}

func (m *TokenManager) cached(connID int64) (rotation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.latest[connID]
	return r, ok
}

// forget drops the remembered pair once its refresh token was rejected.
func (m *TokenManager) forget(connID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.latest, connID)
}

// applyLatest overlays a pair refreshed earlier in this process onto a
// stale copy of the same connection.
func (m *TokenManager) applyLatest(conn *connection.Connection) {
	if r, ok := m.cached(conn.ID); ok && r.supersedes(conn) {
		conn.Apply(r.update)
	}
}

func (m *TokenManager) alertRejected(ctx context.Context, conn connection.Connection, authErr *provider.AuthRefreshError) {
	err := m.alerter.Alert(ctx,
		"Connection needs re-authorisation",
		fmt.Sprintf("%s rejected the refresh token for connection %d (user %d)", conn.Provider, conn.ID, conn.UserID),
		map[string]string{
			"connection_id": strconv.FormatInt(conn.ID, 10),
			"user_id":       strconv.FormatInt(conn.UserID, 10),
			"provider":      conn.Provider,
			"status":        strconv.Itoa(authErr.StatusCode),
		},
	)
	if err != nil {
		log.Printf("Warning: failed to send refresh alert for connection %d: %v", conn.ID, err)
	}
}
