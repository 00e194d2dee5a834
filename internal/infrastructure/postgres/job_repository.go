package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"reservesync/internal/domain/account"
	"reservesync/internal/domain/connection"
	"reservesync/internal/domain/job"
	"reservesync/internal/infrastructure/crypto"
)

// JobRepository implements the job.Repository interface for PostgreSQL
type JobRepository struct {
	db        *DB
	encryptor *crypto.Encryptor
}

// Ensure JobRepository implements job.Repository
var _ job.Repository = (*JobRepository)(nil)

// NewJobRepository creates a new PostgreSQL job definition repository
func NewJobRepository(db *DB, encryptor *crypto.Encryptor) *JobRepository {
	return &JobRepository{db: db, encryptor: encryptor}
}

const dueJobsQuery = `
	SELECT j.id, j.user_id, j.last_synced_at, j.created_at,
	       ca.id, ca.connection_id, ca.account_type, ca.external_account_id, ca.display_name, ca.created_at,
	       cc.id, cc.user_id, cc.provider, cc.access_token, cc.refresh_token, cc.expires_at, cc.created_at,
	       xa.id, xa.connection_id, xa.account_type, xa.external_account_id, xa.display_name, xa.created_at,
	       xc.id, xc.user_id, xc.provider, xc.access_token, xc.refresh_token, xc.expires_at, xc.created_at,
	       ra.id, ra.connection_id, ra.account_type, ra.external_account_id, ra.display_name, ra.created_at,
	       rc.id, rc.user_id, rc.provider, rc.access_token, rc.refresh_token, rc.expires_at, rc.created_at
	FROM job_definitions j
	JOIN accounts ca ON ca.id = j.card_account_id
	JOIN connections cc ON cc.id = ca.connection_id
	JOIN accounts xa ON xa.id = j.cash_account_id
	JOIN connections xc ON xc.id = xa.connection_id
	JOIN accounts ra ON ra.id = j.reserve_account_id
	JOIN connections rc ON rc.id = ra.connection_id
	WHERE j.last_synced_at IS NULL OR j.last_synced_at < $1
	ORDER BY j.id
`

// accountRow holds the scan targets for one joined account and its connection.
type accountRow struct {
	acc       account.Account
	accType   string
	conn      connection.Connection
	expiresAt sql.NullTime
}

func (a *accountRow) dest() []any {
	return []any{
		&a.acc.ID, &a.acc.ConnectionID, &a.accType, &a.acc.ExternalID, &a.acc.DisplayName, &a.acc.CreatedAt,
		&a.conn.ID, &a.conn.UserID, &a.conn.Provider, &a.conn.AccessToken, &a.conn.RefreshToken, &a.expiresAt, &a.conn.CreatedAt,
	}
}

// DueJobs returns every job definition never synced or last synced before
// cutoff, with its three accounts and their connections loaded in the same
// query. Token columns are decrypted. A row whose tokens cannot be decrypted
// is logged and skipped so it does not block the other jobs.
func (r *JobRepository) DueJobs(ctx context.Context, cutoff time.Time) ([]*job.Definition, error) {
	rows, err := r.db.QueryContext(ctx, dueJobsQuery, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	defer rows.Close()

	var defs []*job.Definition
	for rows.Next() {
		var def job.Definition
		var lastSynced sql.NullTime
		var card, cash, reserve accountRow

		dest := []any{&def.ID, &def.UserID, &lastSynced, &def.CreatedAt}
		dest = append(dest, card.dest()...)
		dest = append(dest, cash.dest()...)
		dest = append(dest, reserve.dest()...)

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan job definition: %w", err)
		}

		if lastSynced.Valid {
			t := lastSynced.Time
			def.LastSyncedAt = &t
		}

		// Accounts of one job that share a connection share one instance.
		conns := make(map[int64]*connection.Connection, 3)
		targets := []struct {
			row *accountRow
			acc *account.Account
		}{
			{&card, &def.Card},
			{&cash, &def.Cash},
			{&reserve, &def.Reserve},
		}

		var decryptErr error
		for _, tgt := range targets {
			conn, ok := conns[tgt.row.conn.ID]
			if !ok {
				conn, err = r.materializeConnection(tgt.row)
				if err != nil {
					decryptErr = err
					break
				}
				conns[conn.ID] = conn
			}
			*tgt.acc = tgt.row.acc
			tgt.acc.Type = account.Type(tgt.row.accType)
			tgt.acc.Connection = conn
		}
		if decryptErr != nil {
			log.Printf("Skipping job %d: %v", def.ID, decryptErr)
			continue
		}

		defs = append(defs, &def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job definitions: %w", err)
	}

	return defs, nil
}

func (r *JobRepository) materializeConnection(row *accountRow) (*connection.Connection, error) {
	conn := row.conn
	if row.expiresAt.Valid {
		conn.ExpiresAt = row.expiresAt.Time
	}

	access, err := r.encryptor.Decrypt(conn.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token of connection %d: %w", conn.ID, err)
	}
	refresh, err := r.encryptor.Decrypt(conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token of connection %d: %w", conn.ID, err)
	}
	conn.AccessToken = access
	conn.RefreshToken = refresh

	return &conn, nil
}

// SaveCheckpoint sets last_synced_at for one job. A job deleted since it
// was selected reports job.ErrJobNotFound.
func (r *JobRepository) SaveCheckpoint(ctx context.Context, jobID int64, syncedAt time.Time) error {
	query := `UPDATE job_definitions SET last_synced_at = $2 WHERE id = $1 RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query, jobID, syncedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", job.ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for job %d: %w", jobID, err)
	}

	return nil
}
