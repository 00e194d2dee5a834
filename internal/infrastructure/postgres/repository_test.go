package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"reservesync/internal/domain/account"
	"reservesync/internal/domain/connection"
	"reservesync/internal/domain/job"
	"reservesync/internal/infrastructure/crypto"
)

const testKey = "01234567890123456789012345678901"

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return Wrap(db), mock
}

func newEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewEncryptor(testKey)
	if err != nil {
		t.Fatalf("NewEncryptor() failed: %v", err)
	}
	return enc
}

// decryptsTo matches an encrypted argument by its plaintext.
type decryptsTo struct {
	enc  *crypto.Encryptor
	want string
}

func (d decryptsTo) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok || s == d.want {
		return false
	}
	got, err := d.enc.Decrypt(s)
	return err == nil && got == d.want
}

func TestSaveTokens_EncryptsAndGuardsExpiry(t *testing.T) {
	db, mock := newMockDB(t)
	enc := newEncryptor(t)
	repo := NewConnectionRepository(db, enc)

	expires := time.Date(2026, 10, 15, 15, 0, 0, 0, time.UTC)
	q := `(?s)^\s*UPDATE\s+connections\s+SET\s+access_token\s*=\s*\$2,\s*refresh_token\s*=\s*\$3,\s*expires_at\s*=\s*\$4.*WHERE\s+id\s*=\s*\$1\s+AND\s+\(expires_at\s+IS\s+NULL\s+OR\s+expires_at\s*<=\s*\$4\)\s*$`
	mock.ExpectExec(q).
		WithArgs(int64(9), decryptsTo{enc, "A2"}, decryptsTo{enc, "R2"}, expires).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveTokens(context.Background(), connection.TokenUpdate{
		ConnectionID: 9, AccessToken: "A2", RefreshToken: "R2", ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("SaveTokens() failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSaveTokens_StaleWriteIsNotAnError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConnectionRepository(db, newEncryptor(t))

	mock.ExpectExec(`UPDATE\s+connections`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SaveTokens(context.Background(), connection.TokenUpdate{ConnectionID: 9, AccessToken: "A", RefreshToken: "R"})
	if err != nil {
		t.Errorf("SaveTokens() error = %v, want nil", err)
	}
}

func TestSaveTokens_DBError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConnectionRepository(db, newEncryptor(t))

	mock.ExpectExec(`UPDATE\s+connections`).WillReturnError(errors.New("db down"))

	err := repo.SaveTokens(context.Background(), connection.TokenUpdate{ConnectionID: 9, AccessToken: "A", RefreshToken: "R"})
	if err == nil {
		t.Fatal("SaveTokens() expected error")
	}
}

var dueColumns = []string{
	"id", "user_id", "last_synced_at", "created_at",
	"ca_id", "ca_connection_id", "ca_type", "ca_external", "ca_name", "ca_created",
	"cc_id", "cc_user_id", "cc_provider", "cc_access", "cc_refresh", "cc_expires", "cc_created",
	"xa_id", "xa_connection_id", "xa_type", "xa_external", "xa_name", "xa_created",
	"xc_id", "xc_user_id", "xc_provider", "xc_access", "xc_refresh", "xc_expires", "xc_created",
	"ra_id", "ra_connection_id", "ra_type", "ra_external", "ra_name", "ra_created",
	"rc_id", "rc_user_id", "rc_provider", "rc_access", "rc_refresh", "rc_expires", "rc_created",
}

func dueRow(t *testing.T, enc *crypto.Encryptor, jobID int64, lastSynced any, spendAccess string) []driver.Value {
	t.Helper()
	seal := func(s string) string {
		c, err := enc.Encrypt(s)
		if err != nil {
			t.Fatalf("Encrypt() failed: %v", err)
		}
		return c
	}
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expires := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

	return []driver.Value{
		jobID, int64(7), lastSynced, created,
		int64(11), int64(1), "card", "card-1", "Amex", created,
		int64(1), int64(7), "truelayer", spendAccess, seal("tl-refresh"), expires, created,
		int64(12), int64(2), "cash", "acc_cash", "Current account", created,
		int64(2), int64(7), "monzo", seal("mz-access"), seal("mz-refresh"), nil, created,
		int64(13), int64(2), "reserve", "pot_reserve", "Card reserve", created,
		int64(2), int64(7), "monzo", seal("mz-access"), seal("mz-refresh"), nil, created,
	}
}

func TestDueJobs_MaterializesAccountsAndConnections(t *testing.T) {
	db, mock := newMockDB(t)
	enc := newEncryptor(t)
	repo := NewJobRepository(db, enc)

	cutoff := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	synced := time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)
	spendAccess, _ := enc.Encrypt("tl-access")

	q := `(?s)^\s*SELECT\s+j\.id.*FROM\s+job_definitions\s+j.*JOIN\s+connections\s+rc\s+ON\s+rc\.id\s*=\s*ra\.connection_id\s+WHERE\s+j\.last_synced_at\s+IS\s+NULL\s+OR\s+j\.last_synced_at\s*<\s*\$1\s+ORDER\s+BY\s+j\.id\s*$`
	mock.ExpectQuery(q).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows(dueColumns).
			AddRow(dueRow(t, enc, 1, nil, spendAccess)...).
			AddRow(dueRow(t, enc, 2, synced, spendAccess)...))

	defs, err := repo.DueJobs(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DueJobs() failed: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("DueJobs() returned %d jobs, want 2", len(defs))
	}

	first := defs[0]
	if first.LastSyncedAt != nil {
		t.Errorf("job 1 LastSyncedAt = %v, want nil", first.LastSyncedAt)
	}
	if err := first.Validate(); err != nil {
		t.Errorf("job 1 not fully materialized: %v", err)
	}
	if first.Card.Type != account.TypeCard || first.Card.ExternalID != "card-1" {
		t.Errorf("card account = %+v", first.Card)
	}
	if first.Card.Connection.AccessToken != "tl-access" || first.Card.Connection.RefreshToken != "tl-refresh" {
		t.Errorf("spend tokens not decrypted: %+v", first.Card.Connection)
	}
	if !first.Cash.Connection.ExpiresAt.IsZero() {
		t.Errorf("null expires_at should be zero, got %s", first.Cash.Connection.ExpiresAt)
	}
	if first.Cash.Connection != first.Reserve.Connection {
		t.Error("cash and reserve accounts on one connection should share it")
	}
	if defs[1].LastSyncedAt == nil || !defs[1].LastSyncedAt.Equal(synced) {
		t.Errorf("job 2 LastSyncedAt = %v, want %s", defs[1].LastSyncedAt, synced)
	}
	if defs[1].Card.Connection == first.Card.Connection {
		t.Error("jobs must not share connection instances")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDueJobs_SkipsUndecryptableRow(t *testing.T) {
	db, mock := newMockDB(t)
	enc := newEncryptor(t)
	repo := NewJobRepository(db, enc)
	good, _ := enc.Encrypt("tl-access")

	mock.ExpectQuery(`FROM\s+job_definitions`).
		WillReturnRows(sqlmock.NewRows(dueColumns).
			AddRow(dueRow(t, enc, 1, nil, "not-base64!!")...).
			AddRow(dueRow(t, enc, 2, nil, good)...))

	defs, err := repo.DueJobs(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("DueJobs() failed: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != 2 {
		t.Errorf("DueJobs() = %d jobs, want only job 2", len(defs))
	}
}

func TestDueJobs_QueryError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepository(db, newEncryptor(t))

	mock.ExpectQuery(`FROM\s+job_definitions`).WillReturnError(sql.ErrConnDone)

	if _, err := repo.DueJobs(context.Background(), time.Now()); !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("DueJobs() error = %v, want %v", err, sql.ErrConnDone)
	}
}

func TestSaveCheckpoint(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepository(db, newEncryptor(t))
	at := time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)

	q := `^UPDATE\s+job_definitions\s+SET\s+last_synced_at\s*=\s*\$2\s+WHERE\s+id\s*=\s*\$1\s+RETURNING\s+id$`
	mock.ExpectQuery(q).WithArgs(int64(4), at).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
	mock.ExpectQuery(q).WithArgs(int64(5), at).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q).WithArgs(int64(6), at).WillReturnError(errors.New("connection reset"))

	if err := repo.SaveCheckpoint(context.Background(), 4, at); err != nil {
		t.Fatalf("SaveCheckpoint() failed: %v", err)
	}
	if err := repo.SaveCheckpoint(context.Background(), 5, at); !errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("SaveCheckpoint() error = %v, want %v", err, job.ErrJobNotFound)
	}
	err := repo.SaveCheckpoint(context.Background(), 6, at)
	if err == nil || errors.Is(err, job.ErrJobNotFound) {
		t.Errorf("SaveCheckpoint() error = %v, want a store error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigrate_UsesEmbeddedMigrations(t *testing.T) {
	db, _ := newMockDB(t)

	var gotDir string
	orig := gooseUp
	gooseUp = func(ctx context.Context, _ *sql.DB, dir string) error {
		gotDir = dir
		return nil
	}
	t.Cleanup(func() { gooseUp = orig })

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if gotDir != "." {
		t.Errorf("migration dir = %q, want %q", gotDir, ".")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  statement
	}{
		{
			name:  "masks literals",
			query: `UPDATE connections SET access_token = 'it''s secret' WHERE id = 42 AND x = $1`,
			want: statement{
				verb:  "UPDATE",
				table: "connections",
				text:  `UPDATE connections SET access_token = '?' WHERE id = ? AND x = $1`,
			},
		},
		{
			name:  "collapses whitespace",
			query: "\n\tSELECT j.id\n\tFROM job_definitions j\n\tJOIN accounts ca ON ca.id = j.card_account_id\n",
			want: statement{
				verb:  "SELECT",
				table: "job_definitions",
				text:  "SELECT j.id FROM job_definitions j JOIN accounts ca ON ca.id = j.card_account_id",
			},
		},
		{
			name:  "no table",
			query: "  select 1",
			want:  statement{verb: "SELECT", text: "select ?"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describe(tt.query); got != tt.want {
				t.Errorf("describe() = %+v, want %+v", got, tt.want)
			}
		})
	}
	if got := describe("select 1").spanName(); got != "db.SELECT" {
		t.Errorf("spanName() = %q, want db.SELECT", got)
	}
	if got := describe(dueJobsQuery).spanName(); got != "db.SELECT job_definitions" {
		t.Errorf("spanName() = %q, want db.SELECT job_definitions", got)
	}
}
