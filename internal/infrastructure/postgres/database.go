package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxOpenConns    = 10
	maxIdleConns    = 2
	connMaxLifetime = 5 * time.Minute
	pingTimeout     = 5 * time.Second

	// Longest statement text recorded on a span.
	maxStatementLen = 256
)

var dbTracer = otel.Tracer("reservesync.db")

// DB is the reserve store handle. Each statement gets a span named after
// its verb and the table it touches, with literals masked out of the text.
type DB struct {
	*sql.DB
}

// Open connects to PostgreSQL and checks the server answers. A sync run
// holds at most a few connections per worker, so the pool is kept small.
func Open(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{sqlDB}, nil
}

// Wrap adapts an already opened handle, e.g. a sqlmock connection in tests.
func Wrap(db *sql.DB) *DB {
	return &DB{db}
}

// QueryContext runs a multi-row query inside a span.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx, span := startStatement(ctx, query)
	defer span.End()

	rows, err := db.DB.QueryContext(ctx, query, args...)
	recordError(span, err)
	return rows, err
}

// ExecContext runs a statement that returns no rows inside a span.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, span := startStatement(ctx, query)
	defer span.End()

	result, err := db.DB.ExecContext(ctx, query, args...)
	recordError(span, err)
	return result, err
}

// Row is a single-row result whose span closes on Scan.
type Row struct {
	row  *sql.Row
	span trace.Span
}

// QueryRowContext runs a single-row query. sql.Row reports every error,
// sql.ErrNoRows included, from Scan, so the span stays open until then.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	ctx, span := startStatement(ctx, query)
	return &Row{row: db.DB.QueryRowContext(ctx, query, args...), span: span}
}

// Scan copies the row into dest. A missing row is not a span error; callers
// map sql.ErrNoRows to their own not-found error.
func (r *Row) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if r.span == nil {
		return err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		recordError(r.span, err)
	}
	r.span.SetAttributes(attribute.Bool("db.row_found", err == nil))
	r.span.End()
	r.span = nil
	return err
}

func startStatement(ctx context.Context, query string) (context.Context, trace.Span) {
	st := describe(query)
	return dbTracer.Start(ctx, st.spanName(), trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", st.verb),
		attribute.String("db.sql.table", st.table),
		attribute.String("db.statement", st.text),
	))
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// statement is what a span records about one SQL statement.
type statement struct {
	verb  string
	table string
	text  string
}

func (s statement) spanName() string {
	if s.table == "" {
		return "db." + s.verb
	}
	return "db." + s.verb + " " + s.table
}

var (
	stringLiteral  = regexp.MustCompile(`'(?:[^']|'')*'`)
	numericLiteral = regexp.MustCompile(`\$?\b\d+(?:\.\d+)?\b`)
	tableKeyword   = regexp.MustCompile(`(?i)\b(?:FROM|INTO|UPDATE|JOIN)\s+([a-z_][a-z0-9_.]*)`)
)

// describe extracts the verb and main table of query and a single-line copy
// of its text with literal values replaced by '?'. $N placeholders carry no
// data and are kept.
func describe(query string) statement {
	text := strings.Join(strings.Fields(query), " ")

	var st statement
	if verb, _, _ := strings.Cut(text, " "); verb != "" {
		st.verb = strings.ToUpper(verb)
	}
	if m := tableKeyword.FindStringSubmatch(text); m != nil {
		st.table = strings.ToLower(m[1])
	}

	text = stringLiteral.ReplaceAllString(text, "'?'")
	text = numericLiteral.ReplaceAllStringFunc(text, func(lit string) string {
		if strings.HasPrefix(lit, "$") {
			return lit
		}
		return "?"
	})
	if len(text) > maxStatementLen {
		text = text[:maxStatementLen] + "..."
	}
	st.text = text
	return st
}
