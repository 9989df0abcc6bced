package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnsupportedDSN is returned by Open for unknown DSN schemes.
var ErrUnsupportedDSN = errors.New("unsupported database dsn")

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Store is the primary relational store. Every mutating method runs the
// registered hooks after the write succeeds.
type Store struct {
	db      *sql.DB
	dialect Dialect
	hooks   []Hook
	now     func() time.Time
}

// Open picks a driver from the DSN scheme: sqlite://path (or a bare path) for
// SQLite, postgres:// or postgresql:// for Postgres.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, fmt.Errorf("%w: empty", ErrUnsupportedDSN)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDSN, dsn)
	default:
		return NewSQLiteStore(dsn)
	}
}

func NewSQLiteStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrUnsupportedDSN)
	}
	dataSourceName := path
	if !strings.Contains(path, "?") {
		dataSourceName += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection keeps the pool from
	// handing out a second writer that would only hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return newStore(db, DialectSQLite)
}

func NewPostgresStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)
	return newStore(db, DialectPostgres)
}

func newStore(db *sql.DB, dialect Dialect) (*Store, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Debug("Store ready", "dialect", dialect)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// insert runs an INSERT ... RETURNING id statement.
func (s *Store) insert(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) initSchema() error {
	r := strings.NewReplacer(
		"{{pk}}", s.pick("INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY"),
		"{{ts}}", s.pick("DATETIME", "TIMESTAMPTZ"),
		"{{bigint}}", s.pick("INTEGER", "BIGINT"),
	)
	_, err := s.db.Exec(r.Replace(schema))
	return err
}

func (s *Store) pick(sqlite, postgres string) string {
	if s.dialect == DialectPostgres {
		return postgres
	}
	return sqlite
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id {{pk}},
    username TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'staff',
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    version {{bigint}} NOT NULL DEFAULT 0,
    version_updated_at {{ts}},
    created_at {{ts}} NOT NULL,
    updated_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS customers (
    id {{pk}},
    name TEXT NOT NULL,
    phone TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    line_user_id TEXT UNIQUE,
    source TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'new',
    assigned_to {{bigint}} REFERENCES users (id) ON DELETE SET NULL,
    latest_case_at {{ts}},
    notes TEXT NOT NULL DEFAULT '',
    version {{bigint}} NOT NULL DEFAULT 0,
    version_updated_at {{ts}},
    created_at {{ts}} NOT NULL,
    updated_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS customer_cases (
    id {{pk}},
    customer_id {{bigint}} NOT NULL REFERENCES customers (id) ON DELETE CASCADE,
    case_number TEXT NOT NULL DEFAULT '',
    loan_amount {{bigint}} NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    submitted_at {{ts}},
    approved_at {{ts}},
    disbursed_at {{ts}},
    created_at {{ts}} NOT NULL,
    updated_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS customer_leads (
    id {{pk}},
    customer_id {{bigint}} NOT NULL REFERENCES customers (id) ON DELETE CASCADE,
    channel TEXT NOT NULL DEFAULT '',
    assigned_to {{bigint}} REFERENCES users (id) ON DELETE SET NULL,
    note TEXT NOT NULL DEFAULT '',
    created_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id {{pk}},
    customer_id {{bigint}} REFERENCES customers (id) ON DELETE SET NULL,
    user_id {{bigint}} REFERENCES users (id) ON DELETE SET NULL,
    line_user_id TEXT NOT NULL,
    message_content TEXT NOT NULL DEFAULT '',
    message_timestamp {{ts}} NOT NULL,
    is_from_customer BOOLEAN NOT NULL DEFAULT TRUE,
    status TEXT NOT NULL DEFAULT 'unread',
    message_type TEXT NOT NULL DEFAULT 'text',
    metadata TEXT NOT NULL DEFAULT '{}',
    version {{bigint}} NOT NULL DEFAULT 0,
    version_updated_at {{ts}},
    created_at {{ts}} NOT NULL,
    updated_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_line_user ON chat_messages (line_user_id, id);

CREATE TABLE IF NOT EXISTS entity_versions (
    entity_type TEXT NOT NULL,
    entity_id {{bigint}} NOT NULL,
    version {{bigint}} NOT NULL,
    updated_at {{ts}} NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS version_events (
    seq {{pk}},
    event_id TEXT UNIQUE NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id {{bigint}} NOT NULL,
    version {{bigint}} NOT NULL,
    operation TEXT NOT NULL,
    changes TEXT NOT NULL DEFAULT '{}',
    user_id {{bigint}},
    created_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_version_events_type_seq ON version_events (entity_type, seq);

CREATE TABLE IF NOT EXISTS failed_jobs (
    id {{pk}},
    job_id TEXT NOT NULL,
    queue TEXT NOT NULL,
    operation TEXT NOT NULL,
    conversation_id {{bigint}} NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT '{}',
    attempts {{bigint}} NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    failed_at {{ts}} NOT NULL
);
`
