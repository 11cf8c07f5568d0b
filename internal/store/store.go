package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Store persists the catalog, sessions and dialog cursors.
type Store struct {
	db     *sql.DB
	driver Driver
}

// New opens the database and ensures the schema exists. For SQLite, dsn is a
// file path (or ":memory:"); for PostgreSQL it is a connection URL.
func New(driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "flashtest.db"
		}
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/flashtest?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps ":memory:" databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.Exec(schema)
	return err
}

// ClearAll wipes every catalog table, every session and every dialog cursor
// in one transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{
		"answers", "student_runs", "sessions",
		"tests", "users", "student_groups", "dialog_cursors",
	} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func unix(t time.Time) int64 {
	return t.UTC().Unix()
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unix(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS student_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	role TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tests (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	source_file TEXT NOT NULL DEFAULT '',
	variants_json TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	test_id TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	finish_time INTEGER
);

CREATE TABLE IF NOT EXISTS student_runs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	student_id INTEGER NOT NULL,
	variant_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	finish_time INTEGER,
	sum_mark REAL,
	UNIQUE (session_id, student_id)
);

CREATE TABLE IF NOT EXISTS answers (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES student_runs(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	question_id TEXT NOT NULL,
	value_json TEXT NOT NULL,
	mark REAL,
	created_at INTEGER NOT NULL,
	UNIQUE (run_id, position)
);

CREATE TABLE IF NOT EXISTS dialog_cursors (
	user_id INTEGER PRIMARY KEY,
	branch TEXT NOT NULL,
	step TEXT NOT NULL,
	data_json TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS student_groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS users (
	id BIGINT PRIMARY KEY,
	role TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS tests (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	source_file TEXT NOT NULL DEFAULT '',
	variants_json TEXT NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	test_id TEXT NOT NULL,
	start_time BIGINT NOT NULL,
	finish_time BIGINT
);

CREATE TABLE IF NOT EXISTS student_runs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	student_id BIGINT NOT NULL,
	variant_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	finish_time BIGINT,
	sum_mark DOUBLE PRECISION,
	UNIQUE (session_id, student_id)
);

CREATE TABLE IF NOT EXISTS answers (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES student_runs(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	question_id TEXT NOT NULL,
	value_json TEXT NOT NULL,
	mark DOUBLE PRECISION,
	created_at BIGINT NOT NULL,
	UNIQUE (run_id, position)
);

CREATE TABLE IF NOT EXISTS dialog_cursors (
	user_id BIGINT PRIMARY KEY,
	branch TEXT NOT NULL,
	step TEXT NOT NULL,
	data_json TEXT NOT NULL DEFAULT '{}',
	updated_at BIGINT NOT NULL
);
`
