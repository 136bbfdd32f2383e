package capture

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS captures (
	correlation_key TEXT    NOT NULL,
	role            TEXT    NOT NULL,
	document        TEXT    NOT NULL,
	written_at      INTEGER NOT NULL,
	PRIMARY KEY (correlation_key, role)
)`

// SQLiteSink stores documents in a single SQLite table keyed by correlation
// key and role.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create capture db dir %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open capture db: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping capture db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate capture db: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Write upserts the document; the last write for a key and role wins.
func (s *SQLiteSink) Write(ctx context.Context, key Key, role Role, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captures (correlation_key, role, document, written_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (correlation_key, role)
		DO UPDATE SET document = excluded.document, written_at = excluded.written_at`,
		key.String(), string(role), string(doc), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert capture %s-%s: %w", key, role, err)
	}
	return nil
}

// Scan walks all stored documents.
func (s *SQLiteSink) Scan(ctx context.Context, fn func(key Key, role Role, doc []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT correlation_key, role, document FROM captures`)
	if err != nil {
		return fmt.Errorf("query captures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rawKey, role, doc string
		if err := rows.Scan(&rawKey, &role, &doc); err != nil {
			return fmt.Errorf("scan capture row: %w", err)
		}
		key, err := ParseKey(rawKey)
		if err != nil {
			continue
		}
		if err := fn(key, Role(role), []byte(doc)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
