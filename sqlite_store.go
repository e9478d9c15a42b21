package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// SQLiteStore backs the local storage area: settings and extraction history on one file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	// One writer keeps transactions serialized.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), defaultBusyTimeout)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settings (
	owner_id   TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (owner_id, key)
);
CREATE TABLE IF NOT EXISTS history (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	owner_id   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	fields     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_owner ON history(owner_id, seq);
`

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context, ownerID string, keys []string) (Record, error) {
	query := `SELECT key, value FROM settings WHERE owner_id = ?`
	args := []any{ownerID}

	if len(keys) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
		query += fmt.Sprintf(" AND key IN (%s)", placeholders)
		for _, k := range keys {
			args = append(args, k)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("load", err)
	}
	defer rows.Close()

	result := make(Record)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storageErr("load", err)
		}
		result[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load", err)
	}
	return result, nil
}

// Save upserts every field inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, ownerID string, record Record) error {
	if len(record) == 0 {
		return nil
	}
	if err := checkQuota(record); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO settings (owner_id, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(owner_id, key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for k, v := range record {
			if _, err := stmt.ExecContext(ctx, ownerID, k, v, now); err != nil {
				return fmt.Errorf("upsert %s: %w", k, err)
			}
		}
		return nil
	})
	return storageErr("save", err)
}

func (s *SQLiteStore) Clear(ctx context.Context, ownerID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
	args := []any{ownerID}
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM settings WHERE owner_id = ? AND key IN (%s)`, placeholders), args...)
	return storageErr("clear", err)
}

// AppendHistory adds an entry. Once an owner holds limit entries further appends fail
// until the history is cleared; a limit of zero never fills up.
func (s *SQLiteStore) AppendHistory(ctx context.Context, ownerID string, entry HistoryEntry, limit int) error {
	fields, err := json.Marshal(entry.Fields)
	if err != nil {
		return fmt.Errorf("encode history fields: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if limit > 0 {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM history WHERE owner_id = ?`, ownerID,
			).Scan(&n); err != nil {
				return err
			}
			if n >= limit {
				return &historyFullError{limit: limit}
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO history (id, owner_id, created_at, fields) VALUES (?, ?, ?, ?)`,
			entry.ID, ownerID, entry.Timestamp.UTC().Format(time.RFC3339Nano), string(fields),
		)
		return err
	})
	return storageErr("append history", err)
}

// ListHistory returns the owner's entries oldest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, ownerID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, fields FROM history WHERE owner_id = ? ORDER BY seq`, ownerID)
	if err != nil {
		return nil, storageErr("list history", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			e       HistoryEntry
			created string
			fields  string
		)
		if err := rows.Scan(&e.ID, &created, &fields); err != nil {
			return nil, storageErr("list history", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, storageErr("list history", fmt.Errorf("parse created_at: %w", err))
		}
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return nil, storageErr("list history", fmt.Errorf("decode fields: %w", err))
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list history", err)
	}
	return entries, nil
}

func (s *SQLiteStore) ClearHistory(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE owner_id = ?`, ownerID)
	return storageErr("clear history", err)
}
