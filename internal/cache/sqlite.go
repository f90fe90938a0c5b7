package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_stores (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	store_name TEXT NOT NULL REFERENCES cache_stores(name) ON DELETE CASCADE,
	cache_key  TEXT NOT NULL,
	payload    BLOB NOT NULL,
	PRIMARY KEY (store_name, cache_key)
);`

// SQLiteStorage keeps stores and entries in two tables of one SQLite file.
type SQLiteStorage struct {
	sqlDB          *sql.DB
	maxObjectBytes int64
}

func OpenSQLite(path string, maxObjectBytes int64) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStorage{sqlDB: sqlDB, maxObjectBytes: maxObjectBytes}, nil
}

func (s *SQLiteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_stores (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", name, err)
	}
	return &sqliteStore{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM cache_stores WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup store %q: %w", name, err)
	}
	return true, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan store name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Count(ctx context.Context, name string) (int, error) {
	var count int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(e.cache_key) FROM cache_stores s
		 LEFT JOIN cache_entries e ON e.store_name = s.name
		 WHERE s.name = ? GROUP BY s.name`, name,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrStoreNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("count store %q: %w", name, err)
	}
	return count, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE store_name = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %q: %w", name, err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete store %q: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return affected > 0, nil
}

type sqliteStore struct {
	storage *SQLiteStorage
	name    string
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	var payload []byte
	err := s.storage.sqlDB.QueryRowContext(ctx,
		`SELECT payload FROM cache_entries WHERE store_name = ? AND cache_key = ?`,
		s.name, key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("match %q: %w", key, err)
	}
	entry, err := decodeEntry(payload)
	if err != nil {
		_, _ = s.storage.sqlDB.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE store_name = ? AND cache_key = ?`, s.name, key)
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, entry Entry) error {
	return s.PutAll(ctx, []Record{{Key: key, Entry: entry}})
}

func (s *sqliteStore) PutAll(ctx context.Context, records []Record) error {
	payloads := make([][]byte, len(records))
	for i, record := range records {
		if err := checkSize(record.Entry, s.storage.maxObjectBytes); err != nil {
			return err
		}
		data, err := encodeEntry(record.Entry)
		if err != nil {
			return err
		}
		payloads[i] = data
	}

	tx, err := s.storage.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM cache_stores WHERE name = ?`, s.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStoreNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup store %q: %w", s.name, err)
	}
	for i, record := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cache_entries (store_name, cache_key, payload) VALUES (?, ?, ?)
			 ON CONFLICT(store_name, cache_key) DO UPDATE SET payload = excluded.payload`,
			s.name, record.Key, payloads[i],
		)
		if err != nil {
			return fmt.Errorf("put %q: %w", record.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	ok, err := s.storage.Has(ctx, s.name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStoreNotFound
	}
	rows, err := s.storage.sqlDB.QueryContext(ctx,
		`SELECT cache_key FROM cache_entries WHERE store_name = ? ORDER BY cache_key`, s.name)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *sqliteStore) Len(ctx context.Context) (int, error) {
	return s.storage.Count(ctx, s.name)
}
