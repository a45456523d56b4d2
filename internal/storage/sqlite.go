package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) the SQLite database at path and ensures the schema exists
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the cycle and operator requests.
	db.SetMaxOpenConns(1)

	store := &SQLStore{db: db, dialect: dialectSQLite, now: time.Now}
	if err := store.initSQLiteSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLStore) initSQLiteSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		profile_picture TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		followers INTEGER NOT NULL DEFAULT 0,
		following INTEGER NOT NULL DEFAULT 0,
		statuses_count INTEGER NOT NULL DEFAULT 0,
		is_blue_verified BOOLEAN NOT NULL DEFAULT 0,
		is_verified BOOLEAN NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT 1,
		last_seen_item_id TEXT,
		last_check_time DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		handle TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		lang TEXT NOT NULL DEFAULT '',
		is_reply BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		retweets INTEGER NOT NULL DEFAULT 0,
		likes INTEGER NOT NULL DEFAULT 0,
		replies INTEGER NOT NULL DEFAULT 0,
		quotes INTEGER NOT NULL DEFAULT 0,
		views INTEGER NOT NULL DEFAULT 0,
		bookmarks INTEGER NOT NULL DEFAULT 0,
		media TEXT NOT NULL DEFAULT '[]',
		delivered BOOLEAN NOT NULL DEFAULT 0,
		delivery_ref TEXT,
		inserted_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(active);
	CREATE INDEX IF NOT EXISTS idx_items_account_created ON items(account_id, created_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return nil
}
