// Package database implements the SQLite persistence layer: organizations,
// creator users, assistants and shares, KB collections, the file registry
// (which doubles as the ingestion job record) and the internal chat store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS organizations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slug VARCHAR(255) NOT NULL UNIQUE,
    name VARCHAR(255) NOT NULL,
    is_system INTEGER NOT NULL DEFAULT 0,
    status VARCHAR(50) NOT NULL DEFAULT 'active',
    config TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS creator_users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email VARCHAR(255) NOT NULL UNIQUE,
    name VARCHAR(255) NOT NULL,
    organization_id INTEGER NOT NULL REFERENCES organizations(id),
    user_type VARCHAR(50) NOT NULL DEFAULT 'creator',
    enabled INTEGER NOT NULL DEFAULT 1,
    user_config TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS assistants (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name VARCHAR(255) NOT NULL,
    owner VARCHAR(255) NOT NULL,
    description TEXT,
    system_prompt TEXT,
    prompt_template TEXT,
    metadata TEXT,
    deleted INTEGER NOT NULL DEFAULT 0,
    group_id VARCHAR(255),
    group_name VARCHAR(255),
    oauth_consumer_name VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(name, owner)
);

CREATE INDEX IF NOT EXISTS idx_assistants_owner ON assistants(owner);

CREATE TABLE IF NOT EXISTS assistant_shares (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    assistant_id INTEGER NOT NULL REFERENCES assistants(id),
    shared_with_user_id INTEGER NOT NULL REFERENCES creator_users(id),
    shared_by_user_id INTEGER NOT NULL REFERENCES creator_users(id),
    shared_at TIMESTAMP NOT NULL,
    UNIQUE(assistant_id, shared_with_user_id)
);

CREATE TABLE IF NOT EXISTS collections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name VARCHAR(255) NOT NULL UNIQUE,
    owner VARCHAR(255) NOT NULL,
    visibility VARCHAR(50) NOT NULL DEFAULT 'private',
    embeddings_setup VARCHAR(255),
    embeddings_config TEXT,
    embedding_dimensions INTEGER NOT NULL DEFAULT 0,
    vector_store_uuid VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS file_registry (
    id VARCHAR(255) PRIMARY KEY,
    collection_id INTEGER NOT NULL REFERENCES collections(id),
    owner VARCHAR(255) NOT NULL,
    original_filename VARCHAR(512),
    stored_path VARCHAR(1024),
    public_url VARCHAR(1024),
    size_bytes INTEGER NOT NULL DEFAULT 0,
    content_type VARCHAR(255),
    plugin_name VARCHAR(255) NOT NULL,
    plugin_params TEXT,
    status VARCHAR(50) NOT NULL,
    document_count INTEGER NOT NULL DEFAULT 0,
    progress TEXT,
    error_message TEXT,
    error_details TEXT,
    processing_stats TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    processing_started_at TIMESTAMP,
    processing_completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_file_registry_collection ON file_registry(collection_id);
CREATE INDEX IF NOT EXISTS idx_file_registry_status ON file_registry(status);

CREATE TABLE IF NOT EXISTS chats (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    assistant_id INTEGER NOT NULL,
    creator_user_id INTEGER NOT NULL,
    chat TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chats_assistant ON chats(assistant_id);
`

// Store wraps the SQLite database. An optional second handle points at the
// external chat store (a foreign database, read-only for analytics).
type Store struct {
	db       *sql.DB
	external *sql.DB
}

// Open opens (or creates) the main database and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// churn between the gateway and the ingestion workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// AttachExternalChats opens the external chat store for analytics reads.
func (s *Store) AttachExternalChats(path string) error {
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open external chat store: %w", err)
	}
	s.external = db
	return nil
}

// DB exposes the underlying handle for read models that need raw SQL.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes all handles.
func (s *Store) Close() error {
	if s.external != nil {
		s.external.Close()
	}
	return s.db.Close()
}

func now() time.Time {
	return time.Now().UTC()
}

// nullTime converts a nullable column to *time.Time.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// execContext is a small helper so call sites stay one-liners.
func (s *Store) execContext(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
