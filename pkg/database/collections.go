package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Collection visibility values.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// Collection is a vector-store namespace with an immutable embedding
// function. DUAL MODE: either EmbeddingsSetup references a named setup
// (new mode) or EmbeddingsConfig carries an inline document (legacy mode).
type Collection struct {
	ID                  int64           `json:"id"`
	Name                string          `json:"name"`
	Owner               string          `json:"owner"`
	Visibility          string          `json:"visibility"`
	EmbeddingsSetup     string          `json:"embeddings_setup,omitempty"`
	EmbeddingsConfig    json.RawMessage `json:"embeddings_config,omitempty"`
	EmbeddingDimensions int             `json:"embedding_dimensions"`
	VectorStoreUUID     string          `json:"vector_store_uuid"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (s *Store) CreateCollection(ctx context.Context, c *Collection) (int64, error) {
	if c.Visibility == "" {
		c.Visibility = VisibilityPrivate
	}
	if c.Visibility != VisibilityPrivate && c.Visibility != VisibilityPublic {
		return 0, fmt.Errorf("invalid visibility %q", c.Visibility)
	}

	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO collections
		 (name, owner, visibility, embeddings_setup, embeddings_config, embedding_dimensions, vector_store_uuid, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Owner, c.Visibility, c.EmbeddingsSetup, string(c.EmbeddingsConfig),
		c.EmbeddingDimensions, c.VectorStoreUUID, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to create collection: %w", err)
	}
	return res.LastInsertId()
}

const collectionColumns = `id, name, owner, visibility, COALESCE(embeddings_setup, ''),
	COALESCE(embeddings_config, ''), embedding_dimensions, vector_store_uuid, created_at, updated_at`

func (s *Store) GetCollection(ctx context.Context, id int64) (*Collection, error) {
	return scanCollection(s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id).Scan)
}

func (s *Store) GetCollectionByName(ctx context.Context, name string) (*Collection, error) {
	return scanCollection(s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE name = ?`, name).Scan)
}

func (s *Store) ListCollections(ctx context.Context, owner string) ([]*Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+collectionColumns+` FROM collections
		 WHERE owner = ? OR visibility = ? ORDER BY id`, owner, VisibilityPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCollection(scan func(...any) error) (*Collection, error) {
	var c Collection
	var embeddingsConfig string
	err := scan(&c.ID, &c.Name, &c.Owner, &c.Visibility, &c.EmbeddingsSetup,
		&embeddingsConfig, &c.EmbeddingDimensions, &c.VectorStoreUUID,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection: %w", err)
	}
	if embeddingsConfig != "" {
		c.EmbeddingsConfig = json.RawMessage(embeddingsConfig)
	}
	return &c, nil
}

// UpdateCollectionDocumentCount adjusts document_count on a file entry.
func (s *Store) UpdateFileDocumentCount(ctx context.Context, fileID string, count int) error {
	return s.execContext(ctx,
		`UPDATE file_registry SET document_count = ?, updated_at = ? WHERE id = ?`,
		count, now(), fileID)
}

// UpdateCollectionVisibility flips a collection between private and public.
func (s *Store) UpdateCollectionVisibility(ctx context.Context, id int64, visibility string) error {
	if visibility != VisibilityPrivate && visibility != VisibilityPublic {
		return fmt.Errorf("invalid visibility %q", visibility)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE collections SET visibility = ?, updated_at = ? WHERE id = ?`,
		visibility, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCollection(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_registry WHERE collection_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete file entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
