package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// DeletedOwnerSentinel receives ownership of soft-deleted assistants so the
// (name, owner) uniqueness invariant keeps holding for live rows.
const DeletedOwnerSentinel = "deleted@system.lamb"

var assistantNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateAssistantName checks the name against the allowed pattern.
func ValidateAssistantName(name string) error {
	if !assistantNameRe.MatchString(name) {
		return fmt.Errorf("invalid assistant name %q: only letters, digits, '_' and '-' are allowed", name)
	}
	return nil
}

// Assistant is the stored configuration that turns a chat request into an
// LLM call. Metadata is the raw JSON document parsed by pkg/assistant.
type Assistant struct {
	ID             int64
	Name           string
	Owner          string
	Description    string
	SystemPrompt   string
	PromptTemplate string
	Metadata       []byte
	Deleted        bool

	// Publication fields (nullable as a group).
	GroupID           string
	GroupName         string
	OAuthConsumerName string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Published reports whether the assistant is published to a group.
func (a *Assistant) Published() bool {
	return a.GroupID != ""
}

// Share is one row of the assistant share list.
type Share struct {
	AssistantID      int64
	SharedWithUserID int64
	SharedByUserID   int64
	SharedAt         time.Time
}

func (s *Store) CreateAssistant(ctx context.Context, a *Assistant) (int64, error) {
	if err := ValidateAssistantName(a.Name); err != nil {
		return 0, err
	}

	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO assistants (name, owner, description, system_prompt, prompt_template, metadata, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		a.Name, a.Owner, a.Description, a.SystemPrompt, a.PromptTemplate, a.Metadata, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to create assistant: %w", err)
	}
	return res.LastInsertId()
}

const assistantColumns = `id, name, owner, description, system_prompt, prompt_template, metadata,
	deleted, COALESCE(group_id, ''), COALESCE(group_name, ''), COALESCE(oauth_consumer_name, ''),
	created_at, updated_at`

func (s *Store) GetAssistant(ctx context.Context, id int64) (*Assistant, error) {
	return s.scanAssistant(s.db.QueryRowContext(ctx,
		`SELECT `+assistantColumns+` FROM assistants WHERE id = ?`, id))
}

func (s *Store) GetAssistantByName(ctx context.Context, owner, name string) (*Assistant, error) {
	return s.scanAssistant(s.db.QueryRowContext(ctx,
		`SELECT `+assistantColumns+` FROM assistants WHERE owner = ? AND name = ? AND deleted = 0`,
		owner, name))
}

func (s *Store) scanAssistant(row *sql.Row) (*Assistant, error) {
	var a Assistant
	var metadata sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Owner, &a.Description, &a.SystemPrompt,
		&a.PromptTemplate, &metadata, &a.Deleted, &a.GroupID, &a.GroupName,
		&a.OAuthConsumerName, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assistant: %w", err)
	}
	if metadata.Valid {
		a.Metadata = []byte(metadata.String)
	}
	return &a, nil
}

// ListAssistantsByOwner returns non-deleted assistants for an owner.
func (s *Store) ListAssistantsByOwner(ctx context.Context, owner string) ([]*Assistant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assistantColumns+` FROM assistants WHERE owner = ? AND deleted = 0 ORDER BY id`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list assistants: %w", err)
	}
	defer rows.Close()
	return s.collectAssistants(rows)
}

// ListPublishedAssistants returns published, non-deleted assistants.
func (s *Store) ListPublishedAssistants(ctx context.Context) ([]*Assistant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assistantColumns+` FROM assistants WHERE deleted = 0 AND group_id IS NOT NULL AND group_id != '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list published assistants: %w", err)
	}
	defer rows.Close()
	return s.collectAssistants(rows)
}

func (s *Store) collectAssistants(rows *sql.Rows) ([]*Assistant, error) {
	var out []*Assistant
	for rows.Next() {
		var a Assistant
		var metadata sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.Owner, &a.Description, &a.SystemPrompt,
			&a.PromptTemplate, &metadata, &a.Deleted, &a.GroupID, &a.GroupName,
			&a.OAuthConsumerName, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assistant: %w", err)
		}
		if metadata.Valid {
			a.Metadata = []byte(metadata.String)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAssistant(ctx context.Context, a *Assistant) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assistants SET description = ?, system_prompt = ?, prompt_template = ?, metadata = ?, updated_at = ?
		 WHERE id = ? AND deleted = 0`,
		a.Description, a.SystemPrompt, a.PromptTemplate, a.Metadata, now(), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update assistant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAssistantPublication publishes or unpublishes (empty groupID) the assistant.
func (s *Store) SetAssistantPublication(ctx context.Context, id int64, groupID, groupName, consumer string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assistants SET group_id = ?, group_name = ?, oauth_consumer_name = ?, updated_at = ? WHERE id = ?`,
		nullable(groupID), nullable(groupName), nullable(consumer), now(), id)
	if err != nil {
		return fmt.Errorf("failed to set publication: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteAssistant renames the assistant to <name>_deleted_<unix_ts> and
// reassigns ownership to the sentinel address.
func (s *Store) SoftDeleteAssistant(ctx context.Context, id int64) error {
	a, err := s.GetAssistant(ctx, id)
	if err != nil {
		return err
	}
	if a.Deleted {
		return nil
	}

	newName := fmt.Sprintf("%s_deleted_%d", a.Name, now().Unix())
	res, err := s.db.ExecContext(ctx,
		`UPDATE assistants SET name = ?, owner = ?, deleted = 1, updated_at = ? WHERE id = ?`,
		newName, DeletedOwnerSentinel, now(), id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete assistant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteAssistant removes the row and its shares. The caller is
// responsible for the published-group cleanup in the external directory.
func (s *Store) HardDeleteAssistant(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM assistant_shares WHERE assistant_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete shares: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM assistants WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete assistant: %w", err)
	}
	return tx.Commit()
}

// ListShares returns the current share rows for an assistant.
func (s *Store) ListShares(ctx context.Context, assistantID int64) ([]Share, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT assistant_id, shared_with_user_id, shared_by_user_id, shared_at
		 FROM assistant_shares WHERE assistant_id = ? ORDER BY shared_with_user_id`, assistantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	defer rows.Close()

	var out []Share
	for rows.Next() {
		var sh Share
		if err := rows.Scan(&sh.AssistantID, &sh.SharedWithUserID, &sh.SharedByUserID, &sh.SharedAt); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// AddShare inserts one share row; duplicates are ignored.
func (s *Store) AddShare(ctx context.Context, assistantID, withUserID, byUserID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assistant_shares (assistant_id, shared_with_user_id, shared_by_user_id, shared_at)
		 VALUES (?, ?, ?, ?)`,
		assistantID, withUserID, byUserID, now())
	if err != nil {
		return fmt.Errorf("failed to add share: %w", err)
	}
	return nil
}

// RemoveShare deletes one share row.
func (s *Store) RemoveShare(ctx context.Context, assistantID, withUserID int64) error {
	return s.execContext(ctx,
		`DELETE FROM assistant_shares WHERE assistant_id = ? AND shared_with_user_id = ?`,
		assistantID, withUserID)
}

// IsSharedWith reports whether the assistant is shared with the user.
func (s *Store) IsSharedWith(ctx context.Context, assistantID, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assistant_shares WHERE assistant_id = ? AND shared_with_user_id = ?`,
		assistantID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check share: %w", err)
	}
	return n > 0, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
