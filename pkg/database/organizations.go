package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Organization is a tenant record. Config holds the nested JSON document
// parsed by pkg/config.
type Organization struct {
	ID        int64
	Slug      string
	Name      string
	IsSystem  bool
	Status    string
	Config    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreatorUser belongs to an organization and owns assistants.
type CreatorUser struct {
	ID             int64
	Email          string
	Name           string
	OrganizationID int64
	UserType       string
	Enabled        bool
	UserConfig     []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *Store) CreateOrganization(ctx context.Context, slug, name string, isSystem bool, config []byte) (int64, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (slug, name, is_system, status, config, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', ?, ?, ?)`,
		slug, name, isSystem, config, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to create organization: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	return s.scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, is_system, status, config, created_at, updated_at
		 FROM organizations WHERE id = ?`, id))
}

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	return s.scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, is_system, status, config, created_at, updated_at
		 FROM organizations WHERE slug = ?`, slug))
}

func (s *Store) scanOrganization(row *sql.Row) (*Organization, error) {
	var org Organization
	var config sql.NullString
	err := row.Scan(&org.ID, &org.Slug, &org.Name, &org.IsSystem, &org.Status,
		&config, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	if config.Valid {
		org.Config = []byte(config.String)
	}
	return &org, nil
}

// UpdateOrganizationConfig replaces the nested config document.
func (s *Store) UpdateOrganizationConfig(ctx context.Context, id int64, config []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET config = ?, updated_at = ? WHERE id = ?`,
		config, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update organization config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOrganization refuses to delete the system organization.
func (s *Store) DeleteOrganization(ctx context.Context, id int64) error {
	org, err := s.GetOrganization(ctx, id)
	if err != nil {
		return err
	}
	if org.IsSystem {
		return fmt.Errorf("system organization cannot be deleted")
	}
	return s.execContext(ctx, `DELETE FROM organizations WHERE id = ?`, id)
}

func (s *Store) CreateCreatorUser(ctx context.Context, email, name string, orgID int64, userType string, userConfig []byte) (int64, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO creator_users (email, name, organization_id, user_type, enabled, user_config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		email, name, orgID, userType, userConfig, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetCreatorUserByEmail(ctx context.Context, email string) (*CreatorUser, error) {
	return s.scanCreatorUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, organization_id, user_type, enabled, user_config, created_at, updated_at
		 FROM creator_users WHERE email = ?`, email))
}

func (s *Store) GetCreatorUser(ctx context.Context, id int64) (*CreatorUser, error) {
	return s.scanCreatorUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, organization_id, user_type, enabled, user_config, created_at, updated_at
		 FROM creator_users WHERE id = ?`, id))
}

func (s *Store) scanCreatorUser(row *sql.Row) (*CreatorUser, error) {
	var u CreatorUser
	var userConfig sql.NullString
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.OrganizationID, &u.UserType,
		&u.Enabled, &userConfig, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if userConfig.Valid {
		u.UserConfig = []byte(userConfig.String)
	}
	return &u, nil
}

// OrganizationForOwner implements config.OrgDirectory: owner email to
// organization name and raw config document.
func (s *Store) OrganizationForOwner(ctx context.Context, email string) (string, []byte, error) {
	user, err := s.GetCreatorUserByEmail(ctx, email)
	if err != nil {
		return "", nil, err
	}
	org, err := s.GetOrganization(ctx, user.OrganizationID)
	if err != nil {
		return "", nil, err
	}
	return org.Name, org.Config, nil
}
