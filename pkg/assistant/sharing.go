package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/database"
	"github.com/lamb-project/lamb/pkg/logger"
	"github.com/lamb-project/lamb/pkg/owi"
)

// ErrSharingDisabled is returned when the org policy or the user config
// forbids sharing.
var ErrSharingDisabled = errors.New("sharing is not permitted for this user")

// SharingService maintains the assistant share list and mirrors it to the
// external access group assistant_<id>. The group sync runs after the
// database writes commit; a sync failure never reverts permission state.
type SharingService struct {
	store  *database.Store
	syncer owi.GroupSyncer
	logger *slog.Logger
}

func NewSharingService(store *database.Store, syncer owi.GroupSyncer) *SharingService {
	return &SharingService{
		store:  store,
		syncer: syncer,
		logger: logger.GetLogger("assistant.sharing"),
	}
}

// GroupName returns the external group identifier for an assistant.
func GroupName(assistantID int64) string {
	return fmt.Sprintf("assistant_%d", assistantID)
}

// CanShare checks the two-level sharing policy: the organization feature
// flag and the user's can_share setting, both defaulting to true.
func (s *SharingService) CanShare(ctx context.Context, email string) (bool, error) {
	user, err := s.store.GetCreatorUserByEmail(ctx, email)
	if err != nil {
		return false, err
	}

	org, err := s.store.GetOrganization(ctx, user.OrganizationID)
	if err != nil {
		return false, err
	}
	cfg, err := config.ParseOrgConfig(org.Config)
	if err != nil {
		return false, err
	}
	if !cfg.SharingEnabled() {
		return false, nil
	}

	return userCanShare(user.UserConfig), nil
}

// userCanShare reads can_share from the user config document, default true.
func userCanShare(raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	var cfg struct {
		CanShare *bool `json:"can_share"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.CanShare == nil {
		return true
	}
	return *cfg.CanShare
}

// UpdateShares reconciles the share list with desired and performs one
// group sync. byEmail must be permitted to share (owner permission and
// policy are checked here).
func (s *SharingService) UpdateShares(ctx context.Context, assistantID int64, byEmail string, desired []int64) error {
	a, err := s.store.GetAssistant(ctx, assistantID)
	if err != nil {
		return err
	}

	allowed, err := s.CanShare(ctx, byEmail)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrSharingDisabled
	}

	byUser, err := s.store.GetCreatorUserByEmail(ctx, byEmail)
	if err != nil {
		return err
	}

	current, err := s.store.ListShares(ctx, assistantID)
	if err != nil {
		return err
	}

	currentSet := make(map[int64]bool, len(current))
	for _, share := range current {
		currentSet[share.SharedWithUserID] = true
	}
	desiredSet := make(map[int64]bool, len(desired))
	for _, id := range desired {
		desiredSet[id] = true
	}

	for id := range desiredSet {
		if !currentSet[id] {
			if err := s.store.AddShare(ctx, assistantID, id, byUser.ID); err != nil {
				return err
			}
		}
	}
	for id := range currentSet {
		if !desiredSet[id] {
			if err := s.store.RemoveShare(ctx, assistantID, id); err != nil {
				return err
			}
		}
	}

	s.syncGroup(ctx, a, desired)
	return nil
}

// syncGroup rewrites the external group membership to {owner} plus the
// shared-with emails. Best effort: failures are logged, not returned.
func (s *SharingService) syncGroup(ctx context.Context, a *database.Assistant, memberIDs []int64) {
	if s.syncer == nil {
		return
	}

	emails := []string{a.Owner}
	for _, id := range memberIDs {
		user, err := s.store.GetCreatorUser(ctx, id)
		if err != nil {
			s.logger.Warn("share target not found during group sync",
				"assistant", a.ID, "user_id", id, "error", err)
			continue
		}
		emails = append(emails, user.Email)
	}

	if err := s.syncer.SyncGroup(ctx, GroupName(a.ID), emails); err != nil {
		s.logger.Error("group sync failed, membership will be rewritten on next update",
			"assistant", a.ID, "group", GroupName(a.ID), "error", err)
	}
}

// CleanupGroup removes the external group after a hard delete.
func (s *SharingService) CleanupGroup(ctx context.Context, assistantID int64) {
	if s.syncer == nil {
		return
	}
	if err := s.syncer.DeleteGroup(ctx, GroupName(assistantID)); err != nil {
		s.logger.Warn("group cleanup failed", "assistant", assistantID, "error", err)
	}
}
