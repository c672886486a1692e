// Package analytics is the read model over assistant conversations. It
// merges two sources: the external chat store (matched by model id inside
// the chat JSON, always anonymized) and the internal chat relation
// (anonymized only when the organization policy requires it).
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/database"
	"github.com/lamb-project/lamb/pkg/logger"
)

// Timeline periods.
const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// ChatSummary is one conversation in the usage report. User carries an
// anonymized label (User_### / Creator_###) or, for internal chats under
// a permissive policy, the creator's email.
type ChatSummary struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage is the merged conversation report for one assistant.
type Usage struct {
	AssistantID int64         `json:"assistant_id"`
	TotalChats  int           `json:"total_chats"`
	External    []ChatSummary `json:"external_chats"`
	Internal    []ChatSummary `json:"internal_chats"`
}

// Bucket is one timeline aggregation entry.
type Bucket struct {
	Period string `json:"period"`
	Count  int    `json:"count"`
}

// Service reads conversation data for the admin UI.
type Service struct {
	store  *database.Store
	logger *slog.Logger
}

func NewService(store *database.Store) *Service {
	return &Service{store: store, logger: logger.GetLogger("analytics")}
}

// Chats merges external and internal conversations for an assistant.
func (s *Service) Chats(ctx context.Context, assistantID int64) (*Usage, error) {
	usage := &Usage{AssistantID: assistantID}

	external, err := s.externalChats(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	usage.External = external

	internal, err := s.internalChats(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	usage.Internal = internal

	usage.TotalChats = len(external) + len(internal)
	return usage, nil
}

// externalChats matches conversations in the attached chat store whose
// model list names this assistant. User identifiers never leave this
// function un-anonymized.
func (s *Service) externalChats(ctx context.Context, assistantID int64) ([]ChatSummary, error) {
	external := s.store.ExternalDB()
	if external == nil {
		return nil, nil
	}

	pattern := fmt.Sprintf("%%lamb_assistant.%d%%", assistantID)
	rows, err := external.QueryContext(ctx,
		`SELECT id, user_id, created_at FROM chat
		 WHERE json_extract(chat, '$.models') LIKE ?
		 ORDER BY created_at, id`, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to query external chats: %w", err)
	}
	defer rows.Close()

	labels := newLabeler("User")
	var out []ChatSummary
	for rows.Next() {
		var id, userID string
		var createdAt int64
		if err := rows.Scan(&id, &userID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan external chat: %w", err)
		}
		out = append(out, ChatSummary{
			ID:        id,
			User:      labels.label(userID),
			Source:    "external",
			CreatedAt: time.Unix(createdAt, 0).UTC(),
		})
	}
	return out, rows.Err()
}

// internalChats reads the native relation; anonymization follows the
// owning organization's policy.
func (s *Service) internalChats(ctx context.Context, assistantID int64) ([]ChatSummary, error) {
	chats, err := s.store.ListChatsByAssistant(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return nil, nil
	}

	anonymize := s.anonymizePolicy(ctx, assistantID)
	labels := newLabeler("Creator")

	out := make([]ChatSummary, 0, len(chats))
	for _, chat := range chats {
		user := ""
		if anonymize {
			user = labels.label(fmt.Sprint(chat.CreatorUserID))
		} else if creator, err := s.store.GetCreatorUser(ctx, chat.CreatorUserID); err == nil {
			user = creator.Email
		} else {
			user = labels.label(fmt.Sprint(chat.CreatorUserID))
		}
		out = append(out, ChatSummary{
			ID:        fmt.Sprint(chat.ID),
			User:      user,
			Source:    "internal",
			CreatedAt: chat.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) anonymizePolicy(ctx context.Context, assistantID int64) bool {
	a, err := s.store.GetAssistant(ctx, assistantID)
	if err != nil {
		return true
	}
	_, raw, err := s.store.OrganizationForOwner(ctx, a.Owner)
	if err != nil {
		return true
	}
	cfg, err := config.ParseOrgConfig(raw)
	if err != nil {
		return true
	}
	return cfg.AnonymizeChats
}

// Timeline buckets the merged conversations by period.
func (s *Service) Timeline(ctx context.Context, assistantID int64, period string) ([]Bucket, error) {
	switch period {
	case PeriodDay, PeriodWeek, PeriodMonth:
	case "":
		period = PeriodDay
	default:
		return nil, fmt.Errorf("invalid period %q", period)
	}

	usage, err := s.Chats(ctx, assistantID)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	var keys []string
	add := func(ts time.Time) {
		key := bucketKey(ts, period)
		if _, seen := counts[key]; !seen {
			keys = append(keys, key)
		}
		counts[key]++
	}
	for _, c := range usage.External {
		add(c.CreatedAt)
	}
	for _, c := range usage.Internal {
		add(c.CreatedAt)
	}

	// Chats arrive ordered per source; a final sort keeps the merged
	// timeline monotonic.
	sort.Strings(keys)

	out := make([]Bucket, 0, len(keys))
	for _, key := range keys {
		out = append(out, Bucket{Period: key, Count: counts[key]})
	}
	return out, nil
}

func bucketKey(ts time.Time, period string) string {
	switch period {
	case PeriodWeek:
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case PeriodMonth:
		return ts.Format("2006-01")
	default:
		return ts.Format("2006-01-02")
	}
}

// labeler assigns stable sequential labels within one response.
type labeler struct {
	prefix string
	seen   map[string]string
}

func newLabeler(prefix string) *labeler {
	return &labeler{prefix: prefix, seen: map[string]string{}}
}

func (l *labeler) label(id string) string {
	if label, ok := l.seen[id]; ok {
		return label
	}
	label := fmt.Sprintf("%s_%03d", l.prefix, len(l.seen)+1)
	l.seen[id] = label
	return label
}
