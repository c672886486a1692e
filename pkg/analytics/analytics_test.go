package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamb-project/lamb/pkg/database"
)

type analyticsEnv struct {
	store       *database.Store
	service     *Service
	assistantID int64
	creatorID   int64
}

func newAnalyticsEnv(t *testing.T, orgConfig string) *analyticsEnv {
	t.Helper()

	store, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	orgID, err := store.CreateOrganization(ctx, "lamb", "Lamb", true, []byte(orgConfig))
	require.NoError(t, err)

	creatorID, err := store.CreateCreatorUser(ctx, "teacher@example.edu", "Teacher", orgID, "creator", nil)
	require.NoError(t, err)

	assistantID, err := store.CreateAssistant(ctx, &database.Assistant{
		Name:  "history_tutor",
		Owner: "teacher@example.edu",
	})
	require.NoError(t, err)

	return &analyticsEnv{
		store:       store,
		service:     NewService(store),
		assistantID: assistantID,
		creatorID:   creatorID,
	}
}

// attachExternalChats creates a standalone chat store in the external
// format (JSON chat documents, epoch timestamps) and attaches it.
func (e *analyticsEnv) attachExternalChats(t *testing.T, rows []externalRow) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "external.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE chat (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		chat TEXT,
		created_at INTEGER
	)`)
	require.NoError(t, err)

	for _, r := range rows {
		doc, err := json.Marshal(map[string]any{"models": []string{r.model}})
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO chat (id, user_id, chat, created_at) VALUES (?, ?, ?, ?)`,
			r.id, r.userID, string(doc), r.createdAt.Unix())
		require.NoError(t, err)
	}

	require.NoError(t, e.store.AttachExternalChats(path))
}

type externalRow struct {
	id        string
	userID    string
	model     string
	createdAt time.Time
}

func (e *analyticsEnv) model() string {
	return fmt.Sprintf("lamb_assistant.%d", e.assistantID)
}

func TestChatsExternalAlwaysAnonymized(t *testing.T) {
	env := newAnalyticsEnv(t, `{"version":"1"}`)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	env.attachExternalChats(t, []externalRow{
		{id: "c1", userID: "alice@school.edu", model: env.model(), createdAt: base},
		{id: "c2", userID: "bob@school.edu", model: env.model(), createdAt: base.Add(time.Hour)},
		{id: "c3", userID: "alice@school.edu", model: env.model(), createdAt: base.Add(2 * time.Hour)},
		{id: "other", userID: "carol@school.edu", model: "lamb_assistant.999", createdAt: base},
	})

	usage, err := env.service.Chats(context.Background(), env.assistantID)
	require.NoError(t, err)

	require.Len(t, usage.External, 3)
	assert.Equal(t, 3, usage.TotalChats)

	// Labels are assigned by first appearance and stay stable per user.
	assert.Equal(t, "User_001", usage.External[0].User)
	assert.Equal(t, "User_002", usage.External[1].User)
	assert.Equal(t, "User_001", usage.External[2].User)

	for _, c := range usage.External {
		assert.Equal(t, "external", c.Source)
		assert.NotContains(t, c.User, "@")
	}
	assert.Equal(t, base, usage.External[0].CreatedAt)
}

func TestChatsInternalFollowsOrgPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("anonymized", func(t *testing.T) {
		env := newAnalyticsEnv(t, `{"version":"1","anonymize_chats":true}`)
		_, err := env.store.CreateChat(ctx, env.assistantID, env.creatorID, json.RawMessage(`{}`))
		require.NoError(t, err)

		usage, err := env.service.Chats(ctx, env.assistantID)
		require.NoError(t, err)
		require.Len(t, usage.Internal, 1)
		assert.Equal(t, "Creator_001", usage.Internal[0].User)
		assert.Equal(t, "internal", usage.Internal[0].Source)
	})

	t.Run("permissive policy exposes the creator email", func(t *testing.T) {
		env := newAnalyticsEnv(t, `{"version":"1"}`)
		_, err := env.store.CreateChat(ctx, env.assistantID, env.creatorID, json.RawMessage(`{}`))
		require.NoError(t, err)

		usage, err := env.service.Chats(ctx, env.assistantID)
		require.NoError(t, err)
		require.Len(t, usage.Internal, 1)
		assert.Equal(t, "teacher@example.edu", usage.Internal[0].User)
	})

	t.Run("broken org config defaults to anonymized", func(t *testing.T) {
		env := newAnalyticsEnv(t, `{not json`)
		_, err := env.store.CreateChat(ctx, env.assistantID, env.creatorID, json.RawMessage(`{}`))
		require.NoError(t, err)

		usage, err := env.service.Chats(ctx, env.assistantID)
		require.NoError(t, err)
		require.Len(t, usage.Internal, 1)
		assert.Equal(t, "Creator_001", usage.Internal[0].User)
	})
}

func TestChatsWithoutExternalStore(t *testing.T) {
	env := newAnalyticsEnv(t, `{"version":"1"}`)

	_, err := env.store.CreateChat(context.Background(), env.assistantID, env.creatorID, json.RawMessage(`{}`))
	require.NoError(t, err)

	usage, err := env.service.Chats(context.Background(), env.assistantID)
	require.NoError(t, err)
	assert.Empty(t, usage.External)
	assert.Len(t, usage.Internal, 1)
	assert.Equal(t, 1, usage.TotalChats)
}

func TestTimelineBuckets(t *testing.T) {
	env := newAnalyticsEnv(t, `{"version":"1"}`)

	env.attachExternalChats(t, []externalRow{
		{id: "c1", userID: "u1", model: env.model(), createdAt: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)},
		{id: "c2", userID: "u2", model: env.model(), createdAt: time.Date(2026, 1, 5, 17, 0, 0, 0, time.UTC)},
		{id: "c3", userID: "u1", model: env.model(), createdAt: time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)},
		{id: "c4", userID: "u3", model: env.model(), createdAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)},
	})

	ctx := context.Background()

	days, err := env.service.Timeline(ctx, env.assistantID, PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, []Bucket{
		{Period: "2026-01-05", Count: 2},
		{Period: "2026-01-12", Count: 1},
		{Period: "2026-02-01", Count: 1},
	}, days)

	weeks, err := env.service.Timeline(ctx, env.assistantID, PeriodWeek)
	require.NoError(t, err)
	assert.Equal(t, []Bucket{
		{Period: "2026-W02", Count: 2},
		{Period: "2026-W03", Count: 1},
		{Period: "2026-W05", Count: 1},
	}, weeks)

	months, err := env.service.Timeline(ctx, env.assistantID, PeriodMonth)
	require.NoError(t, err)
	assert.Equal(t, []Bucket{
		{Period: "2026-01", Count: 3},
		{Period: "2026-02", Count: 1},
	}, months)

	// Empty period falls back to daily buckets.
	fallback, err := env.service.Timeline(ctx, env.assistantID, "")
	require.NoError(t, err)
	assert.Equal(t, days, fallback)

	_, err = env.service.Timeline(ctx, env.assistantID, "hour")
	assert.ErrorContains(t, err, "invalid period")
}
