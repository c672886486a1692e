package assistant

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamb-project/lamb/pkg/connectors"
	"github.com/lamb-project/lamb/pkg/database"
	"github.com/lamb-project/lamb/pkg/tools"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedOwner(t *testing.T, store *database.Store, email string) int64 {
	t.Helper()
	ctx := context.Background()
	orgID, err := store.CreateOrganization(ctx, "org-"+email, "Org", false, []byte(`{"setups":{"default":{"providers":{}}}}`))
	require.NoError(t, err)
	userID, err := store.CreateCreatorUser(ctx, email, "User", orgID, "creator", nil)
	require.NoError(t, err)
	return userID
}

func seedAssistant(t *testing.T, store *database.Store, owner, name string, metadata []byte, template string) int64 {
	t.Helper()
	id, err := store.CreateAssistant(context.Background(), &database.Assistant{
		Name:           name,
		Owner:          owner,
		SystemPrompt:   "You are a helpful tutor.",
		PromptTemplate: template,
		Metadata:       metadata,
	})
	require.NoError(t, err)
	return id
}

// recordingConnector captures the dispatched request.
type recordingConnector struct {
	name    string
	request *connectors.Request
	result  *connectors.Result
	err     error
}

func (c *recordingConnector) Name() string { return c.name }

func (c *recordingConnector) Complete(ctx context.Context, req *connectors.Request) (*connectors.Result, error) {
	c.request = req
	if c.err != nil {
		return nil, c.err
	}
	if c.result != nil {
		return c.result, nil
	}
	return &connectors.Result{Completion: connectors.NewChatCompletion("stub-model", "stub answer")}, nil
}

func (c *recordingConnector) ListModels(ctx context.Context, owner string) ([]string, error) {
	return nil, nil
}

func (c *recordingConnector) StatusProbe(ctx context.Context, owner string) (*connectors.ModelStatus, error) {
	return &connectors.ModelStatus{OK: true, Status: "ok"}, nil
}

type fakeRetriever struct {
	plugin     string
	collection string
	chunks     []RetrievedChunk
}

func (r *fakeRetriever) Query(ctx context.Context, plugin, collection, queryText string, params map[string]any) ([]RetrievedChunk, error) {
	r.plugin = plugin
	r.collection = collection
	return r.chunks, nil
}

func newTestExecutor(t *testing.T, store *database.Store, connector connectors.Connector, retriever Retriever) *Executor {
	t.Helper()
	reg := connectors.NewRegistry()
	require.NoError(t, reg.RegisterConnector(connector))
	return NewExecutor(store, reg, tools.NewRegistry(), retriever)
}

func TestExecuteDispatchesToConnector(t *testing.T) {
	store := newTestStore(t)
	seedOwner(t, store, "owner@acme.edu")
	id := seedAssistant(t, store, "owner@acme.edu", "tutor",
		[]byte(`{"connector":"stub","llm":"stub-model"}`), "")

	connector := &recordingConnector{name: "stub"}
	e := newTestExecutor(t, store, connector, nil)

	result, err := e.Execute(context.Background(), id, Caller{Email: "owner@acme.edu"}, &connectors.Request{
		Messages: []connectors.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Completion)
	assert.Equal(t, "stub answer", result.Completion.Choices[0].Message.Content)

	require.NotNil(t, connector.request)
	assert.Equal(t, "stub-model", connector.request.Model)
	assert.Equal(t, "owner@acme.edu", connector.request.Owner)
	// The system prompt is prepended when absent.
	assert.Equal(t, "system", connector.request.Messages[0].Role)
}

func TestExecuteRAGSplice(t *testing.T) {
	store := newTestStore(t)
	seedOwner(t, store, "owner@acme.edu")
	id := seedAssistant(t, store, "owner@acme.edu", "tutor",
		[]byte(`{"connector":"stub","rag_processor":"simple_query","rag_collections":["docs"],"rag_top_k":2}`),
		"Context:\n{context}\n\nQuestion: {user_input}")

	connector := &recordingConnector{name: "stub"}
	retriever := &fakeRetriever{chunks: []RetrievedChunk{
		{Similarity: 0.9, Data: "Photosynthesis converts light into energy."},
	}}
	e := newTestExecutor(t, store, connector, retriever)

	_, err := e.Execute(context.Background(), id, Caller{Email: "owner@acme.edu"}, &connectors.Request{
		Messages: []connectors.Message{{Role: "user", Content: "what is photosynthesis?"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "simple_query", retriever.plugin)
	assert.Equal(t, "docs", retriever.collection)

	last := connector.request.Messages[len(connector.request.Messages)-1]
	text, ok := last.Content.(string)
	require.True(t, ok)
	assert.Contains(t, text, "Photosynthesis converts light into energy.")
	assert.Contains(t, text, "Question: what is photosynthesis?")
}

func TestExecuteAuthz(t *testing.T) {
	store := newTestStore(t)
	seedOwner(t, store, "owner@acme.edu")
	strangerID := seedOwner(t, store, "stranger@acme.edu")
	id := seedAssistant(t, store, "owner@acme.edu", "tutor", []byte(`{"connector":"stub"}`), "")

	e := newTestExecutor(t, store, &recordingConnector{name: "stub"}, nil)
	req := &connectors.Request{Messages: []connectors.Message{{Role: "user", Content: "hi"}}}

	_, err := e.Execute(context.Background(), id, Caller{Email: "stranger@acme.edu"}, req)
	assert.ErrorIs(t, err, ErrForbidden)

	// Admins pass.
	_, err = e.Execute(context.Background(), id, Caller{Email: "stranger@acme.edu", IsAdmin: true}, req)
	assert.NoError(t, err)

	// Share targets pass.
	ownerID, err := store.GetCreatorUserByEmail(context.Background(), "owner@acme.edu")
	require.NoError(t, err)
	require.NoError(t, store.AddShare(context.Background(), id, strangerID, ownerID.ID))
	_, err = e.Execute(context.Background(), id, Caller{Email: "stranger@acme.edu"}, req)
	assert.NoError(t, err)
}

func TestExecuteSoftDeletedIsNotFound(t *testing.T) {
	store := newTestStore(t)
	seedOwner(t, store, "owner@acme.edu")
	id := seedAssistant(t, store, "owner@acme.edu", "tutor", []byte(`{"connector":"stub"}`), "")
	require.NoError(t, store.SoftDeleteAssistant(context.Background(), id))

	e := newTestExecutor(t, store, &recordingConnector{name: "stub"}, nil)
	_, err := e.Execute(context.Background(), id, Caller{Email: "owner@acme.edu"}, &connectors.Request{
		Messages: []connectors.Message{{Role: "user", Content: "hi"}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteConnectorErrorBecomesMarkedCompletion(t *testing.T) {
	store := newTestStore(t)
	seedOwner(t, store, "owner@acme.edu")
	id := seedAssistant(t, store, "owner@acme.edu", "tutor", []byte(`{"connector":"stub"}`), "")

	connector := &recordingConnector{name: "stub", err: connectors.NewConfigError("no key configured")}
	e := newTestExecutor(t, store, connector, nil)

	result, err := e.Execute(context.Background(), id, Caller{Email: "owner@acme.edu"}, &connectors.Request{
		Messages: []connectors.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Completion)

	content, ok := result.Completion.Choices[0].Message.Content.(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(content, "❌"), "content %q must carry the error marker", content)
}

func TestExecutePostPluginWrapsOutput(t *testing.T) {
	store := newTestStore(t)
	seedOwner(t, store, "owner@acme.edu")
	id := seedAssistant(t, store, "owner@acme.edu", "tutor",
		[]byte(`{"connector":"stub","post_processor":"shout"}`), "")

	connector := &recordingConnector{name: "stub"}
	e := newTestExecutor(t, store, connector, nil)
	e.RegisterPostPlugin("shout", strings.ToUpper)

	result, err := e.Execute(context.Background(), id, Caller{Email: "owner@acme.edu"}, &connectors.Request{
		Messages: []connectors.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "STUB ANSWER", result.Completion.Choices[0].Message.Content)
}

func TestRenderTemplate(t *testing.T) {
	out := renderTemplate("C: {context} Q: {user_input}", "ctx", "why?")
	assert.Equal(t, "C: ctx Q: why?", out)
}

func TestReplaceLastUserMessageKeepsImages(t *testing.T) {
	messages := []connectors.Message{{
		Role: "user",
		Content: []connectors.ContentPart{
			{Type: "text", Text: "describe"},
			{Type: "image_url", ImageURL: &connectors.ImageURL{URL: "data:image/png;base64,AAAA"}},
		},
	}}

	out := replaceLastUserMessage(messages, "rendered prompt")
	parts, ok := out[0].Content.([]connectors.ContentPart)
	require.True(t, ok)
	assert.Equal(t, "rendered prompt", parts[0].Text)
	assert.Equal(t, "image_url", parts[1].Type)
}
