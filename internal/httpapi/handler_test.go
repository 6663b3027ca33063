package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prismdev/prism/internal/conversation"
	"github.com/prismdev/prism/internal/gateway"
	"github.com/prismdev/prism/internal/github"
	"github.com/prismdev/prism/internal/store"
)

// memStore is an in-memory conversation.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*conversation.Session
	messages map[string][]conversation.Message
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*conversation.Session),
		messages: make(map[string][]conversation.Message),
	}
}

func (m *memStore) CreateSession(_ context.Context, s *conversation.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) AppendMessage(_ context.Context, msg *conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return conversation.ErrSessionNotFound
	}
	msg.Phase = s.Phase
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], *msg)
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*conversation.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, conversation.ErrSessionNotFound
	}
	snap := &conversation.Snapshot{Session: *s}
	snap.Messages = append(snap.Messages, m.messages[id]...)
	return snap, nil
}

func (m *memStore) UpdatePhase(_ context.Context, id string, phase conversation.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return conversation.ErrSessionNotFound
	}
	s.Phase = phase
	return nil
}

func (m *memStore) UpdateTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return conversation.ErrSessionNotFound
	}
	s.Title = title
	return nil
}

func (m *memStore) SessionOwner(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", conversation.ErrSessionNotFound
	}
	return s.UserID, nil
}

func (m *memStore) ListByOwner(_ context.Context, owner string, since time.Time, limit int) ([]conversation.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []conversation.SessionSummary
	for _, s := range m.sessions {
		if s.UserID != owner || s.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, conversation.SessionSummary{
			ID: s.ID, Title: s.Title, Phase: s.Phase, UpdatedAt: s.UpdatedAt,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// echoGateway answers every prompt with a fixed reply, in two chunks when
// streaming.
type echoGateway struct{ reply string }

func (g *echoGateway) Generate(context.Context, string) (string, error) {
	return g.reply, nil
}

func (g *echoGateway) Stream(_ context.Context, _ string, onDelta gateway.DeltaFunc, _ gateway.StreamOptions) (string, error) {
	runes := []rune(g.reply)
	half := len(runes) / 2
	for _, chunk := range []string{string(runes[:half]), string(runes[half:])} {
		if chunk == "" {
			continue
		}
		if err := onDelta(chunk); err != nil {
			return "", err
		}
	}
	return g.reply, nil
}

type noTokens struct{}

func (noTokens) FindOrCreateUser(context.Context, int64, string) (string, error) {
	return "", nil
}
func (noTokens) SaveTokens(context.Context, string, store.TokenRecord) error { return nil }
func (noTokens) GetTokens(context.Context, string) (*store.TokenRecord, error) {
	return nil, store.ErrNoTokens
}

func newTestServer(t *testing.T, reply string) (*httptest.Server, *memStore) {
	t.Helper()
	st := newMemStore()
	svc := conversation.NewService(st, &echoGateway{reply: reply}, zap.NewNop(), 0)
	gh := github.NewClient(github.Config{ClientID: "x", ClientSecret: "y"}, noTokens{}, zap.NewNop())
	srv := httptest.NewServer(NewServer(svc, gh, zap.NewNop(), nil, time.Millisecond))
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, client *http.Client, url string, body any, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "ok")

	resp, err := http.Get(srv.URL + "/conversations/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[map[string]string](t, resp)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "conversations", body["service"])
}

func TestCreateSessionEndpoint(t *testing.T) {
	srv, st := newTestServer(t, "ok")

	resp := postJSON(t, http.DefaultClient, srv.URL+"/sessions", map[string]string{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeJSON[sessionResponse](t, resp)
	require.NotEmpty(t, body.SessionID)
	require.Equal(t, "idea", body.Phase)
	require.Equal(t, "anonymous", st.sessions[body.SessionID].UserID)
}

func TestChatCreatesSessionWhenMissing(t *testing.T) {
	srv, st := newTestServer(t, "いいアイデアですね。誰が使いますか？")

	resp := postJSON(t, http.DefaultClient, srv.URL+"/conversations/chat",
		chatRequest{Message: "家計簿アプリを作りたい"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[chatResponse](t, resp)
	require.NotEmpty(t, body.SessionID)
	require.Equal(t, "ai", body.Message.Role)
	require.Equal(t, "いいアイデアですね。誰が使いますか？", body.Message.Content)
	require.Len(t, st.messages[body.SessionID], 2)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	srv, _ := newTestServer(t, "ok")
	resp := postJSON(t, http.DefaultClient, srv.URL+"/conversations/chat", chatRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestChatUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, "ok")
	resp := postJSON(t, http.DefaultClient, srv.URL+"/conversations/chat",
		chatRequest{SessionID: "missing", Message: "hello"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestChatEnforcesOwnership(t *testing.T) {
	srv, st := newTestServer(t, "ok")
	st.sessions["owned"] = &conversation.Session{
		ID: "owned", UserID: "user-a", Phase: conversation.PhaseIdea,
	}

	resp := postJSON(t, http.DefaultClient, srv.URL+"/conversations/chat",
		chatRequest{SessionID: "owned", Message: "hello"},
		&http.Cookie{Name: userCookie, Value: "user-b"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// The owner gets through.
	resp = postJSON(t, http.DefaultClient, srv.URL+"/conversations/chat",
		chatRequest{SessionID: "owned", Message: "hello"},
		&http.Cookie{Name: userCookie, Value: "user-a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestListSessionsScopedToCookieUser(t *testing.T) {
	srv, st := newTestServer(t, "ok")
	now := time.Now()
	st.sessions["mine"] = &conversation.Session{ID: "mine", UserID: "user-a", UpdatedAt: now}
	st.sessions["other"] = &conversation.Session{ID: "other", UserID: "user-b", UpdatedAt: now}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/conversations", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: userCookie, Value: "user-a"})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[map[string][]sessionSummaryResponse](t, resp)
	require.Len(t, body["sessions"], 1)
	require.Equal(t, "mine", body["sessions"][0].SessionID)
}

func TestGenerateTasksEndpoint(t *testing.T) {
	srv, st := newTestServer(t, `[{"title": "t1", "description": "d1"}]`)
	now := time.Now()
	st.sessions["s1"] = &conversation.Session{
		ID: "s1", UserID: "anonymous", Phase: conversation.PhaseTasks, UpdatedAt: now,
	}
	st.messages["s1"] = []conversation.Message{{
		ID: "m1", SessionID: "s1", Role: conversation.RoleUser,
		Kind: conversation.KindPlain, Content: "要件の話", CreatedAt: now,
	}}

	resp := postJSON(t, http.DefaultClient, srv.URL+"/conversations/s1/tasks", map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON[map[string][]issueResponse](t, resp)
	require.Len(t, body["issues"], 1)
	require.Equal(t, "t1", body["issues"][0].Title)
}

func TestGenerateTasksEmptyHistory(t *testing.T) {
	srv, st := newTestServer(t, "unused")
	st.sessions["s1"] = &conversation.Session{ID: "s1", UserID: "anonymous"}

	resp := postJSON(t, http.DefaultClient, srv.URL+"/conversations/s1/tasks", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPoliciesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "unused")

	resp, err := http.Get(srv.URL + "/policies")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/markdown; charset=utf-8", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "# プライバシーポリシー")
	// The policy documents the user cookie's attributes.
	require.Contains(t, string(body), userCookie)
	require.Contains(t, string(body), "SameSite=None")
}

func TestCORSPreflight(t *testing.T) {
	st := newMemStore()
	svc := conversation.NewService(st, &echoGateway{reply: "ok"}, zap.NewNop(), 0)
	gh := github.NewClient(github.Config{}, noTokens{}, zap.NewNop())
	srv := httptest.NewServer(NewServer(svc, gh, zap.NewNop(),
		[]string{"chrome-extension://abc"}, time.Millisecond))
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/conversations/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "chrome-extension://abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "chrome-extension://abc", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	// Unlisted origins get no CORS grant.
	req, err = http.NewRequest(http.MethodOptions, srv.URL+"/conversations/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := newTestServer(t, "ok")

	resp, err := http.Get(srv.URL + "/conversations/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}
