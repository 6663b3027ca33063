package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prismdev/prism/internal/gateway"
)

// fakeStore is an in-memory conversation.Store.
type fakeStore struct {
	sessions map[string]*Session
	messages map[string][]Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, s *Session) error {
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, m *Message) error {
	s, ok := f.sessions[m.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	m.Phase = s.Phase
	f.messages[m.SessionID] = append(f.messages[m.SessionID], *m)
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (*Snapshot, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	snap := &Snapshot{Session: *s}
	snap.Messages = append(snap.Messages, f.messages[sessionID]...)
	return snap, nil
}

func (f *fakeStore) UpdatePhase(_ context.Context, sessionID string, phase Phase) error {
	s, ok := f.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Phase = phase
	return nil
}

func (f *fakeStore) UpdateTitle(_ context.Context, sessionID, title string) error {
	s, ok := f.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Title = title
	return nil
}

func (f *fakeStore) SessionOwner(_ context.Context, sessionID string) (string, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	return s.UserID, nil
}

func (f *fakeStore) ListByOwner(_ context.Context, ownerID string, since time.Time, limit int) ([]SessionSummary, error) {
	var out []SessionSummary
	for _, s := range f.sessions {
		if s.UserID != ownerID || s.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, SessionSummary{ID: s.ID, Title: s.Title, Phase: s.Phase, UpdatedAt: s.UpdatedAt})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeGateway returns a canned reply, optionally in two stream chunks.
type fakeGateway struct {
	reply   string
	err     error
	prompts []string
}

func (g *fakeGateway) Generate(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	return g.reply, g.err
}

func (g *fakeGateway) Stream(_ context.Context, prompt string, onDelta gateway.DeltaFunc, _ gateway.StreamOptions) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
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

func newTestService(gw gateway.Client) (*Service, *fakeStore) {
	st := newFakeStore()
	svc := NewService(st, gw, zap.NewNop(), 0)
	var seq int
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		base = base.Add(time.Second)
		return base
	}
	return svc, st
}

func seedSession(st *fakeStore, phase Phase, msgs ...Message) string {
	const id = "sess"
	st.sessions[id] = &Session{ID: id, UserID: "anonymous", Title: "t", Phase: phase}
	for i := range msgs {
		msgs[i].SessionID = id
		if msgs[i].Phase == "" {
			msgs[i].Phase = phase
		}
	}
	st.messages[id] = msgs
	return id
}

func TestCreateSessionDefaults(t *testing.T) {
	svc, st := newTestService(&fakeGateway{})

	s, err := svc.CreateSession(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "anonymous", s.UserID)
	require.Equal(t, PhaseIdea, s.Phase)
	require.True(t, strings.HasPrefix(s.Title, "対話セッション "))
	require.Contains(t, st.sessions, s.ID)
}

func TestProcessMessagePlainReply(t *testing.T) {
	gw := &fakeGateway{reply: "いい質問ですね。対象ユーザーは誰ですか？"}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseIdea)

	reply, err := svc.ProcessMessage(context.Background(), id, "家計簿アプリを作りたい")
	require.NoError(t, err)
	require.Equal(t, RoleAI, reply.Role)
	require.Equal(t, KindPlain, reply.Kind)
	require.Equal(t, gw.reply, reply.Content)

	history := st.messages[id]
	require.Len(t, history, 2)
	require.Equal(t, RoleUser, history[0].Role)
	require.Equal(t, RoleAI, history[1].Role)

	// The first user message names the session.
	require.Equal(t, "家計簿アプリを作りたい", st.sessions[id].Title)
}

func TestProcessMessageTitleTruncation(t *testing.T) {
	svc, st := newTestService(&fakeGateway{reply: "ok"})
	id := seedSession(st, PhaseIdea)

	long := strings.Repeat("あ", 60)
	_, err := svc.ProcessMessage(context.Background(), id, long)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("あ", 40), st.sessions[id].Title)
}

func TestProcessMessageSentinelBecomesConfirmation(t *testing.T) {
	gw := &fakeGateway{reply: "  " + SentinelTransitionSuggestion + "\n"}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseIdea,
		userMsg("前の発言"), aiMsg(KindPlain, "前の返答"))

	reply, err := svc.ProcessMessage(context.Background(), id, "こんな感じです")
	require.NoError(t, err)
	require.Equal(t, KindPhaseConfirm, reply.Kind)
	require.Equal(t, confirmRequirementsText, reply.Content)
	// The phase itself only moves after the user agrees.
	require.Equal(t, PhaseIdea, st.sessions[id].Phase)
}

func TestProcessMessageSentinelInTerminalPhase(t *testing.T) {
	gw := &fakeGateway{reply: SentinelTransitionSuggestion}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseTasks,
		userMsg("前の発言"), aiMsg(KindPlain, "前の返答"))

	reply, err := svc.ProcessMessage(context.Background(), id, "続き")
	require.NoError(t, err)
	require.Equal(t, KindPlain, reply.Kind)
	require.Equal(t, unexpectedTransitionText, reply.Content)
}

func TestProcessMessageQuotaDowngradesToApology(t *testing.T) {
	gw := &fakeGateway{err: errors.New("googleapi: Error 429: quota exceeded")}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseIdea)

	reply, err := svc.ProcessMessage(context.Background(), id, "こんにちは")
	require.NoError(t, err)
	require.Equal(t, quotaApologyText, reply.Content)
	require.Equal(t, KindPlain, reply.Kind)
	// Both the user turn and the apology are in the history.
	require.Len(t, st.messages[id], 2)
}

func TestProcessMessageGatewayErrorPropagates(t *testing.T) {
	gw := &fakeGateway{err: errors.New("connection refused")}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseIdea)

	_, err := svc.ProcessMessage(context.Background(), id, "こんにちは")
	require.Error(t, err)
	// The user turn is persisted even when the reply fails.
	require.Len(t, st.messages[id], 1)
}

func TestProcessMessageUnknownSession(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{reply: "ok"})
	_, err := svc.ProcessMessage(context.Background(), "missing", "hello")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConfirmedAdvanceToRequirements(t *testing.T) {
	gw := &fakeGateway{reply: "unused"}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseIdea,
		userMsg("アイデアです"),
		aiMsg(KindPhaseConfirm, confirmRequirementsText))

	reply, err := svc.ProcessMessage(context.Background(), id, "はい、進めてください")
	require.NoError(t, err)
	require.Equal(t, PhaseRequirements, st.sessions[id].Phase)
	require.Equal(t, firstQuestionRequirementsText, reply.Content)
	require.Equal(t, KindPlain, reply.Kind)
	require.Empty(t, gw.prompts, "the fixed opening question never consults the model")
}

func TestAutoSuggestSkipsGateway(t *testing.T) {
	gw := &fakeGateway{reply: "unused"}
	svc, st := newTestService(gw)

	var msgs []Message
	for i := 0; i < autoSuggestIdeaTurns; i++ {
		msgs = append(msgs, userMsg("アイデアの話"), aiMsg(KindPlain, "なるほど"))
	}
	id := seedSession(st, PhaseIdea, msgs...)

	reply, err := svc.ProcessMessage(context.Background(), id, "まだ続きがあります")
	require.NoError(t, err)
	require.Equal(t, confirmRequirementsText, reply.Content)
	require.Equal(t, KindPhaseConfirm, reply.Kind)
	require.Equal(t, PhaseIdea, st.sessions[id].Phase)
	require.Empty(t, gw.prompts, "turn-count suggestion never consults the model")
}

func TestAutoSuggestTurnCountResetsOnAdvance(t *testing.T) {
	gw := &fakeGateway{reply: "ログイン機能ですね。他には？"}
	svc, st := newTestService(gw)

	// A long idea phase ends with an accepted transition.
	var msgs []Message
	for i := 0; i < 2*autoSuggestRequirementsTurns; i++ {
		msgs = append(msgs, userMsg("アイデアの話"), aiMsg(KindPlain, "なるほど"))
	}
	msgs = append(msgs, aiMsg(KindPhaseConfirm, confirmRequirementsText))
	id := seedSession(st, PhaseIdea, msgs...)

	_, err := svc.ProcessMessage(context.Background(), id, "はい、進めてください")
	require.NoError(t, err)
	require.Equal(t, PhaseRequirements, st.sessions[id].Phase)

	// The first requirements-phase turn goes to the model; the idea-phase
	// turns do not count toward the new threshold.
	reply, err := svc.ProcessMessage(context.Background(), id, "ログイン機能が欲しいです")
	require.NoError(t, err)
	require.Equal(t, KindPlain, reply.Kind)
	require.Equal(t, gw.reply, reply.Content)
	require.Len(t, gw.prompts, 1)
}

func TestConfirmedAdvanceToTasksGeneratesDocument(t *testing.T) {
	gw := &fakeGateway{reply: "# 要件定義書\n\n## 概要\nテスト"}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseRequirements,
		userMsg("機能の話"),
		aiMsg(KindPhaseConfirm, confirmTasksText))

	reply, err := svc.ProcessMessage(context.Background(), id, "はい")
	require.NoError(t, err)
	require.Equal(t, PhaseTasks, st.sessions[id].Phase)
	require.Equal(t, KindArtifactConfirm, reply.Kind)
	require.True(t, strings.HasPrefix(reply.Content, requirementsDocPreambleText))
	require.Contains(t, reply.Content, "# 要件定義書")
	require.True(t, strings.HasSuffix(reply.Content, requirementsDocConfirmText))
}

func TestAdvanceToTasksDocumentFailureKeepsPhase(t *testing.T) {
	gw := &fakeGateway{err: errors.New("upstream exploded")}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseRequirements,
		userMsg("機能の話"),
		aiMsg(KindPhaseConfirm, confirmTasksText))

	reply, err := svc.ProcessMessage(context.Background(), id, "はい")
	require.NoError(t, err)
	require.Equal(t, PhaseTasks, st.sessions[id].Phase)
	require.Equal(t, requirementsDocFailedText, reply.Content)
	require.Equal(t, KindPlain, reply.Kind)
}

func TestArtifactConfirmedGeneratesIssueList(t *testing.T) {
	gw := &fakeGateway{reply: `[{"title": "ログイン", "description": "OAuth対応"}, {"title": "検索", "description": "全文検索"}]`}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseTasks,
		userMsg("要件の話"),
		aiMsg(KindArtifactConfirm, requirementsDocPreambleText))

	reply, err := svc.ProcessMessage(context.Background(), id, "はい")
	require.NoError(t, err)
	require.Equal(t, KindIssueConfirm, reply.Kind)
	require.True(t, strings.HasPrefix(reply.Content, issueListPreambleText))
	require.Contains(t, reply.Content, "- **ログイン**\n  - OAuth対応")
	require.Contains(t, reply.Content, "- **検索**\n  - 全文検索")
	require.True(t, strings.HasSuffix(reply.Content, issueListConfirmText))
}

func TestIssueGenerationFailureDegradesInConversation(t *testing.T) {
	gw := &fakeGateway{reply: "JSONではない返答"}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseTasks,
		userMsg("要件の話"),
		aiMsg(KindArtifactConfirm, requirementsDocPreambleText))

	reply, err := svc.ProcessMessage(context.Background(), id, "はい")
	require.NoError(t, err)
	require.Equal(t, issueGenerationFailedText, reply.Content)
	require.Equal(t, KindPlain, reply.Kind)
}

func TestIssueConfirmedHandsOffToRepositorySelection(t *testing.T) {
	svc, st := newTestService(&fakeGateway{reply: "unused"})
	id := seedSession(st, PhaseTasks,
		userMsg("要件の話"),
		aiMsg(KindIssueConfirm, issueListPreambleText))

	reply, err := svc.ProcessMessage(context.Background(), id, "はい、お願いします")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(reply.Content, SentinelShowRepositorySelection))
}

func TestProcessMessageStreamForwardsDeltas(t *testing.T) {
	gw := &fakeGateway{reply: "ストリーミング応答です"}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseIdea)

	var got strings.Builder
	reply, err := svc.ProcessMessageStream(context.Background(), id, "こんにちは",
		func(delta string) error {
			got.WriteString(delta)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, gw.reply, got.String())
	require.Equal(t, gw.reply, reply.Content)
}

func TestGenerateTasksFromSession(t *testing.T) {
	gw := &fakeGateway{reply: `[{"title": "t1", "description": "d1"}]`}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseTasks, userMsg("履歴あり"))

	issues, err := svc.GenerateTasksFromSession(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, "t1", issues[0].Title)
}

func TestGenerateTasksFromEmptySession(t *testing.T) {
	gw := &fakeGateway{reply: "unused"}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseTasks)

	_, err := svc.GenerateTasksFromSession(context.Background(), id)
	require.ErrorIs(t, err, ErrEmptyHistory)
	require.Empty(t, gw.prompts, "empty history fails before any model call")
}

func TestGenerateTasksMalformedOutput(t *testing.T) {
	gw := &fakeGateway{reply: "これはJSONではありません"}
	svc, st := newTestService(gw)
	id := seedSession(st, PhaseTasks, userMsg("履歴あり"))

	_, err := svc.GenerateTasksFromSession(context.Background(), id)
	require.True(t, IsMalformedOutput(err))
}

func TestListSessionsByUserDefaultsOwner(t *testing.T) {
	svc, st := newTestService(&fakeGateway{})
	st.sessions["a"] = &Session{ID: "a", UserID: "anonymous", UpdatedAt: time.Now()}
	st.sessions["b"] = &Session{ID: "b", UserID: "someone-else", UpdatedAt: time.Now()}

	out, err := svc.ListSessionsByUser(context.Background(), "", 0, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].ID)
}
