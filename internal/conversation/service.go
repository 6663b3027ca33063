package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prismdev/prism/internal/gateway"
	"github.com/prismdev/prism/internal/metrics"
)

const (
	// anonymousUserID owns sessions created before the extension has
	// completed the GitHub handshake.
	anonymousUserID = "anonymous"

	// streamHardTimeout bounds one whole streamed generation, idle or not.
	streamHardTimeout = 60 * time.Second

	// titleRuneLimit is how much of the first user message becomes the
	// session title.
	titleRuneLimit = 40

	defaultListDays  = 30
	defaultListLimit = 50
)

// Service orchestrates sessions: it persists turns, classifies them against
// the phase state machine, and calls the model gateway when a turn needs
// generated content. It is safe for concurrent use across sessions; turns
// within one session are expected to arrive serially.
type Service struct {
	store Store
	gw    gateway.Client
	log   *zap.Logger

	// Injectable for tests.
	now        func() time.Time
	newID      func() string
	streamIdle time.Duration
}

// NewService wires the orchestrator. streamIdle zero means the gateway
// default applies.
func NewService(store Store, gw gateway.Client, log *zap.Logger, streamIdle time.Duration) *Service {
	return &Service{
		store:      store,
		gw:         gw,
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,
		streamIdle: streamIdle,
	}
}

// CreateSession opens a fresh session in the idea phase. An empty userID is
// recorded as the shared anonymous owner.
func (s *Service) CreateSession(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		userID = anonymousUserID
	}
	now := s.now()
	session := &Session{
		ID:        s.newID(),
		UserID:    userID,
		Title:     fmt.Sprintf("対話セッション %s", now.Format("2006/01/02 15:04")),
		Phase:     PhaseIdea,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID))
	return session, nil
}

// SessionOwner returns the user id that owns the session.
func (s *Service) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	return s.store.SessionOwner(ctx, sessionID)
}

// ListSessionsByUser returns the owner's sessions updated within the last
// `days` days, newest first. Zero or negative days and limit fall back to the
// defaults.
func (s *Service) ListSessionsByUser(ctx context.Context, ownerID string, days, limit int) ([]SessionSummary, error) {
	if ownerID == "" {
		ownerID = anonymousUserID
	}
	if days <= 0 {
		days = defaultListDays
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	since := s.now().AddDate(0, 0, -days)
	return s.store.ListByOwner(ctx, ownerID, since, limit)
}

// ProcessMessage runs one user turn end to end and returns the persisted AI
// reply. Model output arrives in a single blocking call.
func (s *Service) ProcessMessage(ctx context.Context, sessionID, content string) (*Message, error) {
	return s.processTurn(ctx, sessionID, content, nil)
}

// ProcessMessageStream is ProcessMessage with incremental delivery: deltas of
// model-generated replies are forwarded to onDelta as they arrive. Canned
// replies and composed artifacts produce no deltas, only the returned
// message. The reply is persisted before the call returns.
func (s *Service) ProcessMessageStream(ctx context.Context, sessionID, content string, onDelta gateway.DeltaFunc) (*Message, error) {
	return s.processTurn(ctx, sessionID, content, onDelta)
}

// processTurn is the shared pipeline: persist the user turn, snapshot, let
// the state machine decide, then execute the decided action.
func (s *Service) processTurn(ctx context.Context, sessionID, content string, onDelta gateway.DeltaFunc) (*Message, error) {
	userMsg := &Message{
		ID:        s.newID(),
		SessionID: sessionID,
		Role:      RoleUser,
		Kind:      KindPlain,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	snap, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	// The first user message names the session.
	if snap.UserTurns() == 1 {
		title := truncateRunes(strings.TrimSpace(content), titleRuneLimit)
		if title != "" {
			if err := s.store.UpdateTitle(ctx, sessionID, title); err != nil {
				s.log.Warn("retitle failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}

	action := Decide(snap, content)
	metrics.TurnsProcessed.WithLabelValues(string(snap.Session.Phase), actionLabel(action.Type)).Inc()

	switch action.Type {
	case ActionStay, ActionRevise, ActionProceedRegistration, ActionAutoSuggest:
		return s.appendAI(ctx, sessionID, action.Kind, action.Message)

	case ActionAdvance:
		return s.advancePhase(ctx, snap, action.NextPhase)

	case ActionRegenerate:
		return s.generateIssueProposal(ctx, snap)

	default:
		return s.continueConversation(ctx, snap, content, onDelta)
	}
}

// continueConversation is the ordinary path: build the persona prompt, call
// the gateway, and interpret the reply.
func (s *Service) continueConversation(ctx context.Context, snap *Snapshot, content string, onDelta gateway.DeltaFunc) (*Message, error) {
	prompt := BuildPersonaPrompt(snap.Session.Phase, snap.Messages, content)

	text, err := s.generate(ctx, "chat", prompt, onDelta)
	if err != nil {
		if gateway.IsQuotaError(err) {
			s.log.Warn("quota exhausted, downgrading to apology",
				zap.String("session_id", snap.Session.ID), zap.Error(err))
			return s.appendAI(ctx, snap.Session.ID, KindPlain, quotaApologyText)
		}
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	// A bare transition sentinel means the model judged the phase exhausted;
	// the service swaps in its own confirmation prompt.
	if strings.TrimSpace(text) == SentinelTransitionSuggestion {
		if next, ok := snap.Session.Phase.Next(); ok {
			return s.appendAI(ctx, snap.Session.ID, KindPhaseConfirm, ConfirmationTextFor(next))
		}
		s.log.Error("transition suggested from terminal phase",
			zap.String("session_id", snap.Session.ID))
		return s.appendAI(ctx, snap.Session.ID, KindPlain, unexpectedTransitionText)
	}

	return s.appendAI(ctx, snap.Session.ID, KindPlain, text)
}

// advancePhase commits the transition, then produces the new phase's opening
// turn. Requirements opens with a fixed question; tasks opens with a
// generated requirements document awaiting confirmation.
func (s *Service) advancePhase(ctx context.Context, snap *Snapshot, next Phase) (*Message, error) {
	if err := s.store.UpdatePhase(ctx, snap.Session.ID, next); err != nil {
		return nil, fmt.Errorf("advance phase: %w", err)
	}
	s.log.Info("phase advanced",
		zap.String("session_id", snap.Session.ID),
		zap.String("from", string(snap.Session.Phase)),
		zap.String("to", string(next)))

	switch next {
	case PhaseRequirements:
		return s.appendAI(ctx, snap.Session.ID, KindPlain, firstQuestionRequirementsText)

	case PhaseTasks:
		doc, err := s.generate(ctx, "requirements_doc", BuildRequirementsDocPrompt(snap.Messages), nil)
		if err != nil {
			if gateway.IsQuotaError(err) {
				return s.appendAI(ctx, snap.Session.ID, KindPlain, quotaApologyText)
			}
			s.log.Error("requirements document generation failed",
				zap.String("session_id", snap.Session.ID), zap.Error(err))
			// The phase stays advanced; the user can still move on to issue
			// generation without the document.
			return s.appendAI(ctx, snap.Session.ID, KindPlain, requirementsDocFailedText)
		}
		body := requirementsDocPreambleText + strings.TrimSpace(doc) + requirementsDocConfirmText
		return s.appendAI(ctx, snap.Session.ID, KindArtifactConfirm, body)

	default:
		return nil, fmt.Errorf("advance to unknown phase %q", next)
	}
}

// generateIssueProposal runs issue extraction over the full history and
// presents the candidates for confirmation. Malformed model output degrades
// to a retryable in-conversation failure, never an API error.
func (s *Service) generateIssueProposal(ctx context.Context, snap *Snapshot) (*Message, error) {
	issues, err := s.generateIssues(ctx, snap.Messages)
	if err != nil {
		if gateway.IsQuotaError(err) {
			return s.appendAI(ctx, snap.Session.ID, KindPlain, quotaApologyText)
		}
		if me, ok := asMalformed(err); ok {
			s.log.Error("issue list unparseable",
				zap.String("session_id", snap.Session.ID),
				zap.String("raw", me.Raw),
				zap.Error(me.Err))
		} else {
			s.log.Error("issue generation failed",
				zap.String("session_id", snap.Session.ID), zap.Error(err))
		}
		return s.appendAI(ctx, snap.Session.ID, KindPlain, issueGenerationFailedText)
	}

	var b strings.Builder
	b.WriteString(issueListPreambleText)
	for i, issue := range issues {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "- **%s**\n  - %s", issue.Title, issue.Description)
	}
	b.WriteString(issueListConfirmText)
	return s.appendAI(ctx, snap.Session.ID, KindIssueConfirm, b.String())
}

// GenerateTasksFromSession extracts issue candidates from a session's full
// history. It is the REST-facing equivalent of the in-conversation proposal.
func (s *Service) GenerateTasksFromSession(ctx context.Context, sessionID string) ([]GeneratedIssue, error) {
	snap, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(snap.Messages) == 0 {
		return nil, ErrEmptyHistory
	}
	issues, err := s.generateIssues(ctx, snap.Messages)
	if err != nil {
		if me, ok := asMalformed(err); ok {
			s.log.Error("issue list unparseable",
				zap.String("session_id", sessionID),
				zap.String("raw", me.Raw),
				zap.Error(me.Err))
		}
		return nil, err
	}
	return issues, nil
}

func (s *Service) generateIssues(ctx context.Context, history []Message) ([]GeneratedIssue, error) {
	text, err := s.generate(ctx, "issues", BuildTasksPrompt(history), nil)
	if err != nil {
		return nil, err
	}
	return ParseIssueList(text)
}

// generate performs one gateway call, streaming when onDelta is set. Streamed
// calls carry a hard deadline on top of the gateway's idle watchdog.
func (s *Service) generate(ctx context.Context, op, prompt string, onDelta gateway.DeltaFunc) (string, error) {
	start := time.Now()
	defer func() {
		metrics.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if onDelta == nil {
		return s.gw.Generate(ctx, prompt)
	}
	streamCtx, cancel := context.WithTimeout(ctx, streamHardTimeout)
	defer cancel()
	return s.gw.Stream(streamCtx, prompt, onDelta, gateway.StreamOptions{IdleTimeout: s.streamIdle})
}

// appendAI persists and returns the AI reply for this turn.
func (s *Service) appendAI(ctx context.Context, sessionID string, kind Kind, content string) (*Message, error) {
	msg := &Message{
		ID:        s.newID(),
		SessionID: sessionID,
		Role:      RoleAI,
		Kind:      kind,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append ai message: %w", err)
	}
	return msg, nil
}

func asMalformed(err error) (*MalformedOutputError, bool) {
	var me *MalformedOutputError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func actionLabel(t ActionType) string {
	switch t {
	case ActionStay:
		return "stay"
	case ActionAdvance:
		return "advance"
	case ActionRevise:
		return "revise"
	case ActionProceedRegistration:
		return "proceed_registration"
	case ActionRegenerate:
		return "regenerate"
	case ActionAutoSuggest:
		return "auto_suggest"
	default:
		return "continue"
	}
}
