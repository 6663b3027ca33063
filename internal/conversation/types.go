package conversation

import (
	"context"
	"time"
)

// Phase is one of the three ordered conversation stages. A session only ever
// moves forward through them.
type Phase string

const (
	PhaseIdea         Phase = "idea"
	PhaseRequirements Phase = "requirements"
	PhaseTasks        Phase = "tasks"
)

var phaseRank = map[Phase]int{
	PhaseIdea:         0,
	PhaseRequirements: 1,
	PhaseTasks:        2,
}

// Next returns the phase that follows p. ok is false for the terminal phase.
func (p Phase) Next() (next Phase, ok bool) {
	switch p {
	case PhaseIdea:
		return PhaseRequirements, true
	case PhaseRequirements:
		return PhaseTasks, true
	default:
		return "", false
	}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// After reports whether p comes strictly after other in the fixed order.
func (p Phase) After(other Phase) bool {
	return phaseRank[p] > phaseRank[other]
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Kind tags AI messages structurally so the state machine does not have to
// sniff confirmation prompts back out of their text.
type Kind string

const (
	// KindPlain is any ordinary turn, user or AI.
	KindPlain Kind = "plain"
	// KindPhaseConfirm asks the user to advance to the next phase.
	KindPhaseConfirm Kind = "phase_confirm"
	// KindIssueConfirm asks the user to proceed with issue registration.
	KindIssueConfirm Kind = "issue_confirm"
	// KindArtifactConfirm asks the user to proceed with issue generation.
	KindArtifactConfirm Kind = "artifact_confirm"
	// KindPhaseDeclined marks the canned reply after the user declined a
	// phase transition, so auto-suggestion can back off for a few turns.
	KindPhaseDeclined Kind = "phase_declined"
)

// Message is one turn of a session. Messages are immutable once written and
// totally ordered by creation time within their session. Phase records which
// phase the session was in when the message was written; the store stamps it
// on append.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Kind      Kind
	Phase     Phase
	Content   string
	CreatedAt time.Time
}

// Session is the persistent conversation record.
type Session struct {
	ID        string
	UserID    string
	Title     string
	Phase     Phase
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the per-turn view of a session: the row plus its ordered
// history. It lives only for the duration of one request; the store remains
// the source of truth and is re-read at the start of every turn.
type Snapshot struct {
	Session  Session
	Messages []Message
}

// LastMessage returns the most recent message, or nil for an empty history.
func (s *Snapshot) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// UserTurns counts the user messages in the history.
func (s *Snapshot) UserTurns() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// UserTurnsInPhase counts the user messages written while the session was in
// the given phase. Turns spent in earlier phases do not carry over.
func (s *Snapshot) UserTurnsInPhase(phase Phase) int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser && m.Phase == phase {
			n++
		}
	}
	return n
}

// GeneratedIssue is one proposed unit of work extracted from model output.
// It is never persisted by this package.
type GeneratedIssue struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// SessionSummary is the read-only projection returned by session listing.
type SessionSummary struct {
	ID        string
	Title     string
	Phase     Phase
	UpdatedAt time.Time
}

// Store is the persistence collaborator. Implementations must keep messages
// of a session ordered by creation time, stamp each appended message with the
// session's phase at write time, and provide atomic per-row updates; the
// service assumes a single writer per session.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	AppendMessage(ctx context.Context, m *Message) error
	GetSession(ctx context.Context, sessionID string) (*Snapshot, error)
	UpdatePhase(ctx context.Context, sessionID string, phase Phase) error
	UpdateTitle(ctx context.Context, sessionID, title string) error
	SessionOwner(ctx context.Context, sessionID string) (string, error)
	ListByOwner(ctx context.Context, ownerID string, since time.Time, limit int) ([]SessionSummary, error)
}
