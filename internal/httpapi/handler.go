// Package httpapi exposes the service over REST and WebSocket for the
// browser extension.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prismdev/prism/internal/conversation"
	"github.com/prismdev/prism/internal/github"
)

const (
	// userCookie binds a browser to an internal user id. It survives the
	// OAuth handshake and is sent cross-site from the extension, hence
	// SameSite=None.
	userCookie    = "prism_uid"
	userCookieAge = 30 * 24 * time.Hour

	// stateCookie carries the OAuth CSRF nonce between redirect and
	// callback.
	stateCookie    = "prism_oauth_state"
	stateCookieAge = 10 * time.Minute
)

// Server is the HTTP surface. It owns no domain state; everything delegates
// to the conversation service and the GitHub client.
type Server struct {
	svc      *conversation.Service
	gh       *github.Client
	log      *zap.Logger
	upgrader websocket.Upgrader

	dripInterval time.Duration
	origins      map[string]bool
}

// NewServer wires the routes and middleware into a handler.
func NewServer(svc *conversation.Service, gh *github.Client, log *zap.Logger, allowedOrigins []string, dripInterval time.Duration) http.Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	s := &Server{
		svc:          svc,
		gh:           gh,
		log:          log,
		dripInterval: dripInterval,
		origins:      origins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /conversations/health", s.handleHealth)
	mux.HandleFunc("GET /conversations", s.handleListSessions)
	mux.HandleFunc("POST /conversations/chat", s.handleChat)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /conversations/{id}/tasks", s.handleGenerateTasks)

	mux.HandleFunc("GET /policies", s.handlePolicies)

	mux.HandleFunc("GET /github/oauth", s.handleOAuthStart)
	mux.HandleFunc("GET /github/callback", s.handleOAuthCallback)
	mux.HandleFunc("POST /github/exchange", s.handleOAuthExchange)
	mux.HandleFunc("POST /github/logout", s.handleLogout)
	mux.HandleFunc("GET /github/repos", s.handleListRepos)
	mux.HandleFunc("POST /github/issues", s.handleCreateIssues)

	mux.HandleFunc("GET /ws/connect", s.handleWebSocket)

	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withMiddleware(mux)
}

// --- DTOs ---

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type messageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

type chatResponse struct {
	SessionID string          `json:"sessionId"`
	Message   messageResponse `json:"message"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Phase     string `json:"phase"`
}

type sessionSummaryResponse struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Phase     string `json:"phase"`
	UpdatedAt int64  `json:"updatedAt"`
}

type issueResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toMessageResponse(m *conversation.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		Role:      string(m.Role),
		Kind:      string(m.Kind),
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
}

// --- conversation handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "conversations",
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.svc.CreateSession(r.Context(), s.userID(r))
	if err != nil {
		s.internalError(w, r, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID: session.ID,
		Title:     session.Title,
		Phase:     string(session.Phase),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	user := s.userID(r)
	sessionID := req.SessionID
	if sessionID == "" {
		session, err := s.svc.CreateSession(r.Context(), user)
		if err != nil {
			s.internalError(w, r, "create session", err)
			return
		}
		sessionID = session.ID
	} else if !s.authorizeSession(w, r, sessionID, user) {
		return
	}

	reply, err := s.svc.ProcessMessage(r.Context(), sessionID, req.Message)
	if err != nil {
		if errors.Is(err, conversation.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
			return
		}
		s.internalError(w, r, "process message", err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		SessionID: sessionID,
		Message:   toMessageResponse(reply),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 0)
	limit := queryInt(r, "limit", 0)

	sessions, err := s.svc.ListSessionsByUser(r.Context(), s.userID(r), days, limit)
	if err != nil {
		s.internalError(w, r, "list sessions", err)
		return
	}
	out := make([]sessionSummaryResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummaryResponse{
			SessionID: sess.ID,
			Title:     sess.Title,
			Phase:     string(sess.Phase),
			UpdatedAt: sess.UpdatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGenerateTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !s.authorizeSession(w, r, sessionID, s.userID(r)) {
		return
	}

	issues, err := s.svc.GenerateTasksFromSession(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrSessionNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		case errors.Is(err, conversation.ErrEmptyHistory):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "conversation history is empty"})
		case conversation.IsMalformedOutput(err):
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "model output could not be parsed"})
		default:
			s.internalError(w, r, "generate tasks", err)
		}
		return
	}

	out := make([]issueResponse, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issueResponse{Title: issue.Title, Description: issue.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": out})
}

// --- helpers ---

// userID resolves the browser's user id cookie; absent means the shared
// anonymous user.
func (s *Server) userID(r *http.Request) string {
	if c, err := r.Cookie(userCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// authorizeSession enforces that the requesting browser owns the session.
// It writes the error response itself and reports whether to continue.
func (s *Server) authorizeSession(w http.ResponseWriter, r *http.Request, sessionID, user string) bool {
	owner, err := s.svc.SessionOwner(r.Context(), sessionID)
	if errors.Is(err, conversation.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return false
	}
	if err != nil {
		s.internalError(w, r, "resolve session owner", err)
		return false
	}
	if user == "" {
		user = "anonymous"
	}
	if owner != user {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "session belongs to another user"})
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.requestLogger(r).Error(msg, zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (s *Server) setUserCookie(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     userCookie,
		Value:    userID,
		Path:     "/",
		MaxAge:   int(userCookieAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func newRequestID() string { return uuid.NewString() }
