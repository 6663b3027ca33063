package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/prismdev/prism/internal/github"
)

// handleOAuthStart redirects the browser to GitHub's consent screen with a
// fresh CSRF state nonce.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	state := newRequestID()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   int(stateCookieAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.gh.AuthorizeURL(state), http.StatusFound)
}

// handleOAuthCallback finishes the redirect flow: verify the state nonce,
// complete the login, bind the browser, and tell the user to return to the
// extension.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(stateCookie)
	if err != nil || state == "" || cookie.Value != state {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "state mismatch"})
		return
	}
	// Consume the nonce.
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/", MaxAge: -1})

	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "code is required"})
		return
	}

	userID, err := s.gh.CompleteLogin(r.Context(), code)
	if err != nil {
		s.requestLogger(r).Error("github login failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "github login failed"})
		return
	}
	s.setUserCookie(w, userID)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<!doctype html><html><body>" +
		"<p>GitHub連携が完了しました。このウィンドウを閉じて拡張機能に戻ってください。</p>" +
		"</body></html>"))
}

// handleOAuthExchange is the non-redirect variant used by extensions that run
// the consent flow themselves and only need the code exchanged.
func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "code is required"})
		return
	}

	userID, err := s.gh.CompleteLogin(r.Context(), req.Code)
	if err != nil {
		s.requestLogger(r).Error("github code exchange failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "github login failed"})
		return
	}
	s.setUserCookie(w, userID)
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID})
}

// handleLogout revokes the GitHub grant and unbinds the browser. It succeeds
// even when nothing was stored, so repeated logouts are harmless.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if user := s.userID(r); user != "" {
		if err := s.gh.Logout(r.Context(), user); err != nil {
			s.requestLogger(r).Warn("github grant revoke failed", zap.Error(err))
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     userCookie,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleListRepos returns the signed-in user's repositories.
func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	user := s.userID(r)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "not authenticated"})
		return
	}

	repos, err := s.gh.ListRepositories(r.Context(), user)
	if err != nil {
		if errors.Is(err, github.ErrNotAuthenticated) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "not authenticated"})
			return
		}
		s.requestLogger(r).Error("list repositories failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "github api error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

type createIssuesRequest struct {
	Repository string          `json:"repository"`
	Issues     []issueResponse `json:"issues"`
}

// handleCreateIssues files the confirmed issue candidates into the chosen
// repository, in order. A mid-batch failure reports what was already created.
func (s *Server) handleCreateIssues(w http.ResponseWriter, r *http.Request) {
	user := s.userID(r)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "not authenticated"})
		return
	}

	var req createIssuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Repository == "" || len(req.Issues) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "repository and issues are required"})
		return
	}

	created := make([]github.Issue, 0, len(req.Issues))
	for _, issue := range req.Issues {
		result, err := s.gh.CreateIssue(r.Context(), user, req.Repository, issue.Title, issue.Description)
		if err != nil {
			if errors.Is(err, github.ErrNotAuthenticated) {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "not authenticated"})
				return
			}
			s.requestLogger(r).Error("create issue failed",
				zap.String("repository", req.Repository),
				zap.String("title", issue.Title),
				zap.Error(err))
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":   "issue creation failed partway",
				"created": created,
			})
			return
		}
		created = append(created, *result)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"created": created})
}
