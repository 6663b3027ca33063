// Package github handles the OAuth handshake with GitHub and the small slice
// of its REST API the service needs: the signed-in user's profile, their
// repositories, and issue creation.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prismdev/prism/internal/store"
)

const (
	defaultOAuthBaseURL = "https://github.com/login/oauth"
	defaultAPIBaseURL   = "https://api.github.com"

	// userAgent identifies the service to GitHub; the API rejects requests
	// without one.
	userAgent = "Prism-extension"

	// refreshSlack renews access tokens this long before their recorded
	// expiry so in-flight calls do not race the deadline.
	refreshSlack = 60 * time.Second
)

// ErrNotAuthenticated is returned when a user has no usable GitHub tokens.
var ErrNotAuthenticated = errors.New("github: user not authenticated")

// Config carries the OAuth app credentials. The base URLs default to
// github.com and exist for tests.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	OAuthBaseURL string
	APIBaseURL   string
}

// TokenStore persists the mapping from GitHub accounts to internal users and
// their token pairs.
type TokenStore interface {
	FindOrCreateUser(ctx context.Context, githubID int64, username string) (string, error)
	SaveTokens(ctx context.Context, userID string, t store.TokenRecord) error
	GetTokens(ctx context.Context, userID string) (*store.TokenRecord, error)
}

// Client is the GitHub integration. All API calls go through per-user access
// tokens that are refreshed transparently when near expiry.
type Client struct {
	cfg    Config
	httpc  *http.Client
	tokens TokenStore
	log    *zap.Logger
}

// NewClient wires a GitHub client.
func NewClient(cfg Config, tokens TokenStore, log *zap.Logger) *Client {
	if cfg.OAuthBaseURL == "" {
		cfg.OAuthBaseURL = defaultOAuthBaseURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	cfg.OAuthBaseURL = strings.TrimRight(cfg.OAuthBaseURL, "/")
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
		log:    log,
	}
}

// TokenResponse is GitHub's OAuth token payload. Expiring-token apps get
// refresh fields; classic apps leave them zero.
type TokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	TokenType             string `json:"token_type"`
	Scope                 string `json:"scope"`

	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// UserProfile is the slice of GET /user the service reads.
type UserProfile struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Repository is a repository the user can file issues in.
type Repository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// Issue is a created issue.
type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
}

// AuthorizeURL builds the browser redirect that starts the OAuth flow. state
// is the CSRF nonce echoed back on the callback.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{
		"client_id":    {c.cfg.ClientID},
		"redirect_uri": {c.cfg.RedirectURI},
		"scope":        {"repo read:user"},
		"state":        {state},
	}
	return c.cfg.OAuthBaseURL + "/authorize?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
	})
}

// RefreshToken trades a refresh token for a fresh pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.OAuthBaseURL+"/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github token endpoint: status %d: %s", resp.StatusCode, body)
	}
	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.ErrorCode != "" {
		return nil, fmt.Errorf("github token endpoint: %s: %s", tr.ErrorCode, tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("github token endpoint: empty access token")
	}
	return &tr, nil
}

// RevokeToken deletes the OAuth grant for the given access token, signing
// the user out of the app on GitHub's side.
func (c *Client) RevokeToken(ctx context.Context, accessToken string) error {
	payload, err := json.Marshal(map[string]string{"access_token": accessToken})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.cfg.APIBaseURL+"/applications/"+c.cfg.ClientID+"/grant",
		bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("github revoke grant: %w", err)
	}
	defer resp.Body.Close()

	// 404 means the grant was already gone, which is the desired end state.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github revoke grant: status %d: %s", resp.StatusCode, raw)
	}
	return nil
}

// Logout revokes the user's stored grant. Missing tokens are not an error;
// logout is idempotent.
func (c *Client) Logout(ctx context.Context, userID string) error {
	rec, err := c.tokens.GetTokens(ctx, userID)
	if errors.Is(err, store.ErrNoTokens) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.RevokeToken(ctx, rec.AccessToken)
}

// FetchProfile returns the authenticated user's id and login.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	var profile UserProfile
	if err := c.apiCall(ctx, http.MethodGet, "/user", accessToken, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// CompleteLogin finishes the OAuth flow: exchange the code, resolve the
// GitHub account to an internal user, and persist the tokens. It returns the
// internal user id the caller should bind to the browser.
func (c *Client) CompleteLogin(ctx context.Context, code string) (string, error) {
	tr, err := c.ExchangeCode(ctx, code)
	if err != nil {
		return "", err
	}
	profile, err := c.FetchProfile(ctx, tr.AccessToken)
	if err != nil {
		return "", err
	}
	userID, err := c.tokens.FindOrCreateUser(ctx, profile.ID, profile.Login)
	if err != nil {
		return "", err
	}
	if err := c.tokens.SaveTokens(ctx, userID, recordFromResponse(tr)); err != nil {
		return "", err
	}
	c.log.Info("github login completed",
		zap.String("user_id", userID),
		zap.String("login", profile.Login))
	return userID, nil
}

// ValidAccessToken returns a usable access token for the user, refreshing it
// when within refreshSlack of expiry. A zero expiry means a non-expiring
// classic token.
func (c *Client) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	rec, err := c.tokens.GetTokens(ctx, userID)
	if errors.Is(err, store.ErrNoTokens) {
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", err
	}

	if rec.AccessExpiresAt.IsZero() || rec.AccessExpiresAt.UnixMilli() == 0 ||
		time.Until(rec.AccessExpiresAt) > refreshSlack {
		return rec.AccessToken, nil
	}
	if rec.RefreshToken == "" {
		return "", ErrNotAuthenticated
	}

	tr, err := c.RefreshToken(ctx, rec.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh github token: %w", err)
	}
	// SaveTokens keeps the old refresh token when the provider omits one.
	if err := c.tokens.SaveTokens(ctx, userID, recordFromResponse(tr)); err != nil {
		return "", err
	}
	return tr.AccessToken, nil
}

// ListRepositories returns the user's repositories, most recently pushed
// first.
func (c *Client) ListRepositories(ctx context.Context, userID string) ([]Repository, error) {
	token, err := c.ValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	var repos []Repository
	if err := c.apiCall(ctx, http.MethodGet,
		"/user/repos?per_page=100&sort=pushed", token, nil, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// CreateIssue files one issue in the given "owner/repo".
func (c *Client) CreateIssue(ctx context.Context, userID, repoFullName, title, body string) (*Issue, error) {
	token, err := c.ValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	payload := map[string]string{"title": title, "body": body}
	var issue Issue
	if err := c.apiCall(ctx, http.MethodPost,
		"/repos/"+repoFullName+"/issues", token, payload, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// apiCall performs one authenticated REST call and decodes the JSON response
// into out when out is non-nil.
func (c *Client) apiCall(ctx context.Context, method, path, token string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("github api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github api %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func recordFromResponse(tr *TokenResponse) store.TokenRecord {
	rec := store.TokenRecord{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	now := time.Now()
	if tr.ExpiresIn > 0 {
		rec.AccessExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.RefreshTokenExpiresIn > 0 {
		rec.RefreshExpiresAt = now.Add(time.Duration(tr.RefreshTokenExpiresIn) * time.Second)
	}
	return rec
}
