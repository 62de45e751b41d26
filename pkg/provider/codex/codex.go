// Package codex polls the ChatGPT wham usage API with the OAuth material
// written by the Codex CLI, refreshing the access token when it goes stale.
package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rmax-ai/usagebar/pkg/provider"
)

const (
	defaultUsageURL   = "https://chatgpt.com/backend-api/wham/usage"
	defaultRefreshURL = "https://auth.openai.com/oauth/token"
	refreshClientID   = "app_EMoamEEZ73f0CkXaXp7hrann"

	// Tokens older than this are refreshed proactively before use.
	refreshMaxAge = 8 * 24 * time.Hour

	requestTimeout = 10 * time.Second
)

// Credentials holds the fields we use from $CODEX_HOME/auth.json plus the
// raw document, so unrelated fields survive the read-modify-write on refresh.
type Credentials struct {
	accessToken  string
	refreshToken string
	accountID    string
	lastRefresh  time.Time // zero when absent or unparseable

	raw  map[string]any
	path string
}

func (c *Credentials) AccessToken() string { return c.accessToken }

// AccountID returns the ChatGPT account id, if present in the auth file.
func (c *Credentials) AccountID() string { return c.accountID }

// Provider implements provider.Provider for the Codex usage API.
type Provider struct {
	authPath   string
	usageURL   string
	refreshURL string
	client     *http.Client
	now        func() time.Time
}

// Option tweaks a Provider. Used by tests to point at fakes.
type Option func(*Provider)

// WithUsageURL overrides the usage endpoint.
func WithUsageURL(url string) Option {
	return func(p *Provider) { p.usageURL = url }
}

// WithRefreshURL overrides the OAuth token endpoint.
func WithRefreshURL(url string) Option {
	return func(p *Provider) { p.refreshURL = url }
}

// WithAuthPath overrides the auth.json location.
func WithAuthPath(path string) Option {
	return func(p *Provider) { p.authPath = path }
}

// WithClock overrides the wall clock used for refresh-age checks.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates a Codex provider reading $CODEX_HOME/auth.json
// (default ~/.codex/auth.json).
func New(opts ...Option) *Provider {
	p := &Provider{
		usageURL:   defaultUsageURL,
		refreshURL: defaultRefreshURL,
		client:     &http.Client{Timeout: requestTimeout},
		now:        time.Now,
	}
	codexHome := os.Getenv("CODEX_HOME")
	if codexHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			codexHome = filepath.Join(home, ".codex")
		}
	}
	p.authPath = filepath.Join(codexHome, "auth.json")
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() provider.ID { return provider.Codex }

// LoadCredential reads and validates auth.json. API-key mode is rejected:
// the wham usage endpoint only accepts OAuth tokens.
func (p *Provider) LoadCredential() (provider.Credential, error) {
	data, err := os.ReadFile(p.authPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: run `codex login` to authenticate", provider.ErrNoCredentials, p.authPath)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", provider.ErrNoCredentials, p.authPath, err)
	}

	if key := stringField(raw, "OPENAI_API_KEY"); key != "" {
		return nil, fmt.Errorf("%w: auth.json holds an API key, run `codex login` to switch to OAuth", provider.ErrNoCredentials)
	}
	tokens, _ := raw["tokens"].(map[string]any)
	if tokens == nil {
		return nil, fmt.Errorf("%w: no tokens entry in %s", provider.ErrNoCredentials, p.authPath)
	}
	creds := &Credentials{
		accessToken:  stringField(tokens, "access_token"),
		refreshToken: stringField(tokens, "refresh_token"),
		accountID:    stringField(tokens, "account_id"),
		raw:          raw,
		path:         p.authPath,
	}
	if creds.accessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token in %s", provider.ErrNoCredentials, p.authPath)
	}
	if lr := stringField(raw, "last_refresh"); lr != "" {
		if t, err := time.Parse(time.RFC3339Nano, lr); err == nil {
			creds.lastRefresh = t
		}
	}
	return creds, nil
}

// NeedsRefresh reports whether the token should be refreshed before use:
// last_refresh absent, unparseable, or at least 8 days old.
func (p *Provider) NeedsRefresh(cred provider.Credential, now time.Time) bool {
	c, ok := cred.(*Credentials)
	if !ok {
		return false
	}
	if c.lastRefresh.IsZero() {
		return true
	}
	return now.Sub(c.lastRefresh) >= refreshMaxAge
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

// Refresh exchanges the refresh token at the OAuth endpoint and persists the
// new tokens back to auth.json, preserving unrelated fields. Any failure is
// terminal for the current fetch.
func (p *Provider) Refresh(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
	c, ok := cred.(*Credentials)
	if !ok || c.refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh_token, run `codex login`", provider.ErrRefreshFailed)
	}

	body, err := json.Marshal(map[string]string{
		"client_id":     refreshClientID,
		"grant_type":    "refresh_token",
		"refresh_token": c.refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrRefreshFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.refreshURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: endpoint returned HTTP %d, run `codex login` to re-authenticate", provider.ErrRefreshFailed, resp.StatusCode)
	}

	var refreshed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", provider.ErrRefreshFailed, err)
	}
	if refreshed.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carried no access token", provider.ErrRefreshFailed)
	}

	tokens, _ := c.raw["tokens"].(map[string]any)
	if tokens == nil {
		tokens = make(map[string]any)
		c.raw["tokens"] = tokens
	}
	tokens["access_token"] = refreshed.AccessToken
	if refreshed.RefreshToken != "" {
		tokens["refresh_token"] = refreshed.RefreshToken
	}
	if refreshed.IDToken != "" {
		tokens["id_token"] = refreshed.IDToken
	}
	now := p.now().UTC()
	c.raw["last_refresh"] = now.Format(time.RFC3339Nano)

	// Write-back failures are non-fatal: the refreshed token still works
	// for this invocation, the next one just refreshes again.
	if err := writeJSONAtomic(c.path, c.raw); err != nil {
		fmt.Fprintf(os.Stderr, "usagebar: persist refreshed codex auth: %v\n", err)
	}

	next := &Credentials{
		accessToken:  refreshed.AccessToken,
		refreshToken: c.refreshToken,
		accountID:    c.accountID,
		lastRefresh:  now,
		raw:          c.raw,
		path:         c.path,
	}
	if refreshed.RefreshToken != "" {
		next.refreshToken = refreshed.RefreshToken
	}
	return next, nil
}

// usageResponse matches the wham usage payload. Reset times are Unix epoch
// seconds.
type usageResponse struct {
	PlanType  string `json:"plan_type"`
	RateLimit struct {
		PrimaryWindow   *usageWindow `json:"primary_window"`
		SecondaryWindow *usageWindow `json:"secondary_window"`
	} `json:"rate_limit"`
}

type usageWindow struct {
	UsedPercent float64 `json:"used_percent"`
	ResetAt     *int64  `json:"reset_at"`
}

func (w *usageWindow) normalize() provider.WindowUsage {
	if w == nil {
		return provider.NewWindowUsage(0, nil)
	}
	var resetsAt *time.Time
	if w.ResetAt != nil && *w.ResetAt > 0 {
		t := time.Unix(*w.ResetAt, 0).UTC()
		resetsAt = &t
	}
	return provider.NewWindowUsage(w.UsedPercent, resetsAt)
}

// FetchUsage performs one GET against the wham usage endpoint.
func (p *Provider) FetchUsage(ctx context.Context, cred provider.Credential) (*provider.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.usageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken())
	req.Header.Set("Accept", "application/json")
	if c, ok := cred.(*Credentials); ok && c.accountID != "" {
		req.Header.Set("ChatGPT-Account-Id", c.accountID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.HTTPError{StatusCode: resp.StatusCode, URL: p.usageURL}
	}

	var usage usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}

	return &provider.Snapshot{
		Provider: provider.Codex,
		PlanType: usage.PlanType,
		FiveHour: usage.RateLimit.PrimaryWindow.normalize(),
		SevenDay: usage.RateLimit.SecondaryWindow.normalize(),
	}, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// writeJSONAtomic rewrites the auth file via temp file + rename so a
// concurrent reader never sees a torn document.
func writeJSONAtomic(path string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".auth-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ provider.Provider = (*Provider)(nil)
