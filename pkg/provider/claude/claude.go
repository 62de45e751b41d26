// Package claude polls the Anthropic OAuth usage API with the credentials
// written by the Claude Code CLI.
package claude

import (
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
	defaultUsageURL = "https://api.anthropic.com/api/oauth/usage"
	betaHeader      = "oauth-2025-04-20"

	requestTimeout = 10 * time.Second
)

// Credentials is the on-disk shape of ~/.claude/.credentials.json. The file
// is owned by the Claude Code CLI; we only read it.
type Credentials struct {
	ClaudeAiOauth struct {
		AccessToken      string `json:"accessToken"`
		RefreshToken     string `json:"refreshToken"`
		ExpiresAt        int64  `json:"expiresAt"` // ms since epoch
		SubscriptionType string `json:"subscriptionType"`
	} `json:"claudeAiOauth"`

	tokenOnly string // set when the token came from the environment
}

func (c *Credentials) AccessToken() string {
	if c.tokenOnly != "" {
		return c.tokenOnly
	}
	return c.ClaudeAiOauth.AccessToken
}

// ExpiresAt returns the token expiry, or the zero time when unknown
// (environment-supplied tokens carry no expiry).
func (c *Credentials) ExpiresAt() time.Time {
	if c.tokenOnly != "" || c.ClaudeAiOauth.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.ClaudeAiOauth.ExpiresAt)
}

// Provider implements provider.Provider for the Claude usage API.
type Provider struct {
	credPath string
	usageURL string
	client   *http.Client
	now      func() time.Time
}

// Option tweaks a Provider. Used by tests to point at fakes.
type Option func(*Provider)

// WithUsageURL overrides the usage endpoint.
func WithUsageURL(url string) Option {
	return func(p *Provider) { p.usageURL = url }
}

// WithCredentialsPath overrides the credential file location.
func WithCredentialsPath(path string) Option {
	return func(p *Provider) { p.credPath = path }
}

// WithClock overrides the wall clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates a Claude provider reading ~/.claude/.credentials.json.
func New(opts ...Option) *Provider {
	p := &Provider{
		usageURL: defaultUsageURL,
		client:   &http.Client{Timeout: requestTimeout},
		now:      time.Now,
	}
	if home, err := os.UserHomeDir(); err == nil {
		p.credPath = filepath.Join(home, ".claude", ".credentials.json")
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() provider.ID { return provider.Claude }

// LoadCredential reads the credential file, honoring CLAUDE_CODE_OAUTH_TOKEN
// as a raw-token override. Claude tokens have no refresh path here: an
// expired token is terminal until the user re-runs `claude login`.
func (p *Provider) LoadCredential() (provider.Credential, error) {
	if token := os.Getenv("CLAUDE_CODE_OAUTH_TOKEN"); token != "" {
		return &Credentials{tokenOnly: token}, nil
	}

	data, err := os.ReadFile(p.credPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", provider.ErrNoCredentials, p.credPath, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", provider.ErrNoCredentials, p.credPath, err)
	}
	if creds.ClaudeAiOauth.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing accessToken in %s", provider.ErrNoCredentials, p.credPath)
	}
	if exp := creds.ExpiresAt(); !exp.IsZero() && !p.now().Before(exp) {
		return nil, fmt.Errorf("%w: run `claude login` to re-authenticate", provider.ErrTokenExpired)
	}
	return &creds, nil
}

func (p *Provider) NeedsRefresh(cred provider.Credential, now time.Time) bool {
	return false
}

func (p *Provider) Refresh(ctx context.Context, cred provider.Credential) (provider.Credential, error) {
	return nil, provider.ErrRefreshUnsupported
}

// usageResponse matches the JSON returned by the usage API. Reset times are
// RFC3339 strings.
type usageResponse struct {
	FiveHour *usageWindow `json:"five_hour"`
	SevenDay *usageWindow `json:"seven_day"`
}

type usageWindow struct {
	Utilization float64    `json:"utilization"`
	ResetsAt    *time.Time `json:"resets_at"`
}

func (w *usageWindow) normalize() provider.WindowUsage {
	if w == nil {
		return provider.NewWindowUsage(0, nil)
	}
	return provider.NewWindowUsage(w.Utilization, w.ResetsAt)
}

// FetchUsage performs one GET against the usage endpoint.
func (p *Provider) FetchUsage(ctx context.Context, cred provider.Credential) (*provider.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.usageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken())
	req.Header.Set("anthropic-beta", betaHeader)
	req.Header.Set("Accept", "application/json")

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

	snap := &provider.Snapshot{
		Provider: provider.Claude,
		FiveHour: usage.FiveHour.normalize(),
		SevenDay: usage.SevenDay.normalize(),
	}
	if c, ok := cred.(*Credentials); ok {
		snap.PlanType = c.ClaudeAiOauth.SubscriptionType
	}
	return snap, nil
}

var _ provider.Provider = (*Provider)(nil)
