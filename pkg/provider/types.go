package provider

import (
	"context"
	"time"
)

// ID identifies a specific provider integration (e.g., "claude", "codex").
type ID string

const (
	Claude ID = "claude"
	Codex  ID = "codex"
)

// Rolling quota window lengths reported by both providers.
const (
	WindowFiveHour = 5 * time.Hour
	WindowSevenDay = 7 * 24 * time.Hour
)

// WindowUsage is a single usage window observation. Immutable once built.
type WindowUsage struct {
	// Utilization is the provider-reported percentage used, 0-100.
	Utilization float64 `json:"utilization"`
	// ResetsAt is when the window rolls over. Nil when the provider
	// reported no reset time.
	ResetsAt *time.Time `json:"resets_at,omitempty"`
	// Started is false when the window has never been activated
	// (zero utilization and no reset time).
	Started bool `json:"started"`
}

// NewWindowUsage normalizes a raw observation into a WindowUsage.
// A window with zero utilization and no reset time has not started yet.
func NewWindowUsage(utilization float64, resetsAt *time.Time) WindowUsage {
	return WindowUsage{
		Utilization: utilization,
		ResetsAt:    resetsAt,
		Started:     !(utilization == 0 && resetsAt == nil),
	}
}

// Snapshot contains the usage windows from a single successful poll.
type Snapshot struct {
	Provider ID          `json:"provider"`
	PlanType string      `json:"plan_type,omitempty"`
	FiveHour WindowUsage `json:"five_hour"`
	SevenDay WindowUsage `json:"seven_day"`
}

// Credential is the OAuth material a provider needs to call its usage API.
type Credential interface {
	// AccessToken returns the bearer token for the usage request.
	AccessToken() string
}

// Provider is the per-provider capability set consumed by the fetch
// orchestrator. The two integrations differ in credential shape, refresh
// behavior and response schema but share the cache/lock/retry skeleton,
// which lives in pkg/fetch.
type Provider interface {
	// ID returns the unique identifier for this provider.
	ID() ID

	// LoadCredential reads the provider's credential file from disk.
	// Returns ErrNoCredentials when the file is absent or incomplete and
	// ErrTokenExpired when the credential is expired with no refresh path.
	LoadCredential() (Credential, error)

	// NeedsRefresh reports whether the credential should be refreshed
	// before use. Always false for providers without a refresh path.
	NeedsRefresh(cred Credential, now time.Time) bool

	// Refresh exchanges the refresh token for a new access token and
	// persists it. Providers without a refresh path return
	// ErrRefreshUnsupported; exchange failures return ErrRefreshFailed.
	Refresh(ctx context.Context, cred Credential) (Credential, error)

	// FetchUsage performs a single usage API call with the credential.
	// HTTP-level failures are reported as *HTTPError so the orchestrator
	// can distinguish auth rejections from network faults.
	FetchUsage(ctx context.Context, cred Credential) (*Snapshot, error)
}
