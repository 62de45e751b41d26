package provider

import (
	"context"
	"sync"
	"time"
)

// MockCredential is a fixed-token credential for tests.
type MockCredential struct {
	Token string
}

func (c MockCredential) AccessToken() string { return c.Token }

// MockProvider is a scriptable provider for the fetch orchestrator tests.
// Every step can be overridden; the zero behavior is a successful fetch of
// the configured snapshot.
type MockProvider struct {
	Ident ID

	mu sync.Mutex

	// Scripted behavior. Nil funcs fall back to defaults.
	LoadFunc         func() (Credential, error)
	NeedsRefreshFunc func(cred Credential, now time.Time) bool
	RefreshFunc      func(ctx context.Context, cred Credential) (Credential, error)
	FetchFunc        func(ctx context.Context, cred Credential) (*Snapshot, error)

	Snapshot Snapshot

	// Call counters, guarded by mu.
	LoadCalls    int
	RefreshCalls int
	FetchCalls   int
}

// NewMockProvider returns a mock that successfully serves a mid-usage
// snapshot for both windows.
func NewMockProvider(id ID) *MockProvider {
	reset5h := time.Now().Add(2 * time.Hour)
	reset7d := time.Now().Add(3 * 24 * time.Hour)
	return &MockProvider{
		Ident: id,
		Snapshot: Snapshot{
			Provider: id,
			FiveHour: NewWindowUsage(42, &reset5h),
			SevenDay: NewWindowUsage(17, &reset7d),
		},
	}
}

func (p *MockProvider) ID() ID { return p.Ident }

func (p *MockProvider) LoadCredential() (Credential, error) {
	p.mu.Lock()
	p.LoadCalls++
	p.mu.Unlock()
	if p.LoadFunc != nil {
		return p.LoadFunc()
	}
	return MockCredential{Token: "mock-token"}, nil
}

func (p *MockProvider) NeedsRefresh(cred Credential, now time.Time) bool {
	if p.NeedsRefreshFunc != nil {
		return p.NeedsRefreshFunc(cred, now)
	}
	return false
}

func (p *MockProvider) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	p.mu.Lock()
	p.RefreshCalls++
	p.mu.Unlock()
	if p.RefreshFunc != nil {
		return p.RefreshFunc(ctx, cred)
	}
	return nil, ErrRefreshUnsupported
}

func (p *MockProvider) FetchUsage(ctx context.Context, cred Credential) (*Snapshot, error) {
	p.mu.Lock()
	p.FetchCalls++
	p.mu.Unlock()
	if p.FetchFunc != nil {
		return p.FetchFunc(ctx, cred)
	}
	snap := p.Snapshot
	return &snap, nil
}

// Calls returns the (load, refresh, fetch) call counts.
func (p *MockProvider) Calls() (int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.LoadCalls, p.RefreshCalls, p.FetchCalls
}

var _ Provider = (*MockProvider)(nil)
