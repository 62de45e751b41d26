package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for credential and refresh failures. All of them are
// terminal for the current fetch: the user has to re-authenticate with the
// host CLI, not retry.
var (
	// ErrNoCredentials means the credential file is absent or missing
	// required fields.
	ErrNoCredentials = errors.New("no credentials")

	// ErrTokenExpired means the access token is past its expiry and the
	// provider has no refresh path.
	ErrTokenExpired = errors.New("token expired")

	// ErrRefreshFailed means the refresh token exchange was attempted and
	// rejected by the OAuth endpoint.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrRefreshUnsupported is returned by Refresh on providers that have
	// no refresh path at all.
	ErrRefreshUnsupported = errors.New("refresh not supported")
)

// HTTPError is a non-2xx response from an upstream API.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// Status is the terminal outcome of a fetch, cached alongside the usage data
// so concurrent waiters see the same answer.
type Status string

const (
	StatusOK            Status = "ok"
	StatusNoCredentials Status = "no_credentials"
	StatusTokenExpired  Status = "token_expired"
	StatusRefreshFailed Status = "refresh_failed"
	StatusAuthError     Status = "auth_error"
	StatusNetworkError  Status = "network_error"
)

// StatusFor maps an error from the fetch pipeline to its terminal status.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNoCredentials):
		return StatusNoCredentials
	case errors.Is(err, ErrTokenExpired):
		return StatusTokenExpired
	case errors.Is(err, ErrRefreshFailed):
		return StatusRefreshFailed
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 401 || httpErr.StatusCode == 403 {
			return StatusAuthError
		}
	}
	return StatusNetworkError
}

// Label returns the short fixed label rendered for this status.
// The renderer never surfaces raw error detail in status bar text.
func (s Status) Label() string {
	switch s {
	case StatusNoCredentials:
		return "No Creds"
	case StatusTokenExpired:
		return "Token Exp"
	case StatusRefreshFailed:
		return "Refresh Err"
	case StatusAuthError:
		return "Auth Err"
	case StatusNetworkError:
		return "Net Err"
	default:
		return ""
	}
}
