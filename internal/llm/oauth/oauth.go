// Package oauth implements the OAuth2 credential managers for providers
// whose auth is not a static API key: Qwen-Code (DashScope) and
// Antigravity (Google PKCE loopback). Both managers share the same
// coalescing, atomic-write, and backoff discipline defined here.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	. "github.com/roelfdiedericks/revibe/internal/logging"
)

// RefreshSkew is how far ahead of the real expiry a credential is
// treated as already expired, to absorb clock drift and in-flight
// request latency.
const RefreshSkew = 60 * time.Second

// backoffSchedule is the fixed exponential backoff used for refresh
// transport failures: 0.5s, 1s, 2s, then give up.
var backoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// Credentials is the on-disk shape shared by both managers. Fields
// unused by a given provider are left zero.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch seconds
	ResourceURL  string `json:"resource_url,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

// Expired reports whether creds need a refresh right now, applying
// RefreshSkew.
func (c Credentials) Expired(now time.Time) bool {
	return now.Add(RefreshSkew).After(time.Unix(c.ExpiresAt, 0))
}

// AuthReauthError signals that the stored refresh token itself is no
// longer valid: the caller must drive the user through onboarding again
// rather than retry.
type AuthReauthError struct {
	Provider string
	Cause    error
}

func (e *AuthReauthError) Error() string {
	return fmt.Sprintf("%s: re-authentication required: %v", e.Provider, e.Cause)
}

func (e *AuthReauthError) Unwrap() error { return e.Cause }

// loadCredentials reads and parses a credentials file. A missing file is
// reported as an AuthReauthError per the spec's filesystem-read contract.
func loadCredentials(provider, path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, &AuthReauthError{Provider: provider, Cause: err}
		}
		return Credentials{}, fmt.Errorf("oauth: reading %s credentials: %w", provider, err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("oauth: parsing %s credentials: %w", provider, err)
	}
	return c, nil
}

// atomicWriteCredentials writes creds to path via write-temp-then-rename,
// so a crash mid-write never leaves a torn or missing file: either the
// old contents survive untouched, or the new contents are fully present.
func atomicWriteCredentials(path string, c Credentials) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("oauth: marshalling credentials: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("oauth: creating credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".creds-*.tmp")
	if err != nil {
		return fmt.Errorf("oauth: creating temp credentials file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("oauth: writing temp credentials file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("oauth: chmod temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("oauth: closing temp credentials file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("oauth: renaming credentials file into place: %w", err)
	}
	return nil
}

// refreshFunc performs one network refresh attempt, returning the new
// credentials or an error. A *AuthReauthError is never retried; any other
// error is retried per backoffSchedule.
type refreshFunc func(ctx context.Context, stale Credentials) (Credentials, error)

// withBackoff runs fn, retrying transport failures per backoffSchedule.
// A reauth error or a success short-circuits immediately.
func withBackoff(ctx context.Context, provider string, stale Credentials, fn refreshFunc) (Credentials, error) {
	var lastErr error
	attempts := append([]time.Duration{0}, backoffSchedule...)
	for i, wait := range attempts {
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Credentials{}, ctx.Err()
			}
		}
		creds, err := fn(ctx, stale)
		if err == nil {
			return creds, nil
		}
		var reauth *AuthReauthError
		if errors.As(err, &reauth) {
			return Credentials{}, err
		}
		lastErr = err
		L_warn("oauth: refresh attempt failed", "provider", provider, "attempt", i+1, "err", err)
	}
	return Credentials{}, fmt.Errorf("oauth: %s refresh failed after %d attempts: %w", provider, len(attempts), lastErr)
}

// manager is the shared coalescing/caching core both provider-specific
// managers embed.
type manager struct {
	provider string
	path     string
	group    singleflight.Group

	mu    chan struct{} // 1-buffered mutex guarding cached below
	cached Credentials
	loaded bool
}

func newManager(provider, path string) *manager {
	m := &manager{provider: provider, path: path, mu: make(chan struct{}, 1)}
	m.mu <- struct{}{}
	return m
}

func (m *manager) lock()   { <-m.mu }
func (m *manager) unlock() { m.mu <- struct{}{} }

// ensure loads the cached credentials (from disk on first use), and
// triggers a coalesced refresh via refresh when forced or expired.
// Concurrent callers within the same contended window share one
// in-flight refresh call courtesy of singleflight.
func (m *manager) ensure(ctx context.Context, forceRefresh bool, refresh refreshFunc) (Credentials, error) {
	m.lock()
	if !m.loaded {
		creds, err := loadCredentials(m.provider, m.path)
		if err != nil {
			m.unlock()
			return Credentials{}, err
		}
		m.cached = creds
		m.loaded = true
	}
	current := m.cached
	m.unlock()

	if !forceRefresh && !current.Expired(time.Now()) {
		return current, nil
	}

	v, err, _ := m.group.Do(m.provider, func() (any, error) {
		// Re-check under the group: another goroutine may have just
		// refreshed while we waited to enter Do.
		m.lock()
		cur := m.cached
		m.unlock()
		if !forceRefresh && !cur.Expired(time.Now()) {
			return cur, nil
		}
		fresh, err := withBackoff(ctx, m.provider, cur, refresh)
		if err != nil {
			return Credentials{}, err
		}
		if err := atomicWriteCredentials(m.path, fresh); err != nil {
			return Credentials{}, err
		}
		m.lock()
		m.cached = fresh
		m.unlock()
		return fresh, nil
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}
