// Package llm provides the adapter contract, concrete provider adapters,
// and the backend registry for the LLM backend layer.
package llm

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a BackendError independent of transport.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"        // credentials invalid, expired, or missing
	KindRateLimit   ErrorKind = "rate_limit"  // 429, optionally carrying retry-after
	KindBadRequest  ErrorKind = "bad_request" // model or payload rejected
	KindServer      ErrorKind = "server"      // 5xx
	KindTransport   ErrorKind = "transport"   // connection/timeout, no HTTP response at all
	KindPayload     ErrorKind = "payload"     // malformed response body
	KindConfig      ErrorKind = "config"      // unknown provider/model
)

// BackendError is the single structured error type every adapter returns.
// It never embeds the raw request body, API key, or OAuth token. It
// carries no rendering of the request either: RedactedRequest is a
// separate helper and is not attached to a BackendError.
type BackendError struct {
	Kind        ErrorKind
	Provider    string
	Endpoint    string
	Model       string
	Status      *int // nil when the failure never reached an HTTP response
	BodyExcerpt string
	RetryAfter  *int // seconds, RateLimit only
	Reauth      bool // true when an OAuth caller must re-onboard
	Cause       error
}

func (e *BackendError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s %s", e.Kind, e.Provider, e.Endpoint)
	if e.Model != "" {
		fmt.Fprintf(&sb, " model=%s", e.Model)
	}
	if e.Status != nil {
		fmt.Fprintf(&sb, " status=%d", *e.Status)
	}
	if e.BodyExcerpt != "" {
		fmt.Fprintf(&sb, " body=%q", e.BodyExcerpt)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

func (e *BackendError) Unwrap() error { return e.Cause }

// excerpt caps a response body for inclusion in an error message.
func excerpt(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "…"
	}
	return string(body)
}

// ClassifyStatus maps an HTTP status code to an ErrorKind, per the
// builder's status-first rule: 401/403 -> auth, 429 -> rate limit, other
// 4xx -> bad request, 5xx -> server.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 400 && status < 500:
		return KindBadRequest
	case status >= 500:
		return KindServer
	default:
		return KindBadRequest
	}
}

// NewHTTPError builds a BackendError from an HTTP status and response
// body, following the status-first classification rule.
func NewHTTPError(provider, endpoint, model string, status int, body []byte, retryAfter *int) *BackendError {
	return &BackendError{
		Kind:        ClassifyStatus(status),
		Provider:    provider,
		Endpoint:    endpoint,
		Model:       model,
		Status:      &status,
		BodyExcerpt: excerpt(body),
		RetryAfter:  retryAfter,
	}
}

// NewTransportError wraps a connection/timeout/DNS failure that never
// produced an HTTP response.
func NewTransportError(provider, endpoint, model string, cause error) *BackendError {
	return &BackendError{
		Kind:     KindTransport,
		Provider: provider,
		Endpoint: endpoint,
		Model:    model,
		Cause:    cause,
	}
}

// NewPayloadError wraps a malformed or unparseable response body.
func NewPayloadError(provider, endpoint, model string, body []byte, cause error) *BackendError {
	return &BackendError{
		Kind:        KindPayload,
		Provider:    provider,
		Endpoint:    endpoint,
		Model:       model,
		BodyExcerpt: excerpt(body),
		Cause:       cause,
	}
}

// NewConfigError reports an unknown provider or model before any request
// was attempted.
func NewConfigError(provider, model, msg string) *BackendError {
	return &BackendError{
		Kind:     KindConfig,
		Provider: provider,
		Model:    model,
		Cause:    fmt.Errorf("%s", msg),
	}
}

// NewAuthError builds an auth failure not tied to an HTTP status (e.g. a
// credential manager reporting invalid_grant). reauth marks that the
// caller must re-run onboarding rather than simply retry.
func NewAuthError(provider, endpoint string, reauth bool, cause error) *BackendError {
	return &BackendError{
		Kind:     KindAuth,
		Provider: provider,
		Endpoint: endpoint,
		Reauth:   reauth,
		Cause:    cause,
	}
}

// IsAuth reports whether err is a BackendError of kind auth.
func IsAuth(err error) bool {
	var be *BackendError
	if e, ok := err.(*BackendError); ok {
		be = e
	}
	return be != nil && be.Kind == KindAuth
}

// RedactedRequest renders the shape of an outgoing request for logging
// and error messages without any sensitive content: only message count,
// per-message role, and approximate size.
type RedactedRequest struct {
	Model        string
	MessageRoles []string
	MessageSizes []int
	ToolCount    int
	Streaming    bool
}

func (r RedactedRequest) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "model=%s messages=%d tools=%d stream=%v roles=%v sizes=%v",
		r.Model, len(r.MessageRoles), r.ToolCount, r.Streaming, r.MessageRoles, r.MessageSizes)
	return sb.String()
}
