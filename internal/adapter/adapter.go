// Package adapter holds the per-vendor upstream translators. Each adapter
// implements the same capability contract: validate a credential bag, refresh
// it when the vendor supports that, forward a chat completion and optionally
// enrich account info.
package adapter

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/polyrelay/polyrelay/internal/config"
)

// ProgressFunc receives adapter progress events (token refresh steps, retry
// hints). A nil sink is valid and ignored.
type ProgressFunc func(status, message string, data map[string]interface{})

// progressOrNop makes a nil progress sink safe to call.
func progressOrNop(progress ProgressFunc) ProgressFunc {
	if progress == nil {
		return func(string, string, map[string]interface{}) {}
	}
	return progress
}

// AccountInfo is the identity an adapter could establish for a credential bag.
type AccountInfo struct {
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Name     string `json:"name,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	IsGuest  bool   `json:"is_guest,omitempty"`
}

// ValidateResult is the outcome of a credential validation.
type ValidateResult struct {
	Valid       bool
	TokenType   string
	AccountInfo *AccountInfo
	Error       string
}

// Credential is a fresh access credential produced by a refresh operation.
type Credential struct {
	Type         string // access, refresh, jwt, cookie
	Value        string
	RefreshToken string
	ExpiresAt    time.Time
}

// Request carries everything an adapter needs to issue the upstream call.
type Request struct {
	// Body is the client's OpenAI-shaped request body.
	Body []byte
	// Model is the upstream model name after mapping.
	Model string
	// Stream requests an SSE response.
	Stream bool
	// APIBase overrides the adapter's default endpoint when non-empty.
	APIBase string
	// Headers is the provider's request-header template, applied after the
	// adapter's own headers.
	Headers map[string]string
}

// ForwardResult is the outcome of one upstream forward. Exactly one of Body
// and Stream is set on success.
type ForwardResult struct {
	Success bool
	Status  int
	Headers http.Header

	// Body holds the buffered upstream response for non-stream requests.
	Body []byte
	// Stream is the upstream byte stream for stream requests. The caller
	// owns closing it.
	Stream io.ReadCloser
	// SkipTransform marks Stream as already OpenAI-shaped SSE.
	SkipTransform bool

	Err     error
	Latency time.Duration
}

// Adapter is the per-vendor capability contract.
type Adapter interface {
	// Name identifies the adapter in logs.
	Name() string
	// AuthStyle is the credential style this adapter consumes.
	AuthStyle() config.AuthStyle
	// ValidateToken checks the credential bag against the vendor. Guest
	// accounts are rejected.
	ValidateToken(ctx context.Context, creds map[string]string) (*ValidateResult, error)
	// RefreshToken derives a fresh access credential. Vendors without a
	// refresh flow return (nil, nil).
	RefreshToken(ctx context.Context, creds map[string]string) (*Credential, error)
	// ForwardChatCompletion issues the upstream call.
	ForwardChatCompletion(ctx context.Context, req *Request, creds map[string]string) *ForwardResult
	// GetAccountInfo fetches identity details, or nil when unavailable.
	GetAccountInfo(ctx context.Context, creds map[string]string) (*AccountInfo, error)
}

// Registry maps auth styles to adapters.
type Registry struct {
	adapters map[config.AuthStyle]Adapter
}

// NewRegistry builds the registry with all five vendor adapters sharing one
// HTTP client and progress sink.
func NewRegistry(client *http.Client, progress ProgressFunc) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 0} // deadlines come from the request context
	}

	adapters := []Adapter{
		newTokenAdapter(client, progress),
		newRefreshAdapter(client, progress),
		newJWTSignAdapter(client, progress),
		newTicketAdapter(client, progress),
		newCompositeAdapter(client, progress),
	}

	reg := &Registry{adapters: make(map[config.AuthStyle]Adapter, len(adapters))}
	for _, a := range adapters {
		reg.adapters[a.AuthStyle()] = a
	}
	return reg
}

// ForStyle returns the adapter handling the given auth style.
func (r *Registry) ForStyle(style config.AuthStyle) (Adapter, bool) {
	a, ok := r.adapters[style]
	return a, ok
}

// failure builds an unsuccessful ForwardResult.
func failure(status int, err error, latency time.Duration) *ForwardResult {
	return &ForwardResult{Success: false, Status: status, Err: err, Latency: latency}
}
