package config

import "time"

// AuthStyle selects the upstream adapter used for a provider's accounts.
type AuthStyle string

const (
	AuthStyleToken     AuthStyle = "token"
	AuthStyleRefresh   AuthStyle = "refresh_token"
	AuthStyleJWT       AuthStyle = "jwt"
	AuthStyleCookie    AuthStyle = "cookie"
	AuthStyleComposite AuthStyle = "composite"
)

// AccountStatus is the lifecycle state of an upstream account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
	AccountExpired  AccountStatus = "expired"
	AccountError    AccountStatus = "error"
)

// Provider is one upstream vendor configuration.
type Provider struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Enabled         bool              `json:"enabled"`
	AuthStyle       AuthStyle         `json:"auth_style"`
	APIBase         string            `json:"api_base"`
	SupportedModels []string          `json:"supported_models,omitempty"` // entries may end with '*'; empty list supports everything
	ModelMappings   map[string]string `json:"model_mappings,omitempty"`   // requested model -> upstream model
	Headers         map[string]string `json:"headers,omitempty"`          // extra request headers
}

// SupportsModel reports whether the provider accepts model. An empty
// supported-models list is treated as supporting everything; entries match
// exactly or as case-insensitive prefix wildcards ("glm-*").
func (p *Provider) SupportsModel(model string) bool {
	if len(p.SupportedModels) == 0 {
		return true
	}
	for _, pattern := range p.SupportedModels {
		if MatchModelPattern(pattern, model) {
			return true
		}
	}
	return false
}

// Account is one credential bag bound to a provider.
type Account struct {
	ID           string            `json:"id"`
	ProviderID   string            `json:"provider_id"`
	Name         string            `json:"name"`
	Enabled      bool              `json:"enabled"`
	Status       AccountStatus     `json:"status"`
	Credentials  map[string]string `json:"credentials,omitempty"`
	DailyLimit   int64             `json:"daily_limit,omitempty"` // 0 = unlimited
	RequestCount int64             `json:"request_count"`
	TodayUsed    int64             `json:"today_used"`
	LastUsed     time.Time         `json:"last_used,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Selectable reports whether the account may serve new requests: enabled,
// active and under its daily limit.
func (a *Account) Selectable() bool {
	if !a.Enabled || a.Status != AccountActive {
		return false
	}
	if a.DailyLimit > 0 && a.TodayUsed >= a.DailyLimit {
		return false
	}
	return true
}

// ModelMapping rewrites a requested model to the upstream model, optionally
// pinning the provider or account that should serve it. Mappings are matched
// in insertion order; the request model may contain a '*' wildcard.
type ModelMapping struct {
	RequestModel        string `json:"request_model"`
	ActualModel         string `json:"actual_model"`
	PreferredProviderID string `json:"preferred_provider_id,omitempty"`
	PreferredAccountID  string `json:"preferred_account_id,omitempty"`
}

// Settings is the gateway-level configuration snapshot.
type Settings struct {
	Host                string         `json:"host"`
	Port                int            `json:"port"`
	TimeoutMs           int            `json:"timeout_ms"`
	MaxConnections      int            `json:"max_connections"`
	CORSEnabled         bool           `json:"cors_enabled"`
	CORSOrigin          string         `json:"cors_origin"`
	LoadBalanceStrategy string         `json:"load_balance_strategy"`
	EnableAPIKey        bool           `json:"enable_api_key"`
	APIKeys             []string       `json:"api_keys,omitempty"`
	JWTSecret           string         `json:"jwt_secret,omitempty"`
	ModelMappings       []ModelMapping `json:"model_mappings,omitempty"`
}

// Defaults applied when fields are absent from the config file.
const (
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 8080
	DefaultTimeoutMs = 120000
	DefaultStrategy  = "round-robin"
)

// ApplyDefaults fills zero-valued settings with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.TimeoutMs == 0 {
		s.TimeoutMs = DefaultTimeoutMs
	}
	if s.LoadBalanceStrategy == "" {
		s.LoadBalanceStrategy = DefaultStrategy
	}
}

// LogEntry is one collaborator log record kept in the in-memory ring.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}
