package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Provider configures the chat-automation bridge (the local sidecar that
	// drives the desktop chat client and exposes it over HTTP).
	Provider ProviderConfig `json:"provider"`

	// Accounting configures the remote smart-accounting classification API.
	Accounting AccountingConfig `json:"accounting"`

	// Monitor controls per-channel polling and filtering.
	Monitor MonitorConfig `json:"monitor"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty"`
	Alerts  *AlertsConfig  `json:"alerts,omitempty"`
	Pprof   *PprofConfig   `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ProviderConfig configures the chat bridge HTTP client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - base_url: "http://127.0.0.1:8350"
//   - timeout: "10s"
//   - send_rate_per_sec: 0.5 (one send per 2s; UI automation is slow)
//   - send_burst: 1
type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	// APIKey is sent as X-API-Key on every bridge call. Do not log.
	APIKey  string `json:"api_key"`
	Timeout string `json:"timeout,omitempty"`

	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
	SendBurst      int     `json:"send_burst,omitempty"`
}

// AccountingConfig configures the classification API client.
//
// Token is the bearer token used for API auth. Email/Password are optional:
// when set and Token is empty, the app logs in at startup and uses the
// returned session token instead.
type AccountingConfig struct {
	ServerURL     string `json:"server_url"`
	Token         string `json:"token"`
	AccountBookID string `json:"account_book_id"`
	// Timeout is a Go duration string. Default "30s".
	Timeout string `json:"timeout,omitempty"`

	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// MonitorConfig controls the channel pollers.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "5s"
//   - error_backoff: "10s"
//   - drain_attempts: 3
//   - drain_delay: "2s"
type MonitorConfig struct {
	// Channels is the list of chat names to monitor. Hot-reloadable:
	// additions start a new poller, removals stop and remove the channel.
	Channels []string `json:"channels"`

	PollInterval  string `json:"poll_interval,omitempty"`
	ErrorBackoff  string `json:"error_backoff,omitempty"`
	DrainAttempts int    `json:"drain_attempts,omitempty"`
	DrainDelay    string `json:"drain_delay,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./ledgerbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HealthConfig controls the periodic accounting-API connection check.
//
// Schedule accepts a cron spec ("*/5 * * * *") or a descriptor ("@every 5m").
type HealthConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default "@every 5m"
}

// AlertsConfig controls the optional Telegram operator-alert channel.
//
// Disabled unless both token and chat_id are set.
type AlertsConfig struct {
	Enabled bool `json:"enabled"`
	// Token is the Telegram bot token. Do not log.
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
	// MinPriority drops alerts below this priority (0 low .. 10 high).
	MinPriority int `json:"min_priority,omitempty"`
	// RatePerMin caps outbound alerts. Default 6.
	RatePerMin int `json:"rate_per_min,omitempty"`
}

// PprofConfig controls the optional profiling HTTP server. Binding beyond
// loopback requires token or allow_insecure.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`   // default "127.0.0.1:6060"
	Prefix  string `json:"prefix,omitempty"` // default "/debug/pprof/"
	// Token guards the endpoints. Do not log.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Go duration strings.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
