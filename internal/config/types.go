package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Omitted or
// zero values fall back to the defaults documented on each field.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Feed        FeedConfig        `json:"feed"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Debug       DebugConfig       `json:"debug"`
}

type TelegramConfig struct {
	// Token may be left empty when DRAWBOT_TOKEN is set.
	Token    string  `json:"token"`
	AdminIDs []int64 `json:"admin_ids"`
	// AlertChat receives forwarded error logs and maintenance reports (0 disables).
	AlertChat   int64  `json:"alert_chat,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default "10s"
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// FeedConfig controls the draw feed poller.
type FeedConfig struct {
	URL          string `json:"url"`
	PollInterval string `json:"poll_interval,omitempty"` // default "1s"
	Timeout      string `json:"timeout,omitempty"`       // default "10s"
	Pages        int    `json:"pages,omitempty"`         // default 5
	MinRecords   int    `json:"min_records,omitempty"`   // default 10
	MaxRetries   int    `json:"max_retries,omitempty"`   // default 3
	UserAgent    string `json:"user_agent,omitempty"`
	// Timezone of the feed's opentime values. Default "Asia/Shanghai".
	Timezone string `json:"timezone,omitempty"`
	// SkipBacklog starts a cold instance at the newest fetched key instead of
	// broadcasting history. Default true.
	SkipBacklog *bool         `json:"skip_backlog,omitempty"`
	Breaker     BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	Failures int    `json:"failures,omitempty"` // default 5
	Cooldown string `json:"cooldown,omitempty"` // default "30s"
}

// BroadcastConfig controls message caching and fan-out delivery.
type BroadcastConfig struct {
	CacheTTL string `json:"cache_ttl,omitempty"` // default "10s"
	// MaxRetries is a pointer so an explicit 0 (no retries) differs from omitted (5).
	MaxRetries     *int    `json:"max_retries,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`      // default "2s"
	AttemptTimeout string  `json:"attempt_timeout,omitempty"` // default "15s"
	MaxConcurrency int     `json:"max_concurrency,omitempty"` // default 32
	SpreadMin      string  `json:"spread_min,omitempty"`      // default "100ms"
	SpreadMax      string  `json:"spread_max,omitempty"`      // default "500ms"
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`    // 0 disables
	ParseMode      string  `json:"parse_mode,omitempty"`      // default "Markdown"
	// PruneUnreachable removes chats that blocked the bot. Default true.
	PruneUnreachable *bool  `json:"prune_unreachable,omitempty"`
	ShutdownGrace    string `json:"shutdown_grace,omitempty"` // default "10s"
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./drawbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MaintenanceConfig schedules housekeeping jobs with cron specs.
type MaintenanceConfig struct {
	Enabled     bool            `json:"enabled"`
	Timezone    string          `json:"timezone,omitempty"`
	KeepRecords int             `json:"keep_records,omitempty"` // default 500
	Jobs        MaintenanceJobs `json:"jobs"`
}

// MaintenanceJobs holds one schedule per job; empty disables that job.
// Specs accept 5 or 6 fields, descriptors ("@hourly") and "@every 10m".
type MaintenanceJobs struct {
	Resync string `json:"resync,omitempty"`
	Prune  string `json:"prune,omitempty"`
	Report string `json:"report,omitempty"`
}

// DebugConfig controls the optional HTTP endpoint serving /healthz,
// /statusz and /debug/pprof/.
//
// A non-loopback addr requires a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
