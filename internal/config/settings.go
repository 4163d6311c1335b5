package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"
)

// Settings is a Config with defaults applied and durations parsed.
type Settings struct {
	Telegram    TelegramSettings
	Feed        FeedSettings
	Broadcast   BroadcastSettings
	Storage     StorageSettings
	Maintenance MaintenanceSettings
	Debug       DebugSettings
}

type TelegramSettings struct {
	Token       string
	AdminIDs    []int64
	AlertChat   int64
	PollTimeout time.Duration
}

type FeedSettings struct {
	URL             string
	PollInterval    time.Duration
	Timeout         time.Duration
	Pages           int
	MinRecords      int
	MaxRetries      int
	UserAgent       string
	Location        *time.Location
	SkipBacklog     bool
	BreakerFailures int
	BreakerCooldown time.Duration
}

type BroadcastSettings struct {
	CacheTTL         time.Duration
	MaxRetries       int
	RetryBase        time.Duration
	AttemptTimeout   time.Duration
	MaxConcurrency   int
	SpreadMin        time.Duration
	SpreadMax        time.Duration
	RatePerSec       float64
	ParseMode        string
	PruneUnreachable bool
	ShutdownGrace    time.Duration
}

type StorageSettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type MaintenanceSettings struct {
	Enabled     bool
	Location    *time.Location
	KeepRecords int
	Resync      string
	Prune       string
	Report      string
}

type DebugSettings struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// Resolve validates cfg and returns its effective settings.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var d durations
	s := &Settings{}

	// telegram
	s.Telegram = TelegramSettings{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		AdminIDs:    append([]int64(nil), cfg.Telegram.AdminIDs...),
		AlertChat:   cfg.Telegram.AlertChat,
		PollTimeout: d.get("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second),
	}
	if s.Telegram.Token == "" {
		return nil, fmt.Errorf("telegram.token is required (or set %s)", EnvToken)
	}

	// feed
	fc := cfg.Feed
	s.Feed = FeedSettings{
		URL:             strings.TrimSpace(fc.URL),
		PollInterval:    d.get("feed.poll_interval", fc.PollInterval, time.Second),
		Timeout:         d.get("feed.timeout", fc.Timeout, 10*time.Second),
		Pages:           orDefault(fc.Pages, 5),
		MinRecords:      orDefault(fc.MinRecords, 10),
		MaxRetries:      orDefault(fc.MaxRetries, 3),
		UserAgent:       strings.TrimSpace(fc.UserAgent),
		SkipBacklog:     boolOr(fc.SkipBacklog, true),
		BreakerFailures: orDefault(fc.Breaker.Failures, 5),
		BreakerCooldown: d.get("feed.breaker.cooldown", fc.Breaker.Cooldown, 30*time.Second),
	}
	if s.Feed.URL == "" {
		return nil, errors.New("feed.url is required")
	}
	if u, err := url.Parse(s.Feed.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("feed.url: invalid %q", s.Feed.URL)
	}
	if fc.Pages < 0 || fc.MinRecords < 0 || fc.MaxRetries < 0 || fc.Breaker.Failures < 0 {
		return nil, errors.New("feed: pages, min_records, max_retries and breaker.failures must be >= 0")
	}
	loc, err := loadLocation("feed.timezone", fc.Timezone, "Asia/Shanghai")
	if err != nil {
		return nil, err
	}
	s.Feed.Location = loc

	// broadcast
	bc := cfg.Broadcast
	s.Broadcast = BroadcastSettings{
		CacheTTL:         d.get("broadcast.cache_ttl", bc.CacheTTL, 10*time.Second),
		MaxRetries:       5,
		RetryBase:        d.get("broadcast.retry_base", bc.RetryBase, 2*time.Second),
		AttemptTimeout:   d.get("broadcast.attempt_timeout", bc.AttemptTimeout, 15*time.Second),
		MaxConcurrency:   orDefault(bc.MaxConcurrency, 32),
		SpreadMin:        d.get("broadcast.spread_min", bc.SpreadMin, 100*time.Millisecond),
		SpreadMax:        d.get("broadcast.spread_max", bc.SpreadMax, 500*time.Millisecond),
		RatePerSec:       bc.RatePerSec,
		ParseMode:        strings.TrimSpace(bc.ParseMode),
		PruneUnreachable: boolOr(bc.PruneUnreachable, true),
		ShutdownGrace:    d.get("broadcast.shutdown_grace", bc.ShutdownGrace, 10*time.Second),
	}
	if bc.MaxRetries != nil {
		if *bc.MaxRetries < 0 {
			return nil, errors.New("broadcast.max_retries must be >= 0")
		}
		s.Broadcast.MaxRetries = *bc.MaxRetries
	}
	if bc.MaxConcurrency < 0 {
		return nil, errors.New("broadcast.max_concurrency must be >= 0")
	}
	if bc.RatePerSec < 0 {
		return nil, errors.New("broadcast.rate_per_sec must be >= 0")
	}
	if s.Broadcast.SpreadMax < s.Broadcast.SpreadMin {
		return nil, fmt.Errorf("broadcast.spread_max (%s) must be >= spread_min (%s)", s.Broadcast.SpreadMax, s.Broadcast.SpreadMin)
	}
	switch strings.ToLower(s.Broadcast.ParseMode) {
	case "":
		s.Broadcast.ParseMode = "Markdown"
	case "markdown", "markdownv2", "html":
	case "none":
		s.Broadcast.ParseMode = ""
	default:
		return nil, fmt.Errorf("broadcast.parse_mode: unknown %q", bc.ParseMode)
	}

	// storage
	s.Storage = StorageSettings{Driver: "sqlite", Path: "./drawbot.db"}
	if sc := cfg.Storage; sc != nil {
		if drv := strings.ToLower(strings.TrimSpace(sc.Driver)); drv != "" {
			s.Storage.Driver = drv
		}
		if p := strings.TrimSpace(sc.Path); p != "" {
			s.Storage.Path = p
		}
		s.Storage.BusyTimeout = d.get("storage.busy_timeout", sc.BusyTimeout, time.Second)
	}
	switch s.Storage.Driver {
	case "sqlite", "sqlite3", "badger", "file", "none":
	default:
		return nil, fmt.Errorf("unknown storage.driver: %s", s.Storage.Driver)
	}

	// maintenance
	mc := cfg.Maintenance
	s.Maintenance = MaintenanceSettings{
		Enabled:     mc.Enabled,
		KeepRecords: orDefault(mc.KeepRecords, 500),
		Resync:      strings.TrimSpace(mc.Jobs.Resync),
		Prune:       strings.TrimSpace(mc.Jobs.Prune),
		Report:      strings.TrimSpace(mc.Jobs.Report),
	}
	if mc.KeepRecords < 0 {
		return nil, errors.New("maintenance.keep_records must be >= 0")
	}
	mloc, err := loadLocation("maintenance.timezone", mc.Timezone, "Local")
	if err != nil {
		return nil, err
	}
	s.Maintenance.Location = mloc

	// debug
	s.Debug = DebugSettings{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
	if s.Debug.Addr == "" {
		s.Debug.Addr = "127.0.0.1:6060"
	}
	if s.Debug.Enabled {
		if _, _, err := net.SplitHostPort(s.Debug.Addr); err != nil {
			return nil, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", s.Debug.Addr, err)
		}
		if !s.Debug.AllowInsecure && s.Debug.Token == "" && !IsLoopbackAddr(s.Debug.Addr) {
			return nil, errors.New("debug: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}

	if d.err != nil {
		return nil, d.err
	}
	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func loadLocation(path, name, def string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = def
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid %q: %w", path, name, err)
	}
	return loc, nil
}

// IsLoopbackAddr reports whether host:port binds to loopback only. An empty
// host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
