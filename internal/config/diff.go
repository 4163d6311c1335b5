package config

import (
	"reflect"
	"sort"
	"strings"

	logx "drawbot/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{"feed": true, "storage": true}

// SummarizeChange returns the changed top-level sections plus safe log
// fields. Secrets such as the bot token are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.AlertChat != nt.AlertChat ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.AdminIDs, nt.AdminIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.admin_count", len(nt.AdminIDs)),
			logx.Bool("telegram.alert_chat_set", nt.AlertChat != 0),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.poll_interval", newCfg.Feed.PollInterval),
			logx.Int("feed.pages", newCfg.Feed.Pages),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.cache_ttl", newCfg.Broadcast.CacheTTL),
			logx.Int("broadcast.max_concurrency", newCfg.Broadcast.MaxConcurrency),
			logx.Any("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled))
	}

	if od, nd := oldCfg.Debug, newCfg.Debug; od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", nd.Addr),
			logx.Bool("debug.token_set", nd.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart filters sections whose changes are not applied live.
func NeedsRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
