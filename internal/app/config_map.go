package app

import (
	"drawbot/internal/config"
	"drawbot/internal/delivery"
	"drawbot/internal/feed"
	"drawbot/internal/maintenance"
	"drawbot/internal/observability/debug"
	"drawbot/internal/poller"
	"drawbot/internal/storage"
	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func feedConfig(s *config.Settings) feed.Config {
	return feed.Config{
		URL:             s.Feed.URL,
		Timeout:         s.Feed.Timeout,
		Pages:           s.Feed.Pages,
		MinRecords:      s.Feed.MinRecords,
		MaxRetries:      s.Feed.MaxRetries,
		UserAgent:       s.Feed.UserAgent,
		BreakerFailures: uint32(s.Feed.BreakerFailures),
		BreakerCooldown: s.Feed.BreakerCooldown,
		Location:        s.Feed.Location,
	}
}

func deliverConfig(s *config.Settings) delivery.DeliverConfig {
	return delivery.DeliverConfig{
		MaxRetries:     s.Broadcast.MaxRetries,
		RetryBase:      s.Broadcast.RetryBase,
		AttemptTimeout: s.Broadcast.AttemptTimeout,
		ParseMode:      s.Broadcast.ParseMode,
		DisablePreview: true,
	}
}

func dispatchConfig(s *config.Settings) delivery.DispatchConfig {
	return delivery.DispatchConfig{
		MaxConcurrency: s.Broadcast.MaxConcurrency,
		SpreadMin:      s.Broadcast.SpreadMin,
		SpreadMax:      s.Broadcast.SpreadMax,
		RatePerSec:     s.Broadcast.RatePerSec,
	}
}

func pollerConfig(s *config.Settings) poller.Config {
	return poller.Config{
		Interval:      s.Feed.PollInterval,
		CacheTTL:      s.Broadcast.CacheTTL,
		ShutdownGrace: s.Broadcast.ShutdownGrace,
		SkipBacklog:   s.Feed.SkipBacklog,
	}
}

func storageConfig(s *config.Settings) storage.Config {
	return storage.Config{
		Driver:      s.Storage.Driver,
		Path:        s.Storage.Path,
		BusyTimeout: s.Storage.BusyTimeout,
	}
}

func maintenanceConfig(s *config.Settings) maintenance.Config {
	return maintenance.Config{Enabled: s.Maintenance.Enabled, Location: s.Maintenance.Location}
}

func (a *App) maintenanceJobs(s *config.Settings) []maintenance.Job {
	log := a.log.With(logx.String("comp", "maintenance"))
	return []maintenance.Job{
		maintenance.ResyncJob(s.Maintenance.Resync, a.registry, log),
		maintenance.PruneJob(s.Maintenance.Prune, a.store, s.Maintenance.KeepRecords, log),
		maintenance.ReportJob(s.Maintenance.Report, a.statusText, a.adapter, func() transport.Recipient {
			return transport.Recipient(a.settingsNow().Telegram.AlertChat)
		}),
	}
}

func debugConfig(s *config.Settings) debug.Config {
	return debug.Config{Enabled: s.Debug.Enabled, Addr: s.Debug.Addr, Token: s.Debug.Token}
}
