package app

import (
	"fmt"
	"strings"
	"time"

	"ledgerbot/internal/accounting"
	"ledgerbot/internal/alerts"
	"ledgerbot/internal/config"
	"ledgerbot/internal/health"
	"ledgerbot/internal/monitor"
	"ledgerbot/internal/observability/pprof"
	"ledgerbot/internal/storage"
	wechat "ledgerbot/internal/transport/wechat"
)

// The map* functions translate the raw config tree into component configs.
// They are also the boot-time and reload-time validators: a bad duration or
// driver name fails here with the config field path in the error.

func mapProviderConfig(cfg *config.Config) (wechat.Config, error) {
	timeout, err := config.ParseDurationOrDefault("provider.timeout", cfg.Provider.Timeout, 10*time.Second)
	if err != nil {
		return wechat.Config{}, err
	}
	base := strings.TrimSpace(cfg.Provider.BaseURL)
	if base == "" {
		base = "http://127.0.0.1:8350"
	}
	if cfg.Provider.SendRatePerSec < 0 {
		return wechat.Config{}, fmt.Errorf("provider.send_rate_per_sec must be >= 0")
	}
	if cfg.Provider.SendBurst < 0 {
		return wechat.Config{}, fmt.Errorf("provider.send_burst must be >= 0")
	}
	return wechat.Config{
		BaseURL:        base,
		APIKey:         cfg.Provider.APIKey,
		Timeout:        timeout,
		SendRatePerSec: cfg.Provider.SendRatePerSec,
		SendBurst:      cfg.Provider.SendBurst,
	}, nil
}

func mapAccountingConfig(cfg *config.Config) (accounting.Config, error) {
	if strings.TrimSpace(cfg.Accounting.ServerURL) == "" {
		return accounting.Config{}, fmt.Errorf("accounting.server_url is required")
	}
	timeout, err := config.ParseDurationOrDefault("accounting.timeout", cfg.Accounting.Timeout, 30*time.Second)
	if err != nil {
		return accounting.Config{}, err
	}
	return accounting.Config{
		ServerURL:     cfg.Accounting.ServerURL,
		Token:         cfg.Accounting.Token,
		AccountBookID: cfg.Accounting.AccountBookID,
		Timeout:       timeout,
	}, nil
}

// mapMonitorOptions leaves omitted fields zero; the monitor applies its own
// defaults.
func mapMonitorOptions(cfg *config.Config) (monitor.Options, error) {
	poll, err := config.ParseDurationField("monitor.poll_interval", cfg.Monitor.PollInterval)
	if err != nil {
		return monitor.Options{}, err
	}
	backoff, err := config.ParseDurationField("monitor.error_backoff", cfg.Monitor.ErrorBackoff)
	if err != nil {
		return monitor.Options{}, err
	}
	drainDelay, err := config.ParseDurationField("monitor.drain_delay", cfg.Monitor.DrainDelay)
	if err != nil {
		return monitor.Options{}, err
	}
	if cfg.Monitor.DrainAttempts < 0 {
		return monitor.Options{}, fmt.Errorf("monitor.drain_attempts must be >= 0")
	}
	return monitor.Options{
		PollInterval:  poll,
		ErrorBackoff:  backoff,
		DrainAttempts: cfg.Monitor.DrainAttempts,
		DrainDelay:    drainDelay,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	if cfg == nil || cfg.Health == nil {
		return health.Config{}, nil
	}
	if err := health.ValidateSchedule(cfg.Health.Schedule); err != nil {
		return health.Config{}, fmt.Errorf("health.schedule: %w", err)
	}
	return health.Config{
		Enabled:  cfg.Health.Enabled,
		Schedule: cfg.Health.Schedule,
	}, nil
}

func mapAlertsConfig(cfg *config.Config) (alerts.Config, error) {
	if cfg == nil || cfg.Alerts == nil {
		return alerts.Config{}, nil
	}
	ac := cfg.Alerts
	if ac.MinPriority < 0 || ac.MinPriority > 10 {
		return alerts.Config{}, fmt.Errorf("alerts.min_priority must be between 0 and 10")
	}
	if ac.RatePerMin < 0 {
		return alerts.Config{}, fmt.Errorf("alerts.rate_per_min must be >= 0")
	}
	return alerts.Config{
		Enabled:     ac.Enabled,
		ChatID:      ac.ChatID,
		MinPriority: ac.MinPriority,
		RatePerMin:  ac.RatePerMin,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	if cfg == nil || cfg.Pprof == nil {
		return pprof.Config{}, nil
	}
	pc := cfg.Pprof
	readT, err := config.ParseDurationField("pprof.read_timeout", pc.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	writeT, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idleT, err := config.ParseDurationField("pprof.idle_timeout", pc.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	if pc.MutexProfileFraction < 0 || pc.BlockProfileRate < 0 || pc.MemProfileRate < 0 {
		return pprof.Config{}, fmt.Errorf("pprof profiling rates must be >= 0")
	}
	return pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Prefix:               pc.Prefix,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		ReadTimeout:          readT,
		WriteTimeout:         writeT,
		IdleTimeout:          idleT,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}, nil
}

// monitorTimingChanged reports whether any monitor field other than the
// channel list differs. Those fields are fixed at monitor construction.
func monitorTimingChanged(oldCfg, newCfg *config.Config) bool {
	om, nm := oldCfg.Monitor, newCfg.Monitor
	return strings.TrimSpace(om.PollInterval) != strings.TrimSpace(nm.PollInterval) ||
		strings.TrimSpace(om.ErrorBackoff) != strings.TrimSpace(nm.ErrorBackoff) ||
		om.DrainAttempts != nm.DrainAttempts ||
		strings.TrimSpace(om.DrainDelay) != strings.TrimSpace(nm.DrainDelay)
}
