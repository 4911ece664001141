package config

import (
	"os"
	"strings"
)

// Environment overrides, applied on every parse so a file reload cannot
// clobber credentials injected at deploy time. A set variable wins over the
// file value.
const (
	EnvAccountingToken = "LEDGERBOT_TOKEN"
	EnvAlertToken      = "LEDGERBOT_ALERT_TOKEN"
)

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvAccountingToken)); v != "" {
		cfg.Accounting.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAlertToken)); v != "" {
		if cfg.Alerts == nil {
			cfg.Alerts = &AlertsConfig{}
		}
		cfg.Alerts.Token = v
	}
}
