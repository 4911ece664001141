package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ledgerbot/pkg/logx"
)

// changeSet accumulates changed section names plus the attrs safe to log
// for each one.
type changeSet struct {
	sections []string
	attrs    []logx.Field
}

func (c *changeSet) mark(section string, attrs ...logx.Field) {
	c.sections = append(c.sections, section)
	c.attrs = append(c.attrs, attrs...)
}

// SummarizeChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (tokens, api keys,
// passwords) are summarized as set/unset booleans, never as values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	old, cur := orEmpty(oldCfg), orEmpty(newCfg)
	var cs changeSet

	if old.Logging != cur.Logging {
		cs.mark("logging",
			logx.String("logx.level", cur.Logging.Level),
			logx.Bool("logx.console", cur.Logging.Console),
			logx.Bool("logx.file_enabled", cur.Logging.File.Enabled),
		)
	}

	// Provider (never log api_key)
	op, np := old.Provider, cur.Provider
	if strings.TrimSpace(op.BaseURL) != strings.TrimSpace(np.BaseURL) ||
		strings.TrimSpace(op.Timeout) != strings.TrimSpace(np.Timeout) ||
		op.SendRatePerSec != np.SendRatePerSec ||
		op.SendBurst != np.SendBurst ||
		secretSet(op.APIKey) != secretSet(np.APIKey) {
		cs.mark("provider",
			logx.String("provider.base_url", strings.TrimSpace(np.BaseURL)),
			logx.Bool("provider.api_key_set", secretSet(np.APIKey)),
			logx.Float64("provider.send_rate_per_sec", np.SendRatePerSec),
		)
	}

	// Accounting (never log token/password)
	oa, na := old.Accounting, cur.Accounting
	if strings.TrimSpace(oa.ServerURL) != strings.TrimSpace(na.ServerURL) ||
		strings.TrimSpace(oa.AccountBookID) != strings.TrimSpace(na.AccountBookID) ||
		strings.TrimSpace(oa.Timeout) != strings.TrimSpace(na.Timeout) ||
		strings.TrimSpace(oa.Email) != strings.TrimSpace(na.Email) ||
		secretSet(oa.Token) != secretSet(na.Token) ||
		secretSet(oa.Password) != secretSet(na.Password) {
		cs.mark("accounting",
			logx.String("accounting.server_url", strings.TrimSpace(na.ServerURL)),
			logx.Bool("accounting.token_set", secretSet(na.Token)),
			logx.String("accounting.account_book_id", strings.TrimSpace(na.AccountBookID)),
		)
	}

	om, nm := old.Monitor, cur.Monitor
	if !reflect.DeepEqual(om.Channels, nm.Channels) ||
		strings.TrimSpace(om.PollInterval) != strings.TrimSpace(nm.PollInterval) ||
		strings.TrimSpace(om.ErrorBackoff) != strings.TrimSpace(nm.ErrorBackoff) ||
		om.DrainAttempts != nm.DrainAttempts ||
		strings.TrimSpace(om.DrainDelay) != strings.TrimSpace(nm.DrainDelay) {
		added, removed := DiffChannels(om.Channels, nm.Channels)
		cs.mark("monitor",
			logx.Int("monitor.channel_count", len(nm.Channels)),
			logx.Int("monitor.channels_added", len(added)),
			logx.Int("monitor.channels_removed", len(removed)),
			logx.String("monitor.poll_interval", strings.TrimSpace(nm.PollInterval)),
		)
	}

	// Storage. A nil section means disabled.
	oSt, nSt := viewStorage(old.Storage), viewStorage(cur.Storage)
	if oSt != nSt {
		cs.mark("storage",
			logx.String("storage.driver", nSt.driver),
			logx.Bool("storage.path_set", nSt.pathSet),
		)
	}

	// Health. A nil section means disabled.
	oh, nh := deref(old.Health), deref(cur.Health)
	if oh != nh {
		cs.mark("health",
			logx.Bool("health.enabled", nh.Enabled),
			logx.String("health.schedule", strings.TrimSpace(nh.Schedule)),
		)
	}

	// Alerts (never log token)
	oal, nal := deref(old.Alerts), deref(cur.Alerts)
	if oal.Enabled != nal.Enabled ||
		oal.ChatID != nal.ChatID ||
		oal.MinPriority != nal.MinPriority ||
		oal.RatePerMin != nal.RatePerMin ||
		secretSet(oal.Token) != secretSet(nal.Token) {
		cs.mark("alerts",
			logx.Bool("alerts.enabled", nal.Enabled),
			logx.Bool("alerts.token_set", secretSet(nal.Token)),
			logx.Int("alerts.min_priority", nal.MinPriority),
		)
	}

	// Pprof (never log token)
	opp, npp := deref(old.Pprof), deref(cur.Pprof)
	if opp.Enabled != npp.Enabled ||
		strings.TrimSpace(opp.Addr) != strings.TrimSpace(npp.Addr) ||
		strings.TrimSpace(opp.Prefix) != strings.TrimSpace(npp.Prefix) ||
		opp.AllowInsecure != npp.AllowInsecure ||
		strings.TrimSpace(opp.ReadTimeout) != strings.TrimSpace(npp.ReadTimeout) ||
		strings.TrimSpace(opp.WriteTimeout) != strings.TrimSpace(npp.WriteTimeout) ||
		strings.TrimSpace(opp.IdleTimeout) != strings.TrimSpace(npp.IdleTimeout) ||
		opp.MutexProfileFraction != npp.MutexProfileFraction ||
		opp.BlockProfileRate != npp.BlockProfileRate ||
		opp.MemProfileRate != npp.MemProfileRate ||
		secretSet(opp.Token) != secretSet(npp.Token) {
		cs.mark("pprof",
			logx.Bool("pprof.enabled", npp.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(npp.Addr)),
		)
	}

	sort.Strings(cs.sections)
	return cs.sections, cs.attrs
}

// DiffChannels compares two channel lists and returns the names present only
// in the new list and only in the old list. Blank entries are ignored.
func DiffChannels(oldCh, newCh []string) (added, removed []string) {
	oldSet, newSet := nameSet(oldCh), nameSet(newCh)
	for c := range newSet {
		if _, ok := oldSet[c]; !ok {
			added = append(added, c)
		}
	}
	for c := range oldSet {
		if _, ok := newSet[c]; !ok {
			removed = append(removed, c)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func orEmpty(c *Config) *Config {
	if c == nil {
		return &Config{}
	}
	return c
}

func secretSet(v string) bool { return strings.TrimSpace(v) != "" }

// storageView is the comparable slice of StorageConfig used for diffing.
// The path itself stays out; only its presence is compared and logged.
type storageView struct {
	driver  string
	busy    string
	pathSet bool
}

func viewStorage(s *StorageConfig) storageView {
	if s == nil {
		return storageView{}
	}
	return storageView{
		driver:  strings.TrimSpace(s.Driver),
		busy:    strings.TrimSpace(s.BusyTimeout),
		pathSet: strings.TrimSpace(s.Path) != "",
	}
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
