package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validJSON = `{
	"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
	"provider": {"base_url": "http://127.0.0.1:8350", "api_key": "k"},
	"accounting": {"server_url": "https://api.example.com", "token": "filetok", "account_book_id": "b1"},
	"monitor": {"channels": ["family", "work"]}
}`

func TestParseJSON(t *testing.T) {
	t.Setenv(EnvAccountingToken, "") // keep ambient overrides out

	m := NewManager(writeConfig(t, "config.json", validJSON))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if len(cfg.Monitor.Channels) != 2 || cfg.Monitor.Channels[0] != "family" {
		t.Errorf("Monitor.Channels = %v", cfg.Monitor.Channels)
	}
	if cfg.Accounting.Token != "filetok" {
		t.Errorf("Accounting.Token = %q, want filetok", cfg.Accounting.Token)
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: warn
provider:
  base_url: http://127.0.0.1:9000
accounting:
  server_url: https://api.example.com
monitor:
  channels:
    - family
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Provider.BaseURL != "http://127.0.0.1:9000" {
		t.Errorf("Provider.BaseURL = %q", cfg.Provider.BaseURL)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"monitor": {"chanels": ["a"]}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("misspelled field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"monitor": {"channels": []}} {}`)
	_, err := NewManager(path).Parse()
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v, want trailing data rejection", err)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv(EnvAccountingToken, "envtok")
	t.Setenv(EnvAlertToken, "alerttok")

	// No alerts section in the file; the override must create one.
	m := NewManager(writeConfig(t, "config.json", validJSON))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Accounting.Token != "envtok" {
		t.Errorf("Accounting.Token = %q, want env override", cfg.Accounting.Token)
	}
	if cfg.Alerts == nil || cfg.Alerts.Token != "alerttok" {
		t.Errorf("Alerts = %+v, want token from env", cfg.Alerts)
	}
}

func TestLoadCommits(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get() = %p, want the loaded config %p", got, cfg)
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got != second {
		t.Fatalf("received level %q, want the newest config", got.Logging.Level)
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
}
