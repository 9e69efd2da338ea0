package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

var panelEnv = []string{
	"PANEL_CONFIG", "PANEL_SOURCE", "PANEL_SOURCE_ID", "VIDEO_ID_1",
	"PANEL_AUTOSTART", "PANEL_SETTLE_MS", "PANEL_SINKS", "PANEL_SINK_SQLITE_PATH",
	"PANEL_SINK_BATCH_SIZE", "PANEL_SINK_FLUSH_MAX_MS", "PANEL_HTTP_ADDR",
	"PANEL_CORS_ORIGINS", "PANEL_METRICS", "PANEL_TWITCH_TOKEN", "TWITCH_TOKEN",
	"PANEL_TWITCH_TOKEN_FILE", "TWITCH_TOKEN_FILE", "PANEL_LOG_LEVEL", "PANEL_LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range panelEnv {
		// Setenv registers the restore; the variable itself must be absent.
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "panel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("defaults = %+v, want %+v", cfg, want)
	}
	if !cfg.HasSink("sqlite") {
		t.Fatalf("sqlite sink should be on by default")
	}
	if cfg.FlushInterval() != 0 || cfg.Batch() != 1 {
		t.Fatalf("flush=%s batch=%d", cfg.FlushInterval(), cfg.Batch())
	}
	if cfg.LogLevel() != slog.LevelInfo {
		t.Fatalf("level = %s", cfg.LogLevel())
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PANEL_SOURCE_ID", "abc123")
	t.Setenv("PANEL_AUTOSTART", "true")
	t.Setenv("PANEL_SETTLE_MS", "250")
	t.Setenv("PANEL_SINK_BATCH_SIZE", "20")
	t.Setenv("PANEL_SINK_FLUSH_MAX_MS", "400")
	t.Setenv("PANEL_CORS_ORIGINS", "https://b.example, https://a.example,https://b.example")
	t.Setenv("PANEL_METRICS", "false")
	t.Setenv("PANEL_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source.ID != "abc123" || !cfg.Bot.AutoStart || cfg.Bot.SettleDelayMS != 250 {
		t.Fatalf("unexpected bot/source config: %+v %+v", cfg.Source, cfg.Bot)
	}
	if cfg.Batch() != 20 || cfg.FlushInterval().Milliseconds() != 400 {
		t.Fatalf("batch=%d flush=%s", cfg.Batch(), cfg.FlushInterval())
	}
	if got := cfg.HTTP.CORSOrigins; !reflect.DeepEqual(got, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("cors origins = %v", got)
	}
	if cfg.HTTP.Metrics {
		t.Fatalf("metrics should be disabled")
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Fatalf("level = %s", cfg.LogLevel())
	}
}

func TestInvalidNumbersKeepDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("PANEL_SETTLE_MS", "soon")
	t.Setenv("PANEL_SINK_BATCH_SIZE", "-4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bot.SettleDelayMS != defaultSettleMS || cfg.Sink.BatchSize != defaultBatchSize {
		t.Fatalf("settle=%d batch=%d", cfg.Bot.SettleDelayMS, cfg.Sink.BatchSize)
	}
}

func TestEmptySinksDisablesArchive(t *testing.T) {
	clearEnv(t)
	t.Setenv("PANEL_SINKS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HasSink("sqlite") {
		t.Fatalf("PANEL_SINKS= should turn the archive off, got %v", cfg.Sinks)
	}
}

func TestYAMLOverlayThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
source:
  kind: twitch
  id: somechannel
bot:
  settle_delay_ms: 1500
  auto_follow: false
responder:
  welcome: false
sink:
  sqlite:
    path: /tmp/archive.db
    tuning: true
http:
  addr: 127.0.0.1:9000
twitch:
  nick: panelbot
  token: from-file
`)
	t.Setenv("PANEL_CONFIG", path)
	t.Setenv("PANEL_HTTP_ADDR", ":7000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.File != path {
		t.Fatalf("file = %q", cfg.File)
	}
	if cfg.Source.Kind != SourceTwitch || cfg.Source.ID != "somechannel" {
		t.Fatalf("source = %+v", cfg.Source)
	}
	if cfg.Bot.SettleDelayMS != 1500 || cfg.Bot.AutoFollow || cfg.Responder.Welcome {
		t.Fatalf("bot=%+v responder=%+v", cfg.Bot, cfg.Responder)
	}
	if !cfg.Responder.Enabled || cfg.Responder.UserCooldownSecs != 30 {
		t.Fatalf("keys absent from the file should keep defaults: %+v", cfg.Responder)
	}
	if cfg.Sink.SQLite.Path != "/tmp/archive.db" || !cfg.Sink.SQLite.Tuning {
		t.Fatalf("sqlite = %+v", cfg.Sink.SQLite)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Fatalf("env should win over the file, addr = %q", cfg.HTTP.Addr)
	}
}

func TestYAMLRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("PANEL_CONFIG", writeFile(t, "bot:\n  autostart: true\n"))

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PANEL_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "read config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown source", func(c *Config) { c.Source.Kind = "irc" }, "unknown source kind"},
		{"twitch without channel", func(c *Config) { c.Source.Kind = SourceTwitch }, "needs a channel"},
		{"twitch without token", func(c *Config) {
			c.Source.Kind = SourceTwitch
			c.Source.ID = "chan"
		}, "PANEL_TWITCH_TOKEN"},
		{"twitch with token file", func(c *Config) {
			c.Source.Kind = SourceTwitch
			c.Source.ID = "chan"
			c.Twitch.TokenFile = "/run/secrets/token"
		}, ""},
		{"unknown sink", func(c *Config) { c.Sinks = []string{"sqlite", "file"} }, "unknown sink"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Fatalf("error = %v, want substring %q", err, tt.errSub)
			}
		})
	}
}

func TestLegacyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("VIDEO_ID_1", "legacy-video")
	t.Setenv("TWITCH_TOKEN", "oauth:legacy")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source.ID != "legacy-video" || cfg.LegacySourceEnv != "VIDEO_ID_1" {
		t.Fatalf("source = %+v legacy=%q", cfg.Source, cfg.LegacySourceEnv)
	}
	if cfg.Twitch.Token != "oauth:legacy" {
		t.Fatalf("token = %q", cfg.Twitch.Token)
	}

	t.Setenv("PANEL_SOURCE_ID", "new-video")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source.ID != "new-video" || cfg.LegacySourceEnv != "" {
		t.Fatalf("PANEL_SOURCE_ID should win: %+v %q", cfg.Source, cfg.LegacySourceEnv)
	}
}

func TestSummaryRedactsToken(t *testing.T) {
	cfg := Defaults()
	cfg.Twitch.Token = "oauth:secret"
	cfg.LegacySourceEnv = "VIDEO_ID_1"

	var decoded struct {
		Config Summary `json:"config_summary"`
	}
	if err := json.Unmarshal(cfg.SummaryJSON(), &decoded); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if decoded.Config.Twitch.Token != "***REDACTED*** (len=12)" {
		t.Fatalf("token = %q", decoded.Config.Twitch.Token)
	}
	if !decoded.Config.Legacy["VIDEO_ID_1"] {
		t.Fatalf("legacy env not reported: %+v", decoded.Config.Legacy)
	}
	if strings.Contains(string(cfg.RedactedJSON()), "oauth:secret") {
		t.Fatalf("redacted JSON leaked the token")
	}
}
