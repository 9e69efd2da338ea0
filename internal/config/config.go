// Package config loads the panel configuration from defaults, an optional
// YAML file named by PANEL_CONFIG, and PANEL_* environment variables, in that
// order of precedence. Command-line flags are applied on top by cmd/panel.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	SourceSimulated = "simulated"
	SourceTwitch    = "twitch"
	SourceHTTP      = "http"
)

type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Bot       BotConfig       `yaml:"bot"`
	Responder ResponderConfig `yaml:"responder"`
	Sinks     []string        `yaml:"sinks"`
	Sink      SinkConfig      `yaml:"sink"`
	HTTP      HTTPConfig      `yaml:"http"`
	Twitch    TwitchConfig    `yaml:"twitch"`
	Log       LogConfig       `yaml:"log"`

	// File is the overlay that was read, if any.
	File string `yaml:"-"`
	// LegacySourceEnv names the pre-panel variable the source id came from.
	LegacySourceEnv string `yaml:"-"`
}

type SourceConfig struct {
	Kind          string `yaml:"kind"`
	ID            string `yaml:"id"`
	SimIntervalMS int    `yaml:"sim_interval_ms"`
}

type BotConfig struct {
	AutoStart       bool   `yaml:"auto_start"`
	SettleDelayMS   int    `yaml:"settle_delay_ms"`
	Operator        string `yaml:"operator"`
	AutoFollow      bool   `yaml:"auto_follow"`
	DropSummarySecs int    `yaml:"drop_summary_secs"`
}

type ResponderConfig struct {
	Enabled             bool `yaml:"enabled"`
	Workers             int  `yaml:"workers"`
	CommandCooldownMS   int  `yaml:"command_cooldown_ms"`
	UserCooldownSecs    int  `yaml:"user_cooldown_secs"`
	Welcome             bool `yaml:"welcome"`
	WelcomeCooldownSecs int  `yaml:"welcome_cooldown_secs"`
}

type SinkConfig struct {
	SQLite     SQLiteConfig `yaml:"sqlite"`
	BatchSize  int          `yaml:"batch_size"`
	FlushMaxMS int          `yaml:"flush_max_ms"`
}

type SQLiteConfig struct {
	Path   string `yaml:"path"`
	Tuning bool   `yaml:"tuning"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	RateLimitRPS   int      `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	CORSOrigins    []string `yaml:"cors_origins"`
	Metrics        bool     `yaml:"metrics"`
	StreamBuffer   int      `yaml:"stream_buffer"`
}

type TwitchConfig struct {
	Nick      string `yaml:"nick"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultSQLitePath    = "panel.db"
	defaultBatchSize     = 1
	defaultFlushMS       = 0
	defaultSimIntervalMS = 5000
	defaultSettleMS      = 2000
	defaultHTTPAddr      = ":8080"
)

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Source: SourceConfig{
			Kind:          SourceSimulated,
			SimIntervalMS: defaultSimIntervalMS,
		},
		Bot: BotConfig{
			SettleDelayMS: defaultSettleMS,
			Operator:      "admin",
			AutoFollow:    true,
		},
		Responder: ResponderConfig{
			Enabled:             true,
			Workers:             2,
			CommandCooldownMS:   1000,
			UserCooldownSecs:    30,
			Welcome:             true,
			WelcomeCooldownSecs: 180,
		},
		Sinks: []string{"sqlite"},
		Sink: SinkConfig{
			SQLite:     SQLiteConfig{Path: defaultSQLitePath},
			BatchSize:  defaultBatchSize,
			FlushMaxMS: defaultFlushMS,
		},
		HTTP: HTTPConfig{
			Addr:         defaultHTTPAddr,
			Metrics:      true,
			StreamBuffer: 256,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("PANEL_CONFIG")); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys that are absent keep
// their current value; unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	c.File = path
	return nil
}

func (c *Config) applyEnv() {
	if kind := strings.TrimSpace(os.Getenv("PANEL_SOURCE")); kind != "" {
		c.Source.Kind = strings.ToLower(kind)
	}
	if id := strings.TrimSpace(os.Getenv("PANEL_SOURCE_ID")); id != "" {
		c.Source.ID = id
	} else if c.Source.ID == "" {
		if legacy := strings.TrimSpace(os.Getenv("VIDEO_ID_1")); legacy != "" {
			c.LegacySourceEnv = "VIDEO_ID_1"
			c.Source.ID = legacy
		}
	}
	c.Source.SimIntervalMS = readInt("PANEL_SIM_INTERVAL_MS", c.Source.SimIntervalMS)

	c.Bot.AutoStart = readBool("PANEL_AUTOSTART", c.Bot.AutoStart)
	c.Bot.SettleDelayMS = readInt("PANEL_SETTLE_MS", c.Bot.SettleDelayMS)
	if op := strings.TrimSpace(os.Getenv("PANEL_OPERATOR")); op != "" {
		c.Bot.Operator = op
	}
	c.Bot.AutoFollow = readBool("PANEL_AUTOFOLLOW", c.Bot.AutoFollow)
	c.Bot.DropSummarySecs = readInt("PANEL_DROP_SUMMARY_SECS", c.Bot.DropSummarySecs)

	c.Responder.Enabled = readBool("PANEL_RESPONDER", c.Responder.Enabled)
	c.Responder.Workers = readInt("PANEL_RESPONDER_WORKERS", c.Responder.Workers)
	c.Responder.CommandCooldownMS = readInt("PANEL_COMMAND_COOLDOWN_MS", c.Responder.CommandCooldownMS)
	c.Responder.UserCooldownSecs = readInt("PANEL_USER_COOLDOWN_SECS", c.Responder.UserCooldownSecs)
	c.Responder.Welcome = readBool("PANEL_WELCOME", c.Responder.Welcome)
	c.Responder.WelcomeCooldownSecs = readInt("PANEL_WELCOME_COOLDOWN_SECS", c.Responder.WelcomeCooldownSecs)

	if envExists("PANEL_SINKS") {
		c.Sinks = splitList(os.Getenv("PANEL_SINKS"))
	}
	if path := strings.TrimSpace(os.Getenv("PANEL_SINK_SQLITE_PATH")); path != "" {
		c.Sink.SQLite.Path = path
	}
	c.Sink.SQLite.Tuning = readBool("PANEL_SQLITE_TUNING", c.Sink.SQLite.Tuning)
	c.Sink.BatchSize = readInt("PANEL_SINK_BATCH_SIZE", c.Sink.BatchSize)
	c.Sink.FlushMaxMS = readInt("PANEL_SINK_FLUSH_MAX_MS", c.Sink.FlushMaxMS)

	if addr := strings.TrimSpace(os.Getenv("PANEL_HTTP_ADDR")); addr != "" {
		c.HTTP.Addr = addr
	}
	c.HTTP.RateLimitRPS = readInt("PANEL_HTTP_RATE_RPS", c.HTTP.RateLimitRPS)
	c.HTTP.RateLimitBurst = readInt("PANEL_HTTP_RATE_BURST", c.HTTP.RateLimitBurst)
	if origins := splitList(os.Getenv("PANEL_CORS_ORIGINS")); len(origins) > 0 {
		c.HTTP.CORSOrigins = origins
	}
	c.HTTP.Metrics = readBool("PANEL_METRICS", c.HTTP.Metrics)
	c.HTTP.StreamBuffer = readInt("PANEL_STREAM_BUFFER", c.HTTP.StreamBuffer)

	if nick := strings.TrimSpace(os.Getenv("PANEL_TWITCH_NICK")); nick != "" {
		c.Twitch.Nick = nick
	}
	c.Twitch.Token = firstEnv(c.Twitch.Token, "PANEL_TWITCH_TOKEN", "TWITCH_TOKEN")
	c.Twitch.TokenFile = firstEnv(c.Twitch.TokenFile, "PANEL_TWITCH_TOKEN_FILE", "TWITCH_TOKEN_FILE")

	if level := strings.TrimSpace(os.Getenv("PANEL_LOG_LEVEL")); level != "" {
		c.Log.Level = level
	}
	if format := strings.TrimSpace(os.Getenv("PANEL_LOG_FORMAT")); format != "" {
		c.Log.Format = format
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Source.Kind {
	case SourceSimulated, SourceHTTP:
	case SourceTwitch:
		if strings.TrimSpace(c.Source.ID) == "" {
			return errors.New("twitch source needs a channel (PANEL_SOURCE_ID)")
		}
		if c.Twitch.Token == "" && c.Twitch.TokenFile == "" {
			return errors.New("twitch source needs PANEL_TWITCH_TOKEN or PANEL_TWITCH_TOKEN_FILE")
		}
	default:
		return errors.Errorf("unknown source kind %q (want simulated, twitch or http)", c.Source.Kind)
	}
	for _, s := range c.Sinks {
		if !strings.EqualFold(s, "sqlite") {
			return errors.Errorf("unknown sink %q", s)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, errors.Wrap(err, "log level")
	}
	return level, nil
}

// LogLevel returns the configured level, or info when it does not parse.
func (c Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func firstEnv(current string, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return current
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envExists(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

func (c Config) HasSink(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range c.Sinks {
		if strings.ToLower(strings.TrimSpace(s)) == name {
			return true
		}
	}
	return false
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Bot.SettleDelayMS) * time.Millisecond
}

func (c Config) SimInterval() time.Duration {
	return time.Duration(c.Source.SimIntervalMS) * time.Millisecond
}

func (c Config) DropSummaryInterval() time.Duration {
	return time.Duration(c.Bot.DropSummarySecs) * time.Second
}

type Summary struct {
	File       string          `json:"file,omitempty"`
	Source     SourceSummary   `json:"source"`
	AutoStart  bool            `json:"auto_start"`
	SettleMS   int             `json:"settle_ms"`
	Responder  bool            `json:"responder"`
	Sinks      []string        `json:"sinks"`
	SQLitePath string          `json:"sqlite_path"`
	BatchSize  int             `json:"batch"`
	FlushMaxMS int             `json:"flush_ms"`
	HTTPAddr   string          `json:"http_addr"`
	Metrics    bool            `json:"metrics"`
	Twitch     TwitchSummary   `json:"twitch"`
	Log        LogConfig       `json:"log"`
	Legacy     map[string]bool `json:"legacy_env,omitempty"`
}

type SourceSummary struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

type TwitchSummary struct {
	Nick      string `json:"nick,omitempty"`
	Token     string `json:"token,omitempty"`
	TokenFile string `json:"token_file,omitempty"`
}

func (c Config) Summary() Summary {
	s := Summary{
		File:       c.File,
		Source:     SourceSummary{Kind: c.Source.Kind, ID: c.Source.ID},
		AutoStart:  c.Bot.AutoStart,
		SettleMS:   c.Bot.SettleDelayMS,
		Responder:  c.Responder.Enabled,
		Sinks:      append([]string(nil), c.Sinks...),
		SQLitePath: c.Sink.SQLite.Path,
		BatchSize:  c.Sink.BatchSize,
		FlushMaxMS: c.Sink.FlushMaxMS,
		HTTPAddr:   c.HTTP.Addr,
		Metrics:    c.HTTP.Metrics,
		Twitch: TwitchSummary{
			Nick:      c.Twitch.Nick,
			Token:     redactString(c.Twitch.Token),
			TokenFile: c.Twitch.TokenFile,
		},
		Log: c.Log,
	}
	if c.LegacySourceEnv != "" {
		s.Legacy = map[string]bool{c.LegacySourceEnv: true}
	}
	return s
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"file":   c.File,
		"source": map[string]any{"kind": c.Source.Kind, "id": c.Source.ID, "sim_interval_ms": c.Source.SimIntervalMS},
		"bot": map[string]any{
			"auto_start":        c.Bot.AutoStart,
			"settle_delay_ms":   c.Bot.SettleDelayMS,
			"operator":          c.Bot.Operator,
			"auto_follow":       c.Bot.AutoFollow,
			"drop_summary_secs": c.Bot.DropSummarySecs,
		},
		"responder": map[string]any{
			"enabled":               c.Responder.Enabled,
			"workers":               c.Responder.Workers,
			"command_cooldown_ms":   c.Responder.CommandCooldownMS,
			"user_cooldown_secs":    c.Responder.UserCooldownSecs,
			"welcome":               c.Responder.Welcome,
			"welcome_cooldown_secs": c.Responder.WelcomeCooldownSecs,
		},
		"sinks": append([]string(nil), c.Sinks...),
		"sink": map[string]any{
			"sqlite_path":   c.Sink.SQLite.Path,
			"sqlite_tuning": c.Sink.SQLite.Tuning,
			"batch_size":    c.Sink.BatchSize,
			"flush_ms":      c.Sink.FlushMaxMS,
		},
		"http": map[string]any{
			"addr":             c.HTTP.Addr,
			"rate_limit_rps":   c.HTTP.RateLimitRPS,
			"rate_limit_burst": c.HTTP.RateLimitBurst,
			"cors_origins":     append([]string(nil), c.HTTP.CORSOrigins...),
			"metrics":          c.HTTP.Metrics,
		},
		"twitch": map[string]any{
			"nick":       c.Twitch.Nick,
			"token":      redactString(c.Twitch.Token),
			"token_file": c.Twitch.TokenFile,
		},
		"log": map[string]any{"level": c.Log.Level, "format": c.Log.Format},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
