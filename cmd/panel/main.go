package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/botpanel/internal/config"
	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/httpapi"
	"github.com/you/botpanel/internal/ingest"
	"github.com/you/botpanel/internal/responder"
	"github.com/you/botpanel/internal/session"
	"github.com/you/botpanel/internal/sink"
)

// Set with -ldflags "-X main.version=... -X main.buildTime=...".
var (
	version   = "dev"
	buildTime = ""
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		configPath  string
		sourceKind  string
		sourceID    string
		autoStart   bool
		dbPath      string
		httpAddr    string
		corsOrigins string
		twNick      string
		twTokenFile string
		logLevel    string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file (overrides PANEL_CONFIG)")
	flag.StringVar(&sourceKind, "source", "", "Chat source: simulated, twitch or http")
	flag.StringVar(&sourceID, "source-id", "", "Stream id, watch URL or channel to bind at startup")
	flag.BoolVar(&autoStart, "autostart", false, "Start the bot as soon as the panel is up")
	flag.StringVar(&dbPath, "sqlite", "", "Path to the SQLite archive (empty disables it)")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address (e.g., :8080)")
	flag.StringVar(&corsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.StringVar(&twNick, "twitch-nick", "", "Twitch nickname to login as")
	flag.StringVar(&twTokenFile, "twitch-token-file", "", "Path to file containing the Twitch OAuth token")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.Parse()

	build := buildInfo()
	if versionFlag {
		fmt.Printf("panel version: %s (commit %s, built %s)\n", build.Version, build.Revision, buildTime)
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("panel: .env: %v", err)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})
	if overrides["config"] {
		os.Setenv("PANEL_CONFIG", configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("panel: config: %v", err)
	}

	if overrides["source"] {
		cfg.Source.Kind = strings.ToLower(strings.TrimSpace(sourceKind))
	}
	if overrides["source-id"] {
		cfg.Source.ID = strings.TrimSpace(sourceID)
	}
	if overrides["autostart"] {
		cfg.Bot.AutoStart = autoStart
	}
	if overrides["sqlite"] {
		dbPath = strings.TrimSpace(dbPath)
		cfg.Sink.SQLite.Path = dbPath
		if dbPath == "" {
			cfg.Sinks = nil
		} else if !cfg.HasSink("sqlite") {
			cfg.Sinks = append(cfg.Sinks, "sqlite")
		}
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if overrides["twitch-nick"] {
		cfg.Twitch.Nick = strings.TrimSpace(twNick)
	}
	if overrides["twitch-token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(twTokenFile)
	}
	if overrides["log-level"] {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("panel: config: %v", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.LegacySourceEnv != "" {
		log.Printf("panel: source id read from legacy %s; prefer PANEL_SOURCE_ID", cfg.LegacySourceEnv)
	}
	if cfg.Source.Kind != config.SourceTwitch && cfg.Source.ID != "" {
		if id, ok := ingest.ExtractVideoID(cfg.Source.ID); ok {
			cfg.Source.ID = id
		} else {
			log.Fatalf("panel: source id %q is not a stream id or watch URL", cfg.Source.ID)
		}
	}
	log.Printf("%s", cfg.SummaryJSON())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		tokens  *ingest.TokenFile
		twConn  *ingest.Twitch
		sender  ingest.Sender
		pumpSrc ingest.Source
	)
	switch cfg.Source.Kind {
	case config.SourceTwitch:
		token := cfg.Twitch.Token
		if cfg.Twitch.TokenFile != "" {
			tokens = &ingest.TokenFile{Path: cfg.Twitch.TokenFile}
			loaded, _, err := tokens.Load()
			switch {
			case err == nil:
				token = loaded
			case errors.Is(err, ingest.ErrEmptyToken):
				log.Printf("panel: twitch token file is empty; falling back to configured token")
			default:
				log.Printf("panel: twitch token file: %v", err)
			}
		}
		nick := cfg.Twitch.Nick
		if nick == "" {
			nick = cfg.Source.ID
		}
		twConn = ingest.NewTwitch(cfg.Source.ID, nick, token)
		twConn.Logger = logger
		cfg.Source.ID = twConn.Channel
		sender = twConn
		pumpSrc = twConn
	case config.SourceSimulated:
		pumpSrc = &ingest.Simulated{Interval: cfg.SimInterval()}
	case config.SourceHTTP:
		log.Printf("panel: http source: messages arrive through POST /api/chat/ingest")
	}

	sess := session.New(session.Options{
		SourceID:            cfg.Source.ID,
		SettleDelay:         cfg.SettleDelay(),
		Logger:              logger,
		Sender:              sender,
		Operator:            cfg.Bot.Operator,
		DisableAutoFollow:   !cfg.Bot.AutoFollow,
		Tokens:              tokens,
		DropSummaryInterval: cfg.DropSummaryInterval(),
	})
	defer sess.Close()
	if twConn != nil {
		sess.SetConn(twConn)
	}

	var (
		archive  *sink.SQLiteSink
		buffered *sink.BufferedWriter
	)
	if cfg.HasSink("sqlite") {
		archive, err = sink.OpenSQLite(ctx, cfg.Sink.SQLite.Path, sink.Options{Tuning: cfg.Sink.SQLite.Tuning})
		if err != nil {
			log.Fatalf("panel: open sqlite: %v", err)
		}
		defer func() {
			if err := archive.Close(); err != nil {
				log.Printf("panel: closing archive: %v", err)
			}
		}()
		log.Printf("panel: archiving to %s", archive)
	} else {
		log.Printf("panel: sqlite sink disabled (configured sinks=%v)", cfg.Sinks)
	}

	apiOpts := httpapi.Options{
		Addr:           cfg.HTTP.Addr,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		DisableMetrics: !cfg.HTTP.Metrics,
		StreamBuffer:   cfg.HTTP.StreamBuffer,
		Build:          build,
		ConfigSummary:  cfg.SummaryJSON(),
		Logger:         logger,
	}
	if archive != nil {
		apiOpts.Archive = archive
	}
	if twConn != nil {
		apiOpts.Reloader = sess
	}
	api := httpapi.New(sess, apiOpts)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("panel: %s stopped: %v", name, err)
			}
		}()
	}

	if archive != nil {
		var writer sink.Writer = archive
		if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
			buffered = sink.NewBufferedWriter(archive, sink.BufferedOptions{
				BatchSize:     cfg.Batch(),
				FlushInterval: cfg.FlushInterval(),
			})
			writer = buffered
		}
		rec := &sink.Recorder{
			Feed:   sess.Feed,
			Writer: writer,
			Trace:  sess.Trace,
			Logger: logger,
			OnError: func(error) {
				sess.Bot.RecordError()
				api.Metrics().IncDBWriteErrors()
			},
		}
		run("recorder", rec.Run)
	}

	if cfg.Responder.Enabled {
		resp := responder.New(sess.Feed, sess.Bot, responder.Config{
			Workers:         cfg.Responder.Workers,
			GlobalInterval:  time.Duration(cfg.Responder.CommandCooldownMS) * time.Millisecond,
			UserInterval:    time.Duration(cfg.Responder.UserCooldownSecs) * time.Second,
			Welcome:         cfg.Responder.Welcome,
			WelcomeCooldown: time.Duration(cfg.Responder.WelcomeCooldownSecs) * time.Second,
		},
			responder.WithSender(sender),
			responder.WithLogger(logger),
			responder.WithTrace(sess.Trace),
		)
		run("responder", resp.Run)
	}

	if pumpSrc != nil {
		handler := sess.Handler(pumpSrc.Name())
		if _, ok := pumpSrc.(*ingest.Simulated); ok {
			// Simulated chat always speaks for whatever source is bound.
			inner := handler
			handler = func(_ string, msg core.ChatMessage) {
				bound := sess.Bot.Status().SourceID
				msg.SourceID = bound
				inner(bound, msg)
			}
		}
		pump := &ingest.Pump{
			Source:  pumpSrc,
			Handler: handler,
			Logger:  logger,
			OnError: func(error) { sess.Bot.RecordError() },
		}
		run("source "+pumpSrc.Name(), pump.Run)
	}

	if tokens != nil {
		if err := sess.WatchTokenFiles(ctx, tokens.Path); err != nil {
			slog.Error("panel: watch token files", "err", err)
		}
	}

	go func() {
		if err := api.Start(); err != nil {
			log.Printf("panel: http api: %v", err)
			stop()
		}
	}()
	log.Printf("panel: http api ready on %s", cfg.HTTP.Addr)

	if cfg.Bot.AutoStart {
		if err := sess.Start(""); err != nil {
			log.Printf("panel: autostart: %v", err)
		}
	}

	<-ctx.Done()
	log.Printf("panel: shutting down")

	if sess.Bot.State() != core.Stopped {
		if err := sess.Stop(); err != nil && !errors.Is(err, core.ErrNotRunning) {
			log.Printf("panel: stop bot: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("panel: http shutdown: %v", err)
	}
	wg.Wait()
	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Printf("panel: flush buffered sink: %v", err)
		}
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildInfo() httpapi.BuildInfo {
	build := httpapi.BuildInfo{Version: version, Revision: "unknown"}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				build.Revision = s.Value
			}
		}
	}
	if buildTime != "" {
		if t, err := time.Parse(time.RFC3339, buildTime); err == nil {
			build.BuiltAt = t
		}
	}
	return build
}
