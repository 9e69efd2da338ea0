// Package httpapi is the display and control boundary of the panel: JSON
// routes for the bot lifecycle and the feed, SSE and WebSocket streams of
// feed events, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/you/botpanel/internal/clock"
	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/feed"
	"github.com/you/botpanel/internal/ingest"
	"github.com/you/botpanel/internal/ingesttrace"
	"github.com/you/botpanel/internal/session"
	"github.com/you/botpanel/internal/sink"
)

const maxBodyBytes = 64 << 10

// Panel is the control session the API drives. *session.Session implements it.
type Panel interface {
	Start(sourceID string) error
	Stop() error
	Restart(sourceID string) error
	Bind(sourceID string) error
	Reinitialize() error
	Snapshot() session.Snapshot
	LiveFeed() *feed.Feed
	Stages() map[ingesttrace.Stage]int64
	SendManual(ctx context.Context, text string) (core.ChatMessage, error)
	Ingest(sourceID string, msg core.ChatMessage) error
	SubscribeStatus(buffer int) (<-chan core.BotStatus, func())
}

// Archive is the read side of the message archive. *sink.SQLiteSink
// implements it.
type Archive interface {
	ListMessages(ctx context.Context, q sink.Query) (sink.Page, error)
	Stats(ctx context.Context, sourceID string, now time.Time) (feed.Stats, error)
	Sources(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

type Server struct {
	httpServer *http.Server
	handler    http.Handler
	panel      Panel
	archive    Archive
	opts       Options
	clock      clock.Clock
	log        *slog.Logger
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

type Options struct {
	Addr           string
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
	DisableMetrics bool
	// StreamBuffer is the per-client feed subscription size.
	StreamBuffer int
	PingInterval time.Duration
	// WSWriteTimeout bounds a single WebSocket write. A client that cannot
	// keep up is disconnected.
	WSWriteTimeout time.Duration
	Build          BuildInfo
	// ConfigSummary is served verbatim under "config" in /info.
	ConfigSummary json.RawMessage
	Archive       Archive
	Reloader      Reloader
	Clock         clock.Clock
	Logger        *slog.Logger
}

func New(panel Panel, opts Options) *Server {
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.WSWriteTimeout <= 0 {
		opts.WSWriteTimeout = 5 * time.Second
	}
	srv := &Server{
		panel:   panel,
		archive: opts.Archive,
		opts:    opts,
		clock:   clock.OrReal(opts.Clock),
		log:     opts.Logger,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		done:    make(chan struct{}),
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	if !opts.DisableMetrics {
		srv.metrics = newMetrics()
		srv.metrics.registry.MustRegister(newPanelCollector(panel))
	}

	mux := http.NewServeMux()
	srv.handle(mux, "/healthz", srv.handleHealthz, true)
	srv.handle(mux, "/info", srv.handleInfo, true)
	if srv.metrics != nil {
		srv.handle(mux, "/metrics", srv.metrics.Handler().ServeHTTP, false)
	}

	srv.handle(mux, "/api/bot/status", srv.handleStatus, true)
	srv.handle(mux, "/api/bot/start", srv.handleStart, true)
	srv.handle(mux, "/api/bot/stop", srv.handleStop, true)
	srv.handle(mux, "/api/bot/restart", srv.handleRestart, true)
	srv.handle(mux, "/api/bot/bind", srv.handleBind, true)
	srv.handle(mux, "/api/bot/reinitialize", srv.handleReinitialize, true)

	srv.handle(mux, "/api/chat/messages", srv.handleMessages, true)
	srv.handle(mux, "/api/chat/logs", srv.handleLogs, true)
	srv.handle(mux, "/api/chat/stats", srv.handleStats, true)
	srv.handle(mux, "/api/chat/sources", srv.handleSources, true)
	srv.handle(mux, "/api/chat/export", srv.handleExport, true)
	srv.handle(mux, "/api/chat/send", srv.handleSend, true)
	srv.handle(mux, "/api/chat/ingest", srv.handleIngest, true)
	srv.handle(mux, "/api/chat/autofollow", srv.handleAutoFollow, true)

	srv.handle(mux, "/api/stream", srv.handleStream, false)
	srv.handle(mux, "/api/ws", srv.handleWS, false)

	if opts.Reloader != nil {
		srv.registerAdmin(mux, opts.Reloader)
	}

	srv.handler = mux
	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Metrics returns the collectors, or nil when metrics are disabled.
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) handle(mux *http.ServeMux, route string, h http.HandlerFunc, compress bool) {
	mux.HandleFunc(route, s.instrument(route, compress, h))
}

// instrument wraps h with access logging, metrics, CORS, per-IP rate limiting
// and optional gzip.
func (s *Server) instrument(route string, compress bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		defer func() {
			dur := time.Since(start)
			s.metrics.ObserveRequest(route, r.Method, rec.Status(), dur)
			s.log.Debug("http: request",
				"route", route,
				"method", r.Method,
				"status", rec.Status(),
				"bytes", rec.Bytes(),
				"dur", dur,
				"ip", remoteIP(r),
			)
		}()

		if s.cors.handlePreflight(rec, r) {
			return
		}
		if !s.cors.applyHeaders(rec, r) {
			writeError(rec, http.StatusForbidden, "origin not allowed")
			return
		}
		if ok, wait := s.limiter.Allow(remoteIP(r), s.clock.Now()); !ok {
			s.metrics.IncRateLimited()
			rec.Header().Set("Retry-After", retryAfter(wait))
			writeError(rec, http.StatusTooManyRequests, "rate limited")
			return
		}
		if compress {
			if gz, ok := maybeGzip(rec, r); ok {
				defer gz.Close()
			}
		}
		next(rec, r)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.archive != nil {
		if err := s.archive.Ping(r.Context()); err != nil {
			http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, encodeSnapshot(s.panel.Snapshot()))
}

type sourceRequest struct {
	SourceID string `json:"source_id"`
	VideoURL string `json:"video_url"`
}

// readSource accepts a source id or a stream URL from the JSON body or the
// "source" query parameter. An empty result keeps the bound source.
func readSource(r *http.Request) (string, error) {
	var req sourceRequest
	if r.Body != nil {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", errors.New("invalid JSON body")
		}
	}
	raw := req.SourceID
	if raw == "" {
		raw = req.VideoURL
	}
	if raw == "" {
		raw = r.URL.Query().Get("source")
	}
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	id, ok := ingest.ExtractVideoID(raw)
	if !ok {
		return "", errors.New("invalid source id")
	}
	return id, nil
}

func (s *Server) lifecycleCommand(name string, run func(sourceID string) error, takesSource bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		var sourceID string
		if takesSource {
			id, err := readSource(r)
			if err != nil {
				s.metrics.IncBotCommand(name, "bad_request")
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			sourceID = id
		}
		if err := run(sourceID); err != nil {
			s.metrics.IncBotCommand(name, "rejected")
			s.writeCommandError(w, err)
			return
		}
		s.metrics.IncBotCommand(name, "ok")
		s.log.Info("http: bot command", "command", name, "source", sourceID, "ip", remoteIP(r))
		writeJSON(w, http.StatusOK, encodeSnapshot(s.panel.Snapshot()))
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycleCommand("start", s.panel.Start, true)(w, r)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycleCommand("stop", func(string) error { return s.panel.Stop() }, false)(w, r)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycleCommand("restart", s.panel.Restart, true)(w, r)
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	s.lifecycleCommand("bind", func(id string) error {
		if id == "" {
			return core.ErrNoSource
		}
		return s.panel.Bind(id)
	}, true)(w, r)
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	s.lifecycleCommand("reinitialize", func(string) error { return s.panel.Reinitialize() }, false)(w, r)
}

// writeCommandError maps lifecycle errors onto HTTP statuses. Busy carries
// a Retry-After derived from the settle deadline.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	var busy *core.BusyError
	switch {
	case errors.As(err, &busy):
		resp := errorJSON{Error: err.Error()}
		if !busy.Until.IsZero() {
			until := busy.Until
			resp.RetryAt = &until
			w.Header().Set("Retry-After", retryAfter(until.Sub(s.clock.Now())))
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, core.ErrAlreadyRunning),
		errors.Is(err, core.ErrSourceLocked),
		errors.Is(err, core.ErrNotStopped):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrNotRunning),
		errors.Is(err, core.ErrNoSource):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("http: command failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type messagesResponse struct {
	SourceID   string        `json:"source_id"`
	Filter     string        `json:"filter"`
	Total      int           `json:"total"`
	AutoFollow bool          `json:"auto_follow"`
	Data       []messageJSON `json:"data"`
}

// handleMessages serves the newest messages of the live feed, still in
// admission order.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := s.panel.LiveFeed()
	view := f.View(filters.View)

	var msgs []core.ChatMessage
	if len(filters.Usernames) == 0 && filters.Since == nil {
		msgs = view.Last(filters.Limit)
	} else {
		for m := range view.All() {
			if filters.Matches(m) {
				msgs = append(msgs, m)
			}
		}
		if len(msgs) > filters.Limit {
			msgs = msgs[len(msgs)-filters.Limit:]
		}
	}
	if filters.Order == OrderDesc {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	writeJSON(w, http.StatusOK, messagesResponse{
		SourceID:   view.SourceID(),
		Filter:     view.Filter().String(),
		Total:      view.Len(),
		AutoFollow: f.AutoFollow(),
		Data:       encodeMessages(msgs),
	})
}

type logsResponse struct {
	SourceID string        `json:"stream_id"`
	Data     []messageJSON `json:"data"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	Limit    int           `json:"limit"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	filters, err := ParseLogFilters(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filters.SourceID == "" {
		filters.SourceID = s.panel.LiveFeed().SourceID()
	}
	page, err := s.archive.ListMessages(r.Context(), filters.Query())
	if err != nil {
		s.log.Error("http: list logs failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{
		SourceID: filters.SourceID,
		Data:     encodeMessages(page.Messages),
		Total:    page.Total,
		Page:     page.Page,
		Limit:    page.Limit,
	})
}

type statsResponse struct {
	feed.Stats
	Origin string `json:"origin"`
}

// handleStats reports archive statistics when an archive is configured and
// the live feed's otherwise. The live feed only covers the current session.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	f := s.panel.LiveFeed()
	sourceID := strings.TrimSpace(r.URL.Query().Get("source"))
	if sourceID == "" {
		sourceID = strings.TrimSpace(r.URL.Query().Get("stream_id"))
	}
	if sourceID == "" {
		sourceID = f.SourceID()
	}
	now := s.clock.Now()

	if s.archive != nil {
		st, err := s.archive.Stats(r.Context(), sourceID, now)
		if err != nil {
			s.log.Error("http: stats failed", "err", err)
			writeError(w, http.StatusInternalServerError, "stats error")
			return
		}
		writeJSON(w, http.StatusOK, statsResponse{Stats: st, Origin: "archive"})
		return
	}
	if sourceID != f.SourceID() {
		writeError(w, http.StatusNotFound, "no live session for source")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: f.Stats(now), Origin: "live"})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	live := s.panel.LiveFeed().SourceID()
	sources := []string{}
	if s.archive != nil {
		archived, err := s.archive.Sources(r.Context())
		if err != nil {
			s.log.Error("http: list sources failed", "err", err)
			writeError(w, http.StatusInternalServerError, "list error")
			return
		}
		sources = append(sources, archived...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"live": live, "archived": sources})
}

// handleExport streams the live feed as NDJSON.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	filter, err := feed.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view := s.panel.LiveFeed().View(filter)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+view.SourceID()+`.ndjson"`)
	if err := view.Export(w); err != nil {
		s.log.Warn("http: export interrupted", "err", err)
	}
}

type sendRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg, err := s.panel.SendManual(r.Context(), req.Message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, encodeMessage(msg))
	case errors.Is(err, session.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is required")
	case errors.Is(err, core.ErrNotRunning):
		writeError(w, http.StatusBadRequest, "bot is not running")
	default:
		s.log.Warn("http: send failed", "err", err)
		writeError(w, http.StatusBadGateway, "send failed")
	}
}

type ingestRequest struct {
	SourceID    string     `json:"source_id"`
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	Body        string     `json:"body"`
	Roles       []string   `json:"roles"`
	Ts          *time.Time `json:"ts"`
}

// handleIngest is the HTTP push source. Messages follow the same gate as
// every other source.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.metrics.IncIngest("bad_request")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	roles, unknown := core.ParseRoles(req.Roles)
	if len(unknown) > 0 {
		s.metrics.IncIngest("bad_request")
		writeError(w, http.StatusBadRequest, "unknown roles: "+strings.Join(unknown, ","))
		return
	}
	sourceID := strings.TrimSpace(req.SourceID)
	if sourceID == "" {
		sourceID = s.panel.LiveFeed().SourceID()
	}
	msg := core.ChatMessage{
		ID:          strings.TrimSpace(req.ID),
		UserID:      req.UserID,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Body:        req.Body,
		Roles:       roles,
	}
	if req.Ts != nil {
		msg.Ts = *req.Ts
	}

	err := s.panel.Ingest(sourceID, msg)
	switch {
	case err == nil:
		s.metrics.IncIngest("admitted")
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	case errors.Is(err, core.ErrDuplicateID):
		s.metrics.IncIngest("duplicate")
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "duplicate": true})
	case errors.Is(err, core.ErrNotRunning), errors.Is(err, session.ErrSourceMismatch):
		s.metrics.IncIngest("dropped")
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrInvalidMessage):
		s.metrics.IncIngest("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.metrics.IncIngest("error")
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}

type autoFollowRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleAutoFollow(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	f := s.panel.LiveFeed()
	if r.Method == http.MethodPost {
		var req autoFollowRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Enabled == nil {
			writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
			return
		}
		f.SetAutoFollow(*req.Enabled)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": f.AutoFollow()})
}

func (s *Server) Start() error {
	s.log.Info("http api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Shutdown ends every stream and then drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
