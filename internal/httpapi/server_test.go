package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/botpanel/internal/clock"
	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/session"
	"github.com/you/botpanel/internal/sink"
)

var t0 = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts Options) (*Server, *session.Session, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(t0)
	sess := session.New(session.Options{SourceID: "video-1", Clock: fc})
	opts.Clock = fc
	return New(sess, opts), sess, fc
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestLifecycleRoutes(t *testing.T) {
	srv, _, fc := newTestServer(t, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/bot/status", "")
	if st := decode[statusJSON](t, rec); st.State != core.Stopped || st.SourceID != "video-1" {
		t.Fatalf("initial status = %+v", st)
	}

	if rec := do(t, h, http.MethodGet, "/api/bot/start", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET start = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/bot/stop", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("stop while stopped = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/bot/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	if st := decode[statusJSON](t, rec); !st.Running || st.StartedAt == nil {
		t.Fatalf("after start = %+v", st)
	}
	if rec := do(t, h, http.MethodPost, "/api/bot/start", ""); rec.Code != http.StatusConflict {
		t.Fatalf("double start = %d", rec.Code)
	}

	fc.Advance(5 * time.Second)
	if st := decode[statusJSON](t, do(t, h, http.MethodGet, "/api/bot/status", "")); st.UptimeSeconds != 5 || st.Uptime != "0h 0m 5s" {
		t.Fatalf("uptime = %v %q", st.UptimeSeconds, st.Uptime)
	}

	rec = do(t, h, http.MethodPost, "/api/bot/restart", "")
	if st := decode[statusJSON](t, rec); st.State != core.Transitioning {
		t.Fatalf("after restart = %+v", st)
	}
	rec = do(t, h, http.MethodPost, "/api/bot/stop", "")
	if rec.Code != http.StatusConflict || rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("stop during settle = %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if e := decode[errorJSON](t, rec); e.RetryAt == nil || !e.RetryAt.Equal(fc.Now().Add(2*time.Second)) {
		t.Fatalf("busy body = %+v", e)
	}

	fc.Advance(2 * time.Second)
	if rec := do(t, h, http.MethodPost, "/api/bot/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("stop after settle = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/bot/reinitialize", ""); rec.Code != http.StatusOK {
		t.Fatalf("reinitialize = %d", rec.Code)
	}
}

func TestStartBindsSourceFromVideoURL(t *testing.T) {
	srv, sess, _ := newTestServer(t, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/bot/start", `{"video_url":"https://www.youtube.com/watch?v=abcDEF12345&t=3"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	if got := sess.Bot.Status().SourceID; got != "abcDEF12345" {
		t.Fatalf("source = %q", got)
	}
	if got := sess.Feed.SourceID(); got != "abcDEF12345" {
		t.Fatalf("feed source = %q", got)
	}

	if rec := do(t, h, http.MethodPost, "/api/bot/bind", `{"source_id":"other"}`); rec.Code != http.StatusConflict {
		t.Fatalf("bind while running = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/bot/restart", `{"source_id":"not a url!"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad source = %d", rec.Code)
	}
}

func TestIngestAndMessages(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	h := srv.Handler()

	body := `{"id":"m1","user_id":"u1","username":"alice","body":"hi"}`
	if rec := do(t, h, http.MethodPost, "/api/chat/ingest", body); rec.Code != http.StatusConflict {
		t.Fatalf("ingest while stopped = %d", rec.Code)
	}

	do(t, h, http.MethodPost, "/api/bot/start", "")
	if rec := do(t, h, http.MethodPost, "/api/chat/ingest", body); rec.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/api/chat/ingest", body); rec.Code != http.StatusOK {
		t.Fatalf("duplicate ingest = %d", rec.Code)
	}
	staff := `{"id":"m2","user_id":"u2","username":"mod","body":"rules","roles":["moderator"]}`
	if rec := do(t, h, http.MethodPost, "/api/chat/ingest", staff); rec.Code != http.StatusAccepted {
		t.Fatalf("staff ingest = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/chat/ingest", `{"id":"m3","roles":["wizard"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/chat/ingest", `{"source_id":"video-2","id":"m4"}`); rec.Code != http.StatusConflict {
		t.Fatalf("wrong source = %d", rec.Code)
	}

	resp := decode[messagesResponse](t, do(t, h, http.MethodGet, "/api/chat/messages", ""))
	if resp.Total != 2 || len(resp.Data) != 2 || resp.Data[0].ID != "m1" || !resp.AutoFollow {
		t.Fatalf("messages = %+v", resp)
	}
	resp = decode[messagesResponse](t, do(t, h, http.MethodGet, "/api/chat/messages?filter=staff", ""))
	if len(resp.Data) != 1 || resp.Data[0].ID != "m2" || !resp.Data[0].Staff {
		t.Fatalf("staff view = %+v", resp)
	}
	resp = decode[messagesResponse](t, do(t, h, http.MethodGet, "/api/chat/messages?order=desc&limit=1", ""))
	if len(resp.Data) != 1 || resp.Data[0].ID != "m2" {
		t.Fatalf("newest = %+v", resp.Data)
	}
	if rec := do(t, h, http.MethodGet, "/api/chat/messages?filter=bots", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad filter = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/api/chat/export", "")
	if lines := strings.Count(strings.TrimSpace(rec.Body.String()), "\n") + 1; lines != 2 {
		t.Fatalf("export lines = %d: %s", lines, rec.Body)
	}
}

func TestSendRequiresRunning(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/chat/send", `{"message":"hello"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("send while stopped = %d", rec.Code)
	}
	do(t, h, http.MethodPost, "/api/bot/start", "")
	if rec := do(t, h, http.MethodPost, "/api/chat/send", `{"message":"   "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty send = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/api/chat/send", `{"message":"hello chat"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("send = %d %s", rec.Code, rec.Body)
	}
	msg := decode[messageJSON](t, rec)
	if !msg.Staff || !msg.Processed || msg.Response != nil || msg.Body != "hello chat" {
		t.Fatalf("manual message = %+v", msg)
	}
}

func TestLogsAndStatsFromArchive(t *testing.T) {
	archive, err := sink.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "a.db"), sink.Options{})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	var msgs []core.ChatMessage
	for i, user := range []string{"alice", "bob", "carol"} {
		msgs = append(msgs, core.ChatMessage{
			ID: user, SourceID: "video-1", UserID: user, Username: user, Body: "hi",
			Ts: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	if err := archive.WriteBatch(msgs); err != nil {
		t.Fatalf("seed: %v", err)
	}

	srv, _, _ := newTestServer(t, Options{Archive: archive})
	h := srv.Handler()

	resp := decode[logsResponse](t, do(t, h, http.MethodGet, "/api/chat/logs?limit=2", ""))
	if resp.Total != 3 || resp.Page != 1 || resp.Limit != 2 || len(resp.Data) != 2 || resp.Data[0].ID != "carol" {
		t.Fatalf("logs = %+v", resp)
	}
	for _, q := range []string{"limit=101", "limit=0", "page=0", "order=sideways"} {
		if rec := do(t, h, http.MethodGet, "/api/chat/logs?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("logs?%s = %d", q, rec.Code)
		}
	}

	stats := decode[statsResponse](t, do(t, h, http.MethodGet, "/api/chat/stats?stream_id=video-1", ""))
	if stats.Origin != "archive" || stats.Total != 3 || stats.UniqueUsers != 3 || stats.RecentWindow != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestStatsFallBackToLiveFeed(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/api/chat/logs", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("logs without archive = %d", rec.Code)
	}
	stats := decode[statsResponse](t, do(t, h, http.MethodGet, "/api/chat/stats", ""))
	if stats.Origin != "live" || stats.SourceID != "video-1" {
		t.Fatalf("stats = %+v", stats)
	}
	if rec := do(t, h, http.MethodGet, "/api/chat/stats?source=elsewhere", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("stats for unknown source = %d", rec.Code)
	}
}

func TestAutoFollowToggle(t *testing.T) {
	srv, sess, _ := newTestServer(t, Options{})
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/chat/autofollow", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing enabled = %d", rec.Code)
	}
	got := decode[map[string]bool](t, do(t, h, http.MethodPost, "/api/chat/autofollow", `{"enabled":false}`))
	if got["enabled"] || sess.Feed.AutoFollow() {
		t.Fatalf("autofollow still on")
	}
}

func TestRateLimit(t *testing.T) {
	srv, _, fc := newTestServer(t, Options{RateLimitRPS: 1, RateLimitBurst: 1})
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("first = %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("second = %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	fc.Advance(time.Second)
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("after waiting = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{CORSOrigins: []string{"https://panel.example"}})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/bot/start", nil)
	req.Header.Set("Origin", "https://panel.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://panel.example" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/bot/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign origin = %d", rec.Code)
	}
}

func TestMetricsExposePanelState(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	h := srv.Handler()
	do(t, h, http.MethodPost, "/api/bot/start", "")

	body := do(t, h, http.MethodGet, "/metrics", "").Body.String()
	for _, want := range []string{
		`botpanel_bot_state{state="running"} 1`,
		`botpanel_bot_commands_total{command="start",result="ok"} 1`,
		`botpanel_http_requests_total{method="POST",route="/api/bot/start",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestMetricsCanBeDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{DisableMetrics: true})
	if srv.Metrics() != nil {
		t.Fatalf("metrics should be nil")
	}
	if rec := do(t, srv.Handler(), http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("/metrics = %d", rec.Code)
	}
}

func TestInfo(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{
		Build:         BuildInfo{Version: "1.2.3", Revision: "abc"},
		ConfigSummary: json.RawMessage(`{"source":"video-1"}`),
	})
	resp := decode[infoResponse](t, do(t, srv.Handler(), http.MethodGet, "/info", ""))
	if resp.Version != "1.2.3" || resp.Archive || string(resp.Config) != `{"source":"video-1"}` {
		t.Fatalf("info = %+v", resp)
	}
}

type fakeReloader struct {
	login string
	err   error
}

func (f fakeReloader) ReloadSource() (string, error) {
	return f.login, f.err
}

func TestAdminReload(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{Reloader: fakeReloader{login: "streamer"}})
	rec := do(t, srv.Handler(), http.MethodPost, "/admin/source/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var payload struct {
		Status   string `json:"status"`
		Reloaded bool   `json:"reloaded"`
		Login    string `json:"login"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Status != "ok" || !payload.Reloaded || payload.Login != "streamer" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	srv, _, _ = newTestServer(t, Options{Reloader: fakeReloader{err: errors.New("boom")}})
	rec = do(t, srv.Handler(), http.MethodPost, "/admin/source/reload", "")
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != "reload failed: boom\n" {
		t.Fatalf("reload error = %d %q", rec.Code, rec.Body)
	}

	srv, _, _ = newTestServer(t, Options{})
	if rec := do(t, srv.Handler(), http.MethodPost, "/admin/source/reload", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("reload without reloader = %d", rec.Code)
	}
}

func TestSSEStreamsStatusAndMessages(t *testing.T) {
	srv, sess, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)

	next := func() (string, streamEvent) {
		t.Helper()
		var kind string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				kind = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var ev streamEvent
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
					t.Fatalf("decode %q: %v", line, err)
				}
				return kind, ev
			}
		}
	}

	if kind, ev := next(); kind != "status" || ev.Status.State != core.Stopped {
		t.Fatalf("first event = %s %+v", kind, ev)
	}
	if err := sess.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if kind, ev := next(); kind != "status" || !ev.Status.Running {
		t.Fatalf("second event = %s %+v", kind, ev)
	}
	if err := sess.Ingest("video-1", core.ChatMessage{ID: "m1", Username: "alice", Body: "hi"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	kind, ev := next()
	if kind != "message" || ev.Message == nil || ev.Message.ID != "m1" || !ev.Follow {
		t.Fatalf("message event = %s %+v", kind, ev)
	}
}

func TestWebSocketStreamsMessages(t *testing.T) {
	srv, sess, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sess.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Ingest("video-1", core.ChatMessage{ID: "old", Username: "bob", Body: "earlier"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws?backlog=10&filter=viewers", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() streamEvent {
		t.Helper()
		var ev streamEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		return ev
	}

	if ev := read(); ev.Type != "status" || !ev.Status.Running {
		t.Fatalf("first = %+v", ev)
	}
	if ev := read(); ev.Type != "message" || ev.Message.ID != "old" {
		t.Fatalf("backlog = %+v", ev)
	}

	_ = sess.Ingest("video-1", core.ChatMessage{ID: "staff", Username: "mod", Roles: core.NewRoles(core.RoleModerator)})
	_ = sess.Ingest("video-1", core.ChatMessage{ID: "new", Username: "carol", Body: "hey"})
	if ev := read(); ev.Type != "message" || ev.Message.ID != "new" {
		t.Fatalf("filtered stream = %+v", ev)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
