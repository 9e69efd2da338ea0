package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiter(t *testing.T) {
	l := newIPRateLimiter(2, 2)
	now := t0

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("10.0.0.1", now); !ok {
			t.Fatalf("request %d within burst refused", i)
		}
	}
	ok, wait := l.Allow("10.0.0.1", now)
	if ok || wait != 500*time.Millisecond {
		t.Fatalf("over burst = %v, wait %s", ok, wait)
	}
	if ok, _ := l.Allow("10.0.0.2", now); !ok {
		t.Fatalf("other clients have their own bucket")
	}
	if ok, _ := l.Allow("10.0.0.1", now.Add(500*time.Millisecond)); !ok {
		t.Fatalf("a refused request must not consume a token")
	}

	var off *ipRateLimiter
	if ok, _ := off.Allow("x", now); !ok {
		t.Fatalf("nil limiter should allow everything")
	}
	if newIPRateLimiter(0, 10) != nil {
		t.Fatalf("zero rps should disable the limiter")
	}
}

func TestIPRateLimiterSweepsIdleClients(t *testing.T) {
	l := newIPRateLimiter(1, 1)
	l.sweepAt = 2
	l.Allow("a", t0)
	l.Allow("b", t0)
	l.Allow("c", t0.Add(10*time.Minute))
	if _, ok := l.entries["a"]; ok || len(l.entries) != 1 {
		t.Fatalf("entries after sweep = %d", len(l.entries))
	}
}

func TestRetryAfter(t *testing.T) {
	for d, want := range map[time.Duration]string{
		0:                       "1",
		200 * time.Millisecond:  "1",
		time.Second:             "1",
		1500 * time.Millisecond: "2",
	} {
		if got := retryAfter(d); got != want {
			t.Fatalf("retryAfter(%s) = %q, want %q", d, got, want)
		}
	}
}

func TestRemoteIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	if got := remoteIP(req); got != "192.0.2.7" {
		t.Fatalf("remote addr = %q", got)
	}
	req.Header.Set("X-Forwarded-For", " , 203.0.113.9, 10.0.0.1")
	if got := remoteIP(req); got != "203.0.113.9" {
		t.Fatalf("forwarded = %q", got)
	}
}

func TestCORSPolicy(t *testing.T) {
	if newCORSPolicy(nil) != nil {
		t.Fatalf("no origins should disable CORS")
	}
	p := newCORSPolicy([]string{" https://panel.example/ ", ""})
	if !p.isAllowed("https://panel.example") || p.isAllowed("https://other.example") {
		t.Fatalf("origin matching is wrong: %+v", p)
	}
	if p.isAllowed("panel.example") {
		t.Fatalf("origins without a scheme must be refused")
	}
	all := newCORSPolicy([]string{"https://a.example", "*"})
	if !all.allowAll || !all.isAllowed("http://anything.example") {
		t.Fatalf("wildcard = %+v", all)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/bot/status", nil)
	req.Header.Set("Origin", "https://panel.example")
	rec := httptest.NewRecorder()
	if !p.applyHeaders(rec, req) || rec.Header().Get("Access-Control-Expose-Headers") != "Retry-After" {
		t.Fatalf("headers = %v", rec.Header())
	}
}

func TestRecorderStatus(t *testing.T) {
	rec := newResponseRecorder(httptest.NewRecorder())
	if rec.Status() != http.StatusOK {
		t.Fatalf("default status = %d", rec.Status())
	}
	rec.WriteHeader(http.StatusTeapot)
	_, _ = rec.Write([]byte("short and stout"))
	if rec.Status() != http.StatusTeapot || rec.Bytes() != 15 {
		t.Fatalf("status=%d bytes=%d", rec.Status(), rec.Bytes())
	}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatalf("httptest recorder cannot hijack")
	}
}
