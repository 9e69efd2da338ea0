package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/botpanel/internal/core"
)

const namespace = "botpanel"

// Metrics bundles Prometheus collectors for the HTTP API and the panel.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	sseClients      prometheus.Gauge
	broadcastDrops  *prometheus.CounterVec
	rateLimited     prometheus.Counter
	messagesSent    *prometheus.CounterVec
	dbWriteErrors   prometheus.Counter
	botCommands     *prometheus.CounterVec
	ingested        *prometheus.CounterVec
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Current connected WebSocket clients",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Number of stream clients dropped for falling behind",
		}, []string{"transport"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Number of feed events delivered to clients",
		}, []string{"transport"}),
		dbWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_write_errors_total",
			Help:      "Number of archive write errors reported",
		}),
		botCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_commands_total",
			Help:      "Lifecycle commands by outcome",
		}, []string{"command", "result"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_ingest_total",
			Help:      "Messages pushed through the HTTP ingest route by outcome",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
		m.messagesSent,
		m.dbWriteErrors,
		m.botCommands,
		m.ingested,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncWSClients adjusts the WebSocket client gauge by delta.
func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

// IncSSEClients adjusts the SSE client gauge by delta.
func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.broadcastDrops.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncMessagesSent(transport string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(transport).Inc()
}

// IncDBWriteErrors increments the archive write error counter. The sink
// recorder reports through it.
func (m *Metrics) IncDBWriteErrors() {
	if m == nil {
		return
	}
	m.dbWriteErrors.Inc()
}

func (m *Metrics) IncBotCommand(command, result string) {
	if m == nil {
		return
	}
	m.botCommands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) IncIngest(result string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(result).Inc()
}

// panelCollector exports the lifecycle snapshot and ingest stages at scrape
// time.
type panelCollector struct {
	panel Panel

	state     *prometheus.Desc
	uptime    *prometheus.Desc
	messages  *prometheus.Desc
	errors    *prometheus.Desc
	feedLen   *prometheus.Desc
	feedDrops *prometheus.Desc
	stages    *prometheus.Desc
}

func newPanelCollector(p Panel) *panelCollector {
	return &panelCollector{
		panel:     p,
		state:     prometheus.NewDesc(namespace+"_bot_state", "1 for the bot's current lifecycle state", []string{"state"}, nil),
		uptime:    prometheus.NewDesc(namespace+"_bot_uptime_seconds", "Seconds since the bot entered Running", nil, nil),
		messages:  prometheus.NewDesc(namespace+"_bot_messages_total", "Messages admitted since the last reinitialize", nil, nil),
		errors:    prometheus.NewDesc(namespace+"_bot_errors_total", "Errors since the last reinitialize", nil, nil),
		feedLen:   prometheus.NewDesc(namespace+"_feed_messages", "Messages in the live feed session", nil, nil),
		feedDrops: prometheus.NewDesc(namespace+"_feed_dropped_events_total", "Feed events dropped for slow subscribers", nil, nil),
		stages:    prometheus.NewDesc(namespace+"_ingest_stage_total", "Messages seen per ingest stage", []string{"stage"}, nil),
	}
}

func (c *panelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.uptime
	ch <- c.messages
	ch <- c.errors
	ch <- c.feedLen
	ch <- c.feedDrops
	ch <- c.stages
}

func (c *panelCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.panel.Snapshot()
	for _, st := range []core.BotState{core.Stopped, core.Running, core.Transitioning} {
		v := 0.0
		if snap.Status.State == st {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, st.String())
	}
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, snap.Uptime.Seconds())
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(snap.Status.MessageCount))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(snap.Status.ErrorCount))

	f := c.panel.LiveFeed()
	ch <- prometheus.MustNewConstMetric(c.feedLen, prometheus.GaugeValue, float64(f.Len()))
	ch <- prometheus.MustNewConstMetric(c.feedDrops, prometheus.CounterValue, float64(f.DroppedEvents()))

	for stage, n := range c.panel.Stages() {
		ch <- prometheus.MustNewConstMetric(c.stages, prometheus.CounterValue, float64(n), string(stage))
	}
}
