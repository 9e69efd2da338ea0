package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/feed"
	"github.com/you/botpanel/internal/session"
)

const maxBacklog = 500

// streamEvent is the envelope shared by SSE and WebSocket clients.
type streamEvent struct {
	Type     string       `json:"type"`
	Seq      uint64       `json:"seq,omitempty"`
	SourceID string       `json:"source_id,omitempty"`
	Follow   bool         `json:"follow,omitempty"`
	Message  *messageJSON `json:"message,omitempty"`
	Status   *statusJSON  `json:"status,omitempty"`
}

type subscription struct {
	events <-chan feed.Event
	status <-chan core.BotStatus
	cancel func()
}

func (s *Server) subscribe() subscription {
	events, cancelFeed := s.panel.LiveFeed().Subscribe(s.opts.StreamBuffer)
	status, cancelStatus := s.panel.SubscribeStatus(16)
	return subscription{
		events: events,
		status: status,
		cancel: func() {
			cancelFeed()
			cancelStatus()
		},
	}
}

// feedEvent converts ev, reporting false when the filters exclude it. Reset
// and processed events always pass so clients can keep their copy coherent.
func feedEvent(ev feed.Event, filters Filters) (streamEvent, bool) {
	out := streamEvent{Type: ev.Kind.String(), Seq: ev.Seq, SourceID: ev.SourceID}
	switch ev.Kind {
	case feed.EventAppended:
		if !filters.Matches(ev.Message) {
			return streamEvent{}, false
		}
		out.Type = "message"
		out.Follow = ev.Follow
		m := encodeMessage(ev.Message)
		out.Message = &m
	case feed.EventProcessed:
		m := encodeMessage(ev.Message)
		out.Message = &m
	}
	return out, true
}

func (s *Server) statusEvent(st core.BotStatus) streamEvent {
	snap, _ := session.SnapshotAt(st, s.clock.Now())
	enc := encodeSnapshot(snap)
	return streamEvent{Type: "status", SourceID: st.SourceID, Status: &enc}
}

// backlog returns up to n of the newest matching feed messages.
func (s *Server) backlog(values url.Values, filters Filters) []streamEvent {
	n, err := strconv.Atoi(values.Get("backlog"))
	if err != nil || n <= 0 {
		return nil
	}
	if n > maxBacklog {
		n = maxBacklog
	}
	var out []streamEvent
	view := s.panel.LiveFeed().View(filters.View)
	for m := range view.All() {
		if !filters.Matches(m) {
			continue
		}
		enc := encodeMessage(m)
		out = append(out, streamEvent{Type: "message", SourceID: m.SourceID, Message: &enc})
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filters = filters.CloneForStream()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	if s.isClosed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.subscribe()
	defer sub.cancel()
	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	send := func(ev streamEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if ev.Seq > 0 {
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
		s.metrics.IncMessagesSent("sse")
	}

	fmt.Fprintf(w, ":ok\n\n")
	send(s.statusEvent(s.panel.Snapshot().Status))
	for _, ev := range s.backlog(r.URL.Query(), filters) {
		send(ev)
	}
	flusher.Flush()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case st, ok := <-sub.status:
			if !ok {
				return
			}
			send(s.statusEvent(st))
		case ev, ok := <-sub.events:
			if !ok {
				return
			}
			if out, ok := feedEvent(ev, filters); ok {
				send(out)
			}
		}
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	if s.cors == nil {
		return opts
	}
	if s.cors.allowAll {
		opts.InsecureSkipVerify = true
		return opts
	}
	for origin := range s.cors.origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		}
	}
	return opts
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filters = filters.CloneForStream()
	if s.isClosed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.log.Debug("http: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := s.subscribe()
	defer sub.cancel()
	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	send := func(ev streamEvent) error {
		wctx, cancel := context.WithTimeout(ctx, s.opts.WSWriteTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, conn, ev); err != nil {
			if ctx.Err() == nil {
				s.metrics.IncBroadcastDrops("ws")
				s.log.Info("http: websocket client too slow, disconnecting", "ip", remoteIP(r), "err", err)
			}
			return err
		}
		s.metrics.IncMessagesSent("ws")
		return nil
	}

	if err := send(s.statusEvent(s.panel.Snapshot().Status)); err != nil {
		return
	}
	for _, ev := range s.backlog(r.URL.Query(), filters) {
		if err := send(ev); err != nil {
			return
		}
	}

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.opts.WSWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Debug("http: websocket ping failed", "err", err)
				return
			}
		case st, ok := <-sub.status:
			if !ok {
				return
			}
			if send(s.statusEvent(st)) != nil {
				return
			}
		case ev, ok := <-sub.events:
			if !ok {
				return
			}
			if out, ok := feedEvent(ev, filters); ok {
				if send(out) != nil {
					return
				}
			}
		}
	}
}
