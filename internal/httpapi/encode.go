package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/you/botpanel/internal/core"
	"github.com/you/botpanel/internal/session"
)

type messageJSON struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name,omitempty"`
	Name        string     `json:"name"`
	Body        string     `json:"body"`
	Roles       []string   `json:"roles"`
	Staff       bool       `json:"staff"`
	Ts          time.Time  `json:"ts"`
	Processed   bool       `json:"processed"`
	Response    *string    `json:"response,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

func encodeMessage(m core.ChatMessage) messageJSON {
	m = m.Clone()
	return messageJSON{
		ID:          m.ID,
		SourceID:    m.SourceID,
		UserID:      m.UserID,
		Username:    m.Username,
		DisplayName: m.DisplayName,
		Name:        m.Name(),
		Body:        m.Body,
		Roles:       m.Roles.Strings(),
		Staff:       m.Roles.IsStaff(),
		Ts:          m.Ts,
		Processed:   m.Processed,
		Response:    m.Response,
		RespondedAt: m.RespondedAt,
	}
}

func encodeMessages(msgs []core.ChatMessage) []messageJSON {
	out := make([]messageJSON, len(msgs))
	for i, m := range msgs {
		out[i] = encodeMessage(m)
	}
	return out
}

type statusJSON struct {
	State          core.BotState `json:"state"`
	SourceID       string        `json:"source_id"`
	Running        bool          `json:"running"`
	StartedAt      *time.Time    `json:"started_at"`
	LastActivityAt *time.Time    `json:"last_activity_at"`
	MessageCount   int64         `json:"message_count"`
	ErrorCount     int64         `json:"error_count"`
	UptimeSeconds  float64       `json:"uptime_seconds"`
	Uptime         string        `json:"uptime"`
	ClockSkew      bool          `json:"clock_skew,omitempty"`
	SettleDelayMS  int64         `json:"settle_delay_ms"`
}

func encodeSnapshot(s session.Snapshot) statusJSON {
	st := s.Status.Clone()
	return statusJSON{
		State:          st.State,
		SourceID:       st.SourceID,
		Running:        st.Running(),
		StartedAt:      st.StartedAt,
		LastActivityAt: st.LastActivityAt,
		MessageCount:   st.MessageCount,
		ErrorCount:     st.ErrorCount,
		UptimeSeconds:  s.Uptime.Seconds(),
		Uptime:         s.UptimeText,
		ClockSkew:      s.ClockSkew,
		SettleDelayMS:  st.SettleDelay.Milliseconds(),
	}
}

type errorJSON struct {
	Error   string     `json:"error"`
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorJSON{Error: msg})
}
