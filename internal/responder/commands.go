package responder

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/you/botpanel/internal/core"
)

const (
	maxAnswerLen = 200
	helpText     = "Commands: !help !uptime !ask <question> !start !stop !session !quiz !answer <n>"
)

// Reply returns the bot's response to msg, or nil when the message warrants
// none. Commands from non-staff users are subject to a global and a per-user
// cooldown; a throttled command gets no reply.
func (r *Responder) Reply(ctx context.Context, msg core.ChatMessage) *string {
	body := strings.TrimSpace(msg.Body)
	now := r.clock.Now()
	name := msg.Name()

	if !strings.HasPrefix(body, "!") {
		return r.welcome(msg, now)
	}

	fields := strings.Fields(body)
	cmd := strings.ToLower(fields[0])
	arg := strings.TrimSpace(strings.TrimPrefix(body, fields[0]))

	if !r.allow(msg, now) {
		return nil
	}

	switch cmd {
	case "!help", "!commands":
		return reply("@%s %s", name, helpText)
	case "!uptime":
		up, _ := r.status.Uptime(now)
		return reply("@%s Bot has been up for %s", name, core.FormatUptime(up))
	case "!ask":
		return r.ask(ctx, name, arg)
	case "!start":
		return r.startFocus(msg, now)
	case "!stop":
		return r.stopFocus(msg, now)
	case "!quiz":
		return r.startQuiz(msg)
	case "!answer":
		return r.answerQuiz(msg, arg)
	case "!session":
		r.mu.Lock()
		started, ok := r.focus[msg.UserID]
		r.mu.Unlock()
		if !ok {
			return reply("@%s You have no active session. Type !start to begin.", name)
		}
		return reply("@%s Current session: %s", name, core.FormatUptime(now.Sub(started)))
	}
	return nil
}

func (r *Responder) ask(ctx context.Context, name, question string) *string {
	if question == "" {
		return reply("@%s Ask me something!", name)
	}
	if r.asker == nil {
		return reply("@%s The AI took a break.", name)
	}
	answer, err := r.asker.Ask(ctx, question)
	answer = strings.TrimSpace(answer)
	if err != nil || answer == "" {
		if err != nil {
			r.status.RecordError()
			r.log.Warn("responder: ask failed", "err", err)
		}
		return reply("@%s The AI took a break.", name)
	}
	answer = truncateUTF8(answer, maxAnswerLen)
	return reply("@%s %s", name, answer)
}

func (r *Responder) startFocus(msg core.ChatMessage, now time.Time) *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if started, ok := r.focus[msg.UserID]; ok {
		return reply("@%s You already have a session running (%s).", msg.Name(), core.FormatUptime(now.Sub(started)))
	}
	r.focus[msg.UserID] = now
	return reply("@%s Study session started. Good luck!", msg.Name())
}

func (r *Responder) stopFocus(msg core.ChatMessage, now time.Time) *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	started, ok := r.focus[msg.UserID]
	if !ok {
		return reply("@%s You have no active session. Type !start to begin.", msg.Name())
	}
	delete(r.focus, msg.UserID)
	return reply("@%s Session complete: %s", msg.Name(), core.FormatUptime(now.Sub(started)))
}

// welcome greets a user's first message of the session. Greetings share a
// cooldown that staff bypass; the channel owner is never greeted.
func (r *Responder) welcome(msg core.ChatMessage, now time.Time) *string {
	if !r.cfg.Welcome || msg.Roles.Has(core.RoleOwner) || msg.UserID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.welcomed[msg.UserID]; ok {
		return nil
	}
	if !msg.Roles.IsStaff() && !r.lastWelcome.IsZero() && now.Sub(r.lastWelcome) < r.cfg.WelcomeCooldown {
		return nil
	}
	r.welcomed[msg.UserID] = struct{}{}
	r.lastWelcome = now
	return reply("Hey %s, welcome to the stream!", msg.Name())
}

// allow reserves a slot on the global and the per-user limiter. Either
// refusing cancels both reservations.
func (r *Responder) allow(msg core.ChatMessage, now time.Time) bool {
	if msg.Roles.IsStaff() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	user := r.users[msg.UserID]
	if user == nil {
		user = rate.NewLimiter(rate.Every(r.cfg.UserInterval), 1)
		r.users[msg.UserID] = user
	}

	ur := user.ReserveN(now, 1)
	gr := r.global.ReserveN(now, 1)
	if ur.OK() && gr.OK() && ur.DelayFrom(now) == 0 && gr.DelayFrom(now) == 0 {
		return true
	}
	ur.CancelAt(now)
	gr.CancelAt(now)
	return false
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func reply(format string, args ...any) *string {
	s := fmt.Sprintf(format, args...)
	return &s
}
