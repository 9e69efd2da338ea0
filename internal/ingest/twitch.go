package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/you/botpanel/internal/core"
)

// Twitch reads a single channel over IRC. The channel name is the source id.
type Twitch struct {
	Channel string
	Nick    string
	Token   string
	Logger  *slog.Logger

	mu        sync.Mutex
	client    *twitch.Client
	rotate    bool
	connected bool
}

func NewTwitch(channel, nick, token string) *Twitch {
	return &Twitch{
		Channel: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#")),
		Nick:    strings.ToLower(strings.TrimSpace(nick)),
		Token:   NormalizeToken(token),
	}
}

func (t *Twitch) Name() string { return "twitch" }

func (t *Twitch) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Run connects and blocks until ctx is done or the connection drops. A token
// rotation through Reconnect reconnects in place.
func (t *Twitch) Run(ctx context.Context, h Handler) error {
	if t.Channel == "" || t.Nick == "" {
		return errors.New("ingest: twitch channel and nick are required")
	}
	for {
		err := t.runOnce(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.mu.Lock()
		rotate := t.rotate
		t.rotate = false
		t.mu.Unlock()
		if rotate && errors.Is(err, twitch.ErrClientDisconnected) {
			continue
		}
		return err
	}
}

func (t *Twitch) runOnce(ctx context.Context, h Handler) error {
	t.mu.Lock()
	client := twitch.NewClient(t.Nick, t.Token)
	t.client = client
	t.mu.Unlock()

	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		h(t.Channel, FromPrivateMessage(m, time.Now()))
	})
	client.OnConnect(func() {
		t.setConnected(true)
		t.logger().Info("twitch: connected", "channel", t.Channel, "as", t.Nick)
	})
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		t.logger().Info("twitch: server requested reconnect", "channel", t.Channel)
	})
	client.Join(t.Channel)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect() }()

	defer t.setConnected(false)
	select {
	case <-ctx.Done():
		_ = client.Disconnect()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (t *Twitch) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

// Say posts text to the bound channel.
func (t *Twitch) Say(_ context.Context, sourceID, text string) error {
	t.mu.Lock()
	client, connected := t.client, t.connected
	t.mu.Unlock()
	if client == nil || !connected {
		return ErrNotConnected
	}
	if sourceID != "" && !strings.EqualFold(sourceID, t.Channel) {
		return fmt.Errorf("ingest: twitch bound to %q, not %q", t.Channel, sourceID)
	}
	client.Say(t.Channel, text)
	return nil
}

// Reconnect swaps the token and drops the current connection; Run dials again
// with the new token.
func (t *Twitch) Reconnect(token string) error {
	token = NormalizeToken(token)
	if token == "" {
		return ErrEmptyToken
	}
	t.mu.Lock()
	t.Token = token
	client := t.client
	if client != nil {
		t.rotate = true
	}
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Disconnect()
}

func (t *Twitch) JoinedNick() string { return t.Nick }

// FromPrivateMessage maps an IRC PRIVMSG to a chat message. The broadcaster
// badge maps to owner, moderator to moderator, and Twitch staff or admin
// badges to admin.
func FromPrivateMessage(m twitch.PrivateMessage, received time.Time) core.ChatMessage {
	ts := m.Time
	if ts.IsZero() {
		ts = received
	}
	var roles core.Roles
	for badge := range m.User.Badges {
		switch badge {
		case "broadcaster":
			roles = roles.With(core.RoleOwner)
		case "moderator":
			roles = roles.With(core.RoleModerator)
		case "admin", "staff", "global_mod":
			roles = roles.With(core.RoleAdmin)
		}
	}
	display := m.User.DisplayName
	if strings.EqualFold(display, m.User.Name) {
		display = ""
	}
	return core.ChatMessage{
		ID:          m.ID,
		SourceID:    strings.ToLower(m.Channel),
		UserID:      m.User.ID,
		Username:    m.User.Name,
		DisplayName: display,
		Body:        m.Message,
		Roles:       roles,
		Ts:          ts.UTC(),
	}
}
