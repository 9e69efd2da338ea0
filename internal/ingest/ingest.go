// Package ingest adapts live chat sources to the feed and carries replies
// back out.
package ingest

import (
	"context"
	"errors"

	"github.com/you/botpanel/internal/core"
)

// Handler receives every message a source observes, tagged with the source
// id it was read from. Gating happens downstream.
type Handler func(sourceID string, msg core.ChatMessage)

// Source produces chat messages until ctx is done or the connection fails.
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}

// Sender relays outbound text to the chat a source is bound to.
type Sender interface {
	Say(ctx context.Context, sourceID, text string) error
}

// Reconnector is implemented by sources that authenticate with a token that
// can be rotated at runtime.
type Reconnector interface {
	Reconnect(token string) error
	JoinedNick() string
}

var ErrNotConnected = errors.New("ingest: source not connected")

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, sourceID, text string) error

func (f SenderFunc) Say(ctx context.Context, sourceID, text string) error {
	return f(ctx, sourceID, text)
}
