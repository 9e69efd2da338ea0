package feed

import (
	"iter"

	"github.com/you/botpanel/internal/core"
)

// View is a read-only snapshot of the feed under one filter. It does not
// change when the feed does; call Feed.View again to observe new messages.
type View struct {
	sourceID string
	filter   Filter
	msgs     []core.ChatMessage
}

func (v View) SourceID() string { return v.sourceID }
func (v View) Filter() Filter   { return v.filter }
func (v View) Len() int         { return len(v.msgs) }

// All yields the snapshot in admission order.
func (v View) All() iter.Seq[core.ChatMessage] {
	return func(yield func(core.ChatMessage) bool) {
		for _, m := range v.msgs {
			if !yield(m.Clone()) {
				return
			}
		}
	}
}

// Slice returns a copy of the snapshot.
func (v View) Slice() []core.ChatMessage {
	out := make([]core.ChatMessage, len(v.msgs))
	for i, m := range v.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Last returns the newest n messages, still in admission order.
func (v View) Last(n int) []core.ChatMessage {
	if n <= 0 || n >= len(v.msgs) {
		return v.Slice()
	}
	tail := v.msgs[len(v.msgs)-n:]
	out := make([]core.ChatMessage, len(tail))
	for i, m := range tail {
		out[i] = m.Clone()
	}
	return out
}

// IDs is a convenience for logging and tests.
func (v View) IDs() []string {
	out := make([]string, len(v.msgs))
	for i, m := range v.msgs {
		out[i] = m.ID
	}
	return out
}
