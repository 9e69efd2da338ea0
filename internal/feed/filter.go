package feed

import (
	"errors"
	"strings"

	"github.com/you/botpanel/internal/core"
)

// Filter selects a derived view of the feed. It never mutates the feed.
type Filter int

const (
	All Filter = iota
	StaffOnly
	ViewersOnly
)

func (f Filter) String() string {
	switch f {
	case StaffOnly:
		return "staff"
	case ViewersOnly:
		return "viewers"
	default:
		return "all"
	}
}

// Match reports whether msg belongs in the filtered view.
func (f Filter) Match(msg core.ChatMessage) bool {
	switch f {
	case StaffOnly:
		return msg.Roles.IsStaff()
	case ViewersOnly:
		return !msg.Roles.IsStaff()
	default:
		return true
	}
}

// ParseFilter accepts the query values used by the display boundary. "admin"
// and "users" are the dashboard's historical names for staff and viewers.
func ParseFilter(raw string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all", "*":
		return All, nil
	case "staff", "admin":
		return StaffOnly, nil
	case "viewers", "viewer", "users":
		return ViewersOnly, nil
	default:
		return All, errors.New("filter must be all, staff or viewers")
	}
}
