package core

import (
	"strings"
	"time"
)

// Role is a single privilege flag carried by a chat message.
type Role uint8

const (
	RoleOwner Role = 1 << iota
	RoleModerator
	RoleAdmin
)

// Roles is the set of role flags held by a message's sender. The zero value
// is an ordinary viewer.
type Roles uint8

// StaffRoles is the union of every staff flag.
const StaffRoles = Roles(RoleOwner) | Roles(RoleModerator) | Roles(RoleAdmin)

var roleNames = []struct {
	role Role
	name string
}{
	{RoleOwner, "owner"},
	{RoleModerator, "moderator"},
	{RoleAdmin, "admin"},
}

// NewRoles builds a set from individual flags.
func NewRoles(roles ...Role) Roles {
	var out Roles
	for _, r := range roles {
		out |= Roles(r)
	}
	return out
}

func (r Roles) Has(role Role) bool { return r&Roles(role) != 0 }

func (r Roles) With(role Role) Roles { return r | Roles(role) }

// IsStaff reports whether any of owner, moderator or admin is set.
func (r Roles) IsStaff() bool { return r&StaffRoles != 0 }

// Strings returns the role names in a fixed order.
func (r Roles) Strings() []string {
	out := make([]string, 0, len(roleNames))
	for _, rn := range roleNames {
		if r.Has(rn.role) {
			out = append(out, rn.name)
		}
	}
	return out
}

func (r Roles) String() string {
	if r == 0 {
		return "viewer"
	}
	return strings.Join(r.Strings(), "+")
}

// ParseRoles converts role names back into a set. Unknown names are reported
// in the second return value and otherwise ignored.
func ParseRoles(names []string) (Roles, []string) {
	var (
		out     Roles
		unknown []string
	)
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || name == "viewer" {
			continue
		}
		matched := false
		for _, rn := range roleNames {
			if rn.name == name {
				out = out.With(rn.role)
				matched = true
				break
			}
		}
		if !matched {
			unknown = append(unknown, raw)
		}
	}
	return out, unknown
}

// ChatMessage is one chat event in a feed and its optional automated reply.
// Only Processed, Response and RespondedAt ever change after creation.
type ChatMessage struct {
	ID          string
	SourceID    string
	UserID      string
	Username    string
	DisplayName string // presentation only; never used for identity
	Body        string
	Roles       Roles
	Ts          time.Time
	Processed   bool
	Response    *string
	RespondedAt *time.Time
}

// Name returns the presentation name of the sender.
func (m ChatMessage) Name() string {
	if strings.TrimSpace(m.DisplayName) != "" {
		return m.DisplayName
	}
	return m.Username
}

// Validate checks the response/processed invariant and required identity fields.
func (m ChatMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return &InvalidMessageError{Reason: "empty id"}
	}
	if m.Response != nil && !m.Processed {
		return &InvalidMessageError{ID: m.ID, Reason: "response set on unprocessed message"}
	}
	return nil
}

// Clone returns a copy that shares no pointers with m.
func (m ChatMessage) Clone() ChatMessage {
	if m.Response != nil {
		resp := *m.Response
		m.Response = &resp
	}
	if m.RespondedAt != nil {
		at := *m.RespondedAt
		m.RespondedAt = &at
	}
	return m
}

// ResponseText returns the reply text or "" when none was generated.
func (m ChatMessage) ResponseText() string {
	if m.Response == nil {
		return ""
	}
	return *m.Response
}
