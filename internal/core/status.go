package core

import (
	"fmt"
	"strings"
	"time"
)

// BotState is the lifecycle state of the bot instance.
type BotState int

const (
	Stopped BotState = iota
	Running
	Transitioning
)

func (s BotState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Transitioning:
		return "transitioning"
	default:
		return fmt.Sprintf("BotState(%d)", int(s))
	}
}

func (s BotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BotState) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "stopped":
		*s = Stopped
	case "running":
		*s = Running
	case "transitioning":
		*s = Transitioning
	default:
		return fmt.Errorf("core: unknown bot state %q", string(b))
	}
	return nil
}

// BotStatus is an immutable snapshot of the lifecycle record. StartedAt is set
// iff State is Running.
type BotStatus struct {
	State          BotState
	SourceID       string
	StartedAt      *time.Time
	LastActivityAt *time.Time
	MessageCount   int64
	ErrorCount     int64
	SettleDelay    time.Duration
}

// Running reports whether the bot is accepting live input.
func (s BotStatus) Running() bool { return s.State == Running }

// Clone returns a snapshot sharing no pointers with s.
func (s BotStatus) Clone() BotStatus {
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.LastActivityAt != nil {
		t := *s.LastActivityAt
		s.LastActivityAt = &t
	}
	return s
}

// FormatUptime renders d as "1h 2m 3s".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, sec)
}
