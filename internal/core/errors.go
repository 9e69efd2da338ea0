package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateID      = errors.New("duplicate message id")
	ErrNotFound         = errors.New("message not found")
	ErrAlreadyProcessed = errors.New("message already processed")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrBusy             = errors.New("lifecycle transition in flight")
	ErrAlreadyRunning   = errors.New("bot already running")
	ErrNotRunning       = errors.New("bot not running")
	ErrNotStopped       = errors.New("bot not stopped")
	ErrNoSource         = errors.New("no chat source bound")
	ErrSourceLocked     = errors.New("source cannot change while bot is not stopped")
	ErrClockSkew        = errors.New("clock skew")
)

// DuplicateIDError is returned when an id was already appended in the
// current session. Redelivery from a source is expected; callers usually
// log and ignore it.
type DuplicateIDError struct {
	ID       string
	SourceID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("feed %s: %s: %q", e.SourceID, ErrDuplicateID, e.ID)
}

func (e *DuplicateIDError) Unwrap() error { return ErrDuplicateID }

type NotFoundError struct {
	ID       string
	SourceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("feed %s: %s: %q", e.SourceID, ErrNotFound, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AlreadyProcessedError marks an attempt to re-open a processed message.
type AlreadyProcessedError struct {
	ID string
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("%s: %q", ErrAlreadyProcessed, e.ID)
}

func (e *AlreadyProcessedError) Unwrap() error { return ErrAlreadyProcessed }

type InvalidMessageError struct {
	ID     string
	Reason string
}

func (e *InvalidMessageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidMessage, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s", ErrInvalidMessage, e.ID, e.Reason)
}

func (e *InvalidMessageError) Unwrap() error { return ErrInvalidMessage }

// BusyError is returned for any lifecycle command issued while a restart
// is settling. Callers should back off rather than retry immediately.
type BusyError struct {
	Command string
	Until   time.Time
}

func (e *BusyError) Error() string {
	if e.Until.IsZero() {
		return fmt.Sprintf("%s: %s rejected", ErrBusy, e.Command)
	}
	return fmt.Sprintf("%s: %s rejected until %s", ErrBusy, e.Command, e.Until.UTC().Format(time.RFC3339Nano))
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// ClockSkewError reports an uptime query whose "now" precedes StartedAt.
// The uptime returned alongside it is clamped to zero.
type ClockSkewError struct {
	Now       time.Time
	StartedAt time.Time
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("%s: now %s is %s before start", ErrClockSkew,
		e.Now.UTC().Format(time.RFC3339Nano), e.StartedAt.Sub(e.Now))
}

func (e *ClockSkewError) Unwrap() error { return ErrClockSkew }
