package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the engine.
// Lambda binaries back it with log/slog, the daemon with zap.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// NopLogger discards everything. Used as the default when a component is
// constructed without a logger.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}

// With returns the receiver.
func (n NopLogger) With(...any) Logger { return n }

// SendInput is the transport-agnostic request handed to a Provider.
type SendInput struct {
	To          string
	From        string
	FromName    string
	Subject     string
	HTML        string
	Text        string
	CC          []string
	BCC         []string
	ReplyTo     string
	Attachments []Attachment
	ReferenceID string
}

// Provider sends one message over an external transport. Errors are
// *AppError values whose code classifies the failure (see KindOf).
type Provider interface {
	Send(ctx context.Context, input SendInput) (messageID string, err error)
}

// EventLogger is the write side of the monitor, consumed by everything that
// produces email events.
type EventLogger interface {
	LogEvent(ctx context.Context, event EmailEvent)
}

// TargetEnumerator yields the candidates a scheduled job should notify.
// The business rule deciding which documents are missing lives behind it.
type TargetEnumerator interface {
	Targets(ctx context.Context) ([]ReminderTarget, error)
}

// ReminderTarget is one (load, missing document) pair and who to tell.
type ReminderTarget struct {
	UserID        string
	Recipient     string
	RecipientName string
	LoadID        string
	LoadNumber    string
	DocumentType  string
	UploadURL     string
}
