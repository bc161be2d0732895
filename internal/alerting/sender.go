// Package alerting delivers rendered notification batches to users.
package alerting

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Message is one batched notification.
type Message struct {
	Subject string
	Body    string
	// EventIDs lists the journal entries the message covers.
	EventIDs []int64
}

// Sender delivers a message to a destination (email address, chat id).
type Sender interface {
	SendBatch(ctx context.Context, destination string, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender constructs a log-only sender.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "alert_log").Logger()}
}

// SendBatch logs the message.
func (s *LogSender) SendBatch(_ context.Context, destination string, msg Message) error {
	s.logger.Info().
		Str("destination", destination).
		Str("subject", msg.Subject).
		Int("events", len(msg.EventIDs)).
		Str("body", strings.TrimSpace(msg.Body)).
		Msg("notification batch")
	return nil
}

var _ Sender = (*LogSender)(nil)
