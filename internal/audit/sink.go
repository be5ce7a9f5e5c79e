// Package audit records who requested which code and what happened. Every
// event goes to two places: an append-only SQLite table, and a line posted
// to the audit channel (with a fallback channel when the primary post
// fails). Both are best effort; auditing must never block or fail the
// user-facing reply, which the dispatcher sends before calling Record.
package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/lsr-sec/totp-bot/internal/domain"
	"github.com/lsr-sec/totp-bot/internal/repo"
)

// ChannelPoster is the chat-side contract. Satisfied by *zulip.Client.
type ChannelPoster interface {
	SendChannelMessage(ctx context.Context, stream, topic, text string) error
}

// Event describes one audited request.
type Event struct {
	Actor   string // display name
	Email   string
	Client  string
	Service string
	Outcome string // domain.Outcome*
	Detail  string
}

// Sink posts audit lines and persists audit rows.
type Sink struct {
	poster   ChannelPoster
	db       *gorm.DB
	primary  string
	topic    string
	fallback string
	log      zerolog.Logger
}

// NewSink builds a Sink. primary/fallback are stream names; topic is shared
// by both.
func NewSink(poster ChannelPoster, db *gorm.DB, primary, topic, fallback string, log zerolog.Logger) *Sink {
	return &Sink{
		poster:   poster,
		db:       db,
		primary:  primary,
		topic:    topic,
		fallback: fallback,
		log:      log.With().Str("component", "audit").Logger(),
	}
}

// Record writes the event. Returns true when the line reached the primary
// channel. An empty primary stream name turns chat auditing off; the local
// row is still written. Never returns an error: failures are logged and
// swallowed.
func (s *Sink) Record(ctx context.Context, e Event) bool {
	line := formatLine(e)

	primaryPosted := false
	if s.primary == "" {
		// Chat audit disabled. The local row below is still written.
	} else if err := s.poster.SendChannelMessage(ctx, s.primary, s.topic, line); err != nil {
		s.log.Warn().Err(err).Str("stream", s.primary).Msg("primary audit post failed, trying fallback")

		if err := s.poster.SendChannelMessage(ctx, s.fallback, s.topic, line+" *(fallback-routed)*"); err != nil {
			s.log.Error().Err(err).Str("stream", s.fallback).Msg("fallback audit post failed, entry is local-only")
		}
	} else {
		primaryPosted = true
	}

	if s.db != nil {
		err := repo.CreateAuditEntry(ctx, s.db, &domain.AuditEntry{
			Actor:         e.Actor,
			Email:         e.Email,
			Client:        e.Client,
			Service:       e.Service,
			Outcome:       e.Outcome,
			Detail:        e.Detail,
			PrimaryPosted: primaryPosted,
		})
		if err != nil {
			s.log.Error().Err(err).Msg("audit row insert failed")
		}
	}

	return primaryPosted
}

// formatLine renders the human-readable audit line posted to chat. The code
// itself is never part of it.
func formatLine(e Event) string {
	label := e.Client
	if e.Service != "" {
		label += "-" + e.Service
	}
	line := fmt.Sprintf("requester: `%s` • label: `%s` • outcome: **%s**", e.Email, label, e.Outcome)
	if e.Detail != "" {
		line += " • " + e.Detail
	}
	return line
}
