// Package bot contains the event loop that drives the TOTP bot: it consumes
// Zulip events one at a time, filters out everything not addressed to the
// bot, parses commands, enforces channel-membership access control, fetches
// codes from the gateway, and records an audit line for every generate
// request.
//
// Processing is strictly sequential. The only intentional suspension point
// is the long-poll events call; every other outbound call carries a short
// timeout, so one slow collaborator delays later events instead of wedging
// the process. One bad event never terminates the loop: handler panics are
// caught, logged, and followed by a short backoff.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsr-sec/totp-bot/internal/access"
	"github.com/lsr-sec/totp-bot/internal/audit"
	"github.com/lsr-sec/totp-bot/internal/command"
	"github.com/lsr-sec/totp-bot/internal/domain"
	"github.com/lsr-sec/totp-bot/internal/totp"
	"github.com/lsr-sec/totp-bot/internal/zulip"
)

// HelpText is the static reply to help commands.
const HelpText = "**TOTP bot:**\n" +
	"• `!mfa-<client>-<service>` → current 6-digit code for that label\n" +
	"• `code <label>` → same, using the label verbatim\n" +
	"_Access is granted by membership in the channel named after the client._"

// EventSource yields the inbound event stream. Satisfied by *zulip.Client.
type EventSource interface {
	RegisterQueue(ctx context.Context) (*zulip.Queue, error)
	GetEvents(ctx context.Context, queueID string, lastEventID int64) ([]zulip.Event, error)
}

// Messenger sends replies to users. Satisfied by *zulip.Client.
type Messenger interface {
	SendDirectMessage(ctx context.Context, userID int64, text string) error
}

// AccessChecker decides whether a requester may receive codes for a client.
// Satisfied by *access.Controller.
type AccessChecker interface {
	Check(ctx context.Context, requesterID int64, client string) access.Decision
}

// CodeFetcher asks the code oracle for the current code. Satisfied by
// *totp.Client.
type CodeFetcher interface {
	Fetch(ctx context.Context, client, service, requester string) totp.Result
}

// Auditor records one audit attempt per generate command. Satisfied by
// *audit.Sink.
type Auditor interface {
	Record(ctx context.Context, e audit.Event) bool
}

// CursorStore persists the event-stream cursor across restarts.
type CursorStore interface {
	// Load returns the stored cursor for a queue; repo.ErrNotFound when
	// the queue was never seen.
	Load(ctx context.Context, queueID string) (int64, error)
	// Save upserts the cursor for a queue.
	Save(ctx context.Context, queueID string, lastEventID int64) error
}

// Options configures a Dispatcher.
type Options struct {
	// BotEmail filters out the bot's own messages.
	BotEmail string
	// BotName enables @-mention addressing in channels. Empty means the
	// bot only answers direct messages.
	BotName string
	// AllowedSenders restricts who may talk to the bot (lowercase emails).
	// Empty allows everyone.
	AllowedSenders []string
	// RetryBackoff is slept after poll failures and handler panics.
	RetryBackoff time.Duration
	// CallTimeout bounds each outbound reply/audit call.
	CallTimeout time.Duration
}

// Dispatcher is the orchestrating event loop.
type Dispatcher struct {
	source  EventSource
	msg     Messenger
	acl     AccessChecker
	oracle  CodeFetcher
	auditor Auditor
	cursors CursorStore

	botEmail    string
	mention     string // "@**<name>** " prefix, empty disables channel use
	allowed     map[string]struct{}
	backoff     time.Duration
	callTimeout time.Duration

	log zerolog.Logger
}

// NewDispatcher wires the loop. All collaborators are required except that
// cursors may be nil, in which case the loop runs from each registration's
// starting cursor and forgets its position on restart.
func NewDispatcher(source EventSource, msg Messenger, acl AccessChecker, oracle CodeFetcher, auditor Auditor, cursors CursorStore, opts Options, log zerolog.Logger) *Dispatcher {
	allowed := make(map[string]struct{}, len(opts.AllowedSenders))
	for _, s := range opts.AllowedSenders {
		allowed[strings.ToLower(s)] = struct{}{}
	}
	mention := ""
	if opts.BotName != "" {
		mention = "@**" + opts.BotName + "**"
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Dispatcher{
		source:      source,
		msg:         msg,
		acl:         acl,
		oracle:      oracle,
		auditor:     auditor,
		cursors:     cursors,
		botEmail:    strings.ToLower(opts.BotEmail),
		mention:     mention,
		allowed:     allowed,
		backoff:     backoff,
		callTimeout: callTimeout,
		log:         log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run consumes events until ctx is done. It registers an event queue,
// resumes from the persisted cursor when one exists for that queue, and
// re-registers whenever the server expires the queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q, err := d.source.RegisterQueue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Error().Err(err).Msg("queue registration failed")
			d.sleep(ctx)
			continue
		}

		cursor := q.LastEventID
		if d.cursors != nil {
			if saved, err := d.cursors.Load(ctx, q.ID); err == nil && saved > cursor {
				cursor = saved
			}
		}
		d.log.Info().Str("queue_id", q.ID).Int64("cursor", cursor).Msg("listening for events")

		d.consume(ctx, q.ID, cursor)
	}
}

// consume polls one queue until it expires or ctx is done.
func (d *Dispatcher) consume(ctx context.Context, queueID string, cursor int64) {
	for {
		events, err := d.source.GetEvents(ctx, queueID, cursor)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, zulip.ErrBadEventQueue) {
			d.log.Warn().Str("queue_id", queueID).Msg("event queue expired, re-registering")
			return
		}
		if err != nil {
			pollFailures.Inc()
			d.log.Error().Err(err).Msg("event poll failed")
			d.sleep(ctx)
			continue
		}

		for _, ev := range events {
			// The cursor moves exactly once per event, before handling,
			// so a poison message is never reprocessed after a crash.
			// The cost is at-most-once delivery: a crash mid-handler may
			// lose that event's reply.
			cursor = ev.ID
			if d.cursors != nil {
				if err := d.cursors.Save(ctx, queueID, cursor); err != nil {
					d.log.Error().Err(err).Int64("cursor", cursor).Msg("cursor persist failed")
				}
			}
			d.handleEvent(ctx, ev)
		}
	}
}

// handleEvent processes a single event. Panics are contained here: the loop
// must survive any single bad event.
func (d *Dispatcher) handleEvent(ctx context.Context, ev zulip.Event) {
	defer func() {
		if r := recover(); r != nil {
			eventsTotal.WithLabelValues("error").Inc()
			d.log.Error().Interface("panic", r).Int64("event_id", ev.ID).Msg("event handler panicked")
			d.sleep(ctx)
		}
	}()

	text, msg, ok := d.filter(ev)
	if !ok {
		eventsTotal.WithLabelValues("dropped").Inc()
		return
	}

	cmd := command.Parse(text)
	switch cmd.Kind {
	case command.KindNone:
		// Not a command: stay silent so merely mentioning the bot in a
		// channel produces no noise.
		eventsTotal.WithLabelValues("dropped").Inc()
	case command.KindHelp:
		d.reply(ctx, msg.SenderID, HelpText)
		commandsTotal.WithLabelValues("help", "replied").Inc()
		eventsTotal.WithLabelValues("handled").Inc()
	case command.KindGenerate:
		d.handleGenerate(ctx, msg, cmd)
		eventsTotal.WithLabelValues("handled").Inc()
	}
}

// filter applies the pre-parse drop rules in order and returns the command
// text (mention prefix stripped) when the event should be routed.
func (d *Dispatcher) filter(ev zulip.Event) (string, *zulip.Message, bool) {
	if ev.Type != zulip.EventTypeMessage || ev.Message == nil {
		return "", nil, false
	}
	m := ev.Message

	sender := strings.ToLower(m.SenderEmail)
	if m.SenderIsBot || sender == d.botEmail {
		// Never answer bots, including ourselves: reply loops.
		return "", nil, false
	}

	text := strings.TrimSpace(m.Content)
	switch m.Type {
	case zulip.MessageTypePrivate:
		// Direct messages are always addressed to us.
	case zulip.MessageTypeStream:
		if d.mention == "" || !strings.HasPrefix(text, d.mention) {
			return "", nil, false
		}
		text = strings.TrimSpace(strings.TrimPrefix(text, d.mention))
	default:
		return "", nil, false
	}

	if len(d.allowed) > 0 {
		if _, ok := d.allowed[sender]; !ok {
			// Deliberate no-op, but a visible one.
			d.log.Info().Str("sender", sender).Msg("sender not in allow-list, ignoring")
			return "", nil, false
		}
	}

	return text, m, true
}

// handleGenerate runs the generate-code pipeline: fresh access check, code
// fetch, exactly one reply, then exactly one audit attempt. The reply goes
// out first so the requester never waits on audit-channel availability.
func (d *Dispatcher) handleGenerate(ctx context.Context, m *zulip.Message, cmd command.Command) {
	label := cmd.Label()
	lg := d.log.With().
		Str("sender", m.SenderEmail).
		Str("label", label).
		Logger()

	dec := d.acl.Check(ctx, m.SenderID, cmd.Client)
	if !dec.Allowed {
		if dec.Err != nil {
			lg.Error().Err(dec.Err).Msg("access check failed, denying")
		} else {
			lg.Info().Str("reason", dec.Reason).Msg("access denied")
		}
		d.reply(ctx, m.SenderID, fmt.Sprintf("Sorry, you don't have access to codes for `%s`.", cmd.Client))
		d.audit(ctx, m, cmd, domain.OutcomeDenied, dec.Reason)
		commandsTotal.WithLabelValues("generate", "denied").Inc()
		return
	}

	start := time.Now()
	res := d.oracle.Fetch(ctx, cmd.Client, cmd.Service, m.SenderEmail)
	observeOracle(start)

	switch res.Status {
	case totp.StatusNotFound:
		lg.Info().Msg("unknown label")
		d.reply(ctx, m.SenderID, fmt.Sprintf("Unknown label `%s`.", label))
		d.audit(ctx, m, cmd, domain.OutcomeFailed, "unknown label")
		commandsTotal.WithLabelValues("generate", "failed").Inc()
	case totp.StatusUpstreamError:
		lg.Error().Str("detail", res.Detail).Msg("code fetch failed")
		d.reply(ctx, m.SenderID, "The code service is unavailable right now, please try again shortly.")
		d.audit(ctx, m, cmd, domain.OutcomeFailed, "code service error: "+res.Detail)
		commandsTotal.WithLabelValues("generate", "failed").Inc()
	case totp.StatusOK:
		lg.Info().Msg("code delivered")
		d.reply(ctx, m.SenderID, fmt.Sprintf("`%s` → **%s** (valid ~%ds)", label, res.Code, res.ValidFor))
		d.audit(ctx, m, cmd, domain.OutcomeDelivered, "replied in DM")
		commandsTotal.WithLabelValues("generate", "delivered").Inc()
	}
}

// reply DMs the requester with a bounded timeout. Failures are logged, not
// propagated: the audit attempt still follows.
func (d *Dispatcher) reply(ctx context.Context, userID int64, text string) {
	cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	if err := d.msg.SendDirectMessage(cctx, userID, text); err != nil {
		d.log.Error().Err(err).Int64("user_id", userID).Msg("reply failed")
	}
}

func (d *Dispatcher) audit(ctx context.Context, m *zulip.Message, cmd command.Command, outcome, detail string) {
	cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	d.auditor.Record(cctx, audit.Event{
		Actor:   m.SenderName,
		Email:   m.SenderEmail,
		Client:  cmd.Client,
		Service: cmd.Service,
		Outcome: outcome,
		Detail:  detail,
	})
}

// sleep pauses for the retry backoff, returning early on shutdown.
func (d *Dispatcher) sleep(ctx context.Context) {
	t := time.NewTimer(d.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
