package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsr-sec/totp-bot/internal/access"
	"github.com/lsr-sec/totp-bot/internal/audit"
	"github.com/lsr-sec/totp-bot/internal/domain"
	"github.com/lsr-sec/totp-bot/internal/repo"
	"github.com/lsr-sec/totp-bot/internal/totp"
	"github.com/lsr-sec/totp-bot/internal/zulip"
)

// ----- Fakes -----

// fakeSource serves scripted event batches, then cancels the run context so
// Run returns.
type fakeSource struct {
	queue     zulip.Queue
	batches   [][]zulip.Event
	i         int
	cancel    context.CancelFunc
	registers int
	lastPoll  int64 // last_event_id passed to the final GetEvents call
}

func (f *fakeSource) RegisterQueue(ctx context.Context) (*zulip.Queue, error) {
	f.registers++
	q := f.queue
	return &q, nil
}

func (f *fakeSource) GetEvents(ctx context.Context, queueID string, lastEventID int64) ([]zulip.Event, error) {
	f.lastPoll = lastEventID
	if f.i >= len(f.batches) {
		f.cancel()
		return nil, ctx.Err()
	}
	b := f.batches[f.i]
	f.i++
	return b, nil
}

type sentDM struct {
	userID int64
	text   string
}

type fakeMessenger struct {
	sent []sentDM
	err  error
}

func (f *fakeMessenger) SendDirectMessage(ctx context.Context, userID int64, text string) error {
	f.sent = append(f.sent, sentDM{userID, text})
	return f.err
}

type fakeACL struct {
	decision access.Decision
	calls    int

	gotID     int64
	gotClient string
}

func (f *fakeACL) Check(ctx context.Context, requesterID int64, client string) access.Decision {
	f.calls++
	f.gotID, f.gotClient = requesterID, client
	return f.decision
}

type fakeOracle struct {
	result    totp.Result
	calls     int
	panicking bool

	gotClient, gotService, gotRequester string
}

func (f *fakeOracle) Fetch(ctx context.Context, client, service, requester string) totp.Result {
	f.calls++
	f.gotClient, f.gotService, f.gotRequester = client, service, requester
	if f.panicking {
		panic("oracle exploded")
	}
	return f.result
}

type fakeAuditor struct {
	events []audit.Event
}

func (f *fakeAuditor) Record(ctx context.Context, e audit.Event) bool {
	f.events = append(f.events, e)
	return true
}

type fakeCursors struct {
	stored map[string]int64
	saves  []int64
}

func (f *fakeCursors) Load(ctx context.Context, queueID string) (int64, error) {
	if v, ok := f.stored[queueID]; ok {
		return v, nil
	}
	return 0, repo.ErrNotFound
}

func (f *fakeCursors) Save(ctx context.Context, queueID string, lastEventID int64) error {
	if f.stored == nil {
		f.stored = map[string]int64{}
	}
	f.stored[queueID] = lastEventID
	f.saves = append(f.saves, lastEventID)
	return nil
}

// ----- Helpers -----

func dmEvent(id int64, sender int64, email, text string) zulip.Event {
	return zulip.Event{
		ID:   id,
		Type: zulip.EventTypeMessage,
		Message: &zulip.Message{
			ID:          id * 100,
			SenderID:    sender,
			SenderEmail: email,
			SenderName:  "Bob",
			Type:        zulip.MessageTypePrivate,
			Content:     text,
		},
	}
}

type fixture struct {
	source  *fakeSource
	msg     *fakeMessenger
	acl     *fakeACL
	oracle  *fakeOracle
	auditor *fakeAuditor
	cursors *fakeCursors
}

func run(t *testing.T, f *fixture, opts Options, batches ...[]zulip.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f.source.queue = zulip.Queue{ID: "q1", LastEventID: 0}
	f.source.batches = batches
	f.source.cancel = cancel

	if opts.BotEmail == "" {
		opts.BotEmail = "totp-bot@org.example"
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}

	d := NewDispatcher(f.source, f.msg, f.acl, f.oracle, f.auditor, f.cursors, opts, zerolog.Nop())
	_ = d.Run(ctx)
}

func newFixture() *fixture {
	return &fixture{
		source:  &fakeSource{},
		msg:     &fakeMessenger{},
		acl:     &fakeACL{decision: access.Decision{Allowed: true}},
		oracle:  &fakeOracle{result: totp.Result{Status: totp.StatusOK, Code: "123456", ValidFor: 30}},
		auditor: &fakeAuditor{},
		cursors: &fakeCursors{},
	}
}

// ----- Tests -----

func TestRun_SuccessfulGenerate(t *testing.T) {
	f := newFixture()
	run(t, f, Options{}, []zulip.Event{
		dmEvent(1, 42, "bob@example.com", "!mfa-acme-gmail"),
	})

	if len(f.msg.sent) != 1 {
		t.Fatalf("replies = %d, want exactly 1", len(f.msg.sent))
	}
	if f.msg.sent[0].userID != 42 || !strings.Contains(f.msg.sent[0].text, "123456") {
		t.Errorf("reply = %+v", f.msg.sent[0])
	}

	if len(f.auditor.events) != 1 {
		t.Fatalf("audits = %d, want exactly 1", len(f.auditor.events))
	}
	ae := f.auditor.events[0]
	if ae.Outcome != domain.OutcomeDelivered || ae.Client != "acme" || ae.Service != "gmail" || ae.Email != "bob@example.com" {
		t.Errorf("audit = %+v", ae)
	}

	if f.acl.calls != 1 || f.acl.gotID != 42 || f.acl.gotClient != "acme" {
		t.Errorf("access check: calls=%d id=%d client=%q", f.acl.calls, f.acl.gotID, f.acl.gotClient)
	}
	if f.oracle.gotRequester != "bob@example.com" {
		t.Errorf("oracle identity = %q", f.oracle.gotRequester)
	}
}

func TestRun_AccessDenied_NoCodeFetch(t *testing.T) {
	f := newFixture()
	f.acl.decision = access.Decision{Reason: "not a member of channel 'acme'"}
	run(t, f, Options{}, []zulip.Event{
		dmEvent(1, 42, "bob@example.com", "!mfa-acme-gmail"),
	})

	if f.oracle.calls != 0 {
		t.Error("denied request must not reach the oracle")
	}
	if len(f.msg.sent) != 1 || !strings.Contains(f.msg.sent[0].text, "access") {
		t.Fatalf("replies = %+v", f.msg.sent)
	}
	if len(f.auditor.events) != 1 || f.auditor.events[0].Outcome != domain.OutcomeDenied {
		t.Fatalf("audits = %+v", f.auditor.events)
	}
	if !strings.Contains(f.auditor.events[0].Detail, "not a member") {
		t.Errorf("audit detail = %q", f.auditor.events[0].Detail)
	}
}

func TestRun_UnknownLabel(t *testing.T) {
	f := newFixture()
	f.oracle.result = totp.Result{Status: totp.StatusNotFound}
	run(t, f, Options{}, []zulip.Event{
		dmEvent(1, 42, "bob@example.com", "!mfa-acme-unknownsvc"),
	})

	if len(f.msg.sent) != 1 || !strings.Contains(f.msg.sent[0].text, "Unknown label") {
		t.Fatalf("replies = %+v", f.msg.sent)
	}
	if len(f.auditor.events) != 1 || f.auditor.events[0].Outcome != domain.OutcomeFailed {
		t.Fatalf("not-found must audit a failure, got %+v", f.auditor.events)
	}
}

func TestRun_UpstreamError(t *testing.T) {
	f := newFixture()
	f.oracle.result = totp.Result{Status: totp.StatusUpstreamError, Detail: "gateway returned 502"}
	run(t, f, Options{}, []zulip.Event{
		dmEvent(1, 42, "bob@example.com", "!mfa-acme-gmail"),
	})

	if len(f.msg.sent) != 1 || !strings.Contains(f.msg.sent[0].text, "unavailable") {
		t.Fatalf("replies = %+v", f.msg.sent)
	}
	if len(f.auditor.events) != 1 {
		t.Fatalf("audits = %d", len(f.auditor.events))
	}
	if !strings.Contains(f.auditor.events[0].Detail, "502") {
		t.Errorf("audit should describe the failure class: %q", f.auditor.events[0].Detail)
	}
}

func TestRun_HelpRepliesWithoutAudit(t *testing.T) {
	f := newFixture()
	run(t, f, Options{}, []zulip.Event{
		dmEvent(1, 42, "bob@example.com", "!mfa-help"),
	})

	if len(f.msg.sent) != 1 || !strings.Contains(f.msg.sent[0].text, "TOTP bot") {
		t.Fatalf("replies = %+v", f.msg.sent)
	}
	if len(f.auditor.events) != 0 {
		t.Errorf("help must not be audited, got %+v", f.auditor.events)
	}
	if f.acl.calls != 0 || f.oracle.calls != 0 {
		t.Error("help must not touch access control or the oracle")
	}
}

func TestRun_NonCommandIsSilent(t *testing.T) {
	f := newFixture()
	run(t, f, Options{}, []zulip.Event{
		dmEvent(1, 42, "bob@example.com", "what's for lunch?"),
	})

	if len(f.msg.sent) != 0 || len(f.auditor.events) != 0 {
		t.Errorf("non-commands must produce zero replies and audits: %+v %+v",
			f.msg.sent, f.auditor.events)
	}
}

func TestRun_Filters(t *testing.T) {
	botEmail := "totp-bot@org.example"
	cases := []struct {
		name string
		ev   zulip.Event
	}{
		{"non-message event", zulip.Event{ID: 1, Type: "heartbeat"}},
		{"own message", dmEvent(1, 7, botEmail, "!mfa-acme-gmail")},
		{"other bot", func() zulip.Event {
			ev := dmEvent(1, 8, "other-bot@org.example", "!mfa-acme-gmail")
			ev.Message.SenderIsBot = true
			return ev
		}()},
		{"stream message without mention", func() zulip.Event {
			ev := dmEvent(1, 42, "bob@example.com", "!mfa-acme-gmail")
			ev.Message.Type = zulip.MessageTypeStream
			return ev
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			run(t, f, Options{BotEmail: botEmail, BotName: "TOTP Bot"}, []zulip.Event{tc.ev})
			if len(f.msg.sent) != 0 || len(f.auditor.events) != 0 {
				t.Errorf("filtered event leaked: replies=%+v audits=%+v", f.msg.sent, f.auditor.events)
			}
		})
	}
}

func TestRun_MentionInStreamIsRouted(t *testing.T) {
	f := newFixture()
	ev := dmEvent(1, 42, "bob@example.com", "@**TOTP Bot** !mfa-acme-gmail")
	ev.Message.Type = zulip.MessageTypeStream
	run(t, f, Options{BotName: "TOTP Bot"}, []zulip.Event{ev})

	if len(f.msg.sent) != 1 || !strings.Contains(f.msg.sent[0].text, "123456") {
		t.Fatalf("mention-addressed command not handled: %+v", f.msg.sent)
	}
}

func TestRun_AllowListDropsUnknownSender(t *testing.T) {
	f := newFixture()
	run(t, f, Options{AllowedSenders: []string{"alice@example.com"}}, []zulip.Event{
		dmEvent(1, 42, "bob@example.com", "!mfa-acme-gmail"),
	})
	if len(f.msg.sent) != 0 || len(f.auditor.events) != 0 {
		t.Error("sender outside the allow-list must be ignored")
	}

	// Empty allow-list admits everyone.
	f2 := newFixture()
	run(t, f2, Options{}, []zulip.Event{
		dmEvent(1, 42, "bob@example.com", "!mfa-acme-gmail"),
	})
	if len(f2.msg.sent) != 1 {
		t.Error("empty allow-list should allow all senders")
	}
}

func TestRun_CursorAdvancesOncePerEvent(t *testing.T) {
	f := newFixture()
	run(t, f, Options{},
		[]zulip.Event{
			dmEvent(1, 42, "bob@example.com", "ignored text"),
			dmEvent(2, 42, "bob@example.com", "!mfa-acme-gmail"),
		},
		[]zulip.Event{
			dmEvent(3, 42, "bob@example.com", "more noise"),
		},
	)

	want := []int64{1, 2, 3}
	if len(f.cursors.saves) != len(want) {
		t.Fatalf("saves = %v, want %v", f.cursors.saves, want)
	}
	for i := range want {
		if f.cursors.saves[i] != want[i] {
			t.Errorf("saves[%d] = %d, want %d", i, f.cursors.saves[i], want[i])
		}
	}
}

func TestRun_CursorAdvancesPastPoisonEvent(t *testing.T) {
	f := newFixture()
	f.oracle.panicking = true
	run(t, f, Options{},
		[]zulip.Event{dmEvent(1, 42, "bob@example.com", "!mfa-acme-gmail")},
		[]zulip.Event{dmEvent(2, 42, "bob@example.com", "help")},
	)

	// The panicking event advanced the cursor and the loop kept going.
	if len(f.cursors.saves) != 2 || f.cursors.saves[1] != 2 {
		t.Fatalf("saves = %v, want [1 2]", f.cursors.saves)
	}
	// The second event was still answered.
	if len(f.msg.sent) != 1 || !strings.Contains(f.msg.sent[0].text, "TOTP bot") {
		t.Fatalf("loop did not survive poison event: %+v", f.msg.sent)
	}
}

func TestRun_ResumesFromPersistedCursor(t *testing.T) {
	f := newFixture()
	f.cursors.stored = map[string]int64{"q1": 17}
	run(t, f, Options{} /* no batches: first poll cancels */)

	if f.source.lastPoll != 17 {
		t.Errorf("poll cursor = %d, want persisted 17", f.source.lastPoll)
	}
}

func TestRun_ReplyFailureStillAudits(t *testing.T) {
	f := newFixture()
	f.msg.err = errors.New("DM rejected")
	run(t, f, Options{}, []zulip.Event{
		dmEvent(1, 42, "bob@example.com", "!mfa-acme-gmail"),
	})

	if len(f.msg.sent) != 1 {
		t.Fatalf("reply attempts = %d, want 1", len(f.msg.sent))
	}
	if len(f.auditor.events) != 1 {
		t.Fatalf("audit must still be attempted after a failed reply, got %d", len(f.auditor.events))
	}
}

// Replay of an already-seen cursor value must not crash. Duplicate delivery
// is possible (documented at-most-once), so only absence of a crash and the
// per-invocation invariants are asserted.
func TestRun_ReplaySameEventNoCrash(t *testing.T) {
	f := newFixture()
	ev := dmEvent(5, 42, "bob@example.com", "!mfa-acme-gmail")
	run(t, f, Options{}, []zulip.Event{ev}, []zulip.Event{ev})

	if len(f.msg.sent) != 2 || len(f.auditor.events) != 2 {
		t.Fatalf("each invocation yields one reply and one audit: %d/%d",
			len(f.msg.sent), len(f.auditor.events))
	}
	if f.cursors.stored["q1"] != 5 {
		t.Errorf("cursor = %d, want 5", f.cursors.stored["q1"])
	}
}

func TestRun_NilCursorStore(t *testing.T) {
	f := newFixture()
	f.cursors = nil
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.source.queue = zulip.Queue{ID: "q1"}
	f.source.batches = [][]zulip.Event{{dmEvent(1, 42, "bob@example.com", "help")}}
	f.source.cancel = cancel

	d := NewDispatcher(f.source, f.msg, f.acl, f.oracle, f.auditor, nil,
		Options{BotEmail: "totp-bot@org.example", RetryBackoff: time.Millisecond}, zerolog.Nop())
	_ = d.Run(ctx)

	if len(f.msg.sent) != 1 {
		t.Fatalf("loop must work without a cursor store: %+v", f.msg.sent)
	}
}
