// Package zulip is a minimal REST client for the Zulip endpoints the bot
// needs: event-queue registration, long-poll event retrieval, message
// sending, and stream membership lookup. It is not a general Zulip SDK.
package zulip

// Message visibility values as they appear on the wire.
const (
	// MessageTypePrivate marks a direct message to the bot.
	MessageTypePrivate = "private"
	// MessageTypeStream marks a message posted to a channel.
	MessageTypeStream = "stream"
)

// EventTypeMessage is the only event kind the bot registers for; anything
// else (heartbeats, presence) is dropped by the dispatcher.
const EventTypeMessage = "message"

// Event is one inbound notification from the event queue. ID is the
// monotonically increasing cursor within a queue; the dispatcher persists it
// after each event. Message is nil for non-message events.
type Event struct {
	ID      int64    `json:"id"`
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}

// Message is the payload of a message event. Immutable once received.
type Message struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	SenderEmail string `json:"sender_email"`
	SenderName  string `json:"sender_full_name"`
	SenderIsBot bool   `json:"sender_is_bot"`
	Type        string `json:"type"` // private|stream
	Content     string `json:"content"`
}

// Queue identifies a registered event queue and its starting cursor.
type Queue struct {
	ID          string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}
