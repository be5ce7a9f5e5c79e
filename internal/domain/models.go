// Package domain defines the persistence models for the bot: the append-only
// audit log of code requests and the event-stream checkpoint used to resume
// consumption after a restart. These types are mapped with GORM.
package domain

import "time"

// Audit outcomes. An entry is written for every generate-code command,
// whether it succeeded or not; help requests and ignored text are not audited.
const (
	// OutcomeDelivered means a code was fetched and sent to the requester.
	OutcomeDelivered = "delivered"
	// OutcomeDenied means the membership check rejected the request.
	OutcomeDenied = "denied"
	// OutcomeFailed means the code oracle returned an error or unknown label.
	OutcomeFailed = "failed"
)

// AuditEntry records one generate-code request and its outcome. Entries are
// append-only: there is no update or delete path, and no soft-deletion marker.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Actor: display name of the requester.
//   - Email: requester's login email; indexed for per-user review.
//   - Client / Service: the two halves of the requested label.
//   - Outcome: one of delivered|denied|failed (enforced by DB constraint).
//   - Detail: human-readable context (denial reason, failure class).
//   - PrimaryPosted: whether the chat-channel audit post reached the
//     primary stream (false means fallback or local-only).
//   - CreatedAt: insertion timestamp.
type AuditEntry struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	Actor         string    `json:"actor"          gorm:"type:varchar(255);not null"`
	Email         string    `json:"email"          gorm:"type:varchar(255);not null;index:idx_audit_email"`
	Client        string    `json:"client"         gorm:"type:varchar(64);not null;index:idx_audit_client"`
	Service       string    `json:"service"        gorm:"type:varchar(64);not null"`
	Outcome       string    `json:"outcome"        gorm:"type:varchar(16);not null;check:outcome IN ('delivered','denied','failed')"`
	Detail        string    `json:"detail"         gorm:"type:text"`
	PrimaryPosted bool      `json:"primary_posted" gorm:"not null;default:false"`
	CreatedAt     time.Time `json:"created_at"     gorm:"index:idx_audit_created"`
}

// TableName returns the database table name for AuditEntry.
func (AuditEntry) TableName() string { return "audit_entries" }

// Checkpoint stores the consumption cursor for one Zulip event queue. The
// dispatcher upserts it after every processed event, so a restart resumes
// after the last attempted event (at-most-once delivery; see the bot package).
// Queues expire server-side, so stale rows for dead queues are harmless.
type Checkpoint struct {
	QueueID     string    `json:"queue_id"      gorm:"type:varchar(128);primaryKey"`
	LastEventID int64     `json:"last_event_id" gorm:"not null"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Checkpoint.
func (Checkpoint) TableName() string { return "checkpoints" }
