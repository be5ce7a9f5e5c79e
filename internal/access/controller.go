// Package access decides whether a requester may receive codes for a client.
// The rule is channel membership: a user gets codes for client "acme" iff
// they are subscribed to the stream named "acme". Decisions are computed
// fresh on every request; membership is never cached.
package access

import (
	"context"
	"errors"

	"github.com/lsr-sec/totp-bot/internal/zulip"
)

// SubscriberLister is the membership oracle contract. Satisfied by
// *zulip.Client.
type SubscriberLister interface {
	ListSubscribers(ctx context.Context, stream string) (map[int64]struct{}, error)
}

// Decision is the result of one access check. When Allowed is false, Reason
// carries the denial text shown to operators; Err is non-nil only when the
// denial was caused by a lookup failure rather than policy, so callers can
// log infrastructure faults distinctly.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

// Controller performs membership-based access checks.
type Controller struct {
	members SubscriberLister
}

// NewController builds a Controller over the given membership oracle.
func NewController(members SubscriberLister) *Controller {
	return &Controller{members: members}
}

// Check reports whether requesterID may receive codes for client. It fails
// closed: a missing channel or a failed lookup both deny, with distinct
// reasons. No retry here; transient faults surface immediately so the
// dispatcher can answer the user promptly.
func (c *Controller) Check(ctx context.Context, requesterID int64, client string) Decision {
	subs, err := c.members.ListSubscribers(ctx, client)
	if err != nil {
		if errors.Is(err, zulip.ErrStreamNotFound) {
			return Decision{Reason: "no channel named '" + client + "' grants access"}
		}
		return Decision{Reason: "membership lookup failed", Err: err}
	}
	if _, ok := subs[requesterID]; !ok {
		return Decision{Reason: "not a member of channel '" + client + "'"}
	}
	return Decision{Allowed: true}
}
