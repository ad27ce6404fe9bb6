package model

import "time"

// State is the lifecycle state of a subscription.
type State string

const (
	// StatePending means the subscription was requested but intent has not
	// been verified yet. Pending subscriptions never receive deliveries.
	StatePending State = "pending"

	// StateActive means intent verification succeeded and the subscription
	// receives deliveries until its lease runs out.
	StateActive State = "active"

	// StateDenied means intent verification failed or a validator rejected
	// the request. Denied records are kept briefly for diagnostics.
	StateDenied State = "denied"

	// StateExpired means the lease ran out without renewal.
	StateExpired State = "expired"

	// StateTerminated means the subscriber unsubscribed.
	StateTerminated State = "terminated"
)

// Terminal reports whether only a fresh subscribe can follow s.
func (s State) Terminal() bool {
	return s == StateDenied || s == StateExpired || s == StateTerminated
}

// Subscription represents one (topic, callback) registration with the hub.
// The registry owns the record; stores index only active subscriptions.
type Subscription struct {
	ID        int64         `json:"id"`
	Topic     string        `json:"topic"`
	Callback  string        `json:"callback"`
	Secret    string        `json:"secret"`
	State     State         `json:"state"`
	LeaseTime time.Duration `json:"lease"`
	Created   time.Time     `json:"created"`
	Verified  time.Time     `json:"verified"`
	Expires   time.Time     `json:"expires"`

	// PendingChallenge is the nonce of the handshake currently in flight.
	// A verification result is honored only if it echoes this value;
	// results from superseded handshakes are discarded.
	PendingChallenge string `json:"-"`

	// Reason carries the denial cause, if any.
	Reason error `json:"-"`
}

// Key returns the identity of the subscription. At most one record exists
// per key; a repeated subscribe replaces it rather than duplicating.
func (s Subscription) Key() string {
	return s.Topic + "\x00" + s.Callback
}

// Expired reports whether the lease has run out at the given instant.
func (s Subscription) Expired(now time.Time) bool {
	return !s.Expires.IsZero() && !now.Before(s.Expires)
}

// Notification is the ephemeral value carried through one dispatch cycle.
// It is never persisted.
type Notification struct {
	Topic       string `json:"topic"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}
