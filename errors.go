package websub

import "errors"

var (
	// ErrInvalidLease is returned when hub.lease_seconds is out of range.
	ErrInvalidLease = errors.New("invalid hub.lease_seconds value")

	// ErrRemotePublishDisabled is returned for hub.mode=publish requests
	// when the hub does not accept publishes over HTTP.
	ErrRemotePublishDisabled = errors.New("remote publishing is disabled")

	// ErrChallengeMismatch is returned when a callback echoes the wrong
	// challenge, or when a verification result arrives for a challenge
	// that has since been replaced.
	ErrChallengeMismatch = errors.New("challenge did not match")

	// ErrNotPending is returned when a verification result arrives for a
	// subscription that is no longer awaiting one.
	ErrNotPending = errors.New("subscription is not pending verification")

	// ErrSubscriptionGone is returned when a callback answers 410 Gone.
	ErrSubscriptionGone = errors.New("subscription callback gone")
)
