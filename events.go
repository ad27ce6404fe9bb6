package websub

import "mauve.dev/websub/model"

// Verified is an event called when a subscription is successfully verified.
type Verified struct {
	Subscription model.Subscription
}

// VerificationFailed is an event called when a subscription fails to verify.
type VerificationFailed struct {
	Subscription model.Subscription
	Error        error
}

// Denied is an event called when a subscription request is refused.
type Denied struct {
	Subscription model.Subscription
	Reason       error
}

// Terminated is an event called when a subscription is unsubscribed.
type Terminated struct {
	Subscription model.Subscription
}

// Expired is an event called when an active subscription's lease runs out.
type Expired struct {
	Subscription model.Subscription
}

// Published is an event called when content is accepted for a topic.
type Published struct {
	Topic       string
	ContentType string
	Data        []byte
}

// Delivered is an event called after a notification reaches a callback.
type Delivered struct {
	Subscription model.Subscription
	Attempts     int
}

// DeliveryFailed is an event called when a notification is given up on.
type DeliveryFailed struct {
	Subscription model.Subscription
	Attempts     int
	Error        error
}
