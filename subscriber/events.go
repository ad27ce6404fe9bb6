package subscriber

import "mauve.dev/websub/model"

// Verified is an event called when the hub confirms a subscribe or
// unsubscribe intent.
type Verified struct {
	Topic string
	Mode  string
}

// Denied is an event called when the hub refuses a subscription.
type Denied struct {
	Topic  string
	Reason string
}

// Received is an event called for every accepted notification.
type Received struct {
	Notification model.Notification
}
