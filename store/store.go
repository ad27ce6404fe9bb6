package store

import (
	"errors"

	"mauve.dev/websub/model"
)

var (
	// ErrNotFound is returned when a topic or subscription is not indexed.
	ErrNotFound = errors.New("subscription not found")
)

// Store is the active-subscription index consulted by dispatch, and the
// seam behind which persistence hides. Only verified subscriptions are
// added; the registry owns records in every other state.
type Store interface {
	// All returns the unexpired active subscriptions for the specified topic.
	All(topic string) ([]model.Subscription, error)

	// Add saves/adds a subscription to the store.
	Add(sub model.Subscription) error

	// Get retrieves a subscription given a topic and callback.
	Get(topic, callback string) (*model.Subscription, error)

	// Remove removes a subscription from the store.
	Remove(sub model.Subscription) error

	// Close releases the store's resources and stops background cleanup.
	Close() error
}
