// Package bolt implements a bbolt backed subscription store with one
// bucket per topic, keyed by callback.
package bolt

import (
	"encoding/json"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"mauve.dev/websub/handler"
	"mauve.dev/websub/model"
	"mauve.dev/websub/store"
)

const cleanupInterval = 60 * time.Second

// New creates a new boltdb store.
// Bolt is fine for low throughput hubs, a full database should be used for performance.
func New(file string) (*Store, error) {
	db, err := bolt.Open(file, 0600, nil)

	if err != nil {
		return nil, err
	}

	s := &Store{
		Handler: handler.New(),
		db:      db,
		done:    make(chan struct{}),
	}

	go func() {
		t := time.NewTicker(cleanupInterval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				s.Cleanup()
			case <-s.done:
				return
			}
		}
	}()

	return s, nil
}

// Store represents a boltdb backed store.
type Store struct {
	*handler.Handler

	db *bolt.DB

	done      chan struct{}
	closeOnce sync.Once
}

// Cleanup walks all buckets and deletes subscriptions whose lease has run out.
func (s *Store) Cleanup() {
	now := time.Now()

	s.db.Update(func(tx *bolt.Tx) error {
		return tx.ForEach(func(topic []byte, b *bolt.Bucket) error {
			return b.ForEach(func(k, v []byte) error {
				var sub model.Subscription

				if err := json.Unmarshal(v, &sub); err != nil {
					return err
				}

				if sub.Expired(now) {
					return b.Delete(k)
				}

				return nil
			})
		})
	})
}

// All retrieves all unexpired active subscriptions for a topic.
func (s *Store) All(topic string) ([]model.Subscription, error) {
	subscriptions := make([]model.Subscription, 0)

	now := time.Now()

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(topic))

		if b == nil {
			return store.ErrNotFound
		}

		return b.ForEach(func(k, v []byte) error {
			var sub model.Subscription

			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}

			if !sub.Expired(now) {
				subscriptions = append(subscriptions, sub)
			}

			return nil
		})
	})

	return subscriptions, err
}

// For returns the subscriptions for the specified callback across all topics.
func (s *Store) For(callback string) ([]model.Subscription, error) {
	ret := make([]model.Subscription, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(topic []byte, b *bolt.Bucket) error {
			return b.ForEach(func(k, v []byte) error {
				var sub model.Subscription

				if err := json.Unmarshal(v, &sub); err != nil {
					return err
				}

				if sub.Callback != callback {
					return nil
				}

				ret = append(ret, sub)

				return nil
			})
		})
	})

	return ret, err
}

// Add stores a subscription in the bucket for its topic, replacing any
// previous entry for the same callback.
func (s *Store) Add(sub model.Subscription) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(sub.Topic))

		if err != nil {
			return err
		}

		data, err := json.Marshal(sub)

		if err != nil {
			return err
		}

		return b.Put([]byte(sub.Callback), data)
	})

	if err == nil {
		s.Call(&store.Added{Subscription: sub})
	}

	return err
}

// Get retrieves a subscription for the specified topic and callback.
func (s *Store) Get(topic, callback string) (*model.Subscription, error) {
	var sub *model.Subscription

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(topic))

		if b == nil {
			return store.ErrNotFound
		}

		data := b.Get([]byte(callback))

		if data == nil {
			return store.ErrNotFound
		}

		return json.Unmarshal(data, &sub)
	})

	return sub, err
}

// Remove removes a subscription from the bucket for its topic.
func (s *Store) Remove(sub model.Subscription) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sub.Topic))

		if b == nil {
			return store.ErrNotFound
		}

		if b.Get([]byte(sub.Callback)) == nil {
			return store.ErrNotFound
		}

		return b.Delete([]byte(sub.Callback))
	})

	if err == nil {
		s.Call(&store.Removed{Subscription: sub})
	}

	return err
}

// Close stops the cleanup goroutine and closes the database file.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	return s.db.Close()
}
