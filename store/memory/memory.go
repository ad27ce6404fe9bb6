// Package memory implements an in-memory subscription store. The index is
// sharded by topic: the outer lock guards only the topic map itself, and
// each topic carries its own lock over its subscriber set, so dispatch
// reads on one topic are never serialized against writes on another.
package memory

import (
	"sync"
	"time"

	"mauve.dev/websub/handler"
	"mauve.dev/websub/model"
	"mauve.dev/websub/store"
)

const cleanupInterval = 60 * time.Second

// New creates a new memory store.
func New() (*Store, error) {
	s := &Store{
		Handler: handler.New(),
		topics:  make(map[string]*topicIndex),
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

// Store represents a memory backed store.
type Store struct {
	*handler.Handler

	mu     sync.RWMutex
	topics map[string]*topicIndex

	done      chan struct{}
	closeOnce sync.Once
}

// topicIndex holds one topic's subscriber set under its own lock.
type topicIndex struct {
	mu   sync.RWMutex
	subs map[string]model.Subscription
}

// topic returns the index for a topic, creating it when create is set.
// Topics are created implicitly and never deleted, only emptied.
func (s *Store) topic(name string, create bool) *topicIndex {
	s.mu.RLock()
	t := s.topics[name]
	s.mu.RUnlock()

	if t != nil || !create {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t = s.topics[name]; t == nil {
		t = &topicIndex{subs: make(map[string]model.Subscription)}
		s.topics[name] = t
	}

	return t
}

// Cleanup removes subscriptions whose lease has run out.
func (s *Store) Cleanup() {
	now := time.Now()

	s.mu.RLock()
	indexes := make([]*topicIndex, 0, len(s.topics))
	for _, t := range s.topics {
		indexes = append(indexes, t)
	}
	s.mu.RUnlock()

	for _, t := range indexes {
		t.mu.RLock()
		expired := make([]model.Subscription, 0)
		for _, sub := range t.subs {
			if sub.Expired(now) {
				expired = append(expired, sub)
			}
		}
		t.mu.RUnlock()

		for _, sub := range expired {
			s.Remove(sub)
		}
	}
}

// All retrieves all unexpired active subscriptions for a topic.
func (s *Store) All(topic string) ([]model.Subscription, error) {
	t := s.topic(topic, false)

	if t == nil {
		return nil, store.ErrNotFound
	}

	now := time.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	subscriptions := make([]model.Subscription, 0, len(t.subs))

	for _, sub := range t.subs {
		if sub.Expired(now) {
			continue
		}

		subscriptions = append(subscriptions, sub)
	}

	return subscriptions, nil
}

// Add stores a subscription in the index for its topic, replacing any
// previous entry for the same callback.
func (s *Store) Add(sub model.Subscription) error {
	t := s.topic(sub.Topic, true)

	t.mu.Lock()
	t.subs[sub.Callback] = sub
	t.mu.Unlock()

	s.Call(&store.Added{Subscription: sub})
	return nil
}

// Get retrieves a subscription for the specified topic and callback.
func (s *Store) Get(topic, callback string) (*model.Subscription, error) {
	t := s.topic(topic, false)

	if t == nil {
		return nil, store.ErrNotFound
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if sub, ok := t.subs[callback]; ok {
		return &sub, nil
	}

	return nil, store.ErrNotFound
}

// Remove removes a subscription from the index for its topic.
func (s *Store) Remove(sub model.Subscription) error {
	t := s.topic(sub.Topic, false)

	if t == nil {
		return store.ErrNotFound
	}

	t.mu.Lock()

	if _, ok := t.subs[sub.Callback]; !ok {
		t.mu.Unlock()
		return store.ErrNotFound
	}

	delete(t.subs, sub.Callback)
	t.mu.Unlock()

	s.Call(&store.Removed{Subscription: sub})
	return nil
}

// Close stops the cleanup goroutine.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	return nil
}
