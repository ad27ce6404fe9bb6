package websub

import (
	"context"
	"sync"
	"time"

	"mauve.dev/websub/model"
	"mauve.dev/websub/store"
)

// Registry tracks every subscription the hub has seen, in any state. The
// store only indexes verified subscriptions for dispatch, the registry is
// where state transitions happen. Records are sharded by topic, so
// transitions on one topic never contend with another. Index writes run
// under the same per-topic lock as the transition that causes them, so
// the store never holds an entry the record state disagrees with.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*topicRecords

	store store.Store
}

type topicRecords struct {
	mu      sync.RWMutex
	records map[string]*record
}

// record pairs a subscription with the cancel handle for its in-flight
// verification, if one is running.
type record struct {
	sub     model.Subscription
	cancel  context.CancelFunc
	updated time.Time
}

// NewRegistry creates a registry over the given dispatch index.
func NewRegistry(s store.Store) *Registry {
	return &Registry{
		topics: make(map[string]*topicRecords),
		store:  s,
	}
}

// topic returns the record set for a topic, creating it when create is
// set. Topics are created implicitly and never deleted, only emptied.
func (r *Registry) topic(name string, create bool) *topicRecords {
	r.mu.RLock()
	t := r.topics[name]
	r.mu.RUnlock()

	if t != nil || !create {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t = r.topics[name]; t == nil {
		t = &topicRecords{records: make(map[string]*record)}
		r.topics[name] = t
	}

	return t
}

// Get returns a copy of the record for a topic and callback.
func (r *Registry) Get(topic, callback string) (model.Subscription, bool) {
	t := r.topic(topic, false)

	if t == nil {
		return model.Subscription{}, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if rec, ok := t.records[callback]; ok {
		return rec.sub, true
	}

	return model.Subscription{}, false
}

// Upsert installs a fresh pending record for the subscription's topic and
// callback, replacing whatever was there. A replaced record's in-flight
// verification is cancelled, and a replaced active subscription leaves
// the dispatch index until the new request verifies.
func (r *Registry) Upsert(sub model.Subscription, cancel context.CancelFunc) error {
	t := r.topic(sub.Topic, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.records[sub.Callback]; ok {
		if prev.cancel != nil {
			prev.cancel()
		}

		if prev.sub.State == model.StateActive {
			if err := r.store.Remove(prev.sub); err != nil && err != store.ErrNotFound {
				return err
			}
		}
	}

	t.records[sub.Callback] = &record{
		sub:     sub,
		cancel:  cancel,
		updated: time.Now(),
	}

	return nil
}

// Activate marks a pending subscription verified as of now, computes its
// lease expiry and adds it to the dispatch index. The challenge must
// match the pending record, results for a replaced challenge are stale
// and rejected. The index write happens under the topic lock, so a
// concurrent terminate or replacement cannot slip between the
// transition and the write and leave a retired subscription indexed.
func (r *Registry) Activate(topic, callback, challenge string, now time.Time) (model.Subscription, error) {
	t := r.topic(topic, false)

	if t == nil {
		return model.Subscription{}, store.ErrNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[callback]

	if !ok {
		return model.Subscription{}, store.ErrNotFound
	}

	if rec.sub.State != model.StatePending {
		return model.Subscription{}, ErrNotPending
	}

	if rec.sub.PendingChallenge != challenge {
		return model.Subscription{}, ErrChallengeMismatch
	}

	verified := rec.sub
	verified.State = model.StateActive
	verified.Verified = now
	verified.Expires = now.Add(verified.LeaseTime)
	verified.PendingChallenge = ""

	if err := r.store.Add(verified); err != nil {
		return model.Subscription{}, err
	}

	rec.sub = verified
	rec.cancel = nil
	rec.updated = now

	return verified, nil
}

// Deny refuses a pending subscription. The same challenge guard as
// Activate applies.
func (r *Registry) Deny(topic, callback, challenge string, reason error) (model.Subscription, error) {
	t := r.topic(topic, false)

	if t == nil {
		return model.Subscription{}, store.ErrNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[callback]

	if !ok {
		return model.Subscription{}, store.ErrNotFound
	}

	if rec.sub.State != model.StatePending {
		return model.Subscription{}, ErrNotPending
	}

	if rec.sub.PendingChallenge != challenge {
		return model.Subscription{}, ErrChallengeMismatch
	}

	rec.sub.State = model.StateDenied
	rec.sub.Reason = reason
	rec.sub.PendingChallenge = ""
	rec.cancel = nil
	rec.updated = time.Now()

	return rec.sub, nil
}

// Terminate retires a record in any state. In-flight verification is
// cancelled and an active subscription leaves the dispatch index, so no
// further notifications go out even if deliveries are mid-retry.
// Subscriptions only the store knows about, activated before a restart,
// are removed from the index directly.
func (r *Registry) Terminate(topic, callback string) (model.Subscription, error) {
	t := r.topic(topic, false)

	if t == nil {
		return r.terminateStored(topic, callback)
	}

	t.mu.Lock()

	rec, ok := t.records[callback]

	if !ok {
		t.mu.Unlock()
		return r.terminateStored(topic, callback)
	}

	if rec.sub.State == model.StateTerminated {
		t.mu.Unlock()
		return model.Subscription{}, store.ErrNotFound
	}

	if rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}

	if rec.sub.State == model.StateActive {
		if err := r.store.Remove(rec.sub); err != nil && err != store.ErrNotFound {
			t.mu.Unlock()
			return model.Subscription{}, err
		}
	}

	rec.sub.State = model.StateTerminated
	rec.sub.PendingChallenge = ""
	rec.updated = time.Now()

	sub := rec.sub

	t.mu.Unlock()

	return sub, nil
}

// terminateStored retires a subscription the registry no longer tracks
// but the store still indexes.
func (r *Registry) terminateStored(topic, callback string) (model.Subscription, error) {
	sub, err := r.store.Get(topic, callback)

	if err != nil {
		return model.Subscription{}, err
	}

	if err := r.store.Remove(*sub); err != nil && err != store.ErrNotFound {
		return model.Subscription{}, err
	}

	terminated := *sub
	terminated.State = model.StateTerminated

	return terminated, nil
}

// Deliverable reports whether notifications may go to a subscription
// right now. Checked before every delivery attempt, so terminating or
// replacing a subscription stops retries already underway. When the
// registry has no record, the store decides: its entries are active by
// construction and may outlive a restart, so only the expiry is
// checked.
func (r *Registry) Deliverable(topic, callback string, now time.Time) bool {
	if t := r.topic(topic, false); t != nil {
		t.mu.RLock()

		if rec, ok := t.records[callback]; ok {
			deliverable := rec.sub.State == model.StateActive && now.Before(rec.sub.Expires)
			t.mu.RUnlock()
			return deliverable
		}

		t.mu.RUnlock()
	}

	sub, err := r.store.Get(topic, callback)

	return err == nil && now.Before(sub.Expires)
}

// ExpireSweep retires active subscriptions whose lease ran out as of now
// and removes them from the dispatch index. The expired subscriptions
// are returned for event dispatch.
func (r *Registry) ExpireSweep(now time.Time) []model.Subscription {
	r.mu.RLock()
	indexes := make([]*topicRecords, 0, len(r.topics))
	for _, t := range r.topics {
		indexes = append(indexes, t)
	}
	r.mu.RUnlock()

	var expired []model.Subscription

	for _, t := range indexes {
		t.mu.Lock()

		for _, rec := range t.records {
			if rec.sub.State != model.StateActive || now.Before(rec.sub.Expires) {
				continue
			}

			// Removed under the topic lock, so a racing re-subscribe
			// cannot lose its fresh index entry to this sweep.
			if err := r.store.Remove(rec.sub); err != nil && err != store.ErrNotFound {
				log.Errorw("unable to remove expired subscription", "topic", rec.sub.Topic, "callback", rec.sub.Callback, "error", err)
			}

			rec.sub.State = model.StateExpired
			rec.updated = now

			expired = append(expired, rec.sub)
		}

		t.mu.Unlock()
	}

	return expired
}

// CancelPending cancels every verification handshake still in flight.
// Used on hub shutdown so no handshake outlives Close.
func (r *Registry) CancelPending() {
	r.mu.RLock()
	indexes := make([]*topicRecords, 0, len(r.topics))
	for _, t := range r.topics {
		indexes = append(indexes, t)
	}
	r.mu.RUnlock()

	for _, t := range indexes {
		t.mu.Lock()

		for _, rec := range t.records {
			if rec.cancel != nil {
				rec.cancel()
				rec.cancel = nil
			}
		}

		t.mu.Unlock()
	}
}

// PurgeStale drops records that can no longer become active and have not
// changed within the retention window. Zero retention keeps them forever.
func (r *Registry) PurgeStale(now time.Time, retention time.Duration) int {
	if retention <= 0 {
		return 0
	}

	cutoff := now.Add(-retention)

	r.mu.RLock()
	indexes := make([]*topicRecords, 0, len(r.topics))
	for _, t := range r.topics {
		indexes = append(indexes, t)
	}
	r.mu.RUnlock()

	var purged int

	for _, t := range indexes {
		t.mu.Lock()

		for callback, rec := range t.records {
			if rec.sub.State == model.StateActive || rec.updated.After(cutoff) {
				continue
			}

			delete(t.records, callback)
			purged++
		}

		t.mu.Unlock()
	}

	return purged
}
