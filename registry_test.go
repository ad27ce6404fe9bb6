package websub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mauve.dev/websub/model"
	"mauve.dev/websub/store"
	"mauve.dev/websub/store/memory"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()

	s, err := memory.New()

	if err != nil {
		t.Fatal("unable to create store:", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return NewRegistry(s), s
}

func pendingSub(topic, callback string) model.Subscription {
	return model.Subscription{
		Topic:            topic,
		Callback:         callback,
		State:            model.StatePending,
		LeaseTime:        time.Hour,
		Created:          time.Now(),
		PendingChallenge: "challenge-1",
	}
}

func TestActivate(t *testing.T) {
	r, s := newTestRegistry(t)

	sub := pendingSub("http://example.com/feed", "http://example.com/callback")

	if err := r.Upsert(sub, nil); err != nil {
		t.Fatal("unable to upsert:", err)
	}

	now := time.Now()

	active, err := r.Activate(sub.Topic, sub.Callback, "challenge-1", now)

	if err != nil {
		t.Fatal("unable to activate:", err)
	}

	if active.State != model.StateActive {
		t.Errorf("expected state active, got %v", active.State)
	}

	if !active.Verified.Equal(now) {
		t.Errorf("expected verified at %v, got %v", now, active.Verified)
	}

	if want := now.Add(time.Hour); !active.Expires.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, active.Expires)
	}

	if !r.Deliverable(sub.Topic, sub.Callback, now) {
		t.Error("active subscription should be deliverable")
	}

	all, err := s.All(sub.Topic)

	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 indexed subscription, got %d (%v)", len(all), err)
	}
}

func TestActivateWrongChallenge(t *testing.T) {
	r, s := newTestRegistry(t)

	sub := pendingSub("http://example.com/feed", "http://example.com/callback")

	r.Upsert(sub, nil)

	if _, err := r.Activate(sub.Topic, sub.Callback, "other", time.Now()); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch, got %v", err)
	}

	if got, _ := r.Get(sub.Topic, sub.Callback); got.State != model.StatePending {
		t.Errorf("expected record to stay pending, got %v", got.State)
	}

	if r.Deliverable(sub.Topic, sub.Callback, time.Now()) {
		t.Error("pending subscription must not be deliverable")
	}

	if all, err := s.All(sub.Topic); err == nil && len(all) != 0 {
		t.Errorf("expected empty index, got %d", len(all))
	}
}

func TestActivateTwice(t *testing.T) {
	r, _ := newTestRegistry(t)

	sub := pendingSub("http://example.com/feed", "http://example.com/callback")

	r.Upsert(sub, nil)

	if _, err := r.Activate(sub.Topic, sub.Callback, "challenge-1", time.Now()); err != nil {
		t.Fatal("unable to activate:", err)
	}

	if _, err := r.Activate(sub.Topic, sub.Callback, "challenge-1", time.Now()); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestDeny(t *testing.T) {
	r, _ := newTestRegistry(t)

	sub := pendingSub("http://example.com/feed", "http://example.com/callback")

	r.Upsert(sub, nil)

	reason := errors.New("topic not allowed")

	denied, err := r.Deny(sub.Topic, sub.Callback, "challenge-1", reason)

	if err != nil {
		t.Fatal("unable to deny:", err)
	}

	if denied.State != model.StateDenied {
		t.Errorf("expected state denied, got %v", denied.State)
	}

	if denied.Reason != reason {
		t.Errorf("expected reason to be recorded, got %v", denied.Reason)
	}

	if _, err := r.Activate(sub.Topic, sub.Callback, "challenge-1", time.Now()); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending after denial, got %v", err)
	}
}

func TestTerminateActive(t *testing.T) {
	r, s := newTestRegistry(t)

	sub := pendingSub("http://example.com/feed", "http://example.com/callback")

	r.Upsert(sub, nil)
	r.Activate(sub.Topic, sub.Callback, "challenge-1", time.Now())

	terminated, err := r.Terminate(sub.Topic, sub.Callback)

	if err != nil {
		t.Fatal("unable to terminate:", err)
	}

	if terminated.State != model.StateTerminated {
		t.Errorf("expected state terminated, got %v", terminated.State)
	}

	if r.Deliverable(sub.Topic, sub.Callback, time.Now()) {
		t.Error("terminated subscription must not be deliverable")
	}

	if all, err := s.All(sub.Topic); err != nil || len(all) != 0 {
		t.Errorf("expected empty index, got %d (%v)", len(all), err)
	}

	if _, err := r.Terminate(sub.Topic, sub.Callback); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on repeat terminate, got %v", err)
	}
}

func TestTerminateCancelsVerification(t *testing.T) {
	r, _ := newTestRegistry(t)

	sub := pendingSub("http://example.com/feed", "http://example.com/callback")

	ctx, cancel := context.WithCancel(context.Background())

	r.Upsert(sub, cancel)

	if _, err := r.Terminate(sub.Topic, sub.Callback); err != nil {
		t.Fatal("unable to terminate:", err)
	}

	select {
	case <-ctx.Done():
	default:
		t.Error("expected in-flight verification to be cancelled")
	}

	if _, err := r.Activate(sub.Topic, sub.Callback, "challenge-1", time.Now()); err == nil {
		t.Error("terminated subscription must not activate")
	}
}

func TestUpsertReplacesPending(t *testing.T) {
	r, _ := newTestRegistry(t)

	first := pendingSub("http://example.com/feed", "http://example.com/callback")

	ctx, cancel := context.WithCancel(context.Background())

	r.Upsert(first, cancel)

	second := pendingSub(first.Topic, first.Callback)
	second.Secret = "new-secret"
	second.PendingChallenge = "challenge-2"

	r.Upsert(second, nil)

	select {
	case <-ctx.Done():
	default:
		t.Error("expected the replaced handshake to be cancelled")
	}

	// The old handshake's result is stale now
	if _, err := r.Activate(first.Topic, first.Callback, "challenge-1", time.Now()); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch for stale challenge, got %v", err)
	}

	active, err := r.Activate(second.Topic, second.Callback, "challenge-2", time.Now())

	if err != nil {
		t.Fatal("unable to activate replacement:", err)
	}

	if active.Secret != "new-secret" {
		t.Errorf("expected replacement secret, got %q", active.Secret)
	}
}

func TestUpsertReplacesActive(t *testing.T) {
	r, s := newTestRegistry(t)

	first := pendingSub("http://example.com/feed", "http://example.com/callback")

	r.Upsert(first, nil)
	r.Activate(first.Topic, first.Callback, "challenge-1", time.Now())

	second := pendingSub(first.Topic, first.Callback)
	second.PendingChallenge = "challenge-2"

	r.Upsert(second, nil)

	if r.Deliverable(first.Topic, first.Callback, time.Now()) {
		t.Error("replaced subscription must not stay deliverable before re-verification")
	}

	if all, err := s.All(first.Topic); err != nil || len(all) != 0 {
		t.Errorf("expected empty index during re-verification, got %d (%v)", len(all), err)
	}

	if _, err := r.Activate(second.Topic, second.Callback, "challenge-2", time.Now()); err != nil {
		t.Fatal("unable to activate replacement:", err)
	}

	if !r.Deliverable(first.Topic, first.Callback, time.Now()) {
		t.Error("re-verified subscription should be deliverable")
	}
}

// gateStore wraps the memory store and parks the first gated index
// write until released, so tests can interleave registry transitions
// around an in-flight write.
type gateStore struct {
	*memory.Store

	gateAdd    bool
	gateRemove bool

	entered chan struct{}
	release chan struct{}

	once sync.Once
}

func newGateStore(t *testing.T, gateAdd, gateRemove bool) *gateStore {
	t.Helper()

	mem, err := memory.New()

	if err != nil {
		t.Fatal("unable to create store:", err)
	}

	t.Cleanup(func() {
		mem.Close()
	})

	return &gateStore{
		Store:      mem,
		gateAdd:    gateAdd,
		gateRemove: gateRemove,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (s *gateStore) park() {
	s.once.Do(func() {
		close(s.entered)
	})

	<-s.release
}

func (s *gateStore) Add(sub model.Subscription) error {
	if s.gateAdd {
		s.park()
	}

	return s.Store.Add(sub)
}

func (s *gateStore) Remove(sub model.Subscription) error {
	if s.gateRemove {
		s.park()
	}

	return s.Store.Remove(sub)
}

func TestTerminateDuringActivateIndexWrite(t *testing.T) {
	s := newGateStore(t, true, false)
	r := NewRegistry(s)

	sub := pendingSub("http://example.com/feed", "http://example.com/callback")

	r.Upsert(sub, nil)

	activated := make(chan error, 1)

	go func() {
		_, err := r.Activate(sub.Topic, sub.Callback, "challenge-1", time.Now())
		activated <- err
	}()

	// The activation is parked inside its index write
	<-s.entered

	terminated := make(chan error, 1)

	go func() {
		_, err := r.Terminate(sub.Topic, sub.Callback)
		terminated <- err
	}()

	// Give the terminate every chance to overtake the parked write
	time.Sleep(20 * time.Millisecond)

	close(s.release)

	if err := <-activated; err != nil {
		t.Fatal("unable to activate:", err)
	}

	if err := <-terminated; err != nil {
		t.Fatal("unable to terminate:", err)
	}

	if got, _ := r.Get(sub.Topic, sub.Callback); got.State != model.StateTerminated {
		t.Fatalf("expected state terminated, got %v", got.State)
	}

	if all, err := s.All(sub.Topic); err != nil || len(all) != 0 {
		t.Errorf("expected the terminate to win over the in-flight index write, got %d entries (%v)", len(all), err)
	}

	// Even once the terminated record is purged, nothing in the store
	// can bring the subscription back
	r.PurgeStale(time.Now().Add(2*time.Hour), time.Hour)

	if r.Deliverable(sub.Topic, sub.Callback, time.Now()) {
		t.Error("terminated subscription must not become deliverable")
	}
}

func TestExpireSweepSparesReactivatedEntry(t *testing.T) {
	s := newGateStore(t, false, true)
	r := NewRegistry(s)

	sub := pendingSub("http://example.com/feed", "http://example.com/callback")

	r.Upsert(sub, nil)

	// Lease long gone relative to the wall clock
	if _, err := r.Activate(sub.Topic, sub.Callback, "challenge-1", time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatal("unable to activate:", err)
	}

	swept := make(chan []model.Subscription, 1)

	go func() {
		swept <- r.ExpireSweep(time.Now())
	}()

	// The sweep is parked inside the index removal
	<-s.entered

	resubscribed := make(chan error, 1)

	go func() {
		second := pendingSub(sub.Topic, sub.Callback)
		second.PendingChallenge = "challenge-2"

		if err := r.Upsert(second, nil); err != nil {
			resubscribed <- err
			return
		}

		_, err := r.Activate(second.Topic, second.Callback, "challenge-2", time.Now())
		resubscribed <- err
	}()

	time.Sleep(20 * time.Millisecond)

	close(s.release)

	if expired := <-swept; len(expired) != 1 {
		t.Fatalf("expected 1 expiry, got %d", len(expired))
	}

	if err := <-resubscribed; err != nil {
		t.Fatal("unable to re-subscribe:", err)
	}

	if all, err := s.All(sub.Topic); err != nil || len(all) != 1 {
		t.Fatalf("expected the re-activated entry to survive the sweep, got %d (%v)", len(all), err)
	}

	if !r.Deliverable(sub.Topic, sub.Callback, time.Now()) {
		t.Error("re-activated subscription should be deliverable")
	}
}

func TestDeliverableStoreFallback(t *testing.T) {
	r, s := newTestRegistry(t)

	sub := model.Subscription{
		Topic:    "http://example.com/feed",
		Callback: "http://example.com/callback",
		State:    model.StateActive,
		Verified: time.Now(),
		Expires:  time.Now().Add(time.Hour),
	}

	// Only the store knows the subscription, as after a restart
	s.Add(sub)

	if !r.Deliverable(sub.Topic, sub.Callback, time.Now()) {
		t.Error("store-only subscription should be deliverable")
	}

	if r.Deliverable(sub.Topic, sub.Callback, time.Now().Add(2*time.Hour)) {
		t.Error("expired store entry must not be deliverable")
	}

	terminated, err := r.Terminate(sub.Topic, sub.Callback)

	if err != nil {
		t.Fatal("unable to terminate store-only subscription:", err)
	}

	if terminated.State != model.StateTerminated {
		t.Errorf("expected state terminated, got %v", terminated.State)
	}

	if r.Deliverable(sub.Topic, sub.Callback, time.Now()) {
		t.Error("terminated subscription must not be deliverable")
	}

	if _, err := s.Get(sub.Topic, sub.Callback); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected the entry to leave the index, got %v", err)
	}
}

func TestExpireSweep(t *testing.T) {
	r, s := newTestRegistry(t)

	sub := pendingSub("http://example.com/feed", "http://example.com/callback")

	r.Upsert(sub, nil)

	now := time.Now()

	r.Activate(sub.Topic, sub.Callback, "challenge-1", now)

	if expired := r.ExpireSweep(now.Add(30 * time.Minute)); len(expired) != 0 {
		t.Fatalf("expected no expiries before the lease runs out, got %d", len(expired))
	}

	expired := r.ExpireSweep(now.Add(2 * time.Hour))

	if len(expired) != 1 {
		t.Fatalf("expected 1 expiry, got %d", len(expired))
	}

	if expired[0].State != model.StateExpired {
		t.Errorf("expected state expired, got %v", expired[0].State)
	}

	if r.Deliverable(sub.Topic, sub.Callback, now.Add(2*time.Hour)) {
		t.Error("expired subscription must not be deliverable")
	}

	if all, err := s.All(sub.Topic); err != nil || len(all) != 0 {
		t.Errorf("expected empty index after expiry, got %d (%v)", len(all), err)
	}
}

func TestPurgeStale(t *testing.T) {
	r, _ := newTestRegistry(t)

	denied := pendingSub("http://example.com/feed", "http://example.com/denied")

	r.Upsert(denied, nil)
	r.Deny(denied.Topic, denied.Callback, "challenge-1", errors.New("no"))

	active := pendingSub("http://example.com/feed", "http://example.com/active")

	r.Upsert(active, nil)
	r.Activate(active.Topic, active.Callback, "challenge-1", time.Now())

	if purged := r.PurgeStale(time.Now().Add(2*time.Hour), time.Hour); purged != 1 {
		t.Fatalf("expected 1 purged record, got %d", purged)
	}

	if _, ok := r.Get(denied.Topic, denied.Callback); ok {
		t.Error("expected denied record to be purged")
	}

	if _, ok := r.Get(active.Topic, active.Callback); !ok {
		t.Error("active record must survive the purge")
	}

	if purged := r.PurgeStale(time.Now().Add(2*time.Hour), 0); purged != 0 {
		t.Errorf("zero retention must not purge, got %d", purged)
	}
}
