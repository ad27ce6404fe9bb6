// Package subscriber implements the callback side of WebSub: a handler
// answering hub verification and notification requests, plus a client
// for placing subscriptions with a hub.
package subscriber

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/tomnomnom/linkheader"
	websub "mauve.dev/websub"
	"mauve.dev/websub/handler"
	"mauve.dev/websub/model"
)

var log = logging.Logger("websub.subscriber")

// ErrValidationFailed is the rejection for notifications that do not
// carry a valid signature. Its text is the response body, identical
// whether the signature is missing or wrong.
var ErrValidationFailed = errors.New("validation failed for notification")

const (
	statePending       = "pending"
	stateActive        = "active"
	stateUnsubscribing = "unsubscribing"
)

// Option represents a Subscriber option.
type Option func(s *Subscriber)

// WithHub sets the hub subscription requests go to.
func WithHub(hub string) Option {
	return func(s *Subscriber) {
		s.hub = hub
	}
}

// WithSecret makes the subscriber request signed notifications and
// validate every delivery against the secret.
func WithSecret(secret string) Option {
	return func(s *Subscriber) {
		s.secret = secret
	}
}

// WithLease sets the lease to request from the hub.
func WithLease(lease time.Duration) Option {
	return func(s *Subscriber) {
		s.lease = lease
	}
}

// WithClient sets the client used for requests to the hub.
func WithClient(client *http.Client) Option {
	return func(s *Subscriber) {
		s.client = client
	}
}

// New creates a subscriber reachable at the given callback URL.
func New(callback string, opts ...Option) *Subscriber {
	s := &Subscriber{
		Handler:  handler.New(),
		callback: callback,
		topics:   make(map[string]string),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		s.client = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return s
}

// Subscriber tracks the topics this callback is subscribed to and serves
// the hub's verification and notification requests for them.
type Subscriber struct {
	*handler.Handler

	client   *http.Client
	hub      string
	callback string
	secret   string
	lease    time.Duration

	mu     sync.RWMutex
	topics map[string]string
}

// Subscribe asks the hub for a subscription to a topic. The hub answers
// 202 and verifies intent against the callback afterwards, Verified fires
// once that handshake lands.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) error {
	if s.hub == "" {
		return errors.New("no hub configured")
	}

	values := url.Values{}
	values.Set("hub.mode", websub.ModeSubscribe)
	values.Set("hub.topic", topic)
	values.Set("hub.callback", s.callback)

	if s.secret != "" {
		values.Set("hub.secret", s.secret)
	}

	if s.lease > 0 {
		values.Set("hub.lease_seconds", strconv.Itoa(int(s.lease/time.Second)))
	}

	s.setState(topic, statePending)

	if err := s.post(ctx, values); err != nil {
		s.forget(topic)
		return err
	}

	return nil
}

// Unsubscribe asks the hub to retire the subscription. The hub honors it
// immediately, the verification request that follows is its confirmation.
func (s *Subscriber) Unsubscribe(ctx context.Context, topic string) error {
	if s.hub == "" {
		return errors.New("no hub configured")
	}

	values := url.Values{}
	values.Set("hub.mode", websub.ModeUnsubscribe)
	values.Set("hub.topic", topic)
	values.Set("hub.callback", s.callback)

	s.setState(topic, stateUnsubscribing)

	return s.post(ctx, values)
}

// post sends a form request to the hub, expecting 202.
func (s *Subscriber) post(ctx context.Context, values url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hub, strings.NewReader(values.Encode()))

	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := s.client.Do(req)

	if err != nil {
		return err
	}

	defer res.Body.Close()

	io.Copy(io.Discard, res.Body)

	if res.StatusCode != http.StatusAccepted {
		return errors.Errorf("unexpected status code %d", res.StatusCode)
	}

	return nil
}

func (s *Subscriber) setState(topic, state string) {
	s.mu.Lock()
	s.topics[topic] = state
	s.mu.Unlock()
}

func (s *Subscriber) forget(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

func (s *Subscriber) tracks(topic string) bool {
	s.mu.RLock()
	_, ok := s.topics[topic]
	s.mu.RUnlock()

	return ok
}

// State returns the subscriber's view of a topic's subscription.
func (s *Subscriber) State(topic string) (string, bool) {
	s.mu.RLock()
	state, ok := s.topics[topic]
	s.mu.RUnlock()

	return state, ok
}

// ServeHTTP answers the hub. GET carries intent verifications and
// denials, POST carries content notifications.
func (s *Subscriber) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVerification(w, r)
	case http.MethodPost:
		s.handleNotification(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification echoes the hub's challenge for topics this
// subscriber asked about, and refuses the rest.
func (s *Subscriber) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	mode := q.Get("hub.mode")
	topic := q.Get("hub.topic")

	switch mode {
	case websub.ModeDenied:
		reason := q.Get("hub.reason")

		s.forget(topic)

		log.Warnw("subscription denied", "topic", topic, "reason", reason)

		s.Call(&Denied{Topic: topic, Reason: reason})

		w.WriteHeader(http.StatusOK)
	case websub.ModeSubscribe, websub.ModeUnsubscribe:
		if !s.tracks(topic) {
			http.Error(w, "unknown topic", http.StatusNotFound)
			return
		}

		if mode == websub.ModeSubscribe {
			s.setState(topic, stateActive)
		} else {
			s.forget(topic)
		}

		log.Infow("Intent verified for subscription request", "mode", mode, "topic", topic)

		s.Call(&Verified{Topic: topic, Mode: mode})

		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, q.Get("hub.challenge"))
	default:
		http.Error(w, "hub.mode not recognized", http.StatusBadRequest)
	}
}

// handleNotification validates and accepts a content delivery. The
// rejection is the same for a missing and a wrong signature, a sender
// probing with forged payloads learns nothing from the difference.
func (s *Subscriber) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)

	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return
	}

	if !s.authorized(r.Header.Get(websub.SignatureHeader), body) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, ErrValidationFailed.Error())
		return
	}

	notification := model.Notification{
		Topic:       notificationTopic(r),
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	}

	log.Infow("WebSub Notification Received: " + string(body))

	s.Call(&Received{Notification: notification})

	w.WriteHeader(http.StatusAccepted)
}

// authorized checks the signature when the subscription has a secret.
// Algorithm names are matched case insensitively, digests in constant
// time.
func (s *Subscriber) authorized(header string, body []byte) bool {
	if s.secret == "" {
		return true
	}

	return websub.ValidSignature(header, s.secret, body)
}

// notificationTopic pulls the topic from the delivery's rel="self" link.
func notificationTopic(r *http.Request) string {
	links := linkheader.ParseMultiple(r.Header["Link"])

	for _, link := range links.FilterByRel("self") {
		return link.URL
	}

	return ""
}
