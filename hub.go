package websub

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"mauve.dev/websub/handler"
	"mauve.dev/websub/model"
	"mauve.dev/websub/store"
)

// Validator is a function to validate a subscription request.
// Returning an error refuses the subscription, and the error text goes to
// the subscriber as hub.reason.
type Validator func(model.Subscription) error

// ContentProvider is a function to extract content out of the specific content topic.
type ContentProvider func(topic string) ([]byte, string, error)

// Option represents a Hub option.
type Option func(h *Hub)

var (
	v = validator.New()

	formDecoder = schema.NewDecoder()

	errInternal = errors.New("internal hub error")
)

func init() {
	formDecoder.SetAliasTag("form")
	formDecoder.IgnoreUnknownKeys(true)
}

// Hub represents a WebSub hub.
type Hub struct {
	*handler.Handler

	client        *http.Client
	deliverClient *http.Client

	store    store.Store
	registry *Registry

	validator       Validator
	contentProvider ContentProvider
	worker          Worker

	config Config

	done      chan struct{}
	closeOnce sync.Once
}

// WithConfig replaces the default configuration.
func WithConfig(config Config) Option {
	return func(h *Hub) {
		h.config = config
	}
}

// WithValidator sets the subscription validator.
func WithValidator(validator Validator) Option {
	return func(h *Hub) {
		h.validator = validator
	}
}

// WithContentProvider sets the content provider for hub.mode=publish requests
// that push no content of their own.
func WithContentProvider(provider ContentProvider) Option {
	return func(h *Hub) {
		h.contentProvider = provider
	}
}

// WithHasher lets you set other hmac hashers/types (like sha256, sha384, sha512, etc)
func WithHasher(hasher string) Option {
	return func(h *Hub) {
		h.config.Hasher = hasher
	}
}

// WithURL sets the public hub URL advertised to subscribers.
func WithURL(url string) Option {
	return func(h *Hub) {
		h.config.URL = url
	}
}

// WithWorker lets you set the worker used to distribute notifications.
// This can be done with any number of systems, such as Amazon SQS, Beanstalk, etc.
func WithWorker(worker Worker) Option {
	return func(h *Hub) {
		h.worker = worker
	}
}

// New creates a new WebSub Hub instance.
// store is required to store all of the subscriptions.
func New(s store.Store, opts ...Option) *Hub {
	h := &Hub{
		Handler:         handler.New(),
		store:           s,
		config:          DefaultConfig(),
		contentProvider: HttpContent,
		done:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(h)
	}

	h.registry = NewRegistry(s)

	if h.client == nil {
		h.client = &http.Client{
			Timeout: h.config.Verify.Timeout,
		}
	}

	if h.deliverClient == nil {
		h.deliverClient = &http.Client{
			Timeout: h.config.Deliver.Timeout,
		}
	}

	if h.worker == nil {
		h.worker = NewGoWorker(h, h.config.Deliver.QueueSize)
	}

	h.worker.Start()

	go h.sweep()

	return h
}

// Subscription returns the hub's record for a topic and callback, in
// whatever state it is in.
func (h *Hub) Subscription(topic, callback string) (model.Subscription, bool) {
	return h.registry.Get(topic, callback)
}

// Close stops the sweeper and the delivery worker and cancels any
// verification handshakes still in flight.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.registry.CancelPending()
	})

	h.worker.Stop()

	return nil
}

// sweep retires expired leases and drops stale records on the configured
// interval.
func (h *Hub) sweep() {
	t := time.NewTicker(h.config.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			h.Sweep(time.Now())
		case <-h.done:
			return
		}
	}
}

// Sweep expires leases that ran out as of now. Normally driven by the
// background sweeper.
func (h *Hub) Sweep(now time.Time) {
	for _, sub := range h.registry.ExpireSweep(now) {
		log.Infow("subscription lease expired", "topic", sub.Topic, "callback", sub.Callback)

		h.Call(&Expired{Subscription: sub})
	}

	h.registry.PurgeStale(now, h.config.Retention)
}

// ServeHTTP is a generic webserver handler for websub.
// It takes in "hub.mode" from the form, and passes it to the appropriate handlers.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hubMode := r.FormValue("hub.mode")

	if hubMode == "" {
		if r.Method == http.MethodGet {
			// Bare GET, answered for liveness probes.
			w.WriteHeader(http.StatusAccepted)
			return
		}

		http.Error(w, "missing hub.mode parameter", http.StatusBadRequest)
		return
	}

	switch hubMode {
	case ModeSubscribe:
		h.respond(w, h.HandleSubscribe(r))
	case ModeUnsubscribe:
		h.respond(w, h.HandleUnsubscribe(r))
	case ModePublish:
		h.respond(w, h.HandlePublish(r))
	default:
		http.Error(w, "hub.mode not recognized", http.StatusBadRequest)
	}
}

// respond maps a handler result onto the wire. Accepted requests get 202,
// processing continues after the response.
func (h *Hub) respond(w http.ResponseWriter, err error) {
	if err == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch {
	case errors.Is(err, ErrRemotePublishDisabled):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, errInternal):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// HandleSubscribe handles a hub.mode=subscribe request. A valid request
// is accepted before any verification happens, the handshake runs in the
// background against the record this installs.
func (h *Hub) HandleSubscribe(r *http.Request) error {
	req := &model.SubscribeRequest{}

	if err := DecodeForm(r, req); err != nil {
		return err
	}

	if err := v.Struct(req); err != nil {
		return validationError(err)
	}

	lease := h.config.DefaultLease

	if req.LeaseSeconds > 0 {
		requested := time.Duration(req.LeaseSeconds) * time.Second

		if requested < MinLease || (h.config.MaxLease > 0 && requested > h.config.MaxLease) {
			return ErrInvalidLease
		}

		lease = requested
	}

	sub := model.Subscription{
		Topic:            req.Topic,
		Callback:         req.Callback,
		Secret:           req.Secret,
		State:            model.StatePending,
		LeaseTime:        lease,
		Created:          time.Now(),
		PendingChallenge: uuid.New().String(),
	}

	if h.validator != nil {
		if reason := h.validator(sub); reason != nil {
			return h.deny(sub, reason)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := h.registry.Upsert(sub, cancel); err != nil {
		cancel()

		log.Errorw("unable to record subscription", "topic", sub.Topic, "callback", sub.Callback, "error", err)
		return errInternal
	}

	log.Debugw("subscription accepted", "topic", sub.Topic, "callback", sub.Callback, "lease", lease)

	go h.verifySubscription(ctx, sub)

	return nil
}

// deny records a refused subscription request and notifies the subscriber.
func (h *Hub) deny(sub model.Subscription, reason error) error {
	if err := h.registry.Upsert(sub, nil); err != nil {
		log.Errorw("unable to record subscription", "topic", sub.Topic, "callback", sub.Callback, "error", err)
		return errInternal
	}

	denied, err := h.registry.Deny(sub.Topic, sub.Callback, sub.PendingChallenge, reason)

	if err != nil {
		log.Errorw("unable to deny subscription", "topic", sub.Topic, "callback", sub.Callback, "error", err)
		return errInternal
	}

	log.Infow("subscription denied", "topic", sub.Topic, "callback", sub.Callback, "reason", reason)

	h.Call(&Denied{Subscription: denied, Reason: reason})

	go h.sendDenied(context.Background(), denied)

	return nil
}

// HandleUnsubscribe handles a hub.mode=unsubscribe request. The
// subscription is retired immediately, the confirmation to the
// subscriber is advisory and runs in the background.
func (h *Hub) HandleUnsubscribe(r *http.Request) error {
	req := &model.UnsubscribeRequest{}

	if err := DecodeForm(r, req); err != nil {
		return err
	}

	if err := v.Struct(req); err != nil {
		return validationError(err)
	}

	sub, err := h.registry.Terminate(req.Topic, req.Callback)

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Nothing to retire, accepted all the same.
			return nil
		}

		log.Errorw("unable to terminate subscription", "topic", req.Topic, "callback", req.Callback, "error", err)
		return errInternal
	}

	log.Infow("subscription terminated", "topic", req.Topic, "callback", req.Callback)

	h.Call(&Terminated{Subscription: sub})

	go h.confirmUnsubscribe(context.Background(), sub)

	return nil
}

// DecodeForm decodes a request form into a struct using the gorilla schema package.
// The schema decoder reads a dot as a nested struct path, so the hub.
// prefix comes off the keys before decoding and the request structs
// carry bare field names.
func DecodeForm(r *http.Request, dest interface{}) error {
	if err := r.ParseForm(); err != nil {
		return err
	}

	form := make(url.Values, len(r.Form))

	for key, values := range r.Form {
		form[strings.TrimPrefix(key, "hub.")] = values
	}

	return formDecoder.Decode(dest, form)
}

// validationError converts field errors into one holding every failed field.
func validationError(err error) error {
	var ferr validator.ValidationErrors

	if errors.As(err, &ferr) {
		fields := make(map[string]interface{}, len(ferr))

		for _, fe := range ferr {
			fields[fe.Field()] = fe.Tag()
		}

		return &model.ValidationError{Fields: fields}
	}

	return err
}
