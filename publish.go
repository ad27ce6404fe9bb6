package websub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"mauve.dev/websub/model"
	"mauve.dev/websub/store"
)

// Notify performs a single delivery attempt for a job. Content is posted
// to the callback with the hub and topic in the Link header, signed when
// the subscription carries a secret.
func Notify(client *http.Client, job PublishJob) error {
	req, err := http.NewRequest(http.MethodPost, job.Subscription.Callback, bytes.NewReader(job.Data))

	if err != nil {
		return err
	}

	if job.Subscription.Secret != "" {
		sig, err := Sign(job.Hub.Hasher, job.Subscription.Secret, job.Data)

		if err != nil {
			return err
		}

		req.Header.Set(SignatureHeader, sig)
	}

	req.Header.Set("Content-Type", job.ContentType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Link", fmt.Sprintf("<%s>; rel=\"hub\", <%s>; rel=\"self\"", job.Hub.URL, job.Subscription.Topic))

	res, err := client.Do(req)

	if err != nil {
		return err
	}

	defer res.Body.Close()

	io.Copy(io.Discard, res.Body)

	if res.StatusCode == http.StatusGone {
		return ErrSubscriptionGone
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errors.Errorf("unexpected status code %d", res.StatusCode)
	}

	return nil
}

// deliver runs one job through its retry schedule. The subscription is
// re-checked before every attempt, so an unsubscribe or replacement stops
// retries already underway. A failed delivery never removes the
// subscription, only the lease decides when it goes.
func (h *Hub) deliver(job PublishJob) {
	b := h.config.Deliver.Backoff()

	var err error

	for attempt := 1; attempt <= h.config.Deliver.Attempts; attempt++ {
		if !h.registry.Deliverable(job.Subscription.Topic, job.Subscription.Callback, time.Now()) {
			log.Debugw("subscription no longer deliverable, dropping notification", "topic", job.Subscription.Topic, "callback", job.Subscription.Callback)
			return
		}

		if err = Notify(h.deliverClient, job); err == nil {
			h.Call(&Delivered{Subscription: job.Subscription, Attempts: attempt})
			return
		}

		if attempt < h.config.Deliver.Attempts {
			select {
			case <-time.After(b.Duration()):
			case <-h.done:
				return
			}
		}
	}

	log.Warnw("unable to deliver notification", "topic", job.Subscription.Topic, "callback", job.Subscription.Callback, "error", err)

	h.Call(&DeliveryFailed{Subscription: job.Subscription, Attempts: h.config.Deliver.Attempts, Error: err})
}

// Publish queues a notification for every verified subscription on a
// topic. Publishing to a topic nobody subscribed to is accepted and does
// nothing.
func (h *Hub) Publish(topic, contentType string, data []byte) error {
	h.Call(&Published{Topic: topic, ContentType: contentType, Data: data})

	subs, err := h.store.All(topic)

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return err
	}

	info := model.Hub{
		Hasher: h.config.Hasher,
		URL:    h.config.URL,
	}

	for _, sub := range subs {
		h.worker.Add(PublishJob{
			Hub:          info,
			Subscription: sub,
			ContentType:  contentType,
			Data:         data,
		})
	}

	return nil
}

// HandlePublish handles a hub.mode=publish request from a publisher.
// Content comes from the request body when one is pushed, from
// hub.content otherwise, and failing both the topic URL is fetched.
func (h *Hub) HandlePublish(r *http.Request) error {
	if !h.config.RemotePublish {
		return ErrRemotePublishDisabled
	}

	body, contentType := publishedContent(r)

	req := &model.PublishRequest{}

	if err := DecodeForm(r, req); err != nil {
		return err
	}

	if err := v.Struct(req); err != nil {
		return validationError(err)
	}

	topic := req.Topic

	if topic == "" {
		topic = req.URL
	}

	if topic == "" {
		return &model.ValidationError{Fields: map[string]interface{}{"hub.topic": "required"}}
	}

	if len(body) == 0 && req.Content != "" {
		body = []byte(req.Content)
		contentType = http.DetectContentType(body)
	}

	if len(body) == 0 {
		data, fetchedType, err := h.contentProvider(topic)

		if err != nil {
			log.Errorw("unable to fetch topic content", "topic", topic, "error", err)
			return errInternal
		}

		body, contentType = data, fetchedType
	}

	if err := h.Publish(topic, contentType, body); err != nil {
		log.Errorw("unable to publish", "topic", topic, "error", err)
		return errInternal
	}

	return nil
}

// publishedContent reads pushed content from the request body. Form
// encoded bodies hold parameters, not content, and are left to the form
// decoder.
func publishedContent(r *http.Request) ([]byte, string) {
	contentType := r.Header.Get("Content-Type")

	if contentType == "" {
		return nil, ""
	}

	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") || strings.HasPrefix(contentType, "multipart/form-data") {
		return nil, ""
	}

	data, err := io.ReadAll(r.Body)

	if err != nil || len(data) == 0 {
		return nil, ""
	}

	return data, contentType
}

// NewPublisher creates a client for pushing content to a remote hub.
func NewPublisher(hub string) *Publisher {
	return &Publisher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		hub: hub,
	}
}

// Publisher pushes content to a hub with hub.mode=publish.
type Publisher struct {
	client *http.Client
	hub    string
}

// Publish sends content for a topic. The hub answers 202 whether or not
// anyone is subscribed, anything else is an error.
func (p *Publisher) Publish(ctx context.Context, topic, contentType string, data []byte) error {
	u, err := url.Parse(p.hub)

	if err != nil {
		return err
	}

	q := u.Query()
	q.Set("hub.mode", ModePublish)
	q.Set("hub.topic", topic)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))

	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", userAgent)

	res, err := p.client.Do(req)

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
