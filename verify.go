package websub

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"mauve.dev/websub/model"
	"mauve.dev/websub/store"
)

const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
	ModeDenied      = "denied"
	ModePublish     = "publish"
)

var userAgent = "Go WebSub 1.0 (" + runtime.Version() + ")"

// verificationURL builds the callback URL for an intent verification or
// denial notice.
func verificationURL(mode, challenge string, sub model.Subscription) (string, error) {
	u, err := url.Parse(sub.Callback)

	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("hub.mode", mode)
	q.Set("hub.topic", sub.Topic)

	if mode == ModeDenied {
		if sub.Reason != nil {
			q.Set("hub.reason", sub.Reason.Error())
		}
	} else {
		q.Set("hub.challenge", challenge)
		q.Set("hub.lease_seconds", strconv.Itoa(int(sub.LeaseTime/time.Second)))
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

// challenge performs one GET against the subscriber's callback and, for
// modes carrying a challenge, checks the echo.
func (h *Hub) challenge(ctx context.Context, mode, challenge string, sub model.Subscription) error {
	u, err := verificationURL(mode, challenge, sub)

	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)

	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", userAgent)

	res, err := h.client.Do(req)

	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return errors.Errorf("unexpected status code %d", res.StatusCode)
	}

	if mode == ModeDenied {
		io.Copy(io.Discard, res.Body)
		return nil
	}

	// Read at most challenge size bytes back
	data := make([]byte, len(challenge))

	read, err := io.ReadFull(res.Body, data)

	if err != nil && err != io.ErrUnexpectedEOF {
		return err
	}

	if string(data[:read]) != challenge {
		return ErrChallengeMismatch
	}

	return nil
}

// verifySubscription runs the subscribe handshake for a pending record,
// retrying failed attempts on the configured backoff. A successful echo
// activates the subscription, unless a newer request has replaced the
// challenge in the meantime. Exhausting the budget denies the record.
func (h *Hub) verifySubscription(ctx context.Context, sub model.Subscription) {
	b := h.config.Verify.Backoff()

	var err error

	for attempt := 1; attempt <= h.config.Verify.Attempts; attempt++ {
		err = h.challenge(ctx, ModeSubscribe, sub.PendingChallenge, sub)

		if err == nil {
			h.activate(sub)
			return
		}

		if ctx.Err() != nil {
			// Replaced or terminated while in flight.
			return
		}

		if attempt < h.config.Verify.Attempts {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return
			}
		}
	}

	log.Warnw("subscription verification failed", "topic", sub.Topic, "callback", sub.Callback, "error", err)

	denied, denyErr := h.registry.Deny(sub.Topic, sub.Callback, sub.PendingChallenge, err)

	if denyErr != nil {
		// The record moved on while the handshake was in flight.
		log.Debugw("stale verification failure", "topic", sub.Topic, "callback", sub.Callback, "error", denyErr)
		return
	}

	h.Call(&VerificationFailed{Subscription: denied, Error: err})

	h.sendDenied(ctx, denied)
}

// activate promotes a pending record after a successful handshake.
func (h *Hub) activate(sub model.Subscription) {
	verified, err := h.registry.Activate(sub.Topic, sub.Callback, sub.PendingChallenge, time.Now())

	if err != nil {
		switch {
		case errors.Is(err, ErrChallengeMismatch), errors.Is(err, ErrNotPending), errors.Is(err, store.ErrNotFound):
			// The record moved on while the handshake was in flight.
			log.Debugw("stale verification result", "topic", sub.Topic, "callback", sub.Callback, "error", err)
		default:
			log.Errorw("unable to activate subscription", "topic", sub.Topic, "callback", sub.Callback, "error", err)
			h.Call(&VerificationFailed{Subscription: sub, Error: err})
		}

		return
	}

	log.Infow("subscription verified", "topic", verified.Topic, "callback", verified.Callback, "lease", verified.LeaseTime)

	h.Call(&Verified{Subscription: verified})
}

// confirmUnsubscribe tells the subscriber its unsubscribe went through.
// The subscription is already retired, the outcome here changes nothing.
func (h *Hub) confirmUnsubscribe(ctx context.Context, sub model.Subscription) {
	b := h.config.Verify.Backoff()

	challenge := uuid.New().String()

	var err error

	for attempt := 1; attempt <= h.config.Verify.Attempts; attempt++ {
		if err = h.challenge(ctx, ModeUnsubscribe, challenge, sub); err == nil {
			return
		}

		if attempt < h.config.Verify.Attempts {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return
			}
		}
	}

	log.Debugw("unable to confirm unsubscribe", "topic", sub.Topic, "callback", sub.Callback, "error", err)
}

// sendDenied notifies the subscriber its request was refused.
func (h *Hub) sendDenied(ctx context.Context, sub model.Subscription) {
	if err := h.challenge(ctx, ModeDenied, "", sub); err != nil {
		log.Debugw("unable to deliver denial", "topic", sub.Topic, "callback", sub.Callback, "error", err)
	}
}
