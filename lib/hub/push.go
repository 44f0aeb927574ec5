package hub

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/carlmjohnson/requests"
	"github.com/fiffu/feedrelay/lib/models"
	"github.com/fiffu/feedrelay/lib/subscriber"
)

// DeliveryError reports a content push the subscriber's callback refused.
type DeliveryError struct {
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("content delivery refused with status %d: %s", e.Status, e.Body)
}

// Push delivers payload to a single registration. A failed delivery to an
// http:// callback gets exactly one protocol-aware failover: if an https
// sibling registration already exists the stale http row is dropped (the
// subscriber evidently re-subscribed over TLS), otherwise the push is retried
// once against the https rewrite of the same URL and the registration upgraded
// in place when that works.
func (e *Engine) Push(ctx context.Context, sub *models.HubSubscription, payload []byte) error {
	status, body, err := e.post(ctx, sub.Callback, sub.Secret, payload)
	if err == nil && status >= 200 && status <= 299 {
		return nil
	}

	if httpsURL, ok := httpsVariant(sub.Callback); ok {
		sibling, exists, findErr := e.subs.FindByPair(ctx, sub.Topic, httpsURL)
		if findErr != nil {
			e.log.Sugar().Errorw("Sibling registration lookup failed", "callback", httpsURL, "err", findErr)
		} else if exists && sibling.ID != sub.ID {
			e.log.Sugar().Infow("Dropping stale http callback, https registration exists", "topic", sub.Topic, "callback", sub.Callback)
			if delErr := e.subs.Delete(ctx, sub); delErr != nil {
				return delErr
			}
			return nil
		}

		status, body, err = e.post(ctx, httpsURL, sub.Secret, payload)
		if err == nil && status >= 200 && status <= 299 {
			e.log.Sugar().Infow("Callback answered over https, upgrading registration", "topic", sub.Topic, "callback", httpsURL)
			sub.Callback = httpsURL
			if saveErr := e.subs.Save(ctx, sub); saveErr != nil {
				e.log.Sugar().Errorw("Failed to persist upgraded callback", "callback", httpsURL, "err", saveErr)
			}
			return nil
		}
	}

	if err != nil {
		return fmt.Errorf("delivering to %s: %w", sub.Callback, err)
	}
	return &DeliveryError{Status: status, Body: body}
}

func (e *Engine) post(ctx context.Context, callback, secret string, payload []byte) (int, string, error) {
	req := requests.URL(callback).
		Transport(e.transport).
		Method(http.MethodPost).
		ContentType("application/atom+xml").
		BodyBytes(payload)

	if secret != "" {
		sig, err := subscriber.Sign("sha1", secret, payload)
		if err != nil {
			return 0, "", err
		}
		req = req.Header("X-Hub-Signature", sig)
	}

	var status int
	var respBody string
	err := req.
		ToString(&respBody).
		AddValidator(func(resp *http.Response) error {
			status = resp.StatusCode
			return nil
		}).
		Fetch(ctx)
	return status, respBody, err
}

func httpsVariant(callback string) (string, bool) {
	if !strings.HasPrefix(callback, "http://") {
		return "", false
	}
	return "https://" + strings.TrimPrefix(callback, "http://"), true
}

// Distribute queues delivery of payload to one registration.
func (e *Engine) Distribute(sub *models.HubSubscription, payload []byte, retries int) {
	if retries < 0 {
		retries = e.cfg.PushRetries
	}
	e.dispatcher.Enqueue("hub.push", retries, func(ctx context.Context) error {
		return e.Push(ctx, sub, payload)
	})
}

// BulkDistribute queues delivery of payload to every callback in the list.
// An empty list is a caller bug worth surfacing, but not an error.
func (e *Engine) BulkDistribute(ctx context.Context, topic string, payload []byte, callbacks []string) bool {
	if len(callbacks) == 0 {
		e.log.Sugar().Warnw("Bulk distribution with no callbacks", "topic", topic)
		return false
	}

	for _, callback := range callbacks {
		sub, ok, err := e.subs.FindByPair(ctx, topic, callback)
		if err != nil {
			e.log.Sugar().Errorw("Registration lookup failed", "topic", topic, "callback", callback, "err", err)
			continue
		}
		if !ok {
			e.log.Sugar().Warnw("No registration for callback, skipping", "topic", topic, "callback", callback)
			continue
		}
		e.Distribute(sub, payload, -1)
	}
	return true
}
