// Package hub implements the publisher role: verifying remote subscribers'
// intent and pushing signed content to their callbacks.
package hub

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/fiffu/feedrelay/config"
	"github.com/fiffu/feedrelay/lib/dispatch"
	"github.com/fiffu/feedrelay/lib/models"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// VerificationFailedError reports a subscriber callback that did not answer
// the challenge GET with a 2xx.
type VerificationFailedError struct {
	Status int
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("subscriber verification failed with status %d", e.Status)
}

type Engine struct {
	cfg        *config.Config
	log        *zap.Logger
	subs       *models.HubSubscriptionStore
	transport  http.RoundTripper
	dispatcher *dispatch.Dispatcher
}

func NewEngine(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, subs *models.HubSubscriptionStore, transport http.RoundTripper, dispatcher *dispatch.Dispatcher) *Engine {
	return New(cfg, log, subs, transport, dispatcher)
}

func New(cfg *config.Config, log *zap.Logger, subs *models.HubSubscriptionStore, transport http.RoundTripper, dispatcher *dispatch.Dispatcher) *Engine {
	return &Engine{cfg, log, subs, transport, dispatcher}
}

// SetLease stamps the negotiated lease window onto sub. Requests are clamped
// to the configured [min, max]; zero means "give me the maximum".
func (e *Engine) SetLease(sub *models.HubSubscription, requestedSecs int) {
	lease := time.Duration(requestedSecs) * time.Second
	if requestedSecs == 0 {
		lease = e.cfg.LeaseMax()
	}
	if lease < e.cfg.LeaseMin() {
		lease = e.cfg.LeaseMin()
	}
	if lease > e.cfg.LeaseMax() {
		lease = e.cfg.LeaseMax()
	}

	now := time.Now().UTC()
	sub.LeaseStart = sql.NullTime{Time: now, Valid: true}
	sub.LeaseEnd = sql.NullTime{Time: now.Add(lease), Valid: true}
}

// Verify challenges the subscriber's callback and, on confirmation, commits
// the registration change: upsert for subscribe, idempotent delete for
// unsubscribe.
func (e *Engine) Verify(ctx context.Context, sub *models.HubSubscription, mode, token string) error {
	challenge := uuid.NewString()

	req := requests.URL(sub.Callback).
		Transport(e.transport).
		Param("hub.mode", mode).
		Param("hub.topic", sub.Topic).
		Param("hub.challenge", challenge)
	if mode == models.StateSubscribe {
		req = req.Param("hub.lease_seconds", fmt.Sprintf("%d", e.leaseSeconds(sub)))
	}
	if token != "" {
		req = req.Param("hub.verify_token", token)
	}

	var status int
	err := req.
		AddValidator(func(resp *http.Response) error {
			status = resp.StatusCode
			return nil
		}).
		Fetch(ctx)
	if err != nil {
		return fmt.Errorf("verifying %s for %s: %w", sub.Callback, sub.Topic, err)
	}
	if status < 200 || status > 299 {
		return &VerificationFailedError{Status: status}
	}

	switch mode {
	case models.StateSubscribe:
		e.log.Sugar().Infow("Subscriber verified, committing registration", "topic", sub.Topic, "callback", sub.Callback)
		return e.subs.Upsert(ctx, sub)

	case models.StateUnsubscribe:
		existing, ok, err := e.subs.FindByPair(ctx, sub.Topic, sub.Callback)
		if err != nil {
			return err
		}
		if !ok {
			// Double-unsubscribe; nothing to delete.
			e.log.Sugar().Infow("Unsubscribe for unknown registration", "topic", sub.Topic, "callback", sub.Callback)
			return nil
		}
		e.log.Sugar().Infow("Subscriber verified, removing registration", "topic", sub.Topic, "callback", sub.Callback)
		return e.subs.Delete(ctx, existing)

	default:
		return fmt.Errorf("unknown verification mode %q", mode)
	}
}

// ScheduleVerify runs the verification handshake through the dispatcher so a
// slow callback cannot block the inbound subscription request.
func (e *Engine) ScheduleVerify(sub *models.HubSubscription, mode, token string, retries int) {
	if retries < 0 {
		retries = e.cfg.VerifyRetries
	}
	e.dispatcher.Enqueue("hub.verify", retries, func(ctx context.Context) error {
		return e.Verify(ctx, sub, mode, token)
	})
}

func (e *Engine) leaseSeconds(sub *models.HubSubscription) int {
	if !sub.LeaseStart.Valid || !sub.LeaseEnd.Valid {
		return e.cfg.LeaseMaxSecs
	}
	return int(sub.LeaseEnd.Time.Sub(sub.LeaseStart.Time) / time.Second)
}
