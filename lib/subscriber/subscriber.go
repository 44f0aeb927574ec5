// Package subscriber implements the local node's subscriber role: the
// subscribe/unsubscribe handshake against remote hubs, lease renewal, and
// ingest of pushed content.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/carlmjohnson/requests"
	"github.com/fiffu/feedrelay/config"
	"github.com/fiffu/feedrelay/lib/discovery"
	"github.com/fiffu/feedrelay/lib/models"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrNoHubAvailable: discovery found no hub and the deployment has no
	// fallback hub or polling to compensate.
	ErrNoHubAvailable = errors.New("feed advertises no hub and no fallback hub or polling is configured")

	// ErrNoHubConfigured: subscribe was attempted on a hubless feed.
	ErrNoHubConfigured = errors.New("no hub to subscribe against")
)

// Discoverer resolves a URL to feed endpoints. *discovery.Engine satisfies it.
type Discoverer interface {
	Discover(ctx context.Context, url string) (*discovery.Result, error)
}

// CountFunc reports how many local entities still reference a feed.
type CountFunc func(ctx context.Context, feedURI string) (int, error)

// ContentHandler receives verified pushed payloads for parsing and fan-in.
type ContentHandler func(ctx context.Context, feed *models.SubscriberFeed, payload []byte) error

type Engine struct {
	cfg       *config.Config
	log       *zap.Logger
	feeds     *models.SubscriberFeedStore
	disco     Discoverer
	transport http.RoundTripper

	// Strategy injection points, wired by the service layer.
	CountSubscribers CountFunc
	Content          ContentHandler
}

func NewEngine(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, feeds *models.SubscriberFeedStore, disco *discovery.Engine, transport http.RoundTripper) *Engine {
	e := New(cfg, log, feeds, disco, transport)
	e.startRenewalSweep(lc)
	return e
}

func New(cfg *config.Config, log *zap.Logger, feeds *models.SubscriberFeedStore, disco Discoverer, transport http.RoundTripper) *Engine {
	return &Engine{
		cfg:       cfg,
		log:       log,
		feeds:     feeds,
		disco:     disco,
		transport: transport,
	}
}

// Feeds exposes the backing record store to collaborating components.
func (e *Engine) Feeds() *models.SubscriberFeedStore {
	return e.feeds
}

// EnsureFeed returns the subscription record for feedURI, creating it in the
// inactive state if this is the first reference, and (re)discovers the hub.
func (e *Engine) EnsureFeed(ctx context.Context, feedURI string) (*models.SubscriberFeed, error) {
	feed, ok, err := e.feeds.FindByURI(ctx, feedURI)
	if err != nil {
		return nil, err
	}
	if !ok {
		feed = &models.SubscriberFeed{FeedURI: feedURI, State: models.StateInactive}
	}

	if err := e.ensureHub(ctx, feed); err != nil {
		e.log.Sugar().Infow("Hub discovery failed", "feed", feedURI, "err", err)
	}

	if feed.HubURI == "" && !e.hasFallback() {
		feed.State = models.StateNoHub
		if err := e.persist(ctx, feed, ok); err != nil {
			return nil, err
		}
		return feed, ErrNoHubAvailable
	}

	if err := e.persist(ctx, feed, ok); err != nil {
		return nil, err
	}
	return feed, nil
}

func (e *Engine) persist(ctx context.Context, feed *models.SubscriberFeed, exists bool) error {
	if exists {
		return e.feeds.Save(ctx, feed)
	}
	return e.feeds.Insert(ctx, feed)
}

// ensureHub re-runs discovery and adopts a changed hub URI. State is never
// touched here; duplicate discovery calls during a handshake are tolerated.
func (e *Engine) ensureHub(ctx context.Context, feed *models.SubscriberFeed) error {
	if feed.State == models.StateNoHub {
		return nil
	}
	if feed.State != models.StateInactive {
		e.log.Sugar().Infow("Hub discovery while handshake in progress", "feed", feed.FeedURI, "state", feed.State)
	}

	res, err := e.disco.Discover(ctx, feed.FeedURI)
	if err != nil {
		return err
	}
	if res.HubURI != "" && res.HubURI != feed.HubURI {
		e.log.Sugar().Infow("Hub URI changed", "feed", feed.FeedURI, "old", feed.HubURI, "new", res.HubURI)
		feed.HubURI = res.HubURI
	}
	return nil
}

func (e *Engine) hasFallback() bool {
	return e.cfg.FallbackHubURL != "" || e.cfg.PollingEnabled
}

// Subscribe starts the subscription handshake. Calling it on a non-inactive
// record is tolerated with a warning: distributed retries make duplicates
// expected.
func (e *Engine) Subscribe(ctx context.Context, feed *models.SubscriberFeed) error {
	if feed.State != models.StateInactive {
		e.log.Sugar().Warnw("Subscribe on non-inactive feed", "feed", feed.FeedURI, "state", feed.State)
	}
	return e.startHandshake(ctx, feed, models.StateSubscribe)
}

// Unsubscribe starts the teardown handshake.
func (e *Engine) Unsubscribe(ctx context.Context, feed *models.SubscriberFeed) error {
	if feed.State != models.StateActive {
		e.log.Sugar().Warnw("Unsubscribe on non-active feed", "feed", feed.FeedURI, "state", feed.State)
	}
	return e.startHandshake(ctx, feed, models.StateUnsubscribe)
}

func (e *Engine) startHandshake(ctx context.Context, feed *models.SubscriberFeed, mode string) error {
	hub := feed.HubURI
	if hub == "" {
		switch {
		case e.cfg.FallbackHubURL != "":
			hub = e.cfg.FallbackHubURL
		case e.cfg.PollingEnabled:
			e.log.Sugar().Infow("Feed has no hub, leaving it to the poller", "feed", feed.FeedURI)
			return nil
		default:
			return ErrNoHubConfigured
		}
	}
	return e.doSubscribe(ctx, feed, mode, hub)
}

// doSubscribe persists the in-flight state before the outbound POST so a
// crash mid-handshake leaves an inspectable record, and rolls the state back
// to inactive when the hub refuses.
func (e *Engine) doSubscribe(ctx context.Context, feed *models.SubscriberFeed, mode, hub string) error {
	if mode == models.StateSubscribe {
		feed.Secret = uuid.NewString()
	}
	feed.State = mode
	if err := e.feeds.Save(ctx, feed); err != nil {
		return err
	}

	// State names double as the wire modes.
	form := url.Values{}
	form.Set("hub.mode", mode)
	form.Set("hub.callback", e.CallbackURL(feed.ID))
	form.Set("hub.verify", "async") // legacy, ignored by 0.4 hubs
	form.Set("hub.verify_token", "Legacy")
	form.Set("hub.secret", feed.Secret)
	form.Set("hub.topic", feed.FeedURI)
	if mode == models.StateSubscribe {
		form.Set("hub.lease_seconds", strconv.Itoa(e.cfg.LeaseRequestSecs))
	}

	var status int
	err := requests.URL(hub).
		Transport(e.transport).
		BodyForm(form).
		AddValidator(func(resp *http.Response) error {
			status = resp.StatusCode
			return nil
		}).
		Fetch(ctx)
	if err == nil && (status < 200 || status > 299) {
		err = fmt.Errorf("hub %s answered %s with status %d", hub, mode, status)
	}
	if err != nil {
		feed.State = models.StateInactive
		if saveErr := e.feeds.Save(ctx, feed); saveErr != nil {
			e.log.Sugar().Errorw("Failed to roll back handshake state", "feed", feed.FeedURI, "err", saveErr)
		}
		return err
	}

	if status != http.StatusAccepted && status != http.StatusNoContent {
		e.log.Sugar().Infow("Hub accepted request with unusual status", "feed", feed.FeedURI, "status", status)
	}
	return nil
}

// CallbackURL is the locally-owned verification endpoint for a record.
func (e *Engine) CallbackURL(feedID uint) string {
	return fmt.Sprintf("%s/callback/%d", e.cfg.ServerDNS, feedID)
}

// GarbageCollect tears down the subscription once nothing local references
// the feed. This is the only teardown path; deleting records directly would
// orphan the registration on the remote hub.
func (e *Engine) GarbageCollect(ctx context.Context, feed *models.SubscriberFeed) (bool, error) {
	if feed.State == models.StateInactive {
		return true, nil
	}

	if feed.State == models.StateNoHub {
		// Nothing registered remotely, so there is nothing to tear down.
		e.clearSubscription(feed)
		return true, e.feeds.Save(ctx, feed)
	}

	count := 0
	if e.CountSubscribers != nil {
		var err error
		count, err = e.CountSubscribers(ctx, feed.FeedURI)
		if err != nil {
			return false, err
		}
	}
	if count > 0 {
		e.log.Sugar().Infow("Feed still in use, keeping subscription", "feed", feed.FeedURI, "subscribers", count)
		return false, nil
	}

	e.log.Sugar().Infow("Feed has no more subscribers, unsubscribing", "feed", feed.FeedURI)
	return true, e.Unsubscribe(ctx, feed)
}
