package lib

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fiffu/feedrelay/config"
	"github.com/fiffu/feedrelay/lib/dispatch"
	"github.com/fiffu/feedrelay/lib/hub"
	"github.com/fiffu/feedrelay/lib/models"
	"github.com/fiffu/feedrelay/lib/profiles"
	"github.com/fiffu/feedrelay/lib/subscriber"
	"github.com/fiffu/feedrelay/senders"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service is the programmatic boundary of the engine: the HTTP layer and any
// host embedding talk to it, never to the engines directly.
type Service struct {
	cfg *config.Config
	log *zap.Logger

	Subscriber *subscriber.Engine
	Hub        *hub.Engine
	Profiles   *profiles.Resolver

	hubSubs *models.HubSubscriptionStore
}

func NewService(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	sub *subscriber.Engine,
	hubEngine *hub.Engine,
	resolver *profiles.Resolver,
	dispatcher *dispatch.Dispatcher,
	hubSubs *models.HubSubscriptionStore,
	alertSenders senders.Registry,
) *Service {
	svc := &Service{
		cfg:        cfg,
		log:        log,
		Subscriber: sub,
		Hub:        hubEngine,
		Profiles:   resolver,
		hubSubs:    hubSubs,
	}

	sub.CountSubscribers = resolver.SubscriberCount
	sub.Content = resolver.HandleContent

	if recipient := cfg.Mailgun.AlertRecipient; recipient != "" {
		sender := alertSenders["email"]
		dispatcher.SetDeadLetter(func(name string, err error) {
			subject, body := senders.FormatDeadLetter(name, err)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, sendErr := sender.SendAlert(ctx, subject, body, recipient); sendErr != nil {
				log.Sugar().Errorw("Failed to send dead-letter alert", "err", sendErr)
			}
		})
	}

	return svc
}

// EnsureSubscription resolves url (feed URL, profile page, or user@domain
// address) to a remote profile and starts the subscribe handshake for its feed.
func (svc *Service) EnsureSubscription(ctx context.Context, url string) (*models.SubscriberFeed, error) {
	var profile *models.RemoteProfile
	var err error
	if looksLikeWebfinger(url) {
		profile, err = svc.Profiles.EnsureWebfinger(ctx, url)
	} else {
		profile, err = svc.Profiles.EnsureProfileURL(ctx, url)
	}
	if err != nil {
		return nil, err
	}

	feed, ok, err := svc.Subscriber.Feeds().FindByURI(ctx, profile.FeedURI)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("profile %s has no feed record", profile.URI)
	}

	if feed.State == models.StateInactive {
		if err := svc.Subscriber.Subscribe(ctx, feed); err != nil {
			return nil, err
		}
	}
	return feed, nil
}

func looksLikeWebfinger(url string) bool {
	return strings.Contains(url, "@") && !strings.Contains(url, "://")
}

// RemoveSubscription garbage-collects a feed by id. removed is false while
// the feed is still referenced locally; found is false for an unknown id.
func (svc *Service) RemoveSubscription(ctx context.Context, feedID uint) (removed, found bool, err error) {
	feed, ok, err := svc.Subscriber.Feeds().FindByID(ctx, feedID)
	if err != nil || !ok {
		return false, ok, err
	}
	removed, err = svc.Subscriber.GarbageCollect(ctx, feed)
	return removed, true, err
}

// HandleVerification services the hub's callback GET. Returns false when the
// feed is unknown or the mode does not match a handshake we actually started.
func (svc *Service) HandleVerification(ctx context.Context, feedID uint, mode string, leaseSeconds int) (bool, error) {
	feed, ok, err := svc.Subscriber.Feeds().FindByID(ctx, feedID)
	if err != nil || !ok {
		return false, err
	}

	switch mode {
	case models.StateSubscribe:
		if feed.State != models.StateSubscribe && feed.State != models.StateActive {
			svc.log.Sugar().Warnw("Subscribe verification for feed not subscribing", "feed", feed.FeedURI, "state", feed.State)
			return false, nil
		}
		return true, svc.Subscriber.ConfirmSubscribe(ctx, feed, leaseSeconds)

	case models.StateUnsubscribe:
		if feed.State != models.StateUnsubscribe && feed.State != models.StateInactive {
			svc.log.Sugar().Warnw("Unsubscribe verification for feed not unsubscribing", "feed", feed.FeedURI, "state", feed.State)
			return false, nil
		}
		return true, svc.Subscriber.ConfirmUnsubscribe(ctx, feed)

	default:
		return false, nil
	}
}

// HandleContentPush services the hub's content POST.
func (svc *Service) HandleContentPush(ctx context.Context, feedID uint, payload []byte, sigHeader string) (bool, error) {
	feed, ok, err := svc.Subscriber.Feeds().FindByID(ctx, feedID)
	if err != nil || !ok {
		return false, err
	}
	svc.Subscriber.Receive(ctx, feed, payload, sigHeader)
	return true, nil
}

// HandleHubRequest services an inbound subscribe/unsubscribe POST from a
// remote subscriber, scheduling verification asynchronously.
func (svc *Service) HandleHubRequest(ctx context.Context, mode, topic, callback, secret string, leaseSeconds int, token string) error {
	if mode != models.StateSubscribe && mode != models.StateUnsubscribe {
		return fmt.Errorf("unsupported hub.mode %q", mode)
	}
	if topic == "" || callback == "" {
		return fmt.Errorf("hub.topic and hub.callback are required")
	}
	if !strings.HasPrefix(topic, svc.cfg.ServerDNS) {
		return fmt.Errorf("topic %s is not served by this hub", topic)
	}

	sub := &models.HubSubscription{
		Topic:    topic,
		Callback: callback,
		Secret:   secret,
	}
	if mode == models.StateSubscribe {
		svc.Hub.SetLease(sub, leaseSeconds)
	}

	svc.Hub.ScheduleVerify(sub, mode, token, -1)
	return nil
}

// PublishTopic fans payload out to every live registration on topic. Returns
// the number of deliveries queued.
func (svc *Service) PublishTopic(ctx context.Context, topic string, payload []byte) (int, error) {
	subs, err := svc.hubSubs.ListActiveByTopic(ctx, topic, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	callbacks := make([]string, 0, len(subs))
	for _, sub := range subs {
		callbacks = append(callbacks, sub.Callback)
	}
	if !svc.Hub.BulkDistribute(ctx, topic, payload, callbacks) {
		return 0, nil
	}
	return len(callbacks), nil
}

// ListFeeds returns all subscriber-side records, for admin inspection.
func (svc *Service) ListFeeds(ctx context.Context) (models.SubscriberFeeds, error) {
	return svc.Subscriber.Feeds().All(ctx)
}

func (svc *Service) GetFeed(ctx context.Context, feedID uint) (*models.SubscriberFeed, bool, error) {
	return svc.Subscriber.Feeds().FindByID(ctx, feedID)
}

// ListRegistrations returns all hub-side registrations, for admin inspection.
func (svc *Service) ListRegistrations(ctx context.Context) (models.HubSubscriptions, error) {
	return svc.hubSubs.All(ctx)
}
