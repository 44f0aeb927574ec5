package subscriber

import (
	"context"
	"database/sql"
	"time"

	"github.com/fiffu/feedrelay/lib/models"
)

// ConfirmSubscribe is called by the verification-callback handler once the
// hub confirms. There is no precondition check: the callback is the source of
// truth, and confirming an already-active record is benign.
func (e *Engine) ConfirmSubscribe(ctx context.Context, feed *models.SubscriberFeed, leaseSeconds int) error {
	now := time.Now().UTC()

	feed.State = models.StateActive
	feed.LeaseStart = sql.NullTime{Time: now, Valid: true}
	if leaseSeconds > 0 {
		feed.LeaseEnd = sql.NullTime{Time: now.Add(time.Duration(leaseSeconds) * time.Second), Valid: true}
	} else {
		// Legacy hubs confirm without a lease; treat it as non-expiring.
		feed.LeaseEnd = sql.NullTime{}
	}

	e.log.Sugar().Infow("Subscription confirmed", "feed", feed.FeedURI, "lease_seconds", leaseSeconds)
	return e.feeds.Save(ctx, feed)
}

// ConfirmUnsubscribe resets the record to the inactive state.
func (e *Engine) ConfirmUnsubscribe(ctx context.Context, feed *models.SubscriberFeed) error {
	e.clearSubscription(feed)
	e.log.Sugar().Infow("Unsubscription confirmed", "feed", feed.FeedURI)
	return e.feeds.Save(ctx, feed)
}

func (e *Engine) clearSubscription(feed *models.SubscriberFeed) {
	feed.Secret = ""
	feed.State = models.StateInactive
	feed.LeaseStart = sql.NullTime{}
	feed.LeaseEnd = sql.NullTime{}
}
