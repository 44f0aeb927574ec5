package subscriber

import (
	"context"
	"database/sql"
	"time"

	"github.com/fiffu/feedrelay/lib/models"
)

// Receive ingests one pushed payload. Per the protocol, problems are dropped
// silently as far as the sender is concerned: this never returns an error to
// surface upstream, only logs. A signature mismatch additionally re-runs hub
// discovery, since the likeliest benign cause is the publisher silently
// migrating hubs (the old secret no longer matches the new hub's pushes).
func (e *Engine) Receive(ctx context.Context, feed *models.SubscriberFeed, payload []byte, sigHeader string) {
	if feed.State != models.StateActive && feed.State != models.StateNoHub {
		e.log.Sugar().Infow("Dropping push for feed without active subscription", "feed", feed.FeedURI, "state", feed.State)
		return
	}
	if len(payload) == 0 {
		e.log.Sugar().Infow("Dropping empty push", "feed", feed.FeedURI)
		return
	}

	if feed.Secret == "" {
		if sigHeader != "" {
			// We never told this hub a secret; a signature here is odd but
			// not grounds to drop the payload.
			e.log.Sugar().Warnw("Unexpected signature on feed with no secret", "feed", feed.FeedURI)
		}
	} else if err := ValidateSignature(sigHeader, feed.Secret, payload, e.cfg.SignatureAlgos); err != nil {
		e.log.Sugar().Warnw("Dropping push with bad signature", "feed", feed.FeedURI, "err", err)
		e.checkHubMigration(ctx, feed)
		return
	}

	if e.Content != nil {
		if err := e.Content(ctx, feed, payload); err != nil {
			e.log.Sugar().Errorw("Content handler failed", "feed", feed.FeedURI, "err", err)
		}
	}

	feed.LastUpdate = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	if err := e.feeds.Save(ctx, feed); err != nil {
		e.log.Sugar().Errorw("Failed to record push", "feed", feed.FeedURI, "err", err)
	}
}

// checkHubMigration speculatively re-discovers the hub after a signature
// failure and renews against the new hub if it moved.
func (e *Engine) checkHubMigration(ctx context.Context, feed *models.SubscriberFeed) {
	res, err := e.disco.Discover(ctx, feed.FeedURI)
	if err != nil {
		e.log.Sugar().Infow("Hub re-discovery failed", "feed", feed.FeedURI, "err", err)
		return
	}
	if res.HubURI == "" || res.HubURI == feed.HubURI {
		return
	}

	e.log.Sugar().Infow("Hub migrated, renewing against new hub", "feed", feed.FeedURI, "old", feed.HubURI, "new", res.HubURI)
	feed.HubURI = res.HubURI
	if err := e.feeds.Save(ctx, feed); err != nil {
		e.log.Sugar().Errorw("Failed to store migrated hub", "feed", feed.FeedURI, "err", err)
		return
	}
	if err := e.Renew(ctx, feed); err != nil {
		e.log.Sugar().Warnw("Renewal against migrated hub failed", "feed", feed.FeedURI, "err", err)
	}
}
