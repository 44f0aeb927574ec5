package subscriber

import (
	"context"
	"time"

	"github.com/fiffu/feedrelay/lib/models"
	"go.uber.org/fx"
)

const (
	renewalWindow        = 24 * time.Hour // renew leases expiring within this window
	renewalSweepInterval = 1 * time.Hour
)

// Renew re-runs the subscribe handshake for a record nearing lease expiry.
func (e *Engine) Renew(ctx context.Context, feed *models.SubscriberFeed) error {
	e.log.Sugar().Infow("Renewing subscription", "feed", feed.FeedURI)
	return e.Subscribe(ctx, feed)
}

// RenewalCheck returns records whose lease ends within one day. Callers
// iterate and Renew each, tolerating individual failures.
func (e *Engine) RenewalCheck(ctx context.Context) (models.SubscriberFeeds, error) {
	return e.feeds.FindExpiringWithin(ctx, time.Now().UTC(), renewalWindow)
}

func (e *Engine) startRenewalSweep(lc fx.Lifecycle) {
	ticker := time.NewTicker(renewalSweepInterval)
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				for {
					select {
					case <-ticker.C:
						e.renewalSweep()
					case <-done:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ticker.Stop()
			close(done)
			e.log.Sugar().Info("Renewal sweep stopped")
			return nil
		},
	})
}

func (e *Engine) renewalSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	feeds, err := e.RenewalCheck(ctx)
	if err != nil {
		e.log.Sugar().Errorw("Renewal check failed", "err", err)
		return
	}

	renewed, failed := 0, 0
	for _, feed := range feeds {
		if err := e.Renew(ctx, feed); err != nil {
			e.log.Sugar().Warnw("Renewal failed", "feed", feed.FeedURI, "err", err)
			failed++
			continue
		}
		renewed++
	}
	if renewed+failed > 0 {
		e.log.Sugar().Infow("Renewal sweep completed", "renewed", renewed, "failed", failed)
	}
}
