// Package profiles maps remote actors to local shadow records and owns the
// subscription lifecycle on their behalf.
package profiles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fiffu/feedrelay/config"
	"github.com/fiffu/feedrelay/lib/discovery"
	"github.com/fiffu/feedrelay/lib/models"
	"github.com/fiffu/feedrelay/lib/subscriber"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// CounterFunc votes on whether a feed is still referenced locally. Extra
// counters are an extension point for host features.
type CounterFunc func(ctx context.Context, feedURI string) (int, error)

// EntrySink receives entries that passed authorship checks.
type EntrySink func(ctx context.Context, profile *models.RemoteProfile, entry discovery.Entry) error

type Resolver struct {
	cfg      *config.Config
	log      *zap.Logger
	profiles *models.RemoteProfileStore
	subs     *subscriber.Engine
	disco    subscriber.Discoverer

	negCache *negativeCache
	counters []CounterFunc
	sink     EntrySink
}

func NewResolver(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, profiles *models.RemoteProfileStore, subs *subscriber.Engine, disco *discovery.Engine) *Resolver {
	return New(cfg, log, profiles, subs, disco)
}

func New(cfg *config.Config, log *zap.Logger, profiles *models.RemoteProfileStore, subs *subscriber.Engine, disco subscriber.Discoverer) *Resolver {
	r := &Resolver{
		cfg:      cfg,
		log:      log,
		profiles: profiles,
		subs:     subs,
		disco:    disco,
		negCache: newNegativeCache(1 * time.Hour),
	}
	r.counters = []CounterFunc{r.shadowCount}
	return r
}

// AddCounter registers an additional subscriber-count voter.
func (r *Resolver) AddCounter(fn CounterFunc) {
	r.counters = append(r.counters, fn)
}

// SetEntrySink installs the consumer for accepted entries.
func (r *Resolver) SetEntrySink(sink EntrySink) {
	r.sink = sink
}

// EnsureWebfinger resolves a user@domain address to a remote profile.
func (r *Resolver) EnsureWebfinger(ctx context.Context, address string) (*models.RemoteProfile, error) {
	address = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(address), "acct:"))

	cacheKey := "webfinger:" + address
	if reason, ok := r.negCache.Get(cacheKey); ok {
		return nil, fmt.Errorf("resolving %s: %s (cached)", address, reason)
	}

	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		r.negCache.Put(cacheKey, "not a valid webfinger address")
		return nil, fmt.Errorf("not a valid webfinger address: %s", address)
	}
	user, domain := parts[0], parts[1]

	profileURL := fmt.Sprintf("https://%s/@%s", domain, user)
	profile, err := r.EnsureProfileURL(ctx, profileURL)
	if err != nil {
		r.negCache.Put(cacheKey, err.Error())
		return nil, err
	}
	return profile, nil
}

// EnsureProfileURL resolves any profile page or feed URL to a remote profile,
// running discovery when the URL is not already known.
func (r *Resolver) EnsureProfileURL(ctx context.Context, url string) (*models.RemoteProfile, error) {
	if profile, ok, err := r.profiles.FindByURI(ctx, url); err != nil {
		return nil, err
	} else if ok {
		return profile, nil
	}
	if profile, ok, err := r.profiles.FindByFeedURI(ctx, url); err != nil {
		return nil, err
	} else if ok {
		return profile, nil
	}

	cacheKey := "discover:" + url
	if reason, ok := r.negCache.Get(cacheKey); ok {
		return nil, fmt.Errorf("resolving %s: %s (cached)", url, reason)
	}

	res, err := r.disco.Discover(ctx, url)
	if err != nil {
		r.negCache.Put(cacheKey, err.Error())
		return nil, err
	}
	if res.TopicURI == "" {
		r.negCache.Put(cacheKey, "no feed discovered")
		return nil, fmt.Errorf("no feed discovered at %s", url)
	}
	return r.ensureFromResult(ctx, res)
}

// EnsureFeedURL resolves a known-feed URL directly.
func (r *Resolver) EnsureFeedURL(ctx context.Context, feedURL string) (*models.RemoteProfile, error) {
	return r.EnsureProfileURL(ctx, feedURL)
}

func (r *Resolver) ensureFromResult(ctx context.Context, res *discovery.Result) (*models.RemoteProfile, error) {
	uri := res.AuthorURI
	if uri == "" {
		uri = res.TopicURI
	}

	profile, ok, err := r.profiles.FindByURI(ctx, uri)
	if err != nil {
		return nil, err
	}

	if ok {
		// Refresh cached remote metadata.
		profile.FeedURI = res.TopicURI
		profile.NotifyURI = res.SalmonURI
		profile.AvatarURL = res.AvatarURL
		if err := r.profiles.Save(ctx, profile); err != nil {
			return nil, err
		}
	} else {
		actor := &models.LocalActor{
			Kind:        models.ActorPerson,
			DisplayName: res.Title,
			AvatarURL:   res.AvatarURL,
		}
		if err := r.profiles.InsertActor(ctx, actor); err != nil {
			return nil, err
		}

		profile = &models.RemoteProfile{
			URI:       uri,
			ProfileID: actor.ID,
			FeedURI:   res.TopicURI,
			NotifyURI: res.SalmonURI,
			AvatarURL: res.AvatarURL,
		}
		if err := r.profiles.Insert(ctx, profile); err != nil {
			return nil, err
		}
		r.log.Sugar().Infow("Created remote profile", "uri", uri, "feed", res.TopicURI)
	}

	if _, err := r.subs.EnsureFeed(ctx, profile.FeedURI); err != nil {
		// The profile is usable even when the feed has no hub; the caller
		// decides whether a hubless feed is acceptable.
		r.log.Sugar().Infow("Feed ensured without hub", "feed", profile.FeedURI, "err", err)
	}
	return profile, nil
}

// Remove deletes the shadow record and garbage-collects the feed subscription
// if nothing else references it.
func (r *Resolver) Remove(ctx context.Context, profile *models.RemoteProfile) error {
	if err := r.profiles.Delete(ctx, profile); err != nil {
		return err
	}
	r.negCache.Invalidate("discover:" + profile.URI)

	feed, ok, err := r.subs.Feeds().FindByURI(ctx, profile.FeedURI)
	if err != nil || !ok {
		return err
	}
	_, err = r.subs.GarbageCollect(ctx, feed)
	return err
}

// SubscriberCount aggregates every registered counter's vote.
func (r *Resolver) SubscriberCount(ctx context.Context, feedURI string) (int, error) {
	total := 0
	for _, counter := range r.counters {
		n, err := counter(ctx, feedURI)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (r *Resolver) shadowCount(ctx context.Context, feedURI string) (int, error) {
	n, err := r.profiles.CountByFeedURI(ctx, feedURI)
	return int(n), err
}
