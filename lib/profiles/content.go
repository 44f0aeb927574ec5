package profiles

import (
	"context"
	"fmt"

	"github.com/fiffu/feedrelay/lib/discovery"
	"github.com/fiffu/feedrelay/lib/models"
)

// HandleContent parses a verified pushed payload and forwards each entry that
// passes the authorship check to the entry sink. One bad entry skips, it does
// not abort the batch.
func (r *Resolver) HandleContent(ctx context.Context, feed *models.SubscriberFeed, payload []byte) error {
	_, entries, err := discovery.ParseFeed(payload)
	if err != nil {
		return fmt.Errorf("parsing pushed content for %s: %w", feed.FeedURI, err)
	}

	profile, ok, err := r.profiles.FindByFeedURI(ctx, feed.FeedURI)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no remote profile for feed %s", feed.FeedURI)
	}

	accepted, skipped := 0, 0
	for _, entry := range entries {
		if err := r.verifyAuthorship(ctx, profile, entry.AuthorURI); err != nil {
			r.log.Sugar().Warnw("Skipping entry with authorship mismatch", "feed", feed.FeedURI, "entry", entry.ID, "err", err)
			skipped++
			continue
		}
		if r.sink != nil {
			if err := r.sink(ctx, profile, entry); err != nil {
				r.log.Sugar().Errorw("Entry sink failed", "feed", feed.FeedURI, "entry", entry.ID, "err", err)
				skipped++
				continue
			}
		}
		accepted++
	}

	r.log.Sugar().Infow("Processed pushed content", "feed", feed.FeedURI, "accepted", accepted, "skipped", skipped)
	return nil
}

// verifyAuthorship enforces that entries are really by the actor this feed
// shadows. Person feeds require the exact profile URI; group and list feeds
// carry many authors, so each one is resolved independently and must itself
// be a person (a group claiming a group as an author would allow
// impersonation through a multi-author feed).
func (r *Resolver) verifyAuthorship(ctx context.Context, profile *models.RemoteProfile, authorURI string) error {
	if profile.IsPerson() {
		// No declared author means the entry is attributed to the feed owner.
		if authorURI != "" && authorURI != profile.URI {
			return fmt.Errorf("entry author %q is not feed owner %q", authorURI, profile.URI)
		}
		return nil
	}

	if authorURI == "" {
		return fmt.Errorf("entry in %s feed has no author", profile.Kind())
	}
	author, err := r.EnsureProfileURL(ctx, authorURI)
	if err != nil {
		return fmt.Errorf("resolving entry author %q: %w", authorURI, err)
	}
	if !author.IsPerson() {
		return fmt.Errorf("entry author %q is a %s, not a person", authorURI, author.Kind())
	}
	return nil
}
