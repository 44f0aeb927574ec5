// Package discovery resolves a URL to the endpoints the subscription protocol
// needs: the canonical feed (topic) URI, the hub that publishes it, and the
// salmon/notify endpoint for replies.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/carlmjohnson/requests"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Result is everything discovery could learn about a URL. Fields are empty
// when the remote document does not advertise them.
type Result struct {
	TopicURI  string
	HubURI    string
	SalmonURI string
	AuthorURI string
	Title     string
	AvatarURL string
}

type Engine struct {
	log       *zap.Logger
	transport http.RoundTripper
}

func NewEngine(lc fx.Lifecycle, log *zap.Logger, transport http.RoundTripper) *Engine {
	return New(log, transport)
}

func New(log *zap.Logger, transport http.RoundTripper) *Engine {
	return &Engine{log, transport}
}

// Discover fetches url and extracts feed endpoints from it. An HTML page that
// advertises a feed via <link rel="alternate"> is followed one level to the
// feed itself, whose rels win over the page's.
func (e *Engine) Discover(ctx context.Context, url string) (*Result, error) {
	body, err := e.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	if looksLikeFeed(body) {
		res, _, err := ParseFeed([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("parsing feed at %s: %w", url, err)
		}
		if res.TopicURI == "" {
			res.TopicURI = url
		}
		return res, nil
	}

	doc, err := htmlquery.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing page at %s: %w", url, err)
	}
	res := extractFromHTML(doc)
	if res.TopicURI == "" {
		return nil, fmt.Errorf("no feed advertised at %s", url)
	}

	feedRes, err := e.discoverFeed(ctx, res.TopicURI)
	if err != nil {
		e.log.Sugar().Infow("Feed advertised by page could not be read, keeping page rels", "page", url, "feed", res.TopicURI, "err", err)
		return res, nil
	}

	merged := *feedRes
	if merged.HubURI == "" {
		merged.HubURI = res.HubURI
	}
	if merged.SalmonURI == "" {
		merged.SalmonURI = res.SalmonURI
	}
	if merged.Title == "" {
		merged.Title = res.Title
	}
	if merged.AvatarURL == "" {
		merged.AvatarURL = res.AvatarURL
	}
	return &merged, nil
}

func (e *Engine) discoverFeed(ctx context.Context, feedURL string) (*Result, error) {
	body, err := e.fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	res, _, err := ParseFeed([]byte(body))
	if err != nil {
		return nil, err
	}
	if res.TopicURI == "" {
		res.TopicURI = feedURL
	}
	return res, nil
}

func (e *Engine) fetch(ctx context.Context, url string) (string, error) {
	var body string
	err := requests.URL(url).
		Transport(e.transport).
		ToString(&body).
		Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	return body, nil
}
