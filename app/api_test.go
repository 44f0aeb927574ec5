package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/fiffu/feedrelay/config"
	"github.com/fiffu/feedrelay/lib"
	"github.com/fiffu/feedrelay/lib/discovery"
	"github.com/fiffu/feedrelay/lib/dispatch"
	"github.com/fiffu/feedrelay/lib/hub"
	"github.com/fiffu/feedrelay/lib/models"
	"github.com/fiffu/feedrelay/lib/profiles"
	"github.com/fiffu/feedrelay/lib/subscriber"
	"github.com/fiffu/feedrelay/senders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeDiscoverer struct {
	results map[string]*discovery.Result
}

func (f *fakeDiscoverer) Discover(ctx context.Context, u string) (*discovery.Result, error) {
	if res, ok := f.results[u]; ok {
		return res, nil
	}
	return nil, errors.New("nothing at " + u)
}

type testHarness struct {
	router   http.Handler
	cfg      *config.Config
	feeds    *models.SubscriberFeedStore
	hubSubs  *models.HubSubscriptionStore
	profiles *models.RemoteProfileStore
}

func newHarness(t *testing.T, disco subscriber.Discoverer) *testHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.SubscriberFeed{},
		&models.HubSubscription{},
		&models.RemoteProfile{},
		&models.LocalActor{},
	))

	cfg := &config.Config{
		ServerDNS:        "http://relay.test",
		LeaseRequestSecs: 2592000,
		LeaseMinSecs:     86400,
		LeaseMaxSecs:     2592000,
		SignatureAlgos:   []string{"sha1", "sha256"},
	}
	log := zap.NewNop()

	feeds := models.NewSubscriberFeedStore(db)
	hubSubs := models.NewHubSubscriptionStore(db)
	profileStore := models.NewRemoteProfileStore(db)
	dispatcher := dispatch.New(log, 0) // synchronous, so tests observe effects immediately

	sub := subscriber.New(cfg, log, feeds, disco, http.DefaultTransport)
	hubEngine := hub.New(cfg, log, hubSubs, http.DefaultTransport, dispatcher)
	resolver := profiles.New(cfg, log, profileStore, sub, disco)

	svc := lib.NewService(nil, cfg, log, sub, hubEngine, resolver, dispatcher, hubSubs, senders.Registry{})

	return &testHarness{
		router:   Router(cfg, log, svc),
		cfg:      cfg,
		feeds:    feeds,
		hubSubs:  hubSubs,
		profiles: profileStore,
	}
}

func (h *testHarness) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newHarness(t, &fakeDiscoverer{})
	resp := h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", resp.Body.String())
}

func TestSubscribeLifecycle(t *testing.T) {
	ctx := context.Background()

	remoteHub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(remoteHub.Close)

	feedURI := "https://remote.example/alice.atom"
	aliceRes := &discovery.Result{
		TopicURI:  feedURI,
		HubURI:    remoteHub.URL,
		AuthorURI: "https://remote.example/alice",
		Title:     "Alice",
	}
	disco := &fakeDiscoverer{results: map[string]*discovery.Result{
		"https://remote.example/alice": aliceRes,
		feedURI:                        aliceRes,
	}}
	h := newHarness(t, disco)

	// Admin adds a subscription; the handshake POST goes out synchronously.
	resp := h.do(http.MethodPost, "/api/feeds/", url.Values{"url": {"https://remote.example/alice"}})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var view FeedView
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &view))
	assert.Equal(t, "subscribe", view.State)

	feed, ok, err := h.feeds.FindByURI(ctx, feedURI)
	require.NoError(t, err)
	require.True(t, ok)

	// The hub verifies intent; we echo the challenge and go active.
	resp = h.do(http.MethodGet, fmt.Sprintf("/callback/%d?hub.mode=subscribe&hub.challenge=c4fe&hub.lease_seconds=3600", feed.ID), nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "c4fe", resp.Body.String())

	feed, _, err = h.feeds.FindByURI(ctx, feedURI)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, feed.State)
	assert.True(t, feed.LeaseEnd.Valid)

	// The hub pushes signed content.
	payload := `<feed xmlns="http://www.w3.org/2005/Atom"><entry><id>p1</id><content>hi</content></entry></feed>`
	sig, err := subscriber.Sign("sha256", feed.Secret, []byte(payload))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/callback/%d", feed.ID), strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/atom+xml")
	req.Header.Set("X-Hub-Signature", sig)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	feed, _, err = h.feeds.FindByURI(ctx, feedURI)
	require.NoError(t, err)
	assert.True(t, feed.LastUpdate.Valid, "accepted push stamps the feed")
}

func TestVerifyCallbackUnknownFeed(t *testing.T) {
	h := newHarness(t, &fakeDiscoverer{})
	resp := h.do(http.MethodGet, "/callback/999?hub.mode=subscribe&hub.challenge=c4fe", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.NotContains(t, resp.Body.String(), "c4fe")
}

func TestVerifyCallbackModeMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDiscoverer{})

	feed := &models.SubscriberFeed{FeedURI: "https://remote.example/a.atom", State: models.StateActive}
	require.NoError(t, h.feeds.Insert(ctx, feed))

	// Unsubscribe verification for a feed we never asked to unsubscribe.
	resp := h.do(http.MethodGet, fmt.Sprintf("/callback/%d?hub.mode=unsubscribe&hub.challenge=c4fe", feed.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	stored, _, err := h.feeds.FindByID(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, stored.State, "refused verification leaves state alone")
}

func TestHubRequestAndPublish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDiscoverer{})

	var pushed []string
	remoteSubscriber := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(r.URL.Query().Get("hub.challenge")))
			return
		}
		pushed = append(pushed, r.Header.Get("X-Hub-Signature"))
	}))
	t.Cleanup(remoteSubscriber.Close)

	topic := h.cfg.ServerDNS + "/feeds/local.atom"
	resp := h.do(http.MethodPost, "/hub", url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {topic},
		"hub.callback": {remoteSubscriber.URL},
		"hub.secret":   {"shh"},
	})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	// Verification ran synchronously, so the registration is committed.
	reg, ok, err := h.hubSubs.FindByPair(ctx, topic, remoteSubscriber.URL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shh", reg.Secret)

	resp = h.do(http.MethodPost, "/api/publish", url.Values{
		"topic":   {topic},
		"payload": {"<feed/>"},
	})
	require.Equal(t, http.StatusAccepted, resp.Code)

	var result map[string]int
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.Equal(t, 1, result["queued"])
	require.Len(t, pushed, 1)
	assert.True(t, strings.HasPrefix(pushed[0], "sha1="), "pushes are signed with the registration secret")
}

func TestHubRequestRejectsForeignTopic(t *testing.T) {
	h := newHarness(t, &fakeDiscoverer{})
	resp := h.do(http.MethodPost, "/hub", url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {"https://elsewhere.example/feed"},
		"hub.callback": {"https://subscriber.example/cb"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHubRequestRejectsBadMode(t *testing.T) {
	h := newHarness(t, &fakeDiscoverer{})
	resp := h.do(http.MethodPost, "/hub", url.Values{
		"hub.mode":     {"dance"},
		"hub.topic":    {"http://relay.test/feeds/x"},
		"hub.callback": {"https://subscriber.example/cb"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListFeedsAndRegistrations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDiscoverer{})

	require.NoError(t, h.feeds.Insert(ctx, &models.SubscriberFeed{FeedURI: "https://a.example/f.atom", State: models.StateActive}))
	require.NoError(t, h.hubSubs.Upsert(ctx, &models.HubSubscription{Topic: "http://relay.test/t", Callback: "https://b.example/cb", Secret: "s"}))

	resp := h.do(http.MethodGet, "/api/feeds/", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var feedViews []FeedView
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &feedViews))
	require.Len(t, feedViews, 1)
	assert.Equal(t, "active", feedViews[0].State)

	resp = h.do(http.MethodGet, "/api/subscribers", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var regViews []RegistrationView
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &regViews))
	require.Len(t, regViews, 1)
	assert.True(t, regViews[0].HasSecret)
}

func TestRemoveSubscription(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDiscoverer{})

	feed := &models.SubscriberFeed{FeedURI: "https://a.example/f.atom", State: models.StateNoHub}
	require.NoError(t, h.feeds.Insert(ctx, feed))

	resp := h.do(http.MethodDelete, fmt.Sprintf("/api/feeds/%d", feed.ID), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var result map[string]bool
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.True(t, result["removed"])

	resp = h.do(http.MethodDelete, "/api/feeds/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRemoveSubscriptionStillReferenced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDiscoverer{})

	feed := &models.SubscriberFeed{FeedURI: "https://a.example/f.atom", State: models.StateActive}
	require.NoError(t, h.feeds.Insert(ctx, feed))
	require.NoError(t, h.profiles.Insert(ctx, &models.RemoteProfile{
		URI:       "https://a.example/owner",
		ProfileID: 1,
		FeedURI:   feed.FeedURI,
	}))

	resp := h.do(http.MethodDelete, fmt.Sprintf("/api/feeds/%d", feed.ID), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var result map[string]bool
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.False(t, result["removed"], "referenced feeds keep their subscription")

	stored, _, err := h.feeds.FindByID(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, stored.State)
}
