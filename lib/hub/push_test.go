package hub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fiffu/feedrelay/config"
	"github.com/fiffu/feedrelay/lib/dispatch"
	"github.com/fiffu/feedrelay/lib/models"
	"github.com/fiffu/feedrelay/lib/subscriber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPushDeliversSignedPayload(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	payload := []byte("<feed><entry/></feed>")

	var gotBody []byte
	var gotType, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotType = r.Header.Get("Content-Type")
		gotSig = r.Header.Get("X-Hub-Signature")
	}))
	t.Cleanup(srv.Close)

	sub := &models.HubSubscription{Topic: "https://local.example/feed", Callback: srv.URL, Secret: "shh"}
	require.NoError(t, engine.Push(ctx, sub, payload))

	assert.Equal(t, payload, gotBody)
	assert.Equal(t, "application/atom+xml", gotType)
	require.NoError(t, subscriber.ValidateSignature(gotSig, "shh", payload, []string{"sha1"}))
}

func TestPushNoSecretOmitsSignature(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	var sigHeaderSet bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sigHeaderSet = r.Header["X-Hub-Signature"]
	}))
	t.Cleanup(srv.Close)

	sub := &models.HubSubscription{Topic: "https://local.example/feed", Callback: srv.URL}
	require.NoError(t, engine.Push(ctx, sub, []byte("payload")))
	assert.False(t, sigHeaderSet)
}

func TestPushFailoverDropsStaleHTTPRow(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	httpsURL := "https://" + strings.TrimPrefix(srv.URL, "http://")

	stale := &models.HubSubscription{Topic: "https://local.example/feed", Callback: srv.URL}
	require.NoError(t, store.Upsert(ctx, stale))
	sibling := &models.HubSubscription{Topic: stale.Topic, Callback: httpsURL}
	require.NoError(t, store.Upsert(ctx, sibling))

	require.NoError(t, engine.Push(ctx, stale, []byte("payload")))

	assert.Equal(t, 1, attempts, "sibling short-circuits the https retry")
	_, ok, err := store.FindByPair(ctx, stale.Topic, srv.URL)
	require.NoError(t, err)
	assert.False(t, ok, "stale http registration must be dropped")
	_, ok, err = store.FindByPair(ctx, stale.Topic, httpsURL)
	require.NoError(t, err)
	assert.True(t, ok, "sibling registration survives")
}

func TestPushRefusedHTTPSCallback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		w.Write([]byte("no longer here"))
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{LeaseMinSecs: 86400, LeaseMaxSecs: 2592000}
	engine := New(cfg, zap.NewNop(), store, srv.Client().Transport, dispatch.New(zap.NewNop(), 0))

	sub := &models.HubSubscription{Topic: "https://local.example/feed", Callback: srv.URL}
	err := engine.Push(ctx, sub, []byte("payload"))

	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, http.StatusGone, derr.Status)
	assert.Equal(t, "no longer here", derr.Body)
}

func TestBulkDistribute(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	var delivered int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered++
	}))
	t.Cleanup(srv.Close)

	topic := "https://local.example/feed"
	require.NoError(t, store.Upsert(ctx, &models.HubSubscription{Topic: topic, Callback: srv.URL}))

	assert.False(t, engine.BulkDistribute(ctx, topic, []byte("p"), nil))
	assert.Equal(t, 0, delivered)

	// Unknown callbacks are skipped; the known one is delivered synchronously
	// because the test dispatcher has no workers.
	ok := engine.BulkDistribute(ctx, topic, []byte("p"), []string{srv.URL, "https://nowhere.example/cb"})
	assert.True(t, ok)
	assert.Equal(t, 1, delivered)
}
