package models

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SubscriberFeed{}, &HubSubscription{}, &RemoteProfile{}, &LocalActor{}))
	return db
}

func TestHashKey(t *testing.T) {
	k1 := HashKey("https://example.com/feed", "https://sub.example/cb")
	k2 := HashKey("https://example.com/feed", "https://sub.example/cb")
	assert.Equal(t, k1, k2, "same inputs must yield the same key")

	assert.NotEqual(t, k1, HashKey("https://example.com/other", "https://sub.example/cb"))
	assert.NotEqual(t, k1, HashKey("https://example.com/feed", "https://other.example/cb"))
}

func TestHubSubscriptionRekeyOnSave(t *testing.T) {
	ctx := context.Background()
	store := NewHubSubscriptionStore(newTestDB(t))

	sub := &HubSubscription{
		Topic:    "https://example.com/feed",
		Callback: "http://sub.example/cb",
	}
	require.NoError(t, store.Upsert(ctx, sub))
	assert.Equal(t, HashKey(sub.Topic, sub.Callback), sub.HashKey)

	sub.Callback = "https://sub.example/cb"
	require.NoError(t, store.Save(ctx, sub))

	found, ok, err := store.FindByPair(ctx, sub.Topic, "https://sub.example/cb")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, HashKey(sub.Topic, "https://sub.example/cb"), found.HashKey)

	_, ok, err = store.FindByPair(ctx, sub.Topic, "http://sub.example/cb")
	require.NoError(t, err)
	assert.False(t, ok, "old key must no longer resolve")
}

func TestHubSubscriptionUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewHubSubscriptionStore(newTestDB(t))

	first := &HubSubscription{Topic: "https://example.com/feed", Callback: "https://sub.example/cb", Secret: "s1"}
	require.NoError(t, store.Upsert(ctx, first))

	second := &HubSubscription{Topic: "https://example.com/feed", Callback: "https://sub.example/cb", Secret: "s2"}
	require.NoError(t, store.Upsert(ctx, second))
	assert.Equal(t, first.ID, second.ID, "upsert must reuse the existing row")

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "s2", all[0].Secret)
}

func TestFindExpiringWithin(t *testing.T) {
	ctx := context.Background()
	store := NewSubscriberFeedStore(newTestDB(t))
	now := time.Now().UTC()

	soon := &SubscriberFeed{
		FeedURI:  "https://example.com/soon",
		State:    StateActive,
		LeaseEnd: sql.NullTime{Time: now.Add(12 * time.Hour), Valid: true},
	}
	later := &SubscriberFeed{
		FeedURI:  "https://example.com/later",
		State:    StateActive,
		LeaseEnd: sql.NullTime{Time: now.Add(10 * 24 * time.Hour), Valid: true},
	}
	permanent := &SubscriberFeed{
		FeedURI: "https://example.com/permanent",
		State:   StateActive,
	}
	for _, feed := range []*SubscriberFeed{soon, later, permanent} {
		require.NoError(t, store.Insert(ctx, feed))
	}

	expiring, err := store.FindExpiringWithin(ctx, now, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "https://example.com/soon", expiring[0].FeedURI)
}

func TestRemoteProfileShadowInvariant(t *testing.T) {
	ctx := context.Background()
	store := NewRemoteProfileStore(newTestDB(t))

	err := store.Insert(ctx, &RemoteProfile{URI: "https://example.com/u/none"})
	assert.Error(t, err, "a profile with no shadow must be rejected")

	err = store.Insert(ctx, &RemoteProfile{URI: "https://example.com/u/both", ProfileID: 1, GroupID: 2})
	assert.Error(t, err, "a profile with two shadows must be rejected")

	err = store.Insert(ctx, &RemoteProfile{URI: "https://example.com/u/ok", ProfileID: 1, FeedURI: "https://example.com/u/ok/feed"})
	assert.NoError(t, err)

	n, err := store.CountByFeedURI(ctx, "https://example.com/u/ok/feed")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestListActiveByTopic(t *testing.T) {
	ctx := context.Background()
	store := NewHubSubscriptionStore(newTestDB(t))
	now := time.Now().UTC()

	live := &HubSubscription{
		Topic:    "https://local.example/feed",
		Callback: "https://a.example/cb",
		LeaseEnd: sql.NullTime{Time: now.Add(time.Hour), Valid: true},
	}
	lapsed := &HubSubscription{
		Topic:    "https://local.example/feed",
		Callback: "https://b.example/cb",
		LeaseEnd: sql.NullTime{Time: now.Add(-time.Hour), Valid: true},
	}
	require.NoError(t, store.Upsert(ctx, live))
	require.NoError(t, store.Upsert(ctx, lapsed))

	active, err := store.ListActiveByTopic(ctx, "https://local.example/feed", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "https://a.example/cb", active[0].Callback)
}
