package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SubscriberFeed is one remote feed this node subscribes to. State transitions
// are driven by the subscriber engine; the record itself is never hard-deleted,
// only deactivated back to StateInactive.
type SubscriberFeed struct {
	gorm.Model
	FeedURI    string `gorm:"unique"`
	HubURI     string
	Secret     string
	State      string
	LeaseStart sql.NullTime
	LeaseEnd   sql.NullTime
	LastUpdate sql.NullTime
}

type SubscriberFeeds []*SubscriberFeed

type SubscriberFeedStore struct {
	db *gorm.DB
}

func NewSubscriberFeedStore(db *gorm.DB) *SubscriberFeedStore {
	return &SubscriberFeedStore{db}
}

func (s *SubscriberFeedStore) FindByURI(ctx context.Context, feedURI string) (*SubscriberFeed, bool, error) {
	feed := &SubscriberFeed{}
	tx := s.db.WithContext(ctx).Where("feed_uri = ?", feedURI).First(feed)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return feed, true, nil
}

func (s *SubscriberFeedStore) FindByID(ctx context.Context, id uint) (*SubscriberFeed, bool, error) {
	feed := &SubscriberFeed{}
	tx := s.db.WithContext(ctx).Where("id = ?", id).First(feed)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return feed, true, nil
}

func (s *SubscriberFeedStore) Insert(ctx context.Context, feed *SubscriberFeed) error {
	return s.db.WithContext(ctx).Create(feed).Error
}

func (s *SubscriberFeedStore) Save(ctx context.Context, feed *SubscriberFeed) error {
	return s.db.WithContext(ctx).Save(feed).Error
}

// FindExpiringWithin returns feeds whose lease lapses before now+window.
// Records with a NULL lease end (permanent leases) are never returned.
func (s *SubscriberFeedStore) FindExpiringWithin(ctx context.Context, now time.Time, window time.Duration) (SubscriberFeeds, error) {
	cutoff := now.Add(window)

	var feeds SubscriberFeeds
	tx := s.db.WithContext(ctx).
		Where("lease_end IS NOT NULL").
		Where("lease_end <= ?", cutoff).
		Find(&feeds)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return feeds, nil
}

func (s *SubscriberFeedStore) All(ctx context.Context) (SubscriberFeeds, error) {
	var feeds SubscriberFeeds
	tx := s.db.WithContext(ctx).Find(&feeds)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return feeds, nil
}
