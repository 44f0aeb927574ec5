package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"
)

// HubSubscription is one remote subscriber's registration against a local
// topic, held while this node acts as the hub.
type HubSubscription struct {
	gorm.Model
	HashKey    string `gorm:"unique"`
	Topic      string `gorm:"index:idx_topic_callback"` // Composite index on topic & callback
	Callback   string `gorm:"index:idx_topic_callback"`
	Secret     string
	LeaseStart sql.NullTime
	LeaseEnd   sql.NullTime
}

type HubSubscriptions []*HubSubscription

// BeforeSave keeps HashKey in sync with the natural key, so a callback
// rewrite (the http→https upgrade) re-keys the row in the same write.
func (h *HubSubscription) BeforeSave(tx *gorm.DB) error {
	h.HashKey = HashKey(h.Topic, h.Callback)
	return nil
}

type HubSubscriptionStore struct {
	db *gorm.DB
}

func NewHubSubscriptionStore(db *gorm.DB) *HubSubscriptionStore {
	return &HubSubscriptionStore{db}
}

func (s *HubSubscriptionStore) FindByPair(ctx context.Context, topic, callback string) (*HubSubscription, bool, error) {
	sub := &HubSubscription{}
	tx := s.db.WithContext(ctx).Where("hash_key = ?", HashKey(topic, callback)).First(sub)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// Upsert writes sub keyed by (topic, callback): the existing row is updated
// in place if one exists, otherwise a new row is inserted.
func (s *HubSubscriptionStore) Upsert(ctx context.Context, sub *HubSubscription) error {
	existing, ok, err := s.FindByPair(ctx, sub.Topic, sub.Callback)
	if err != nil {
		return err
	}
	if ok {
		existing.Secret = sub.Secret
		existing.LeaseStart = sub.LeaseStart
		existing.LeaseEnd = sub.LeaseEnd
		*sub = *existing
		return s.db.WithContext(ctx).Save(existing).Error
	}
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *HubSubscriptionStore) Save(ctx context.Context, sub *HubSubscription) error {
	return s.db.WithContext(ctx).Save(sub).Error
}

func (s *HubSubscriptionStore) Delete(ctx context.Context, sub *HubSubscription) error {
	return s.db.WithContext(ctx).Unscoped().Delete(sub).Error
}

func (s *HubSubscriptionStore) ListByTopic(ctx context.Context, topic string) (HubSubscriptions, error) {
	var subs HubSubscriptions
	tx := s.db.WithContext(ctx).Where("topic = ?", topic).Find(&subs)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// ListActiveByTopic returns registrations whose lease has not lapsed. Expired
// registrations are left in place (the subscriber may still renew) but no
// longer receive pushes.
func (s *HubSubscriptionStore) ListActiveByTopic(ctx context.Context, topic string, now time.Time) (HubSubscriptions, error) {
	var subs HubSubscriptions
	tx := s.db.WithContext(ctx).
		Where("topic = ?", topic).
		Where("lease_end IS NULL OR lease_end > ?", now).
		Find(&subs)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *HubSubscriptionStore) All(ctx context.Context) (HubSubscriptions, error) {
	var subs HubSubscriptions
	tx := s.db.WithContext(ctx).Find(&subs)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return subs, nil
}
