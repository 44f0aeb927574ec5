package models

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// RemoteProfile shadows one remote actor locally. Exactly one of ProfileID,
// GroupID, ListID is non-zero.
type RemoteProfile struct {
	gorm.Model
	URI       string `gorm:"unique"`
	ProfileID uint   `gorm:"index"`
	GroupID   uint   `gorm:"index"`
	ListID    uint   `gorm:"index"`
	FeedURI   string `gorm:"index"`
	NotifyURI string
	AvatarURL string
}

type RemoteProfiles []*RemoteProfile

const (
	ActorPerson = "person"
	ActorGroup  = "group"
	ActorList   = "list"
)

func (p *RemoteProfile) IsPerson() bool { return p.ProfileID != 0 }
func (p *RemoteProfile) IsGroup() bool  { return p.GroupID != 0 }
func (p *RemoteProfile) IsList() bool   { return p.ListID != 0 }

func (p *RemoteProfile) Kind() string {
	switch {
	case p.IsGroup():
		return ActorGroup
	case p.IsList():
		return ActorList
	default:
		return ActorPerson
	}
}

// BeforeSave enforces the one-shadow-per-profile invariant.
func (p *RemoteProfile) BeforeSave(tx *gorm.DB) error {
	set := 0
	for _, id := range []uint{p.ProfileID, p.GroupID, p.ListID} {
		if id != 0 {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("remote profile %s must map to exactly one local shadow, has %d", p.URI, set)
	}
	return nil
}

// LocalActor is the minimal local shadow a RemoteProfile points at. Full
// account management belongs to the host application.
type LocalActor struct {
	gorm.Model
	Kind        string
	DisplayName string
	AvatarURL   string
}

type RemoteProfileStore struct {
	db *gorm.DB
}

func NewRemoteProfileStore(db *gorm.DB) *RemoteProfileStore {
	return &RemoteProfileStore{db}
}

func (s *RemoteProfileStore) FindByURI(ctx context.Context, uri string) (*RemoteProfile, bool, error) {
	profile := &RemoteProfile{}
	tx := s.db.WithContext(ctx).Where("uri = ?", uri).First(profile)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

func (s *RemoteProfileStore) FindByFeedURI(ctx context.Context, feedURI string) (*RemoteProfile, bool, error) {
	profile := &RemoteProfile{}
	tx := s.db.WithContext(ctx).Where("feed_uri = ?", feedURI).First(profile)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

func (s *RemoteProfileStore) Insert(ctx context.Context, profile *RemoteProfile) error {
	return s.db.WithContext(ctx).Create(profile).Error
}

func (s *RemoteProfileStore) Save(ctx context.Context, profile *RemoteProfile) error {
	return s.db.WithContext(ctx).Save(profile).Error
}

func (s *RemoteProfileStore) Delete(ctx context.Context, profile *RemoteProfile) error {
	return s.db.WithContext(ctx).Unscoped().Delete(profile).Error
}

// CountByFeedURI is the baseline "is anyone still interested" signal: the
// number of shadow profiles attached to the feed.
func (s *RemoteProfileStore) CountByFeedURI(ctx context.Context, feedURI string) (int64, error) {
	var n int64
	tx := s.db.WithContext(ctx).Model(&RemoteProfile{}).Where("feed_uri = ?", feedURI).Count(&n)
	return n, tx.Error
}

func (s *RemoteProfileStore) InsertActor(ctx context.Context, actor *LocalActor) error {
	return s.db.WithContext(ctx).Create(actor).Error
}
