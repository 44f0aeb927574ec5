package app

import (
	"database/sql"
	"time"

	"github.com/fiffu/feedrelay/lib/models"
)

type FeedView struct {
	ID         uint    `json:"id"`
	FeedURI    string  `json:"feed_uri"`
	HubURI     string  `json:"hub_uri"`
	State      string  `json:"state"`
	LeaseStart *string `json:"lease_start"`
	LeaseEnd   *string `json:"lease_end"`
	LastUpdate *string `json:"last_update"`
}

func (view FeedView) From(entity *models.SubscriberFeed) FeedView {
	state := entity.State
	if state == models.StateInactive {
		state = "inactive"
	}
	return FeedView{
		ID:         entity.ID,
		FeedURI:    entity.FeedURI,
		HubURI:     entity.HubURI,
		State:      state,
		LeaseStart: isoformat(entity.LeaseStart),
		LeaseEnd:   isoformat(entity.LeaseEnd),
		LastUpdate: isoformat(entity.LastUpdate),
	}
}

type RegistrationView struct {
	ID         uint    `json:"id"`
	Topic      string  `json:"topic"`
	Callback   string  `json:"callback"`
	HasSecret  bool    `json:"has_secret"`
	LeaseStart *string `json:"lease_start"`
	LeaseEnd   *string `json:"lease_end"`
}

func (view RegistrationView) From(entity *models.HubSubscription) RegistrationView {
	return RegistrationView{
		ID:         entity.ID,
		Topic:      entity.Topic,
		Callback:   entity.Callback,
		HasSecret:  entity.Secret != "",
		LeaseStart: isoformat(entity.LeaseStart),
		LeaseEnd:   isoformat(entity.LeaseEnd),
	}
}

type Fromable[Entity any, Repr any] interface {
	From(Entity) Repr
}

func FromMany[U Fromable[T, U], T any](elems []T) []U {
	out := make([]U, len(elems))
	for i, t := range elems {
		var u U
		out[i] = u.From(t)
	}
	return out
}

func isoformat(t sql.NullTime) *string {
	if t.Valid {
		s := t.Time.UTC().Format(time.RFC3339)
		return &s
	}
	return nil
}
