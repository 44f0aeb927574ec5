package app

import (
	"github.com/fiffu/feedrelay/lib/models"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func NewDatabase(lc fx.Lifecycle, log *zap.Logger) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("feedrelay.sqlite"), &gorm.Config{})
	if err != nil {
		log.Sugar().Panic("failed to connect database", "err", err)
	}
	log.Info("Database started")

	log.Info("Starting migrations")
	db.AutoMigrate(
		&models.SubscriberFeed{},
		&models.HubSubscription{},
		&models.RemoteProfile{},
		&models.LocalActor{},
	)
	return db
}

func NewSubscriberFeedStore(db *gorm.DB) *models.SubscriberFeedStore {
	return models.NewSubscriberFeedStore(db)
}

func NewHubSubscriptionStore(db *gorm.DB) *models.HubSubscriptionStore {
	return models.NewHubSubscriptionStore(db)
}

func NewRemoteProfileStore(db *gorm.DB) *models.RemoteProfileStore {
	return models.NewRemoteProfileStore(db)
}
