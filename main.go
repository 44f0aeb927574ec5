package main

import (
	"net/http"
	"os"
	"time"

	"github.com/fiffu/feedrelay/app"
	"github.com/fiffu/feedrelay/config"
	"github.com/fiffu/feedrelay/lib"
	"github.com/fiffu/feedrelay/lib/discovery"
	"github.com/fiffu/feedrelay/lib/dispatch"
	"github.com/fiffu/feedrelay/lib/hub"
	"github.com/fiffu/feedrelay/lib/profiles"
	"github.com/fiffu/feedrelay/lib/subscriber"
	"github.com/fiffu/feedrelay/senders"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger() (*zap.Logger, error) {
	switch os.Getenv("ENVIRONMENT") {
	default:
		return zap.NewDevelopment()

	case "production":
		logCfg := zap.NewProductionConfig()
		logCfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			t = t.UTC()
			zapcore.ISO8601TimeEncoder(t, enc)
		}
		return logCfg.Build()
	}
}

func main() {
	fx.New(
		fx.Provide(config.NewConfig),
		fx.Provide(NewLogger),

		fx.Provide(senders.NewSenderRegistry),

		fx.Provide(app.NewDatabase),
		fx.Provide(app.NewTransport),
		fx.Provide(app.NewSubscriberFeedStore),
		fx.Provide(app.NewHubSubscriptionStore),
		fx.Provide(app.NewRemoteProfileStore),

		fx.Provide(dispatch.NewDispatcher),
		fx.Provide(discovery.NewEngine),
		fx.Provide(subscriber.NewEngine),
		fx.Provide(hub.NewEngine),
		fx.Provide(profiles.NewResolver),

		fx.Provide(lib.NewService),
		fx.Provide(app.NewAPI),

		fx.Invoke(func(*http.Server) {}),
	).Run()
}
