package senders

import (
	"context"
	"net/http"

	"github.com/fiffu/feedrelay/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Sender delivers operator alerts (dead-lettered deliveries, terminal
// handshake failures) on one platform.
type Sender interface {
	SendAlert(ctx context.Context, subject, body, recipient string) (string, error)
}

type Registry map[string]Sender

func NewSenderRegistry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, transport http.RoundTripper) Registry {
	base := base{log, cfg, transport}

	reg := Registry{}
	if cfg.Mailgun.Domain != "" && cfg.Mailgun.APIKey != "" {
		reg["email"] = &mailgunSender{base}
	} else {
		log.Sugar().Info("Mailgun is not configured, alerts will only be logged")
		reg["email"] = &logSender{base}
	}
	return reg
}

type base struct {
	log       *zap.Logger
	cfg       *config.Config
	transport http.RoundTripper
}

type logSender struct {
	base
}

func (s *logSender) SendAlert(ctx context.Context, subject, body, recipient string) (string, error) {
	s.log.Sugar().Warnw("Alert", "subject", subject, "body", body)
	return "", nil
}
