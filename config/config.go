package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Env            string `env:"ENVIRONMENT"`
	ServerPort     int    `env:"SERVER_PORT" envDefault:"8080"`
	ServerDNS      string `env:"SERVER_DNS" envDefault:"http://localhost:8080"`
	BasicAuthCreds string `env:"BASIC_AUTH_CREDS"`

	// Subscriber-side knobs.
	FallbackHubURL   string `env:"FALLBACK_HUB_URL"`
	PollingEnabled   bool   `env:"POLLING_ENABLED"`
	LeaseRequestSecs int    `env:"LEASE_REQUEST_SECS" envDefault:"2592000"` // 30 days

	// Hub-side knobs.
	LeaseMinSecs int `env:"LEASE_MIN_SECS" envDefault:"86400"`   // 1 day
	LeaseMaxSecs int `env:"LEASE_MAX_SECS" envDefault:"2592000"` // 30 days

	VerifyRetries   int `env:"VERIFY_RETRIES" envDefault:"3"`
	PushRetries     int `env:"PUSH_RETRIES" envDefault:"2"`
	DispatchWorkers int `env:"DISPATCH_WORKERS" envDefault:"5"`

	// Signature algorithms accepted on inbound pushes. Empty means any
	// algorithm the signature engine knows.
	SignatureAlgos []string `env:"SIGNATURE_ALGOS" envSeparator:","`

	Mailgun struct {
		Domain         string `env:"MAILGUN_DOMAIN"`
		APIKey         string `env:"MAILGUN_API_KEY"`
		SenderFrom     string `env:"MAILGUN_SENDER_FROM"`
		AlertRecipient string `env:"MAILGUN_ALERT_RECIPIENT"`
		TimeoutSecs    int    `env:"MAILGUN_TIMEOUT_SECS" envDefault:"10"`
	}

	log   *zap.Logger
	creds map[string]string
}

func NewConfig(lc fx.Lifecycle, log *zap.Logger) *Config {
	cfg := &Config{log: log}
	env.Parse(cfg)

	creds, err := cfg.parseCreds()
	if err != nil {
		if cfg.Env != "production" {
			cfg.log.Sugar().Infof("%s (admin routes will be unauthenticated)", err)
		} else {
			cfg.log.Sugar().Panic(err)
		}
	}
	cfg.creds = creds

	if cfg.LeaseMinSecs > cfg.LeaseMaxSecs {
		cfg.log.Sugar().Panicf("LEASE_MIN_SECS %d exceeds LEASE_MAX_SECS %d", cfg.LeaseMinSecs, cfg.LeaseMaxSecs)
	}

	return cfg
}

func (cfg *Config) GetCreds() map[string]string {
	return cfg.creds
}

func (cfg *Config) LeaseRequest() time.Duration {
	return time.Duration(cfg.LeaseRequestSecs) * time.Second
}

func (cfg *Config) LeaseMin() time.Duration {
	return time.Duration(cfg.LeaseMinSecs) * time.Second
}

func (cfg *Config) LeaseMax() time.Duration {
	return time.Duration(cfg.LeaseMaxSecs) * time.Second
}

func (cfg *Config) parseCreds() (map[string]string, error) {
	if cfg.BasicAuthCreds == "" {
		return nil, errors.New("BASIC_AUTH_CREDS envvar must be populated")
	}

	creds := strings.Split(cfg.BasicAuthCreds, ",")
	if len(creds) == 0 {
		return nil, errors.New("BASIC_AUTH_CREDS envvar should be filled with comma-separated values -- user1:pass1,user2:pass2")
	}

	result := make(map[string]string)
	for _, cred := range creds {
		userPass := strings.Split(cred, ":")
		if len(userPass) != 2 {
			return nil, fmt.Errorf("failed to parse '%s', each credential should be delimited by a colon -- user1:pass1,user2:pass2", cred)
		}

		user, pass := userPass[0], userPass[1]
		result[strings.Trim(user, " ")] = strings.Trim(pass, " ")
	}

	return result, nil
}
