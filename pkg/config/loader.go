package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Load populates cfg from environment variables according to its `env` tags.
// Defaults come from `envDefault` tags, so a zero-configuration start works
// in development.
//
// Example:
//
//	type Config struct {
//	    Port          int           `env:"HTTP_PORT" envDefault:"8080"`
//	    GatewayDriver string        `env:"GATEWAY_DRIVER" envDefault:"wechat"`
//	    LockTTL       time.Duration `env:"REFUND_LOCK_TTL" envDefault:"30s"`
//	}
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
