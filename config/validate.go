package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints with struct tags first, then the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return ErrShutdownTimeoutInvalid
	}
	if c.Relay.MonitorInterval <= 0 {
		return ErrMonitorIntervalInvalid
	}
	if c.Relay.KillGrace < 0 {
		return ErrKillGraceInvalid
	}
	if u, err := url.Parse(c.Relay.MediaServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return ErrMediaServerURLInvalid
	}
	if c.Drone.ReconnectDelay <= 0 {
		return ErrReconnectDelayInvalid
	}
	if c.Drone.DialTimeout <= 0 {
		return ErrDialTimeoutInvalid
	}
	if c.Redis.TTL < time.Second {
		return ErrRedisTTLInvalid
	}
	if c.Store.Backend == "badger" && c.Store.Path == "" {
		return ErrStorePathMissing
	}
	return nil
}
