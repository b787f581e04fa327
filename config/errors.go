package config

import "errors"

var (
	ErrNilConfig              = errors.New("config is nil")
	ErrMonitorIntervalInvalid = errors.New("relay monitor interval must be > 0")
	ErrKillGraceInvalid       = errors.New("relay kill grace must be >= 0")
	ErrMediaServerURLInvalid  = errors.New("relay media server url must be an absolute url")
	ErrReconnectDelayInvalid  = errors.New("drone reconnect delay must be > 0")
	ErrDialTimeoutInvalid     = errors.New("drone dial timeout must be > 0")
	ErrRedisTTLInvalid        = errors.New("redis ttl must be >= 1s")
	ErrStorePathMissing       = errors.New("store path is required for the badger backend")
	ErrShutdownTimeoutInvalid = errors.New("server shutdown timeout must be > 0")
	ErrValidationFailed       = errors.New("config validation failed")
)

