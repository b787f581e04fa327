// Package config defines the runtime configuration for the relay server.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables. A .env file in the working directory is
// loaded into the environment before the env layer is read.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"drone-relay-server/logging"
)

// Config is the top-level configuration.
type Config struct {
	Server ServerConfig   `koanf:"server"`
	Relay  RelayConfig    `koanf:"relay"`
	Drone  DroneConfig    `koanf:"drone"`
	Hub    HubConfig      `koanf:"hub"`
	Redis  RedisConfig    `koanf:"redis"`
	Store  StoreConfig    `koanf:"store"`
	WS     WSConfig       `koanf:"ws"`
	Log    logging.Config `koanf:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigin      string        `koanf:"cors_origin"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RelayConfig configures the ffmpeg relays and their monitor.
type RelayConfig struct {
	// FFmpegPath is the transcoder binary.
	FFmpegPath string `koanf:"ffmpeg_path" validate:"required"`

	// MediaServerURL is the RTMP base that relays publish to; the drone id
	// is appended as the stream key.
	MediaServerURL string `koanf:"media_server_url" validate:"required"`

	// MonitorInterval is how often dead relays are restarted.
	MonitorInterval time.Duration `koanf:"monitor_interval"`

	// KillGrace is how long a SIGTERMed relay may linger before SIGKILL.
	KillGrace time.Duration `koanf:"kill_grace"`
}

// DestinationFor returns the relay target for a drone id.
func (r RelayConfig) DestinationFor(droneID string) string {
	return strings.TrimRight(r.MediaServerURL, "/") + "/" + url.PathEscape(droneID)
}

// DroneConfig configures outbound drone telemetry links.
type DroneConfig struct {
	// ReconnectDelay is the fixed wait after a mid-stream read error.
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`

	// MaxReconnects caps consecutive reconnect attempts. Zero disables
	// reconnection.
	MaxReconnects int `koanf:"max_reconnects" validate:"min=0"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// HubConfig configures the telemetry fan-out.
type HubConfig struct {
	Capacity int `koanf:"capacity" validate:"min=1"`
}

// RedisConfig configures the GPS cache.
type RedisConfig struct {
	Addr     string        `koanf:"addr" validate:"required"`
	Username string        `koanf:"username"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db" validate:"min=0"`
	TTL      time.Duration `koanf:"ttl"`
}

// StoreConfig configures the badger record store.
type StoreConfig struct {
	// Backend is badger or memory.
	Backend string `koanf:"backend" validate:"oneof=badger memory"`
	Path    string `koanf:"path"`
}

// WSConfig configures telemetry WebSocket sessions.
type WSConfig struct {
	// UpdateRate is the sustained gps_update rate allowed per session.
	UpdateRate float64 `koanf:"update_rate" validate:"gt=0"`
	// UpdateBurst is the limiter burst size.
	UpdateBurst int `koanf:"update_burst" validate:"min=1"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5123,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigin:      "*",
		},
		Relay: RelayConfig{
			FFmpegPath:      "ffmpeg",
			MediaServerURL:  "rtmp://localhost:1935/live",
			MonitorInterval: 30 * time.Second,
			KillGrace:       5 * time.Second,
		},
		Drone: DroneConfig{
			ReconnectDelay: 5 * time.Second,
			MaxReconnects:  12,
			DialTimeout:    10 * time.Second,
		},
		Hub: HubConfig{
			Capacity: 100,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  time.Hour,
		},
		Store: StoreConfig{
			Backend: "badger",
			Path:    "./data",
		},
		WS: WSConfig{
			UpdateRate:  10,
			UpdateBurst: 20,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}
