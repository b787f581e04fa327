package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/drone-relay/config.yaml",
}

// envMappings maps environment variable names to koanf paths.
var envMappings = map[string]string{
	"http_host":              "server.host",
	"http_port":              "server.port",
	"shutdown_timeout":       "server.shutdown_timeout",
	"cors_origin":            "server.cors_origin",
	"ffmpeg_path":            "relay.ffmpeg_path",
	"media_server_url":       "relay.media_server_url",
	"relay_monitor_interval": "relay.monitor_interval",
	"relay_kill_grace":       "relay.kill_grace",
	"drone_reconnect_delay":  "drone.reconnect_delay",
	"drone_max_reconnects":   "drone.max_reconnects",
	"drone_dial_timeout":     "drone.dial_timeout",
	"hub_capacity":           "hub.capacity",
	"redis_addr":             "redis.addr",
	"redis_username":         "redis.username",
	"redis_password":         "redis.password",
	"redis_db":               "redis.db",
	"redis_ttl":              "redis.ttl",
	"store_backend":          "store.backend",
	"store_path":             "store.path",
	"ws_update_rate":         "ws.update_rate",
	"ws_update_burst":        "ws.update_burst",
	"log_level":              "log.level",
	"log_format":             "log.format",
	"log_caller":             "log.caller",
}

// LoadOptions tune Load.
type LoadOptions struct {
	// Path is an explicit config file. Missing explicit files are an error.
	Path string

	// DotEnv lists .env files to load; nil means ".env" if present.
	DotEnv []string
}

// Load builds the configuration: defaults, then the YAML file, then env.
func Load(opts LoadOptions) (*Config, error) {
	if err := loadDotEnv(opts.DotEnv); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := opts.Path
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(paths []string) error {
	if paths == nil {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps HTTP_PORT to server.port and drops unknown variables.
func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}
