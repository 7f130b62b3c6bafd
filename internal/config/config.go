// Package config loads the broker's configuration through a layered
// koanf stack: built-in defaults, an optional YAML file, environment
// variables (PUSHERBROKER_* ), and finally CLI flags, each layer
// overriding the one before it.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// AppConfig declares one tenant application, loaded into a
// StaticRegistry at startup.
type AppConfig struct {
	ID                    string   `koanf:"id"`
	Key                   string   `koanf:"key"`
	Secret                string   `koanf:"secret"`
	Name                  string   `koanf:"name"`
	Capacity              *int     `koanf:"capacity"`
	ClientMessagesEnabled bool     `koanf:"client_messages_enabled"`
	StatisticsEnabled     bool     `koanf:"statistics_enabled"`
	AllowedOrigins        []string `koanf:"allowed_origins"`
}

// Config is the fully resolved broker configuration.
type Config struct {
	Listen string      `koanf:"listen"`
	Apps   []AppConfig `koanf:"apps"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	Gateway struct {
		SendQueueDepth  int           `koanf:"send_queue_depth"`
		PingPeriod      time.Duration `koanf:"ping_period"`
		PongWait        time.Duration `koanf:"pong_wait"`
		RateLimitRPS    float64       `koanf:"rate_limit_rps"`
		RateLimitBurst  int           `koanf:"rate_limit_burst"`
		MaxMessageBytes int64         `koanf:"max_message_bytes"`
	} `koanf:"gateway"`

	Statistics struct {
		Enabled  bool          `koanf:"enabled"`
		Interval time.Duration `koanf:"interval"`
		JSONPath string        `koanf:"json_path"`
	} `koanf:"statistics"`

	BroadcastControl struct {
		Enabled    bool   `koanf:"enabled"`
		SocketPath string `koanf:"socket_path"`
	} `koanf:"broadcast_control"`

	RestartMarker struct {
		Enabled    bool          `koanf:"enabled"`
		Path       string        `koanf:"path"`
		CheckEvery time.Duration `koanf:"check_every"`
	} `koanf:"restart_marker"`

	AdminAPI struct {
		Enabled bool   `koanf:"enabled"`
		Listen  string `koanf:"listen"`
	} `koanf:"admin_api"`

	Replication struct {
		Enabled bool     `koanf:"enabled"`
		URLs    []string `koanf:"urls"`
		NodeID  string   `koanf:"node_id"`
	} `koanf:"replication"`

	HandlerResolver struct {
		DisableCache bool `koanf:"disable_cache"`
	} `koanf:"handler_resolver"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen":                       ":8080",
		"log.level":                    "info",
		"log.format":                   "json",
		"gateway.send_queue_depth":     256,
		"gateway.ping_period":          "30s",
		"gateway.pong_wait":            "60s",
		"gateway.rate_limit_rps":       50,
		"gateway.rate_limit_burst":     100,
		"gateway.max_message_bytes":    65536,
		"statistics.enabled":           true,
		"statistics.interval":         "10s",
		"statistics.json_path":         "",
		"broadcast_control.enabled":    false,
		"broadcast_control.socket_path": "/var/run/pusherbroker/control.sock",
		"restart_marker.enabled":       false,
		"restart_marker.path":         "/var/lib/pusherbroker/restart.marker",
		"restart_marker.check_every":  "10s",
		"admin_api.enabled":            false,
		"admin_api.listen":            ":9009",
		"replication.enabled":          false,
		"handler_resolver.disable_cache": false,
	}
}

// Load resolves Config from defaults, an optional YAML file at
// filePath (skipped if empty or missing), PUSHERBROKER_-prefixed
// environment variables, and flags, in that order of precedence.
func Load(filePath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	envProvider := env.Provider("PUSHERBROKER_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PUSHERBROKER_")), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
