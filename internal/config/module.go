package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	AuditLog EndpointConfig `yaml:"audit_log"`
	EventBus EndpointConfig `yaml:"event_bus"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects the store: an empty DSN runs on the in-memory
// store, anything else is treated as a PostgreSQL DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type EngineConfig struct {
	MaxCascadeDepth int `yaml:"max_cascade_depth"`
}

type EndpointConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8200,
		},
		Engine: EngineConfig{
			MaxCascadeDepth: 8,
		},
		AuditLog: EndpointConfig{Timeout: "5s"},
		EventBus: EndpointConfig{Timeout: "5s"},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_MAX_CASCADE_DEPTH")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Engine.MaxCascadeDepth = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_AUDIT_LOG_URL")); v != "" {
		cfg.AuditLog.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EVENT_BUS_URL")); v != "" {
		cfg.EventBus.URL = v
	}

	return cfg, nil
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
