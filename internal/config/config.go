// Package config loads the service configuration from config.yaml and
// CONFHUB_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server" json:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database" json:"database"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis" json:"redis"`
	Websocket  WebsocketConfig  `yaml:"websocket" mapstructure:"websocket" json:"websocket"`
	Encryption EncryptionConfig `yaml:"encryption" mapstructure:"encryption" json:"encryption"`
	Log        LogConfig        `yaml:"log" mapstructure:"log" json:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host" json:"host"`
	Port            int           `yaml:"port" mapstructure:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// Addr returns the host:port the server listens on.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the relational store settings. Driver is postgres in
// production; sqlite is supported for local runs.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver" json:"driver"`
	DSN             string        `yaml:"dsn" mapstructure:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig holds the optional cache / cross-node fan-out settings. An
// empty Addr disables redis entirely.
type RedisConfig struct {
	Addr     string        `yaml:"addr" mapstructure:"addr" json:"addr"`
	Password string        `yaml:"password" mapstructure:"password" json:"password"`
	DB       int           `yaml:"db" mapstructure:"db" json:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl" json:"cache_ttl"`
}

// WebsocketConfig tunes the push protocol.
type WebsocketConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout" json:"heartbeat_timeout"`
	SendQueueSize     int           `yaml:"send_queue_size" mapstructure:"send_queue_size" json:"send_queue_size"`
	ReadLimit         int64         `yaml:"read_limit" mapstructure:"read_limit" json:"read_limit"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
}

// EncryptionConfig holds the master key for values stored encrypted at rest.
// An empty key disables encryption (values flagged encrypted are stored
// verbatim).
type EncryptionConfig struct {
	MasterKey string `yaml:"master_key" mapstructure:"master_key" json:"master_key"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level" json:"level"`
}

// LoadConfig reads config.yaml (working directory or ./configs) and applies
// CONFHUB_* environment overrides. Missing file is fine; defaults apply.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("CONFHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=confhub dbname=confhub sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "5m")
	v.SetDefault("websocket.heartbeat_interval", "30s")
	v.SetDefault("websocket.heartbeat_timeout", "10s")
	v.SetDefault("websocket.send_queue_size", 64)
	v.SetDefault("websocket.read_limit", 4096)
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
