// Package config loads zonisd settings from an optional TOML file, an
// optional .env file and ZONIS_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/risa-org/zonis/session"
)

// Transport modes.
const (
	TransportWebsocket = "websocket" // nhooyr.io/websocket on net/http
	TransportManaged   = "managed"   // gorilla/websocket inside gin
	TransportTCP       = "tcp"       // length-prefixed frames on raw TCP
)

const envPrefix = "ZONIS_"

type Config struct {
	SecretKey   string
	OverrideKey string // empty: the server generates one at startup

	Transport string
	Listen    string // HTTP listener: websocket upgrades, health, metrics, admin
	TCPListen string // raw TCP listener, tcp transport only

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	HandshakeRate    float64
	HandshakeBurst   int

	AdminEnabled bool

	LogLevel  string
	LogFormat string

	RedisURL        string // empty disables presence publishing
	PresenceChannel string
	PresenceFile    string // JSON snapshot of online clients; empty disables
}

// Default returns the settings used for anything not configured.
func Default() Config {
	return Config{
		Transport:        TransportWebsocket,
		Listen:           ":8080",
		TCPListen:        ":8081",
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   30 * time.Second,
		HandshakeRate:    50,
		HandshakeBurst:   100,
		LogLevel:         "info",
		LogFormat:        "console",
		PresenceChannel:  "zonis:presence",
	}
}

type fileConfig struct {
	SecretKey        string  `toml:"secret_key"`
	OverrideKey      string  `toml:"override_key"`
	Transport        string  `toml:"transport"`
	Listen           string  `toml:"listen"`
	TCPListen        string  `toml:"tcp_listen"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	RequestTimeout   string  `toml:"request_timeout"`
	HandshakeRate    float64 `toml:"handshake_rate"`
	HandshakeBurst   int     `toml:"handshake_burst"`
	AdminEnabled     bool    `toml:"admin_enabled"`
	LogLevel         string  `toml:"log_level"`
	LogFormat        string  `toml:"log_format"`
	RedisURL         string  `toml:"redis_url"`
	PresenceChannel  string  `toml:"presence_channel"`
	PresenceFile     string  `toml:"presence_file"`
}

// Load builds a Config from defaults, then the TOML file at path (skipped
// when path is empty), then .env, then the environment. The result is
// validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	// a missing .env is normal; real environment variables still apply
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}

	if meta.IsDefined("secret_key") {
		c.SecretKey = raw.SecretKey
	}
	if meta.IsDefined("override_key") {
		c.OverrideKey = strings.TrimSpace(raw.OverrideKey)
	}
	if meta.IsDefined("transport") {
		c.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("listen") {
		c.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("tcp_listen") {
		c.TCPListen = strings.TrimSpace(raw.TCPListen)
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return fmt.Errorf("parse handshake_timeout: %w", err)
		}
		c.HandshakeTimeout = d
	}
	if meta.IsDefined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return fmt.Errorf("parse request_timeout: %w", err)
		}
		c.RequestTimeout = d
	}
	if meta.IsDefined("handshake_rate") {
		c.HandshakeRate = raw.HandshakeRate
	}
	if meta.IsDefined("handshake_burst") {
		c.HandshakeBurst = raw.HandshakeBurst
	}
	if meta.IsDefined("admin_enabled") {
		c.AdminEnabled = raw.AdminEnabled
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		c.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("redis_url") {
		c.RedisURL = strings.TrimSpace(raw.RedisURL)
	}
	if meta.IsDefined("presence_channel") {
		c.PresenceChannel = strings.TrimSpace(raw.PresenceChannel)
	}
	if meta.IsDefined("presence_file") {
		c.PresenceFile = strings.TrimSpace(raw.PresenceFile)
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString(&c.SecretKey, "SECRET_KEY")
	envString(&c.OverrideKey, "OVERRIDE_KEY")
	envString(&c.Transport, "TRANSPORT")
	envString(&c.Listen, "LISTEN")
	envString(&c.TCPListen, "TCP_LISTEN")
	envString(&c.LogLevel, "LOG_LEVEL")
	envString(&c.LogFormat, "LOG_FORMAT")
	envString(&c.RedisURL, "REDIS_URL")
	envString(&c.PresenceChannel, "PRESENCE_CHANNEL")
	envString(&c.PresenceFile, "PRESENCE_FILE")

	if err := envDuration(&c.HandshakeTimeout, "HANDSHAKE_TIMEOUT"); err != nil {
		return err
	}
	if err := envDuration(&c.RequestTimeout, "REQUEST_TIMEOUT"); err != nil {
		return err
	}
	if err := envFloat(&c.HandshakeRate, "HANDSHAKE_RATE"); err != nil {
		return err
	}
	if err := envInt(&c.HandshakeBurst, "HANDSHAKE_BURST"); err != nil {
		return err
	}
	return envBool(&c.AdminEnabled, "ADMIN_ENABLED")
}

// env helpers leave target untouched when the variable is unset.

func envString(target *string, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		*target = value
	}
}

func envInt(target *int, key string) error {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer value for %s%s: %v", envPrefix, key, err)
	}
	*target = parsed
	return nil
}

func envFloat(target *float64, key string) error {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number value for %s%s: %v", envPrefix, key, err)
	}
	*target = parsed
	return nil
}

func envBool(target *bool, key string) error {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean value for %s%s: %v", envPrefix, key, err)
	}
	*target = parsed
	return nil
}

func envDuration(target *time.Duration, key string) error {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration value for %s%s: %v", envPrefix, key, err)
	}
	*target = parsed
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.Transport {
	case TransportWebsocket, TransportManaged, TransportTCP:
	default:
		problems = append(problems, fmt.Sprintf("transport must be one of: %s, %s, %s",
			TransportWebsocket, TransportManaged, TransportTCP))
	}
	if c.Listen == "" {
		problems = append(problems, "listen must not be empty")
	}
	if c.Transport == TransportTCP && c.TCPListen == "" {
		problems = append(problems, "tcp_listen must not be empty for the tcp transport")
	}
	if c.OverrideKey != "" {
		if err := session.ValidateOverrideKey(c.OverrideKey); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.HandshakeTimeout < 0 {
		problems = append(problems, "handshake_timeout must not be negative")
	}
	if c.RequestTimeout < 0 {
		problems = append(problems, "request_timeout must not be negative")
	}
	if c.HandshakeRate < 0 {
		problems = append(problems, "handshake_rate must not be negative")
	}
	if c.HandshakeRate > 0 && c.HandshakeBurst < 1 {
		problems = append(problems, "handshake_burst must be at least 1 when handshake_rate is set")
	}

	validLogLevels := []string{"trace", "debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		problems = append(problems, fmt.Sprintf("log_level must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"console", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		problems = append(problems, fmt.Sprintf("log_format must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if c.RedisURL != "" && c.PresenceChannel == "" {
		problems = append(problems, "presence_channel must not be empty when redis_url is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
