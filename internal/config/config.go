// Package config loads the client settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Transports accepted by CHAT_TRANSPORT.
const (
	TransportGorilla = "gorilla"
	TransportGobwas  = "gobwas"
)

// Config holds all configuration values.
type Config struct {
	// Endpoints
	WSURL  string `yaml:"ws_url"`
	APIURL string `yaml:"api_url"`

	// Credential override and where the session token is kept
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`

	// Connection
	Transport        string        `yaml:"transport"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Conversations
	TypingIdle        time.Duration `yaml:"typing_idle"`
	PeerTypingTimeout time.Duration `yaml:"peer_typing_timeout"`
	HistoryLimit      int           `yaml:"history_limit"`
	MergePolicy       string        `yaml:"merge_policy"`
	DataPath          string        `yaml:"data_path"`

	// Local status listener
	HTTPAddr string `yaml:"http_addr"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		WSURL:             "ws://localhost:3000",
		APIURL:            "http://localhost:3000/api",
		Transport:         TransportGorilla,
		ReconnectDelay:    3 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		TypingIdle:        1500 * time.Millisecond,
		PeerTypingTimeout: 5 * time.Second,
		HistoryLimit:      20,
		MergePolicy:       "append",
		LogLevel:          "info",
	}
}

// Load reads configuration from, in increasing precedence, the defaults,
// the YAML file named by CHAT_CONFIG, a .env file in the working directory
// and the process environment.
func Load() (Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit env files. Missing files are skipped.
func LoadFiles(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := Default()
	if path := os.Getenv("CHAT_CONFIG"); path != "" {
		if err := cfg.readYAML(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) readYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.WSURL, "VITE_WS_URL")
	setString(&c.WSURL, "CHAT_WS_URL")
	setString(&c.APIURL, "CHAT_API_URL")
	setString(&c.Token, "CHAT_TOKEN")
	setString(&c.TokenFile, "CHAT_TOKEN_FILE")
	setString(&c.Transport, "CHAT_TRANSPORT")
	setString(&c.MergePolicy, "CHAT_MERGE_POLICY")
	setString(&c.DataPath, "CHAT_DATA_PATH")
	setString(&c.HTTPAddr, "CHAT_HTTP_ADDR")
	setString(&c.LogLevel, "CHAT_LOG_LEVEL")
	setString(&c.LogFile, "CHAT_LOG_FILE")

	for key, dst := range map[string]*time.Duration{
		"CHAT_RECONNECT_DELAY":     &c.ReconnectDelay,
		"CHAT_HANDSHAKE_TIMEOUT":   &c.HandshakeTimeout,
		"CHAT_TYPING_IDLE":         &c.TypingIdle,
		"CHAT_PEER_TYPING_TIMEOUT": &c.PeerTypingTimeout,
	} {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}

	if v := os.Getenv("CHAT_HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHAT_HISTORY_LIMIT: %w", err)
		}
		c.HistoryLimit = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if err := checkURL(c.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("invalid websocket url: %w", err)
	}
	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	switch c.Transport {
	case TransportGorilla, TransportGobwas:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch strings.ToLower(c.MergePolicy) {
	case "", "append", "dedup":
	default:
		return fmt.Errorf("unknown merge policy %q", c.MergePolicy)
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("reconnect delay must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be positive")
	}
	if c.HistoryLimit <= 0 {
		return errors.New("history limit must be positive")
	}
	if c.PeerTypingTimeout < 0 || c.TypingIdle < 0 {
		return errors.New("typing timeouts must not be negative")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// Level returns the zerolog level named by LogLevel, or info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme of %q must be one of %s", raw, strings.Join(schemes, ", "))
}
