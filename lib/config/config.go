// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads courier client configuration.
//
// Configuration comes from exactly one file, named by the --config flag
// or the COURIER_CONFIG environment variable. Files ending in .yaml or
// .yml are parsed as YAML; .json and .jsonc files are parsed as JSON
// with comments and trailing commas allowed. String values may
// reference the environment as ${VAR} or ${VAR:-default}.
//
// An environment section (development, production) in the file
// overrides base values when it matches the selected environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "COURIER_CONFIG"

// Environment selects which override section applies.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the complete client configuration.
type Config struct {
	Environment Environment      `yaml:"environment" json:"environment"`
	Server      ServerConfig     `yaml:"server" json:"server"`
	Connection  ConnectionConfig `yaml:"connection" json:"connection"`
	Reconcile   ReconcileConfig  `yaml:"reconcile" json:"reconcile"`
	Payload     PayloadConfig    `yaml:"payload" json:"payload"`
	Logging     LoggingConfig    `yaml:"logging" json:"logging"`

	Development *Overrides `yaml:"development,omitempty" json:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// Overrides holds the per-environment replacements. Only non-empty
// fields replace base values.
type Overrides struct {
	Server  *ServerConfig  `yaml:"server,omitempty" json:"server,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// ServerConfig locates the REST API and the realtime channel.
type ServerConfig struct {
	// BaseURL is the REST API root, e.g. https://chat.example.com/api.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// ChannelURL is the websocket endpoint, e.g. wss://chat.example.com/ws.
	ChannelURL string `yaml:"channel_url" json:"channel_url"`

	// RefreshPath is POSTed, relative to BaseURL, to renew the session.
	RefreshPath string `yaml:"refresh_path" json:"refresh_path"`

	// CSRFCookie is the cookie carrying the anti-forgery token.
	CSRFCookie string `yaml:"csrf_cookie" json:"csrf_cookie"`

	// CSRFHeader is the header the token is echoed in.
	CSRFHeader string `yaml:"csrf_header" json:"csrf_header"`
}

// ConnectionConfig tunes the realtime channel.
type ConnectionConfig struct {
	MinBackoff   Duration `yaml:"min_backoff" json:"min_backoff"`
	MaxBackoff   Duration `yaml:"max_backoff" json:"max_backoff"`
	DialTimeout  Duration `yaml:"dial_timeout" json:"dial_timeout"`
	AuthTimeout  Duration `yaml:"auth_timeout" json:"auth_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
	PingInterval Duration `yaml:"ping_interval" json:"ping_interval"`
	ReadTimeout  Duration `yaml:"read_timeout" json:"read_timeout"`

	// Codec is the frame encoding: "json" or "cbor".
	Codec string `yaml:"codec" json:"codec"`

	// SendPolicy is "reject" or "buffer".
	SendPolicy string `yaml:"send_policy" json:"send_policy"`

	// SendBufferLimit bounds the buffer policy's queue.
	SendBufferLimit int `yaml:"send_buffer_limit" json:"send_buffer_limit"`
}

// ReconcileConfig tunes optimistic mutation tracking.
type ReconcileConfig struct {
	// PendingTimeout is how long a mutation may wait for a server event
	// before its key is refetched.
	PendingTimeout Duration `yaml:"pending_timeout" json:"pending_timeout"`
	SweepInterval  Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// PayloadConfig selects the message body codec.
type PayloadConfig struct {
	// Codec is "base64" or "age".
	Codec string `yaml:"codec" json:"codec"`

	// IdentityFile holds an age X25519 identity when Codec is "age".
	IdentityFile string `yaml:"identity_file" json:"identity_file"`

	// Recipients are additional age recipients messages are encrypted to.
	Recipients []string `yaml:"recipients" json:"recipients"`
}

// LoggingConfig controls the slog handler built by commands.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" json:"level"`

	// Format is text, json, or auto (text on a terminal).
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration every file is layered over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			RefreshPath: "/auth/refresh",
			CSRFCookie:  "csrf_token",
			CSRFHeader:  "X-CSRF-Token",
		},
		Connection: ConnectionConfig{
			MinBackoff:      Duration(time.Second),
			MaxBackoff:      Duration(30 * time.Second),
			DialTimeout:     Duration(10 * time.Second),
			AuthTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			PingInterval:    Duration(25 * time.Second),
			ReadTimeout:     Duration(60 * time.Second),
			Codec:           "json",
			SendPolicy:      "reject",
			SendBufferLimit: 64,
		},
		Reconcile: ReconcileConfig{
			PendingTimeout: Duration(30 * time.Second),
			SweepInterval:  Duration(5 * time.Second),
		},
		Payload: PayloadConfig{Codec: "base64"},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
	}
}

// Load reads the file named by COURIER_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("config: %s is not set; point it at a courier config file or pass --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads, expands, and validates the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		return nil, fmt.Errorf("config: %s: unsupported extension (want .yaml, .yml, .json, or .jsonc)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyOverrides()
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &Overrides{Logging: &LoggingConfig{Format: "json"}}
		}
	}
	if overrides == nil {
		return
	}
	if server := overrides.Server; server != nil {
		replace(&c.Server.BaseURL, server.BaseURL)
		replace(&c.Server.ChannelURL, server.ChannelURL)
		replace(&c.Server.RefreshPath, server.RefreshPath)
		replace(&c.Server.CSRFCookie, server.CSRFCookie)
		replace(&c.Server.CSRFHeader, server.CSRFHeader)
	}
	if logging := overrides.Logging; logging != nil {
		replace(&c.Logging.Level, logging.Level)
		replace(&c.Logging.Format, logging.Format)
	}
}

func replace(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expand() {
	for _, field := range []*string{
		&c.Server.BaseURL,
		&c.Server.ChannelURL,
		&c.Server.RefreshPath,
		&c.Payload.IdentityFile,
	} {
		*field = Expand(*field)
	}
	for index := range c.Payload.Recipients {
		c.Payload.Recipients[index] = Expand(c.Payload.Recipients[index])
	}
}

var variable = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:-default} references from the
// process environment.
func Expand(value string) string {
	return variable.ReplaceAllStringFunc(value, func(match string) string {
		parts := variable.FindStringSubmatch(match)
		if resolved := os.Getenv(parts[1]); resolved != "" {
			return resolved
		}
		return parts[2]
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("environment %q must be development or production", c.Environment))
	}
	errs = append(errs, checkURL("server.base_url", c.Server.BaseURL, "http", "https"))
	errs = append(errs, checkURL("server.channel_url", c.Server.ChannelURL, "ws", "wss"))
	if !strings.HasPrefix(c.Server.RefreshPath, "/") {
		errs = append(errs, fmt.Errorf("server.refresh_path %q must start with /", c.Server.RefreshPath))
	}

	conn := c.Connection
	if conn.MinBackoff <= 0 {
		errs = append(errs, errors.New("connection.min_backoff must be positive"))
	}
	if conn.MaxBackoff < conn.MinBackoff {
		errs = append(errs, errors.New("connection.max_backoff must be at least min_backoff"))
	}
	if conn.Codec != "json" && conn.Codec != "cbor" {
		errs = append(errs, fmt.Errorf("connection.codec %q must be json or cbor", conn.Codec))
	}
	switch conn.SendPolicy {
	case "reject":
	case "buffer":
		if conn.SendBufferLimit <= 0 {
			errs = append(errs, errors.New("connection.send_buffer_limit must be positive with the buffer policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("connection.send_policy %q must be reject or buffer", conn.SendPolicy))
	}

	if c.Reconcile.PendingTimeout <= 0 {
		errs = append(errs, errors.New("reconcile.pending_timeout must be positive"))
	}
	if c.Reconcile.SweepInterval <= 0 {
		errs = append(errs, errors.New("reconcile.sweep_interval must be positive"))
	}
	switch c.Payload.Codec {
	case "base64":
	case "age":
		if c.Payload.IdentityFile == "" && len(c.Payload.Recipients) == 0 {
			errs = append(errs, errors.New("payload.identity_file or payload.recipients is required with the age codec"))
		}
	default:
		errs = append(errs, fmt.Errorf("payload.codec %q must be base64 or age", c.Payload.Codec))
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %s URL", field, raw, strings.Join(schemes, " or "))
}

// Duration is a time.Duration written as a Go duration string ("1s",
// "250ms") in config files.
type Duration time.Duration

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) parse(text string) error {
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	return d.parse(text)
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }
