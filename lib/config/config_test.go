// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultNeedsServerURLs(t *testing.T) {
	err := Default().Validate()
	if err == nil {
		t.Fatal("Default().Validate() succeeded without server URLs")
	}
	for _, field := range []string{"server.base_url", "server.channel_url"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("validation error %q does not mention %s", err, field)
		}
	}
}

func TestLoadFileYAML(t *testing.T) {
	t.Setenv("COURIER_TEST_HOST", "chat.example.com")
	path := writeConfig(t, "courier.yaml", `
server:
  base_url: https://${COURIER_TEST_HOST}/api
  channel_url: wss://${COURIER_TEST_HOST}/ws
connection:
  min_backoff: 500ms
  max_backoff: 8s
  codec: cbor
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.BaseURL != "https://chat.example.com/api" {
		t.Errorf("base_url = %q", cfg.Server.BaseURL)
	}
	if cfg.Connection.MinBackoff.Std() != 500*time.Millisecond {
		t.Errorf("min_backoff = %v", cfg.Connection.MinBackoff)
	}
	if cfg.Connection.MaxBackoff.Std() != 8*time.Second {
		t.Errorf("max_backoff = %v", cfg.Connection.MaxBackoff)
	}
	if cfg.Connection.Codec != "cbor" {
		t.Errorf("codec = %q", cfg.Connection.Codec)
	}
	// Unset fields keep defaults.
	if cfg.Server.CSRFHeader != "X-CSRF-Token" {
		t.Errorf("csrf_header = %q", cfg.Server.CSRFHeader)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	path := writeConfig(t, "courier.jsonc", `{
  // local development server
  "server": {
    "base_url": "http://localhost:8080",
    "channel_url": "ws://localhost:8080/ws",
  },
  "connection": {"send_policy": "buffer", "send_buffer_limit": 8},
}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Connection.SendPolicy != "buffer" || cfg.Connection.SendBufferLimit != 8 {
		t.Errorf("connection = %+v", cfg.Connection)
	}
}

func TestLoadFileRejectsUnknownExtension(t *testing.T) {
	path := writeConfig(t, "courier.toml", "")
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "unsupported extension") {
		t.Errorf("LoadFile error = %v", err)
	}
}

func TestProductionOverrides(t *testing.T) {
	path := writeConfig(t, "courier.yaml", `
environment: production
server:
  base_url: http://staging.internal
  channel_url: ws://staging.internal/ws
production:
  server:
    base_url: https://chat.example.com
    channel_url: wss://chat.example.com/ws
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.BaseURL != "https://chat.example.com" {
		t.Errorf("base_url = %q", cfg.Server.BaseURL)
	}
	if cfg.Server.ChannelURL != "wss://chat.example.com/ws" {
		t.Errorf("channel_url = %q", cfg.Server.ChannelURL)
	}
}

func TestProductionDefaultsToJSONLogs(t *testing.T) {
	path := writeConfig(t, "courier.yaml", `
environment: production
server:
  base_url: https://chat.example.com
  channel_url: wss://chat.example.com/ws
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q, want json", cfg.Logging.Format)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.BaseURL = "ftp://nope"
	cfg.Server.ChannelURL = "wss://chat.example.com/ws"
	cfg.Connection.MinBackoff = Duration(10 * time.Second)
	cfg.Connection.MaxBackoff = Duration(time.Second)
	cfg.Connection.SendPolicy = "queue"
	cfg.Payload.Codec = "age"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate succeeded")
	}
	for _, want := range []string{"server.base_url", "max_backoff", "send_policy", "identity_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadRequiresEnv(t *testing.T) {
	t.Setenv(EnvVar, "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), EnvVar) {
		t.Errorf("Load error = %v", err)
	}
}

func TestExpandDefault(t *testing.T) {
	t.Setenv("COURIER_TEST_SET", "value")
	cases := map[string]string{
		"${COURIER_TEST_SET}":             "value",
		"${COURIER_TEST_UNSET:-fallback}": "fallback",
		"${COURIER_TEST_UNSET}":           "",
		"plain":                           "plain",
	}
	for input, want := range cases {
		if got := Expand(input); got != want {
			t.Errorf("Expand(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDurationRejectsNumbers(t *testing.T) {
	path := writeConfig(t, "courier.json", `{"connection": {"min_backoff": 5}}`)
	if _, err := LoadFile(path); err == nil {
		t.Error("numeric duration accepted")
	}
}
