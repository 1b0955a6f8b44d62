// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package realtime

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/courier/channel"
	"github.com/bureau-foundation/courier/lib/config"
	"github.com/bureau-foundation/courier/lib/ident"
	"github.com/bureau-foundation/courier/wire"
)

// FromConfig translates a loaded configuration file into a session
// Config. Callbacks and the HTTP client are left for the caller.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Config, error) {
	codec, err := wire.CodecByName(cfg.Connection.Codec)
	if err != nil {
		return Config{}, fmt.Errorf("realtime: %w", err)
	}
	policy, err := ParseSendPolicy(cfg.Connection.SendPolicy)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BaseURL:     cfg.Server.BaseURL,
		RefreshPath: cfg.Server.RefreshPath,
		CSRFCookie:  cfg.Server.CSRFCookie,
		CSRFHeader:  cfg.Server.CSRFHeader,
		Channel: channel.Config{
			URL:             cfg.Server.ChannelURL,
			Codec:           codec,
			MinBackoff:      cfg.Connection.MinBackoff.Std(),
			MaxBackoff:      cfg.Connection.MaxBackoff.Std(),
			DialTimeout:     cfg.Connection.DialTimeout.Std(),
			AuthTimeout:     cfg.Connection.AuthTimeout.Std(),
			PingInterval:    cfg.Connection.PingInterval.Std(),
			ReadTimeout:     cfg.Connection.ReadTimeout.Std(),
			WriteTimeout:    cfg.Connection.WriteTimeout.Std(),
			SendPolicy:      policy,
			SendBufferLimit: cfg.Connection.SendBufferLimit,
			Instance:        ident.NewInstanceID(),
		},
		Logger: logger,
	}, nil
}

// ParseSendPolicy maps "reject" or "buffer" to a channel.SendPolicy.
func ParseSendPolicy(name string) (channel.SendPolicy, error) {
	switch strings.ToLower(name) {
	case "", "reject":
		return channel.SendReject, nil
	case "buffer":
		return channel.SendBuffer, nil
	}
	return 0, fmt.Errorf("realtime: unknown send policy %q", name)
}
