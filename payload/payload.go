// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package payload encodes message bodies before they leave the client
// and decodes them for display. The sync layer treats encoded bodies as
// opaque strings; only presentation calls Decode.
package payload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/courier/lib/config"
)

// Codec transforms message plaintext to and from its wire form.
type Codec interface {
	Name() string
	Encode(plaintext []byte) (string, error)
	Decode(encoded string) ([]byte, error)
}

// Base64 is the plain encoding: standard base64 with padding.
type Base64 struct{}

func (Base64) Name() string { return "base64" }

func (Base64) Encode(plaintext []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(plaintext), nil
}

func (Base64) Decode(encoded string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("payload: decoding base64: %w", err)
	}
	return decoded, nil
}

// FromConfig builds the codec named in config.
func FromConfig(config config.PayloadConfig) (Codec, error) {
	switch strings.ToLower(config.Codec) {
	case "", "base64":
		return Base64{}, nil
	case "age":
		if config.IdentityFile == "" {
			if len(config.Recipients) == 0 {
				return nil, errors.New("payload: age codec needs an identity file or recipients")
			}
			return NewAge(nil, config.Recipients)
		}
		return NewAgeFromFile(config.IdentityFile, config.Recipients)
	}
	return nil, fmt.Errorf("payload: unknown codec %q", config.Codec)
}
