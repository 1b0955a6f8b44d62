// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/courier/lib/secret"
)

// maxPlaintext bounds a decrypted body.
const maxPlaintext = 1 << 20

// Age encrypts bodies to X25519 recipients and encodes the ciphertext
// as base64. The identity text stays in a locked secret.Buffer and is
// parsed only while decrypting. Without an identity the codec can
// encode but not decode.
type Age struct {
	identity   *secret.Buffer
	recipients []age.Recipient
}

// NewAge takes ownership of identity, which may be nil. Every X25519
// identity in it is also a recipient, so the holder can read its own
// messages.
func NewAge(identity *secret.Buffer, recipients []string) (*Age, error) {
	codec := &Age{identity: identity}
	if identity != nil {
		identities, err := age.ParseIdentities(strings.NewReader(identity.String()))
		if err != nil {
			identity.Close()
			return nil, fmt.Errorf("payload: parsing age identity: %w", err)
		}
		for _, parsed := range identities {
			if x25519, ok := parsed.(*age.X25519Identity); ok {
				codec.recipients = append(codec.recipients, x25519.Recipient())
			}
		}
	}
	for _, text := range recipients {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(text))
		if err != nil {
			codec.Close()
			return nil, fmt.Errorf("payload: parsing age recipient %q: %w", text, err)
		}
		codec.recipients = append(codec.recipients, recipient)
	}
	if len(codec.recipients) == 0 {
		codec.Close()
		return nil, errors.New("payload: age codec has no recipients")
	}
	return codec, nil
}

// NewAgeFromFile reads the identity from path ("-" for stdin).
func NewAgeFromFile(path string, recipients []string) (*Age, error) {
	identity, err := secret.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("payload: reading age identity: %w", err)
	}
	return NewAge(identity, recipients)
}

func (*Age) Name() string { return "age" }

func (a *Age) Encode(plaintext []byte) (string, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, a.recipients...)
	if err != nil {
		return "", fmt.Errorf("payload: starting encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("payload: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("payload: finishing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

func (a *Age) Decode(encoded string) ([]byte, error) {
	if a.identity == nil {
		return nil, errors.New("payload: age codec has no identity to decrypt with")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("payload: decoding base64: %w", err)
	}
	identities, err := age.ParseIdentities(strings.NewReader(a.identity.String()))
	if err != nil {
		return nil, fmt.Errorf("payload: parsing age identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("payload: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(reader, maxPlaintext+1))
	if err != nil {
		return nil, fmt.Errorf("payload: decrypting: %w", err)
	}
	if len(plaintext) > maxPlaintext {
		return nil, fmt.Errorf("payload: plaintext exceeds %d bytes", maxPlaintext)
	}
	return plaintext, nil
}

// Close releases the identity.
func (a *Age) Close() error {
	if a.identity != nil {
		return a.identity.Close()
	}
	return nil
}
