// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the realtime channel's frame envelope and the
// codecs that put frames on the socket.
//
// Every frame is an object with a "type" member. The handshake and
// subscription types are fixed here; everything else is an event whose
// remaining members are the event payload.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/courier/lib/codec"
)

// Control frame types.
const (
	TypeAuth          = "auth"
	TypeAuthenticated = "authenticated"
	TypeAuthFailed    = "auth_failed"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
)

// ErrMissingType is returned when an inbound frame has no type.
var ErrMissingType = errors.New("wire: frame has no type")

// Auth is the first frame a client sends after the transport opens.
type Auth struct {
	Type     string `json:"type" cbor:"type"`
	Token    string `json:"token" cbor:"token"`
	Instance string `json:"instance,omitempty" cbor:"instance,omitempty"`
}

// AuthFailed is the server's rejection of an Auth frame.
type AuthFailed struct {
	Type   string `json:"type" cbor:"type"`
	Reason string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// Subscription is a subscribe or unsubscribe frame.
type Subscription struct {
	Type    string `json:"type" cbor:"type"`
	Channel string `json:"channel" cbor:"channel"`
}

// Frame is an inbound frame with its type peeked. Data holds the
// complete encoded frame, including the type member, so consumers can
// decode it into a typed event with the same Codec.
type Frame struct {
	Type  string
	Data  []byte
	Codec Codec
}

// Decode unmarshals the whole frame into v.
func (f Frame) Decode(v any) error {
	if err := f.Codec.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("wire: decoding %s frame: %w", f.Type, err)
	}
	return nil
}

// Codec encodes frames for one websocket message type.
type Codec interface {
	Name() string
	MessageType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Parse peeks the type of an inbound message.
func Parse(c Codec, data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type" cbor:"type"`
	}
	if err := c.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("wire: malformed %s frame: %w", c.Name(), err)
	}
	if head.Type == "" {
		return Frame{}, ErrMissingType
	}
	return Frame{Type: head.Type, Data: data, Codec: c}, nil
}

// JSON carries frames as websocket text messages.
var JSON Codec = jsonCodec{}

// CBOR carries frames as websocket binary messages.
var CBOR Codec = cborCodec{}

// CodecByName resolves a configured codec name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, fmt.Errorf("wire: unknown codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) MessageType() int                   { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) MessageType() int                   { return websocket.BinaryMessage }
func (cborCodec) Marshal(v any) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }
