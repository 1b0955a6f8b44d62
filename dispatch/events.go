// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"time"

	"github.com/bureau-foundation/courier/wire"
)

// Event types pushed by the server.
const (
	TypeMessageCreated      = "message.created"
	TypeMessageUpdated      = "message.updated"
	TypeMessageDeleted      = "message.deleted"
	TypeConversationUpdated = "conversation.updated"
	TypeTyping              = "typing"
	TypeReadReceipt         = "read_receipt"
	TypePresence            = "presence"
	TypeServerError         = "error"
)

// Event is one decoded inbound frame. Each event type has exactly one
// concrete type; listeners switch on it or use OnEvent.
type Event interface {
	EventType() string
}

// Message is a chat message as the server represents it. Body is the
// payload codec's output and is never interpreted here.
type Message struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`

	// Pending marks a locally applied message the server has not yet
	// confirmed. The server never sets it.
	Pending bool `json:"-"`
}

// Conversation is conversation metadata.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Members   []string  `json:"members"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageCreated announces a new message. Timestamp is the server's
// logical clock for the conversation.
type MessageCreated struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
	Timestamp      int64   `json:"ts"`
}

func (MessageCreated) EventType() string { return TypeMessageCreated }

// MessageUpdated carries the full edited message.
type MessageUpdated struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
	Timestamp      int64   `json:"ts"`
}

func (MessageUpdated) EventType() string { return TypeMessageUpdated }

type MessageDeleted struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Timestamp      int64  `json:"ts"`
}

func (MessageDeleted) EventType() string { return TypeMessageDeleted }

type ConversationUpdated struct {
	Conversation Conversation `json:"conversation"`
	Timestamp    int64        `json:"ts"`
}

func (ConversationUpdated) EventType() string { return TypeConversationUpdated }

type TypingChanged struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

func (TypingChanged) EventType() string { return TypeTyping }

type ReadReceipt struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	MessageID      string `json:"message_id"`
	Timestamp      int64  `json:"ts"`
}

func (ReadReceipt) EventType() string { return TypeReadReceipt }

type PresenceChanged struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

func (PresenceChanged) EventType() string { return TypePresence }

// ServerError is an application-level error the server pushes on the
// channel, such as a rejected subscription.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}

func (ServerError) EventType() string { return TypeServerError }

// Unknown wraps a frame whose type has no registered decoder.
type Unknown struct {
	Frame wire.Frame
}

func (u Unknown) EventType() string { return u.Frame.Type }

func decodeAs[E Event](frame wire.Frame) (Event, error) {
	var event E
	if err := frame.Decode(&event); err != nil {
		return nil, err
	}
	return event, nil
}

func builtinDecoders() map[string]Decoder {
	return map[string]Decoder{
		TypeMessageCreated:      decodeAs[MessageCreated],
		TypeMessageUpdated:      decodeAs[MessageUpdated],
		TypeMessageDeleted:      decodeAs[MessageDeleted],
		TypeConversationUpdated: decodeAs[ConversationUpdated],
		TypeTyping:              decodeAs[TypingChanged],
		TypeReadReceipt:         decodeAs[ReadReceipt],
		TypePresence:            decodeAs[PresenceChanged],
		TypeServerError:         decodeAs[ServerError],
	}
}
