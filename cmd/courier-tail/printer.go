// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/bureau-foundation/courier/channel"
	"github.com/bureau-foundation/courier/dispatch"
	"github.com/bureau-foundation/courier/lib/codec"
	"github.com/bureau-foundation/courier/payload"
	"github.com/bureau-foundation/courier/wire"
)

// printer renders events one line each. Listeners and observers call
// it from different goroutines.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	codec payload.Codec
	raw   bool

	stamp   func(a ...any) string
	who     func(a ...any) string
	note    func(a ...any) string
	good    func(a ...any) string
	warn    func(a ...any) string
	failure func(a ...any) string
}

func newPrinter(w io.Writer, codec payload.Codec, raw bool) *printer {
	return &printer{
		w:       w,
		codec:   codec,
		raw:     raw,
		stamp:   color.New(color.FgHiBlack).SprintFunc(),
		who:     color.New(color.FgCyan, color.Bold).SprintFunc(),
		note:    color.New(color.FgHiBlack).SprintFunc(),
		good:    color.New(color.FgGreen).SprintFunc(),
		warn:    color.New(color.FgYellow).SprintFunc(),
		failure: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) body(message dispatch.Message) string {
	if p.raw {
		return message.Body
	}
	plaintext, err := p.codec.Decode(message.Body)
	if err != nil {
		return p.failure("<undecodable: " + err.Error() + ">")
	}
	return string(plaintext)
}

func (p *printer) message(conversationID string, message dispatch.Message, suffix string) {
	p.line("%s %s %s: %s%s",
		p.stamp(message.CreatedAt.Local().Format(time.TimeOnly)),
		p.note("#"+conversationID),
		p.who(message.SenderID),
		p.body(message),
		suffix)
}

func (p *printer) history(conversationID string, messages []dispatch.Message) {
	for _, message := range messages {
		p.message(conversationID, message, "")
	}
	p.line("%s", p.note(fmt.Sprintf("-- %d earlier messages in #%s --", len(messages), conversationID)))
}

func (p *printer) transition(change channel.Transition) {
	switch change.To {
	case channel.Authenticated:
		p.line("%s", p.good("* connected"))
	case channel.Reconnecting:
		p.line("%s", p.warn(fmt.Sprintf("* connection lost, retrying in %v (attempt %d)", change.Delay, change.Attempt)))
	case channel.Disconnected:
		if change.Err != nil {
			p.line("%s", p.failure("* disconnected: "+change.Err.Error()))
		}
	}
}

func (p *printer) event(event dispatch.Event) {
	switch event := event.(type) {
	case dispatch.MessageCreated:
		p.message(event.ConversationID, event.Message, "")
	case dispatch.MessageUpdated:
		p.message(event.ConversationID, event.Message, p.note(" (edited)"))
	case dispatch.MessageDeleted:
		p.line("%s %s", p.note("#"+event.ConversationID), p.note("message "+event.MessageID+" deleted"))
	case dispatch.TypingChanged:
		if event.Typing {
			p.line("%s %s", p.note("#"+event.ConversationID), p.note(event.UserID+" is typing"))
		}
	case dispatch.ReadReceipt:
		p.line("%s %s", p.note("#"+event.ConversationID), p.note(event.UserID+" read up to "+event.MessageID))
	case dispatch.PresenceChanged:
		p.line("%s", p.note(event.UserID+" is "+event.Status))
	case dispatch.ConversationUpdated:
		p.line("%s %s", p.note("#"+event.Conversation.ID), p.note("renamed to "+event.Conversation.Title))
	case dispatch.ServerError:
		p.line("%s", p.failure(fmt.Sprintf("server error %s: %s", event.Code, event.Message)))
	case dispatch.Unknown:
		p.line("%s %s", p.warn(event.Frame.Type), describe(event.Frame))
	}
}

// describe renders a frame no decoder knows, in diagnostic notation
// for CBOR.
func describe(frame wire.Frame) string {
	if frame.Codec != nil && frame.Codec.Name() == wire.CBOR.Name() {
		return codec.Diagnose(frame.Data)
	}
	return string(frame.Data)
}
