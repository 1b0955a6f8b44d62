// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timeline keeps per-conversation message lists in sync: it
// loads them over REST, applies sends, edits, and deletes
// optimistically, and settles them against pushed message events.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/courier/dispatch"
	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/ident"
	"github.com/bureau-foundation/courier/payload"
	"github.com/bureau-foundation/courier/reconcile"
)

// API is the part of request.Client the timeline uses.
type API interface {
	Get(ctx context.Context, path string, query url.Values, result any) error
	Post(ctx context.Context, path string, body, result any) error
	Patch(ctx context.Context, path string, body, result any) error
	Delete(ctx context.Context, path string, result any) error
}

// Key is the cache key of a conversation's message list.
func Key(conversationID string) string {
	return "conversation:" + conversationID + ":messages"
}

// Channel is the realtime channel carrying a conversation's events.
func Channel(conversationID string) string {
	return "conv:" + conversationID
}

func conversationOf(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, "conversation:")
	if !ok {
		return "", false
	}
	return strings.CutSuffix(id, ":messages")
}

type Config struct {
	API        API
	Dispatcher *dispatch.Dispatcher

	// Codec encodes outgoing bodies. Default payload.Base64.
	Codec payload.Codec

	// SenderID fills SenderID on optimistic messages.
	SenderID string

	// PageSize limits Load. Zero lets the server decide.
	PageSize int

	PendingTimeout time.Duration
	FetchTimeout   time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Timeline is safe for concurrent use.
type Timeline struct {
	api      API
	codec    payload.Codec
	senderID string
	pageSize int
	clock    clock.Clock
	logger   *slog.Logger

	cache      *reconcile.Cache[dispatch.Message]
	reconciler *reconcile.Reconciler[dispatch.Message]

	dispatcher *dispatch.Dispatcher
	listeners  map[string]dispatch.ListenerID

	closeOnce sync.Once
}

// New registers message event listeners on config.Dispatcher.
func New(config Config) (*Timeline, error) {
	if config.API == nil {
		return nil, errors.New("timeline: API is required")
	}
	if config.Dispatcher == nil {
		return nil, errors.New("timeline: Dispatcher is required")
	}
	if config.Codec == nil {
		config.Codec = payload.Base64{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	t := &Timeline{
		api:        config.API,
		codec:      config.Codec,
		senderID:   config.SenderID,
		pageSize:   config.PageSize,
		clock:      config.Clock,
		logger:     config.Logger,
		cache:      reconcile.NewCache[dispatch.Message](),
		dispatcher: config.Dispatcher,
	}
	reconciler, err := reconcile.New(reconcile.Config[dispatch.Message]{
		Name:           "timeline",
		Cache:          t.cache,
		Fetch:          t.fetch,
		PendingTimeout: config.PendingTimeout,
		FetchTimeout:   config.FetchTimeout,
		Clock:          config.Clock,
		Logger:         config.Logger,
	})
	if err != nil {
		return nil, err
	}
	t.reconciler = reconciler

	t.listeners = map[string]dispatch.ListenerID{
		dispatch.TypeMessageCreated: reconcile.Listen(t.dispatcher, dispatch.TypeMessageCreated, reconciler,
			func(event dispatch.MessageCreated) (string, reconcile.ServerEvent[dispatch.Message], bool) {
				return messageRoute(event.ConversationID, event.Message, event.Timestamp)
			}),
		dispatch.TypeMessageUpdated: reconcile.Listen(t.dispatcher, dispatch.TypeMessageUpdated, reconciler,
			func(event dispatch.MessageUpdated) (string, reconcile.ServerEvent[dispatch.Message], bool) {
				return messageRoute(event.ConversationID, event.Message, event.Timestamp)
			}),
		dispatch.TypeMessageDeleted: reconcile.Listen(t.dispatcher, dispatch.TypeMessageDeleted, reconciler,
			func(event dispatch.MessageDeleted) (string, reconcile.ServerEvent[dispatch.Message], bool) {
				if event.ConversationID == "" || event.MessageID == "" {
					return "", reconcile.ServerEvent[dispatch.Message]{}, false
				}
				return Key(event.ConversationID), reconcile.ServerEvent[dispatch.Message]{
					Timestamp: event.Timestamp,
					Apply:     remove(event.MessageID),
				}, true
			}),
	}
	return t, nil
}

func messageRoute(conversationID string, message dispatch.Message, timestamp int64) (string, reconcile.ServerEvent[dispatch.Message], bool) {
	if conversationID == "" {
		conversationID = message.ConversationID
	}
	if conversationID == "" || message.ID == "" {
		return "", reconcile.ServerEvent[dispatch.Message]{}, false
	}
	return Key(conversationID), reconcile.ServerEvent[dispatch.Message]{
		Timestamp: timestamp,
		Apply:     upsert(message),
	}, true
}

// upsert replaces the message with the same server or client id, or
// inserts it in creation order.
func upsert(message dispatch.Message) reconcile.Mutation[dispatch.Message] {
	return func(items []dispatch.Message) []dispatch.Message {
		items = slices.DeleteFunc(items, func(existing dispatch.Message) bool {
			if message.ID != "" && existing.ID == message.ID {
				return true
			}
			return message.ClientID != "" && existing.ClientID == message.ClientID
		})
		position, _ := slices.BinarySearchFunc(items, message, func(existing, target dispatch.Message) int {
			if existing.CreatedAt.After(target.CreatedAt) {
				return 1
			}
			return -1
		})
		return slices.Insert(items, position, message)
	}
}

func remove(messageID string) reconcile.Mutation[dispatch.Message] {
	return func(items []dispatch.Message) []dispatch.Message {
		return slices.DeleteFunc(items, func(existing dispatch.Message) bool {
			return existing.ID == messageID
		})
	}
}

func edit(messageID, body string, at time.Time) reconcile.Mutation[dispatch.Message] {
	return func(items []dispatch.Message) []dispatch.Message {
		for i := range items {
			if items[i].ID == messageID {
				items[i].Body = body
				items[i].EditedAt = &at
				items[i].Pending = true
			}
		}
		return items
	}
}

type messageList struct {
	Messages  []dispatch.Message `json:"messages"`
	Timestamp int64              `json:"ts"`
}

type messageResult struct {
	Message   dispatch.Message `json:"message"`
	Timestamp int64            `json:"ts"`
}

func messagesPath(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/messages"
}

func messagePath(conversationID, messageID string) string {
	return messagesPath(conversationID) + "/" + url.PathEscape(messageID)
}

func (t *Timeline) fetch(ctx context.Context, key string) (reconcile.Snapshot[dispatch.Message], error) {
	conversationID, ok := conversationOf(key)
	if !ok {
		return reconcile.Snapshot[dispatch.Message]{}, fmt.Errorf("timeline: %q is not a message list key", key)
	}
	var query url.Values
	if t.pageSize > 0 {
		query = url.Values{"limit": {fmt.Sprint(t.pageSize)}}
	}
	var list messageList
	if err := t.api.Get(ctx, messagesPath(conversationID), query, &list); err != nil {
		return reconcile.Snapshot[dispatch.Message]{}, err
	}
	slices.SortStableFunc(list.Messages, func(a, b dispatch.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return reconcile.Snapshot[dispatch.Message]{Items: list.Messages, Timestamp: list.Timestamp}, nil
}

// Load fetches a conversation's messages, replacing any cached copy.
func (t *Timeline) Load(ctx context.Context, conversationID string) error {
	err := t.reconciler.Refresh(ctx, Key(conversationID))
	if errors.Is(err, reconcile.ErrSuperseded) {
		return nil
	}
	return err
}

// Messages returns the conversation's visible messages and the cache
// revision they belong to.
func (t *Timeline) Messages(conversationID string) ([]dispatch.Message, uint64) {
	entry, _ := t.cache.Get(Key(conversationID))
	return entry.Items, entry.Revision
}

// Watch calls fn after every change to any conversation. fn must not
// block or call back into the timeline.
func (t *Timeline) Watch(fn func(conversationID string, messages []dispatch.Message, revision uint64)) {
	t.cache.Watch(func(key string, entry reconcile.Entry[dispatch.Message]) {
		if conversationID, ok := conversationOf(key); ok {
			fn(conversationID, entry.Items, entry.Revision)
		}
	})
}

// Send shows the message at once as pending and posts it. On failure
// the pending message is withdrawn and the error returned.
func (t *Timeline) Send(ctx context.Context, conversationID string, plaintext []byte) (dispatch.Message, error) {
	body, err := t.codec.Encode(plaintext)
	if err != nil {
		return dispatch.Message{}, err
	}
	key := Key(conversationID)
	local := dispatch.Message{
		ClientID:       ident.NewCorrelationID(),
		ConversationID: conversationID,
		SenderID:       t.senderID,
		Body:           body,
		CreatedAt:      t.clock.Now(),
		Pending:        true,
	}
	correlationID := t.reconciler.ApplyOptimistic(key, upsert(local))

	var result messageResult
	request := map[string]string{"client_id": local.ClientID, "body": body}
	if err := t.api.Post(ctx, messagesPath(conversationID), request, &result); err != nil {
		t.reconciler.Rollback(correlationID)
		return dispatch.Message{}, fmt.Errorf("timeline: sending to %s: %w", conversationID, err)
	}
	t.confirm(key, correlationID, result)
	return result.Message, nil
}

// Edit replaces a message body optimistically.
func (t *Timeline) Edit(ctx context.Context, conversationID, messageID string, plaintext []byte) (dispatch.Message, error) {
	body, err := t.codec.Encode(plaintext)
	if err != nil {
		return dispatch.Message{}, err
	}
	key := Key(conversationID)
	correlationID := t.reconciler.ApplyOptimistic(key, edit(messageID, body, t.clock.Now()))

	var result messageResult
	if err := t.api.Patch(ctx, messagePath(conversationID, messageID), map[string]string{"body": body}, &result); err != nil {
		t.reconciler.Rollback(correlationID)
		return dispatch.Message{}, fmt.Errorf("timeline: editing %s in %s: %w", messageID, conversationID, err)
	}
	t.confirm(key, correlationID, result)
	return result.Message, nil
}

// Delete removes a message optimistically.
func (t *Timeline) Delete(ctx context.Context, conversationID, messageID string) error {
	key := Key(conversationID)
	correlationID := t.reconciler.ApplyOptimistic(key, remove(messageID))

	var result struct {
		Timestamp int64 `json:"ts"`
	}
	if err := t.api.Delete(ctx, messagePath(conversationID, messageID), &result); err != nil {
		t.reconciler.Rollback(correlationID)
		return fmt.Errorf("timeline: deleting %s in %s: %w", messageID, conversationID, err)
	}
	if result.Timestamp != 0 {
		t.reconciler.Reconcile(key, reconcile.ServerEvent[dispatch.Message]{
			Timestamp: result.Timestamp,
			Apply:     remove(messageID),
		})
	}
	return nil
}

// confirm applies the server's copy from a mutation response. The
// pushed event for the same change arrives separately and applies the
// same state again.
func (t *Timeline) confirm(key, correlationID string, result messageResult) {
	if result.Message.ID == "" || result.Timestamp == 0 {
		t.logger.Debug("mutation response carried no message, waiting for event",
			"key", key, "correlation_id", correlationID)
		return
	}
	t.reconciler.Reconcile(key, reconcile.ServerEvent[dispatch.Message]{
		Timestamp: result.Timestamp,
		Apply:     upsert(result.Message),
	})
}

// Plaintext decodes a message body for display.
func (t *Timeline) Plaintext(message dispatch.Message) ([]byte, error) {
	return t.codec.Decode(message.Body)
}

// InvalidateAll refetches every loaded conversation.
func (t *Timeline) InvalidateAll() {
	t.reconciler.InvalidateAll()
}

// Sweep refetches conversations whose pending mutations timed out.
func (t *Timeline) Sweep() int {
	return t.reconciler.Sweep()
}

// Run sweeps every interval until ctx is done.
func (t *Timeline) Run(ctx context.Context, interval time.Duration) {
	t.reconciler.Run(ctx, interval)
}

// Wait blocks until background refetches finish.
func (t *Timeline) Wait() {
	t.reconciler.Wait()
}

// Close removes the event listeners and stops background refetches.
func (t *Timeline) Close() {
	t.closeOnce.Do(func() {
		for eventType, id := range t.listeners {
			t.dispatcher.Off(eventType, id)
		}
		t.reconciler.Close()
	})
}
