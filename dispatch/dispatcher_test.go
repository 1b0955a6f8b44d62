// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/wire"
)

func frameOf(t *testing.T, codec wire.Codec, payload map[string]any) wire.Frame {
	t.Helper()
	data, err := codec.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := wire.Parse(codec, data)
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func quietDispatcher() *Dispatcher {
	return New(Config{Logger: slog.New(slog.DiscardHandler)})
}

func TestHandleFrameDecodesTypedEvents(t *testing.T) {
	for _, codec := range []wire.Codec{wire.JSON, wire.CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			dispatcher := quietDispatcher()
			var got MessageCreated
			OnEvent(dispatcher, TypeMessageCreated, func(event MessageCreated) { got = event })

			dispatcher.HandleFrame(frameOf(t, codec, map[string]any{
				"type":            "message.created",
				"conversation_id": "7",
				"ts":              41,
				"message": map[string]any{
					"id":              "m1",
					"conversation_id": "7",
					"sender_id":       "u1",
					"body":            "aGVsbG8=",
					"created_at":      "2026-01-01T00:00:00Z",
				},
			}))
			if got.ConversationID != "7" || got.Timestamp != 41 || got.Message.ID != "m1" || got.Message.Body != "aGVsbG8=" {
				t.Errorf("decoded event = %+v", got)
			}
			if !got.Message.CreatedAt.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("created_at = %v", got.Message.CreatedAt)
			}
		})
	}
}

func TestUnknownEventsReachTypeAndWildcardListeners(t *testing.T) {
	dispatcher := quietDispatcher()
	var byType, wildcard []string
	dispatcher.On("reaction.added", func(event Event) { byType = append(byType, event.EventType()) })
	dispatcher.On(AnyEvent, func(event Event) { wildcard = append(wildcard, event.EventType()) })

	dispatcher.HandleFrame(frameOf(t, wire.JSON, map[string]any{"type": "reaction.added", "emoji": "+1"}))
	dispatcher.HandleFrame(frameOf(t, wire.JSON, map[string]any{"type": "presence", "user_id": "u", "status": "away"}))

	if len(byType) != 1 {
		t.Errorf("type listener saw %v", byType)
	}
	if strings.Join(wildcard, ",") != "reaction.added,presence" {
		t.Errorf("wildcard listener saw %v", wildcard)
	}
}

func TestEveryListenerReceivesEachEventOnce(t *testing.T) {
	dispatcher := quietDispatcher()
	counts := make([]int, 3)
	for index := range counts {
		dispatcher.On(TypeTyping, func(Event) { counts[index]++ })
	}
	for range 4 {
		dispatcher.Emit(TypingChanged{ConversationID: "7", UserID: "u", Typing: true})
	}
	for index, count := range counts {
		if count != 4 {
			t.Errorf("listener %d received %d events, want 4", index, count)
		}
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	var logs bytes.Buffer
	dispatcher := New(Config{Logger: slog.New(slog.NewJSONHandler(&logs, nil))})
	delivered := 0
	dispatcher.On(TypePresence, func(Event) { panic("listener bug") })
	dispatcher.On(TypePresence, func(Event) { delivered++ })

	dispatcher.Emit(PresenceChanged{UserID: "u", Status: "online"})
	dispatcher.Emit(PresenceChanged{UserID: "u", Status: "away"})
	if delivered != 2 {
		t.Errorf("second listener received %d events, want 2", delivered)
	}

	var entry map[string]any
	line, _, _ := strings.Cut(logs.String(), "\n")
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line %q: %v", line, err)
	}
	if entry["msg"] != "event listener panicked" || entry["panic"] != "listener bug" {
		t.Errorf("log entry = %v", entry)
	}
}

func TestSlowListenerIsLogged(t *testing.T) {
	var logs bytes.Buffer
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	dispatcher := New(Config{
		SlowListener: 50 * time.Millisecond,
		Clock:        fake,
		Logger:       slog.New(slog.NewTextHandler(&logs, nil)),
	})
	dispatcher.On(TypeTyping, func(Event) { fake.Advance(time.Second) })
	dispatcher.Emit(TypingChanged{})
	if !strings.Contains(logs.String(), "slow event listener") {
		t.Errorf("logs = %q", logs.String())
	}
}

func TestOffStopsDelivery(t *testing.T) {
	dispatcher := quietDispatcher()
	calls := 0
	id := dispatcher.On(TypeReadReceipt, func(Event) { calls++ })
	dispatcher.Emit(ReadReceipt{})
	if !dispatcher.Off(TypeReadReceipt, id) {
		t.Fatal("Off returned false for a live registration")
	}
	if dispatcher.Off(TypeReadReceipt, id) {
		t.Error("second Off returned true")
	}
	dispatcher.Emit(ReadReceipt{})
	if calls != 1 {
		t.Errorf("listener called %d times", calls)
	}
	if dispatcher.Listeners(TypeReadReceipt) != 0 {
		t.Errorf("Listeners = %d", dispatcher.Listeners(TypeReadReceipt))
	}
}

func TestListenerMayUnregisterDuringDelivery(t *testing.T) {
	dispatcher := quietDispatcher()
	var id ListenerID
	calls, other := 0, 0
	id = dispatcher.On(TypeTyping, func(Event) {
		calls++
		dispatcher.Off(TypeTyping, id)
	})
	dispatcher.On(TypeTyping, func(Event) { other++ })
	dispatcher.Emit(TypingChanged{})
	dispatcher.Emit(TypingChanged{})
	if calls != 1 || other != 2 {
		t.Errorf("self-removing listener ran %d times, other ran %d", calls, other)
	}
}

func TestUndecodableFrameIsDropped(t *testing.T) {
	dispatcher := quietDispatcher()
	called := false
	dispatcher.On(AnyEvent, func(Event) { called = true })
	dispatcher.HandleFrame(frameOf(t, wire.JSON, map[string]any{"type": "typing", "typing": "not-a-bool"}))
	if called {
		t.Error("listener received an undecodable frame")
	}
}

func TestCustomDecoder(t *testing.T) {
	type reaction struct {
		Unknown
		Emoji string
	}
	dispatcher := quietDispatcher()
	dispatcher.Register("reaction.added", func(frame wire.Frame) (Event, error) {
		var body struct{ Emoji string }
		if err := frame.Decode(&body); err != nil {
			return nil, err
		}
		return reaction{Unknown: Unknown{Frame: frame}, Emoji: body.Emoji}, nil
	})
	var emoji string
	dispatcher.On("reaction.added", func(event Event) { emoji = event.(reaction).Emoji })
	dispatcher.HandleFrame(frameOf(t, wire.JSON, map[string]any{"type": "reaction.added", "emoji": "tada"}))
	if emoji != "tada" {
		t.Errorf("emoji = %q", emoji)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	dispatcher := quietDispatcher()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				id := dispatcher.On(TypeTyping, func(Event) {})
				dispatcher.Emit(TypingChanged{})
				dispatcher.Off(TypeTyping, id)
			}
		}()
	}
	wg.Wait()
	if dispatcher.Listeners(TypeTyping) != 0 {
		t.Errorf("Listeners = %d after all removed", dispatcher.Listeners(TypeTyping))
	}
}
