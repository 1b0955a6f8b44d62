// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/testutil"
	"github.com/bureau-foundation/courier/wire"
)

const wait = 5 * time.Second

type fakeConn struct {
	inbound   chan []byte
	writes    chan map[string]any
	closed    chan struct{}
	closeOnce sync.Once
	broken    atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		writes:  make(chan map[string]any, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if c.broken.Load() {
		return errors.New("broken pipe")
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.writes <- frame
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	c.inbound <- data
}

// nextWrite returns the next frame the client wrote.
func (c *fakeConn) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	return testutil.Receive(t, c.writes, wait, "waiting for client write")
}

func (c *fakeConn) accept(t *testing.T) string {
	t.Helper()
	auth := c.nextWrite(t)
	if auth["type"] != wire.TypeAuth {
		t.Fatalf("first frame = %v, want auth", auth)
	}
	c.push(t, map[string]any{"type": wire.TypeAuthenticated})
	token, _ := auth["token"].(string)
	return token
}

type fakeDialer struct {
	mu       sync.Mutex
	failNext int
	dials    int
	opened   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.opened <- conn
	return conn, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type harness struct {
	manager     *Manager
	dialer      *fakeDialer
	clock       *clock.FakeClock
	transitions chan Transition
	frames      chan wire.Frame
	rejections  chan *AuthRejectedError
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		dialer:      newFakeDialer(),
		clock:       clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		transitions: make(chan Transition, 64),
		frames:      make(chan wire.Frame, 64),
		rejections:  make(chan *AuthRejectedError, 4),
	}
	config := Config{
		URL:          "ws://chat.test/ws",
		Dialer:       h.dialer,
		MinBackoff:   time.Second,
		MaxBackoff:   4 * time.Second,
		AuthTimeout:  10 * time.Second,
		Clock:        h.clock,
		Logger:       slog.New(slog.DiscardHandler),
		OnFrame:      func(frame wire.Frame) { h.frames <- frame },
		OnAuthFailed: func(err *AuthRejectedError) { h.rejections <- err },
	}
	if mutate != nil {
		mutate(&config)
	}
	manager, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.manager = manager
	manager.Observe(func(transition Transition) { h.transitions <- transition })
	t.Cleanup(manager.Shutdown)
	return h
}

// expect consumes transitions until one reaches want.
func (h *harness) expect(t *testing.T, want State) Transition {
	t.Helper()
	for {
		transition := testutil.Receive(t, h.transitions, wait, "waiting for %s", want)
		if transition.To == want {
			return transition
		}
	}
}

func (h *harness) connectAndAuthenticate(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.manager.Connect(StaticToken("token-1")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.Receive(t, h.dialer.opened, wait, "waiting for dial")
	conn.accept(t)
	h.expect(t, Authenticated)
	return conn
}

func TestConnectHandshake(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Instance = "instance-7" })
	if err := h.manager.Connect(StaticToken("secret-token")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.Receive(t, h.dialer.opened, wait, "waiting for dial")
	auth := conn.nextWrite(t)
	if auth["type"] != "auth" || auth["token"] != "secret-token" || auth["instance"] != "instance-7" {
		t.Fatalf("auth frame = %v", auth)
	}
	conn.push(t, map[string]any{"type": "authenticated"})

	var path []State
	for len(path) == 0 || path[len(path)-1] != Authenticated {
		path = append(path, testutil.Receive(t, h.transitions, wait, "waiting for transitions").To)
	}
	want := []State{Connecting, AwaitingAuth, Authenticated}
	if len(path) != len(want) {
		t.Fatalf("transitions = %v, want %v", path, want)
	}
	for index := range want {
		if path[index] != want[index] {
			t.Fatalf("transitions = %v, want %v", path, want)
		}
	}
	if !h.manager.Online() {
		t.Error("Online() = false after authentication")
	}
}

func TestConnectWhileConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAndAuthenticate(t)
	if err := h.manager.Connect(StaticToken("other")); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Connect while authenticated = %v, want ErrAlreadyConnected", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.setFailures(5)
	if err := h.manager.Connect(StaticToken("token")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var delays []time.Duration
	for range 5 {
		reconnecting := h.expect(t, Reconnecting)
		if reconnecting.Err == nil {
			t.Error("Reconnecting transition without a cause")
		}
		delays = append(delays, reconnecting.Delay)
		h.clock.BlockUntil(1)
		h.clock.Advance(reconnecting.Delay)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	for index := range want {
		if delays[index] != want[index] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}

	conn := testutil.Receive(t, h.dialer.opened, wait, "waiting for sixth dial")
	conn.accept(t)
	if authenticated := h.expect(t, Authenticated); authenticated.Attempt != 0 {
		t.Errorf("Attempt after authentication = %d", authenticated.Attempt)
	}

	conn.Close()
	if again := h.expect(t, Reconnecting); again.Delay != time.Second {
		t.Errorf("delay after successful session = %v, want reset to 1s", again.Delay)
	}
}

func TestDroppedTransportReconnects(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connectAndAuthenticate(t)
	first.Close()
	h.expect(t, Reconnecting)

	h.clock.BlockUntil(1)
	h.clock.Advance(time.Second)
	second := testutil.Receive(t, h.dialer.opened, wait, "waiting for redial")
	if token := second.accept(t); token != "token-1" {
		t.Errorf("redial token = %q", token)
	}
	h.expect(t, Authenticated)
}

func TestAuthRejectedStaysDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.manager.Connect(StaticToken("expired")); err != nil {
		t.Fatal(err)
	}
	conn := testutil.Receive(t, h.dialer.opened, wait, "waiting for dial")
	conn.nextWrite(t)
	conn.push(t, map[string]any{"type": "auth_failed", "reason": "token expired"})

	disconnected := h.expect(t, Disconnected)
	var rejection *AuthRejectedError
	if !errors.As(disconnected.Err, &rejection) || rejection.Reason != "token expired" {
		t.Errorf("Disconnected cause = %v", disconnected.Err)
	}
	signal := testutil.Receive(t, h.rejections, wait, "waiting for OnAuthFailed")
	if signal.Reason != "token expired" {
		t.Errorf("OnAuthFailed reason = %q", signal.Reason)
	}
	if armed := h.clock.Armed(); armed != 0 {
		t.Errorf("%d timers armed after rejection, want none", armed)
	}
	h.clock.Advance(time.Hour)
	if h.dialer.dialCount() != 1 {
		t.Errorf("dialed %d times after rejection", h.dialer.dialCount())
	}
}

type generationToken struct {
	token      string
	generation uint64
}

func (g generationToken) BearerToken() (string, error) { return g.token, nil }

func (g generationToken) Token() (string, uint64, error) { return g.token, g.generation, nil }

func TestAuthRejectedCarriesTokenGeneration(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.manager.Connect(generationToken{token: "stale", generation: 7}); err != nil {
		t.Fatal(err)
	}
	conn := testutil.Receive(t, h.dialer.opened, wait, "waiting for dial")
	if auth := conn.nextWrite(t); auth["token"] != "stale" {
		t.Fatalf("auth frame = %v", auth)
	}
	conn.push(t, map[string]any{"type": "auth_failed", "reason": "revoked"})

	rejection := testutil.Receive(t, h.rejections, wait, "waiting for OnAuthFailed")
	if rejection.Generation != 7 {
		t.Errorf("rejection generation = %d, want 7", rejection.Generation)
	}
}

func TestAuthTimeoutReconnects(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.manager.Connect(StaticToken("token")); err != nil {
		t.Fatal(err)
	}
	conn := testutil.Receive(t, h.dialer.opened, wait, "waiting for dial")
	conn.nextWrite(t)
	h.expect(t, AwaitingAuth)

	h.clock.BlockUntil(1)
	h.clock.Advance(10 * time.Second)
	reconnecting := h.expect(t, Reconnecting)
	if !errors.Is(reconnecting.Err, ErrAuthTimeout) {
		t.Errorf("cause = %v, want ErrAuthTimeout", reconnecting.Err)
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.setFailures(1)
	if err := h.manager.Connect(StaticToken("token")); err != nil {
		t.Fatal(err)
	}
	h.expect(t, Reconnecting)
	h.clock.BlockUntil(1)

	h.manager.Disconnect()
	h.expect(t, Disconnected)
	h.clock.Advance(time.Minute)

	testutil.Never(t, 50*time.Millisecond, func() bool { return h.dialer.dialCount() > 1 }, "a redial after Disconnect")
	if state := h.manager.State(); state != Disconnected {
		t.Errorf("state = %s, want disconnected", state)
	}
}

func TestConnectDuringBackoffDialsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.setFailures(1)
	if err := h.manager.Connect(StaticToken("old")); err != nil {
		t.Fatal(err)
	}
	h.expect(t, Reconnecting)

	if err := h.manager.Connect(StaticToken("new")); err != nil {
		t.Fatalf("Connect from reconnecting: %v", err)
	}
	conn := testutil.Receive(t, h.dialer.opened, wait, "waiting for immediate dial")
	if token := conn.accept(t); token != "new" {
		t.Errorf("handshake token = %q, want new", token)
	}
	h.expect(t, Authenticated)

	// The superseded backoff timer must not cause another dial.
	h.clock.Advance(time.Minute)
	testutil.Never(t, 50*time.Millisecond, func() bool { return h.dialer.dialCount() > 2 }, "a dial from the stale timer")
}

func TestShutdownIsFinal(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAndAuthenticate(t)
	h.manager.Shutdown()
	h.manager.Shutdown()
	h.expect(t, Disconnected)

	if err := h.manager.Connect(StaticToken("token")); !errors.Is(err, ErrShutdown) {
		t.Errorf("Connect after Shutdown = %v", err)
	}
	if err := h.manager.Send(wire.Subscription{Type: wire.TypeSubscribe, Channel: "x"}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Send after Shutdown = %v", err)
	}
}

func TestSendRejectsWhileDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.manager.Send(map[string]any{"type": "typing"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}

	conn := h.connectAndAuthenticate(t)
	if err := h.manager.Send(map[string]any{"type": "typing", "conversation_id": "7"}); err != nil {
		t.Fatalf("Send while authenticated: %v", err)
	}
	if frame := conn.nextWrite(t); frame["type"] != "typing" {
		t.Errorf("written frame = %v", frame)
	}
}

func TestFailedSendReturnsBeforeObserversRun(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connectAndAuthenticate(t)

	// senderLock is held across TrySend by the sender and taken by an
	// observer on authentication, the way a subscription registry
	// orders its frames.
	var senderLock sync.Mutex
	reconnecting := make(chan struct{}, 1)
	release := make(chan struct{})
	h.manager.Observe(func(transition Transition) {
		switch transition.To {
		case Reconnecting:
			reconnecting <- struct{}{}
			<-release
		case Authenticated:
			senderLock.Lock()
			senderLock.Unlock()
		}
	})

	conn.broken.Store(true)
	sent := make(chan error, 1)
	go func() {
		senderLock.Lock()
		defer senderLock.Unlock()
		sent <- h.manager.TrySend(map[string]any{"type": "subscribe", "channel": "conv:42"})
	}()

	if err := testutil.Receive(t, sent, wait, "TrySend to return while an observer is blocked"); err == nil {
		t.Error("TrySend on a broken connection succeeded")
	}
	testutil.Receive(t, reconnecting, wait, "waiting for the Reconnecting observer")

	h.clock.BlockUntil(1)
	h.clock.Advance(time.Second)
	replacement := testutil.Receive(t, h.dialer.opened, wait, "waiting for redial")
	replacement.accept(t)
	close(release)
	h.expect(t, Authenticated)
}

func TestSendBufferDropsOldest(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.SendPolicy = SendBuffer
		c.SendBufferLimit = 2
	})
	for _, name := range []string{"first", "second", "third"} {
		if err := h.manager.Send(map[string]any{"type": "typing", "name": name}); err != nil {
			t.Fatalf("Send(%s): %v", name, err)
		}
	}
	if buffered := h.manager.Buffered(); buffered != 2 {
		t.Fatalf("Buffered() = %d, want 2", buffered)
	}
	if err := h.manager.TrySend(map[string]any{"type": "typing"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("TrySend = %v, want ErrNotConnected", err)
	}

	conn := h.connectAndAuthenticate(t)
	for _, want := range []string{"second", "third"} {
		if frame := conn.nextWrite(t); frame["name"] != want {
			t.Errorf("flushed frame = %v, want %s", frame, want)
		}
	}
	testutil.Eventually(t, wait, func() bool { return h.manager.Buffered() == 0 }, "buffer to drain")
}

func TestFramesRequireAuthentication(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.manager.Connect(StaticToken("token")); err != nil {
		t.Fatal(err)
	}
	conn := testutil.Receive(t, h.dialer.opened, wait, "waiting for dial")
	conn.nextWrite(t)
	conn.push(t, map[string]any{"type": "message.created", "seq": 0})
	conn.push(t, map[string]any{"type": "authenticated"})
	conn.push(t, map[string]any{"type": "message.created", "seq": 1})
	conn.push(t, map[string]any{"type": "message.updated", "seq": 2})

	first := testutil.Receive(t, h.frames, wait, "waiting for first frame")
	second := testutil.Receive(t, h.frames, wait, "waiting for second frame")
	if first.Type != "message.created" || second.Type != "message.updated" {
		t.Fatalf("frames = %s, %s", first.Type, second.Type)
	}
	var body struct{ Seq int }
	if err := first.Decode(&body); err != nil || body.Seq != 1 {
		t.Errorf("first frame seq = %d (%v), the pre-auth frame leaked", body.Seq, err)
	}
}

func TestObserverPanicDoesNotStopOthers(t *testing.T) {
	h := newHarness(t, nil)
	h.manager.Observe(func(Transition) { panic("observer bug") })
	seen := make(chan State, 16)
	cancel := h.manager.Observe(func(transition Transition) { seen <- transition.To })

	h.connectAndAuthenticate(t)
	for {
		if testutil.Receive(t, seen, wait, "waiting for later observer") == Authenticated {
			break
		}
	}

	cancel()
	h.manager.Disconnect()
	h.expect(t, Disconnected)
	select {
	case state := <-seen:
		t.Errorf("cancelled observer saw %s", state)
	default:
	}
}

func TestTokenErrorDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	failing := TokenFunc(func() (string, error) { return "", errors.New("logged out") })
	if err := h.manager.Connect(failing); err != nil {
		t.Fatal(err)
	}
	disconnected := h.expect(t, Disconnected)
	if disconnected.Err == nil {
		t.Error("Disconnected transition without cause")
	}
	if h.dialer.dialCount() != 0 {
		t.Errorf("dialed %d times without a token", h.dialer.dialCount())
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New without URL succeeded")
	}
	if _, err := New(Config{URL: "ws://x", MinBackoff: 5 * time.Second, MaxBackoff: time.Second}); err == nil {
		t.Error("New with inverted backoff succeeded")
	}
	if _, err := New(Config{URL: "ws://x", SendPolicy: SendBuffer}); err == nil {
		t.Error("New with zero buffer limit succeeded")
	}
}

func TestStateString(t *testing.T) {
	if Authenticated.String() != "authenticated" || State(42).String() != "state(42)" {
		t.Error("unexpected State names")
	}
}
