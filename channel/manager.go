// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/netutil"
	"github.com/bureau-foundation/courier/wire"
)

// SendPolicy decides what Send does outside Authenticated.
type SendPolicy int

const (
	// SendReject fails immediately with ErrNotConnected.
	SendReject SendPolicy = iota

	// SendBuffer queues up to SendBufferLimit frames and writes them
	// after the next authentication. On overflow the oldest queued
	// frame is dropped.
	SendBuffer
)

// Config configures a Manager.
type Config struct {
	// URL is the channel endpoint. Required.
	URL string

	// Dialer defaults to a WebsocketDialer using the timeouts below.
	Dialer Dialer

	// Codec defaults to wire.JSON.
	Codec wire.Codec

	// MinBackoff is the first reconnect delay and the delay after any
	// successful authentication. Default 1s.
	MinBackoff time.Duration

	// MaxBackoff caps the doubling. Default 30s.
	MaxBackoff time.Duration

	// DialTimeout bounds opening the transport. Default 10s.
	DialTimeout time.Duration

	// AuthTimeout bounds the wait for authenticated or auth_failed.
	// Default 10s.
	AuthTimeout time.Duration

	// PingInterval is the liveness ping period while authenticated.
	// Zero disables pings.
	PingInterval time.Duration

	// ReadTimeout and WriteTimeout configure the default dialer.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	SendPolicy      SendPolicy
	SendBufferLimit int

	// Instance identifies this client process in the auth frame.
	Instance string

	// OnFrame receives every non-handshake frame that arrives while
	// authenticated, serially and in arrival order.
	OnFrame func(wire.Frame)

	// OnAuthFailed is called once per rejected handshake, after the
	// manager has moved to Disconnected.
	OnAuthFailed func(*AuthRejectedError)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns the single realtime connection. Construct one per
// session with New; it is safe for concurrent use.
//
// Every dial, read loop, pinger, and timer carries the epoch current
// when it was started. Connect, Disconnect, Shutdown, and every
// transport failure advance the epoch, so work belonging to an
// abandoned connection can never change state.
type Manager struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	epoch      uint64
	tokens     TokenSource
	conn       Conn
	cancelDial context.CancelFunc
	retry      *clock.Timer
	authTimer  *clock.Timer
	stopPing   chan struct{}
	delay      time.Duration
	attempt    int
	shut       bool

	buffer   *queue.Queue
	flushing bool

	writeMu sync.Mutex

	observers    map[int]func(Transition)
	observerSeq  int
	transitions  []Transition
	notifying    bool
	authFailures []*AuthRejectedError
}

// New validates config and returns a Disconnected manager.
func New(config Config) (*Manager, error) {
	if config.URL == "" {
		return nil, errors.New("channel: URL is required")
	}
	if config.MinBackoff == 0 {
		config.MinBackoff = time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.MinBackoff < 0 || config.MaxBackoff < config.MinBackoff {
		return nil, fmt.Errorf("channel: invalid backoff range %v..%v", config.MinBackoff, config.MaxBackoff)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = 10 * time.Second
	}
	if config.SendPolicy == SendBuffer && config.SendBufferLimit <= 0 {
		return nil, errors.New("channel: SendBufferLimit must be positive with SendBuffer")
	}
	if config.Codec == nil {
		config.Codec = wire.JSON
	}
	if config.Dialer == nil {
		config.Dialer = &WebsocketDialer{ReadTimeout: config.ReadTimeout, WriteTimeout: config.WriteTimeout}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		config:    config,
		clock:     config.Clock,
		logger:    config.Logger.With("url", config.URL),
		delay:     config.MinBackoff,
		buffer:    queue.New(),
		observers: make(map[int]func(Transition)),
	}, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the manager is Authenticated.
func (m *Manager) Online() bool { return m.State() == Authenticated }

// Observe registers fn for every future transition. Transitions are
// delivered one at a time, in order, without the manager's lock held,
// so fn may call back into the manager. A failed Send or TrySend never
// runs observers on its caller's goroutine. The returned func removes
// fn.
func (m *Manager) Observe(fn func(Transition)) (cancel func()) {
	m.mu.Lock()
	m.observerSeq++
	id := m.observerSeq
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Connect starts connecting with tokens. From Reconnecting it cancels
// the pending backoff timer and dials immediately.
func (m *Manager) Connect(tokens TokenSource) error {
	if tokens == nil {
		return errors.New("channel: nil token source")
	}
	m.mu.Lock()
	if m.shut {
		m.mu.Unlock()
		return ErrShutdown
	}
	m.tokens = tokens
	switch m.state {
	case Connecting, AwaitingAuth, Authenticated:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.epoch++
	m.stopTimersLocked()
	epoch := m.epoch
	m.setStateLocked(Connecting, nil, 0)
	m.mu.Unlock()

	m.notify()
	go m.dial(epoch)
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect.
// Buffered frames are discarded. The manager can be connected again.
func (m *Manager) Disconnect() {
	m.stop(false)
}

// Shutdown disconnects permanently. Later calls to Connect return
// ErrShutdown. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.stop(true)
}

func (m *Manager) stop(final bool) {
	m.mu.Lock()
	if final {
		m.shut = true
	}
	m.epoch++
	m.stopTimersLocked()
	m.teardownLocked()
	m.delay = m.config.MinBackoff
	m.attempt = 0
	for m.buffer.Length() > 0 {
		m.buffer.Remove()
	}
	if m.state != Disconnected {
		m.setStateLocked(Disconnected, nil, 0)
	}
	m.mu.Unlock()
	m.notify()
}

// TrySend writes v only if the manager is Authenticated. It never
// buffers.
func (m *Manager) TrySend(v any) error {
	m.mu.Lock()
	if m.shut {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.state != Authenticated {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn, epoch := m.conn, m.epoch
	m.mu.Unlock()
	return m.write(epoch, conn, v)
}

// Send writes v according to the configured SendPolicy. A frame
// accepted into the buffer returns nil.
func (m *Manager) Send(v any) error {
	if m.config.SendPolicy == SendReject {
		return m.TrySend(v)
	}
	m.mu.Lock()
	if m.shut {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.state == Authenticated && !m.flushing {
		conn, epoch := m.conn, m.epoch
		m.mu.Unlock()
		return m.write(epoch, conn, v)
	}
	if m.buffer.Length() >= m.config.SendBufferLimit {
		m.buffer.Remove()
		m.logger.Warn("send buffer full, dropped oldest frame", "limit", m.config.SendBufferLimit)
	}
	m.buffer.Add(v)
	m.mu.Unlock()
	return nil
}

// Buffered returns the number of frames waiting for authentication.
func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Length()
}

func (m *Manager) write(epoch uint64, conn Conn, v any) error {
	data, err := m.config.Codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("channel: encoding frame: %w", err)
	}
	m.writeMu.Lock()
	err = conn.WriteMessage(m.config.Codec.MessageType(), data)
	m.writeMu.Unlock()
	if err != nil {
		// Writers may hold locks that observers take, so the resulting
		// transitions are delivered from another goroutine.
		if m.fail(epoch, err) {
			go m.notify()
		}
		return fmt.Errorf("channel: write: %w", err)
	}
	return nil
}

func (m *Manager) dial(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	tokens := m.tokens
	ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
	m.cancelDial = cancel
	m.mu.Unlock()
	defer cancel()

	token, generation, err := bearerToken(tokens)
	if err != nil {
		m.credentialUnavailable(epoch, err)
		return
	}

	conn, err := m.config.Dialer.Dial(ctx, m.config.URL)
	if err != nil {
		m.transportFailed(epoch, err)
		return
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.cancelDial = nil
	m.conn = conn
	m.authTimer = m.clock.AfterFunc(m.config.AuthTimeout, func() {
		m.transportFailed(epoch, ErrAuthTimeout)
	})
	m.setStateLocked(AwaitingAuth, nil, 0)
	m.mu.Unlock()
	m.notify()

	auth := wire.Auth{Type: wire.TypeAuth, Token: token, Instance: m.config.Instance}
	if err := m.write(epoch, conn, auth); err != nil {
		return
	}
	m.read(epoch, conn, generation)
}

// read is the connection's only reader. It returns when the transport
// fails or the epoch moves on. generation is the credential generation
// of the token the handshake sent.
func (m *Manager) read(epoch uint64, conn Conn, generation uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.transportFailed(epoch, err)
			return
		}
		frame, err := wire.Parse(m.config.Codec, data)
		if err != nil {
			m.logger.Warn("discarding malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case wire.TypeAuthenticated:
			if !m.authenticated(epoch) {
				return
			}
		case wire.TypeAuthFailed:
			var rejection wire.AuthFailed
			_ = frame.Decode(&rejection)
			m.authRejected(epoch, &AuthRejectedError{Reason: rejection.Reason, Generation: generation})
			return
		default:
			m.mu.Lock()
			current, state := m.epoch == epoch, m.state
			m.mu.Unlock()
			if !current {
				return
			}
			if state != Authenticated {
				m.logger.Debug("dropping frame before authentication", "type", frame.Type, "state", state.String())
				continue
			}
			m.deliverFrame(frame)
		}
	}
}

func (m *Manager) deliverFrame(frame wire.Frame) {
	if m.config.OnFrame == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("frame handler panicked", "type", frame.Type, "panic", recovered)
		}
	}()
	m.config.OnFrame(frame)
}

func (m *Manager) authenticated(epoch uint64) bool {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return false
	}
	if m.state != AwaitingAuth {
		m.mu.Unlock()
		m.logger.Debug("ignoring duplicate authenticated frame")
		return true
	}
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	m.delay = m.config.MinBackoff
	m.attempt = 0
	if m.config.PingInterval > 0 {
		m.stopPing = make(chan struct{})
		go m.ping(epoch, m.conn, m.clock.NewTicker(m.config.PingInterval), m.stopPing)
	}
	m.flushing = m.buffer.Length() > 0
	m.setStateLocked(Authenticated, nil, 0)
	conn := m.conn
	m.mu.Unlock()

	m.logger.Info("channel authenticated")
	m.notify()
	m.flush(epoch, conn)
	return true
}

// flush writes buffered frames in order. Sends that arrive meanwhile
// join the back of the buffer so ordering holds.
func (m *Manager) flush(epoch uint64, conn Conn) {
	for {
		m.mu.Lock()
		if epoch != m.epoch || m.buffer.Length() == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		next := m.buffer.Remove()
		m.mu.Unlock()
		if err := m.write(epoch, conn, next); err != nil {
			m.logger.Warn("buffered frame lost", "error", err)
			return
		}
	}
}

func (m *Manager) ping(epoch uint64, conn Conn, ticker *clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				m.transportFailed(epoch, fmt.Errorf("channel: ping: %w", err))
				return
			}
		}
	}
}

func (m *Manager) authRejected(epoch uint64, rejection *AuthRejectedError) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.stopTimersLocked()
	m.teardownLocked()
	m.delay = m.config.MinBackoff
	m.attempt = 0
	m.setStateLocked(Disconnected, rejection, 0)
	m.authFailures = append(m.authFailures, rejection)
	m.mu.Unlock()

	m.logger.Warn("channel authentication rejected", "reason", rejection.Reason)
	m.notify()
}

// credentialUnavailable stops without reconnecting: retrying cannot
// help until the application supplies a new credential.
func (m *Manager) credentialUnavailable(epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.stopTimersLocked()
	m.teardownLocked()
	m.setStateLocked(Disconnected, fmt.Errorf("channel: obtaining token: %w", err), 0)
	m.mu.Unlock()

	m.logger.Warn("no credential for channel handshake", "error", err)
	m.notify()
}

// transportFailed moves a live attempt to Reconnecting and arms the
// backoff timer. Failures from superseded epochs are ignored.
func (m *Manager) transportFailed(epoch uint64, cause error) {
	if m.fail(epoch, cause) {
		m.notify()
	}
}

// fail records a transport failure and reports whether it changed
// state. The caller delivers the queued transition.
func (m *Manager) fail(epoch uint64, cause error) bool {
	m.mu.Lock()
	if epoch != m.epoch || m.shut || m.state == Disconnected || m.state == Reconnecting {
		m.mu.Unlock()
		return false
	}
	m.epoch++
	m.stopTimersLocked()
	m.teardownLocked()

	retryEpoch := m.epoch
	delay := m.delay
	m.delay = min(m.delay*2, m.config.MaxBackoff)
	m.attempt++
	m.retry = m.clock.AfterFunc(delay, func() { m.retryFired(retryEpoch) })
	m.setStateLocked(Reconnecting, cause, delay)
	attempt := m.attempt
	m.mu.Unlock()

	if netutil.IsExpectedClose(cause) {
		m.logger.Info("channel closed, reconnecting", "delay", delay, "attempt", attempt)
	} else {
		m.logger.Warn("channel failed, reconnecting", "error", cause, "delay", delay, "attempt", attempt)
	}
	return true
}

func (m *Manager) retryFired(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.setStateLocked(Connecting, nil, 0)
	m.mu.Unlock()
	m.notify()
	go m.dial(epoch)
}

func (m *Manager) stopTimersLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
}

func (m *Manager) teardownLocked() {
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go conn.Close()
	}
	m.flushing = false
}

func (m *Manager) setStateLocked(next State, cause error, delay time.Duration) {
	m.transitions = append(m.transitions, Transition{
		From:    m.state,
		To:      next,
		Err:     cause,
		Delay:   delay,
		Attempt: m.attempt,
	})
	m.state = next
}

// notify drains queued transitions and auth failures to callbacks.
// Only one goroutine drains at a time; others leave their entries for
// it, which keeps delivery in transition order.
func (m *Manager) notify() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true
	for len(m.transitions) > 0 || len(m.authFailures) > 0 {
		if len(m.transitions) > 0 {
			next := m.transitions[0]
			m.transitions = m.transitions[1:]
			observers := make([]func(Transition), 0, len(m.observers))
			for id := 1; id <= m.observerSeq; id++ {
				if fn, ok := m.observers[id]; ok {
					observers = append(observers, fn)
				}
			}
			m.mu.Unlock()
			for _, fn := range observers {
				m.observe(fn, next)
			}
			m.mu.Lock()
			continue
		}
		rejection := m.authFailures[0]
		m.authFailures = m.authFailures[1:]
		m.mu.Unlock()
		if m.config.OnAuthFailed != nil {
			m.config.OnAuthFailed(rejection)
		}
		m.mu.Lock()
	}
	m.notifying = false
	m.mu.Unlock()
}

func (m *Manager) observe(fn func(Transition), transition Transition) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("state observer panicked",
				"from", transition.From.String(), "to", transition.To.String(), "panic", recovered)
		}
	}()
	fn(transition)
}
