// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package realtime assembles the sync core into one session: the
// credential store, the authenticated request client, the channel
// connection, the subscription registry, and the event dispatcher.
//
// The session wires inbound frames to the dispatcher, replays
// subscriptions on every authentication, refetches tracked caches on
// every re-authentication, and folds the two ways a session can be
// lost (a failed refresh and a rejected channel handshake) into one
// OnLogout call per credential.
package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/courier/channel"
	"github.com/bureau-foundation/courier/credential"
	"github.com/bureau-foundation/courier/dispatch"
	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/request"
	"github.com/bureau-foundation/courier/subscription"
	"github.com/bureau-foundation/courier/timeline"
)

// Invalidator is a cache that can be marked stale and refetched, such
// as a reconcile.Reconciler or a timeline.Timeline.
type Invalidator interface {
	InvalidateAll()
}

// Config configures a Session.
type Config struct {
	// BaseURL is the REST API root. Required.
	BaseURL string

	// RefreshPath is POSTed, relative to BaseURL, to renew the session.
	// Default /auth/refresh. Ignored when Refresher is set.
	RefreshPath string
	Refresher   request.Refresher

	// CSRFCookie names the cookie holding the CSRF token; CSRFHeader
	// is where it is echoed. Defaults csrf_token and X-CSRF-Token.
	CSRFCookie string
	CSRFHeader string

	// HTTPClient defaults to request.NewHTTPClient with a fresh cookie
	// jar. Its Jar, if any, is also used for the channel upgrade and
	// for reading the CSRF cookie.
	HTTPClient *http.Client

	// Channel configures the connection. URL is required. OnFrame and
	// OnAuthFailed are owned by the session and are overwritten.
	Channel channel.Config

	// OnLogout is called once per credential when the session is lost.
	OnLogout func()

	// OnAuthRejected is called for every rejected channel handshake,
	// before OnLogout.
	OnAuthRejected func(*channel.AuthRejectedError)

	UserAgent string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Session is safe for concurrent use.
type Session struct {
	credentials *credential.Store
	requests    *request.Client
	dispatcher  *dispatch.Dispatcher
	channel     *channel.Manager
	registry    *subscription.Registry
	clock       clock.Clock
	logger      *slog.Logger

	onLogout       func()
	onAuthRejected func(*channel.AuthRejectedError)

	mu                  sync.Mutex
	tracked             map[int]Invalidator
	trackSeq            int
	authenticatedBefore bool
	loggedOut           bool
	loggedOutGeneration uint64
	stopObserving       func()
}

// New builds a disconnected session with no credential.
func New(config Config) (*Session, error) {
	if config.BaseURL == "" {
		return nil, errors.New("realtime: BaseURL is required")
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid BaseURL: %w", err)
	}
	if config.Channel.URL == "" {
		return nil, errors.New("realtime: Channel.URL is required")
	}
	if config.RefreshPath == "" {
		config.RefreshPath = "/auth/refresh"
	}
	if config.CSRFCookie == "" {
		config.CSRFCookie = "csrf_token"
	}
	if config.CSRFHeader == "" {
		config.CSRFHeader = "X-CSRF-Token"
	}
	if config.HTTPClient == nil {
		config.HTTPClient = request.NewHTTPClient(nil, 0)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Session{
		credentials:    credential.NewStore(),
		clock:          config.Clock,
		logger:         config.Logger,
		onLogout:       config.OnLogout,
		onAuthRejected: config.OnAuthRejected,
		tracked:        make(map[int]Invalidator),
	}

	var csrf credential.CSRFSource
	if config.HTTPClient.Jar != nil {
		csrf = credential.CookieCSRF{Jar: config.HTTPClient.Jar, URL: base, Name: config.CSRFCookie}
	}
	refresher := config.Refresher
	if refresher == nil {
		refresher = &request.HTTPRefresher{
			Client:     config.HTTPClient,
			URL:        strings.TrimRight(config.BaseURL, "/") + config.RefreshPath,
			CSRF:       csrf,
			CSRFHeader: config.CSRFHeader,
		}
	}
	s.requests, err = request.NewClient(request.Config{
		BaseURL:           config.BaseURL,
		HTTPClient:        config.HTTPClient,
		Credentials:       s.credentials,
		CSRF:              csrf,
		CSRFHeader:        config.CSRFHeader,
		Refresher:         refresher,
		OnUnauthenticated: s.sessionLost,
		UserAgent:         config.UserAgent,
		Clock:             config.Clock,
		Logger:            config.Logger.With("component", "request"),
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}

	s.dispatcher = dispatch.New(dispatch.Config{
		Clock:  config.Clock,
		Logger: config.Logger.With("component", "dispatch"),
	})

	channelConfig := config.Channel
	channelConfig.OnFrame = s.dispatcher.HandleFrame
	channelConfig.OnAuthFailed = s.authRejected
	if channelConfig.Clock == nil {
		channelConfig.Clock = config.Clock
	}
	if channelConfig.Logger == nil {
		channelConfig.Logger = config.Logger.With("component", "channel")
	}
	if channelConfig.Dialer == nil {
		dialTimeout := channelConfig.DialTimeout
		if dialTimeout <= 0 {
			dialTimeout = 10 * time.Second
		}
		header := http.Header{}
		if config.UserAgent != "" {
			header.Set("User-Agent", config.UserAgent)
		}
		channelConfig.Dialer = &channel.WebsocketDialer{
			Dialer: &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: dialTimeout,
				Jar:              config.HTTPClient.Jar,
			},
			Header:       header,
			ReadTimeout:  channelConfig.ReadTimeout,
			WriteTimeout: channelConfig.WriteTimeout,
		}
	}
	s.channel, err = channel.New(channelConfig)
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}

	s.registry = subscription.New(s.channel, config.Logger.With("component", "subscription"))
	s.stopObserving = s.channel.Observe(s.transition)
	return s, nil
}

// transition runs for every connection state change, in order.
func (s *Session) transition(change channel.Transition) {
	s.registry.HandleTransition(change)
	if change.To != channel.Authenticated {
		return
	}
	s.mu.Lock()
	first := !s.authenticatedBefore
	s.authenticatedBefore = true
	var stale []Invalidator
	if !first {
		for id := 1; id <= s.trackSeq; id++ {
			if tracked, ok := s.tracked[id]; ok {
				stale = append(stale, tracked)
			}
		}
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		s.logger.Info("re-authenticated, refetching tracked caches", "caches", len(stale))
	}
	for _, tracked := range stale {
		tracked.InvalidateAll()
	}
}

// authRejected handles a rejected handshake. Only the generation whose
// token was rejected is invalidated; if a newer credential arrived
// while the handshake was in flight, the channel reconnects with it.
func (s *Session) authRejected(rejection *channel.AuthRejectedError) {
	if s.onAuthRejected != nil {
		s.onAuthRejected(rejection)
	}
	generation := rejection.Generation
	if !s.credentials.Invalidate(generation) && s.credentials.Generation() != generation {
		if _, _, err := s.credentials.Token(); err != nil {
			return
		}
		s.logger.Info("channel rejected a superseded credential, reconnecting",
			"rejected_generation", generation, "generation", s.credentials.Generation())
		err := s.channel.Connect(s.credentials)
		if err != nil && !errors.Is(err, channel.ErrAlreadyConnected) && !errors.Is(err, channel.ErrShutdown) {
			s.logger.Warn("reconnecting after superseded rejection", "error", err)
		}
		return
	}
	s.signalLogout(generation)
}

// sessionLost is the request layer's OnUnauthenticated. The request
// client has already invalidated the current generation.
func (s *Session) sessionLost() {
	s.signalLogout(s.credentials.Generation())
	s.channel.Disconnect()
}

func (s *Session) signalLogout(generation uint64) {
	s.mu.Lock()
	if s.loggedOut && s.loggedOutGeneration == generation {
		s.mu.Unlock()
		return
	}
	s.loggedOut = true
	s.loggedOutGeneration = generation
	s.mu.Unlock()

	s.logger.Warn("session lost, login required", "generation", generation)
	if s.onLogout != nil {
		s.onLogout()
	}
}

// Login installs a bearer token from the login flow.
func (s *Session) Login(token string) error {
	generation, err := s.credentials.Set(token)
	if err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	s.logger.Debug("credential installed", "generation", generation)
	return nil
}

// Logout forgets the credential and disconnects. It does not call
// OnLogout, which reports sessions lost involuntarily.
func (s *Session) Logout() {
	s.credentials.Clear()
	s.channel.Disconnect()
}

// Connect opens the channel with the session credential.
func (s *Session) Connect() error {
	return s.channel.Connect(s.credentials)
}

// Disconnect closes the channel and cancels any pending reconnect.
func (s *Session) Disconnect() {
	s.channel.Disconnect()
}

// Shutdown disconnects permanently.
func (s *Session) Shutdown() {
	s.channel.Shutdown()
	s.mu.Lock()
	stop := s.stopObserving
	s.stopObserving = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Subscribe adds name to the subscription set. Offline, the change is
// sent on the next authentication.
func (s *Session) Subscribe(name string) error {
	_, err := s.registry.Subscribe(name)
	return err
}

// Unsubscribe removes name from the subscription set.
func (s *Session) Unsubscribe(name string) error {
	_, err := s.registry.Unsubscribe(name)
	return err
}

// Subscriptions returns the subscription set, sorted.
func (s *Session) Subscriptions() []string {
	return s.registry.Channels()
}

// On registers listener for eventType, or dispatch.AnyEvent.
func (s *Session) On(eventType string, listener dispatch.Listener) dispatch.ListenerID {
	return s.dispatcher.On(eventType, listener)
}

// Off removes a listener registered with On.
func (s *Session) Off(eventType string, id dispatch.ListenerID) bool {
	return s.dispatcher.Off(eventType, id)
}

// Send writes a client frame on the channel, under the channel's send
// policy.
func (s *Session) Send(frame any) error {
	return s.channel.Send(frame)
}

// Requests returns the authenticated REST client.
func (s *Session) Requests() *request.Client { return s.requests }

// Dispatcher returns the event dispatcher.
func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Credentials returns the credential store.
func (s *Session) Credentials() *credential.Store { return s.credentials }

// Track refetches cache after every re-authentication, since events
// may have been missed while offline. The returned func stops that.
func (s *Session) Track(cache Invalidator) (untrack func()) {
	s.mu.Lock()
	s.trackSeq++
	id := s.trackSeq
	s.tracked[id] = cache
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.tracked, id)
		s.mu.Unlock()
	}
}

// OpenTimeline builds a timeline on the session's request client and
// dispatcher and tracks it. API, Dispatcher, Clock, and Logger in
// config are filled in when unset.
func (s *Session) OpenTimeline(config timeline.Config) (*timeline.Timeline, error) {
	if config.API == nil {
		config.API = s.requests
	}
	if config.Dispatcher == nil {
		config.Dispatcher = s.dispatcher
	}
	if config.Clock == nil {
		config.Clock = s.clock
	}
	if config.Logger == nil {
		config.Logger = s.logger.With("component", "timeline")
	}
	opened, err := timeline.New(config)
	if err != nil {
		return nil, err
	}
	s.Track(opened)
	return opened, nil
}

// State returns the connection state.
func (s *Session) State() channel.State { return s.channel.State() }

// Online reports whether the channel is authenticated.
func (s *Session) Online() bool { return s.channel.Online() }

// Observe registers fn for connection state changes.
func (s *Session) Observe(fn func(channel.Transition)) (cancel func()) {
	return s.channel.Observe(fn)
}
