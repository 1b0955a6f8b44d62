// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fakeserver is an in-process messaging backend for tests and
// local development: cookie-based login and refresh with CSRF, a small
// conversation API, and the realtime channel over websocket.
//
// Knobs on Server let a test revoke access tokens, fail refreshes,
// reject channel handshakes, drop connections, and count what the
// client sent.
package fakeserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"

	"github.com/bureau-foundation/courier/dispatch"
	"github.com/bureau-foundation/courier/lib/netutil"
)

const (
	// RefreshCookie carries the long-lived refresh credential.
	RefreshCookie = "refresh_token"

	// CSRFCookie carries the anti-forgery token, echoed in CSRFHeader.
	CSRFCookie = "csrf_token"
	CSRFHeader = "X-CSRF-Token"

	// RefreshPath renews the access token.
	RefreshPath = "/auth/refresh"
	LoginPath   = "/auth/login"
	ChannelPath = "/ws"
)

// Backend holds the fake's state and serves it over HTTP. Use New for
// an httptest-backed Server, or Handler to mount it elsewhere.
type Backend struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	mu           sync.Mutex
	tokens       map[string]string // access token -> user
	refresh      map[string]string // refresh token -> user
	csrf         string
	refreshFails bool
	rejectAuth   bool
	refuseDials  int
	refreshes    int
	auths        int
	subscribes   map[string]int
	conns        map[*peer]struct{}
	messages     map[string][]dispatch.Message
	clock        int64
	nextID       int
}

// NewBackend returns an empty backend.
func NewBackend(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		tokens:     make(map[string]string),
		refresh:    make(map[string]string),
		csrf:       randomToken(),
		subscribes: make(map[string]int),
		conns:      make(map[*peer]struct{}),
		messages:   make(map[string][]dispatch.Message),
	}

	router := mux.NewRouter()
	router.HandleFunc(LoginPath, b.handleLogin).Methods(http.MethodPost)
	router.HandleFunc(RefreshPath, b.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc(ChannelPath, b.handleChannel)

	api := router.PathPrefix("/conversations").Subrouter()
	api.Use(b.requireBearer, b.requireCSRF, func(next http.Handler) http.Handler {
		return gzhttp.GzipHandler(next)
	})
	api.HandleFunc("/{conversation}/messages", b.handleList).Methods(http.MethodGet)
	api.HandleFunc("/{conversation}/messages", b.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/{conversation}/messages/{message}", b.handleEdit).Methods(http.MethodPatch)
	api.HandleFunc("/{conversation}/messages/{message}", b.handleDelete).Methods(http.MethodDelete)
	b.router = router
	return b
}

// Handler serves the backend.
func (b *Backend) Handler() http.Handler { return b.router }

// Server is a Backend listening on a loopback httptest server.
type Server struct {
	*Backend
	*httptest.Server
}

// New starts a server. Close it when done.
func New(logger *slog.Logger) *Server {
	backend := NewBackend(logger)
	return &Server{Backend: backend, Server: httptest.NewServer(backend.Handler())}
}

// ChannelURL is the websocket endpoint.
func (s *Server) ChannelURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + ChannelPath
}

// Close drops every channel connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func randomToken() string {
	buffer := make([]byte, 16)
	rand.Read(buffer)
	return hex.EncodeToString(buffer)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// IssueToken mints an access token for user without a login.
func (b *Backend) IssueToken(user string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked(user)
}

func (b *Backend) issueLocked(user string) string {
	token := "at-" + randomToken()
	b.tokens[token] = user
	return token
}

// RevokeTokens invalidates every access token. Refresh tokens survive,
// so the next request's 401 can be recovered by a refresh.
func (b *Backend) RevokeTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.tokens)
}

// FailRefresh makes the refresh endpoint answer 401.
func (b *Backend) FailRefresh(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshFails = fail
}

// RejectAuth makes channel handshakes fail.
func (b *Backend) RejectAuth(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectAuth = reject
}

// RefuseChannel makes the next n channel upgrades fail with 503, as a
// server that is down would.
func (b *Backend) RefuseChannel(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuseDials = n
}

// Refreshes counts refresh requests, successful or not.
func (b *Backend) Refreshes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshes
}

// Authentications counts successful channel handshakes.
func (b *Backend) Authentications() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auths
}

// Subscribes counts subscribe frames received for channel.
func (b *Backend) Subscribes(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[channel]
}

// Connections counts open channel connections.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Subscribed reports whether any authenticated connection is currently
// subscribed to channel.
func (b *Backend) Subscribed(channel string) bool {
	for _, conn := range b.peers() {
		if conn.subscribedTo(channel) {
			return true
		}
	}
	return false
}

func (b *Backend) peers() []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]*peer, 0, len(b.conns))
	for conn := range b.conns {
		peers = append(peers, conn)
	}
	return peers
}

// DropConnections closes every channel connection without a close
// handshake, like a network failure.
func (b *Backend) DropConnections() {
	for _, conn := range b.peers() {
		conn.ws.UnderlyingConn().Close()
	}
}

// Push sends frame to every authenticated connection subscribed to
// channel and returns how many received it.
func (b *Backend) Push(channel string, frame any) int {
	delivered := 0
	for _, conn := range b.peers() {
		if conn.subscribedTo(channel) && conn.send(frame) == nil {
			delivered++
		}
	}
	return delivered
}

// Seed appends messages from other users to a conversation.
func (b *Backend) Seed(conversationID string, bodies ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, body := range bodies {
		b.appendLocked(conversationID, "", "seed", body)
	}
}

func (b *Backend) appendLocked(conversationID, clientID, sender, body string) (dispatch.Message, int64) {
	b.nextID++
	b.clock++
	message := dispatch.Message{
		ID:             fmt.Sprintf("m%06d", b.nextID),
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       sender,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	b.messages[conversationID] = append(b.messages[conversationID], message)
	return message, b.clock
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request struct {
		User string `json:"user"`
	}
	body, err := netutil.ReadBody(r.Body)
	if err != nil || json.Unmarshal(body, &request) != nil || request.User == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user is required")
		return
	}
	b.mu.Lock()
	refresh := "rt-" + randomToken()
	b.refresh[refresh] = request.User
	token := b.issueLocked(request.User)
	csrf := b.csrf
	b.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: RefreshCookie, Value: refresh, Path: "/", HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: CSRFCookie, Value: csrf, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	if r.Header.Get(CSRFHeader) != b.csrf {
		writeError(w, http.StatusForbidden, "csrf", "missing or wrong CSRF token")
		return
	}
	cookie, err := r.Cookie(RefreshCookie)
	if err != nil || b.refreshFails {
		writeError(w, http.StatusUnauthorized, "refresh_expired", "log in again")
		return
	}
	user, ok := b.refresh[cookie.Value]
	if !ok {
		writeError(w, http.StatusUnauthorized, "refresh_expired", "log in again")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": b.issueLocked(user)})
}

func (b *Backend) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		_, valid := b.tokens[token]
		b.mu.Unlock()
		if !ok || !valid {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid access token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			b.mu.Lock()
			expected := b.csrf
			b.mu.Unlock()
			if r.Header.Get(CSRFHeader) != expected {
				writeError(w, http.StatusForbidden, "csrf", "missing or wrong CSRF token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) userOf(r *http.Request) string {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens[token]
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversation"]
	b.mu.Lock()
	messages := slices.Clone(b.messages[conversationID])
	clock := b.clock
	b.mu.Unlock()
	if messages == nil {
		messages = []dispatch.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages, "ts": clock})
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversation"]
	var request struct {
		ClientID string `json:"client_id"`
		Body     string `json:"body"`
	}
	body, err := netutil.ReadBody(r.Body)
	if err != nil || json.Unmarshal(body, &request) != nil || request.Body == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "body is required")
		return
	}
	user := b.userOf(r)
	b.mu.Lock()
	message, clock := b.appendLocked(conversationID, request.ClientID, user, request.Body)
	b.mu.Unlock()

	b.Push("conv:"+conversationID, map[string]any{
		"type": dispatch.TypeMessageCreated, "conversation_id": conversationID, "message": message, "ts": clock,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"message": message, "ts": clock})
}

func (b *Backend) handleEdit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var request struct {
		Body string `json:"body"`
	}
	body, err := netutil.ReadBody(r.Body)
	if err != nil || json.Unmarshal(body, &request) != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed body")
		return
	}
	b.mu.Lock()
	var edited *dispatch.Message
	for i, message := range b.messages[vars["conversation"]] {
		if message.ID == vars["message"] {
			now := time.Now().UTC()
			b.messages[vars["conversation"]][i].Body = request.Body
			b.messages[vars["conversation"]][i].EditedAt = &now
			edited = &b.messages[vars["conversation"]][i]
			break
		}
	}
	if edited == nil {
		b.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no such message")
		return
	}
	b.clock++
	message, clock := *edited, b.clock
	b.mu.Unlock()

	b.Push("conv:"+vars["conversation"], map[string]any{
		"type": dispatch.TypeMessageUpdated, "conversation_id": vars["conversation"], "message": message, "ts": clock,
	})
	writeJSON(w, http.StatusOK, map[string]any{"message": message, "ts": clock})
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	b.mu.Lock()
	before := len(b.messages[vars["conversation"]])
	b.messages[vars["conversation"]] = slices.DeleteFunc(b.messages[vars["conversation"]], func(message dispatch.Message) bool {
		return message.ID == vars["message"]
	})
	if len(b.messages[vars["conversation"]]) == before {
		b.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no such message")
		return
	}
	b.clock++
	clock := b.clock
	b.mu.Unlock()

	b.Push("conv:"+vars["conversation"], map[string]any{
		"type": dispatch.TypeMessageDeleted, "conversation_id": vars["conversation"], "message_id": vars["message"], "ts": clock,
	})
	writeJSON(w, http.StatusOK, map[string]int64{"ts": clock})
}
