// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fakeserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/courier/lib/testutil"
	"github.com/bureau-foundation/courier/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	server := New(slog.New(slog.DiscardHandler))
	t.Cleanup(server.Close)
	return server
}

func login(t *testing.T, server *Server) (*http.Client, string) {
	t.Helper()
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar, Timeout: 5 * time.Second}
	response, err := client.Post(server.URL+LoginPath, "application/json", strings.NewReader(`{"user":"alice"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil || body.AccessToken == "" {
		t.Fatalf("login response: %v, %+v", err, body)
	}
	return client, body.AccessToken
}

func csrfFrom(t *testing.T, client *http.Client, server *Server) string {
	t.Helper()
	base, _ := url.Parse(server.URL)
	for _, cookie := range client.Jar.Cookies(base) {
		if cookie.Name == CSRFCookie {
			return cookie.Value
		}
	}
	t.Fatal("no CSRF cookie after login")
	return ""
}

func TestRefreshRequiresCSRFAndCookie(t *testing.T) {
	server := newTestServer(t)
	client, _ := login(t, server)

	response, err := client.Post(server.URL+RefreshPath, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusForbidden {
		t.Errorf("refresh without CSRF = %d", response.StatusCode)
	}

	request, _ := http.NewRequest(http.MethodPost, server.URL+RefreshPath, nil)
	request.Header.Set(CSRFHeader, csrfFrom(t, client, server))
	response, err = client.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("refresh = %d", response.StatusCode)
	}

	server.FailRefresh(true)
	request, _ = http.NewRequest(http.MethodPost, server.URL+RefreshPath, nil)
	request.Header.Set(CSRFHeader, csrfFrom(t, client, server))
	response, err = client.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("failing refresh = %d", response.StatusCode)
	}
	if server.Refreshes() != 3 {
		t.Errorf("Refreshes() = %d", server.Refreshes())
	}
}

func TestConversationAPIRequiresBearer(t *testing.T) {
	server := newTestServer(t)
	client, token := login(t, server)
	server.Seed("c1", "aGk=")

	request, _ := http.NewRequest(http.MethodGet, server.URL+"/conversations/c1/messages", nil)
	response, err := client.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("without bearer = %d", response.StatusCode)
	}

	request, _ = http.NewRequest(http.MethodGet, server.URL+"/conversations/c1/messages", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err = client.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Timestamp int64 `json:"ts"`
	}
	if err := json.NewDecoder(response.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Messages) != 1 || list.Timestamp != 1 {
		t.Errorf("list = %+v", list)
	}

	server.RevokeTokens()
	request, _ = http.NewRequest(http.MethodGet, server.URL+"/conversations/c1/messages", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err = client.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked token = %d", response.StatusCode)
	}
}

func dialChannel(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(server.ChannelURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	frame, err := wire.Parse(wire.JSON, data)
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func TestChannelHandshakeSubscribeAndPush(t *testing.T) {
	server := newTestServer(t)
	token := server.IssueToken("alice")
	conn := dialChannel(t, server)

	conn.WriteJSON(wire.Auth{Type: wire.TypeAuth, Token: token})
	if frame := readType(t, conn); frame.Type != wire.TypeAuthenticated {
		t.Fatalf("handshake reply = %q", frame.Type)
	}
	conn.WriteJSON(wire.Subscription{Type: wire.TypeSubscribe, Channel: "conv:c1"})
	testutil.Eventually(t, 5*time.Second, func() bool { return server.Subscribed("conv:c1") }, "subscription")

	if delivered := server.Push("conv:c1", map[string]string{"type": "typing", "user_id": "bob"}); delivered != 1 {
		t.Errorf("Push delivered to %d", delivered)
	}
	if frame := readType(t, conn); frame.Type != "typing" {
		t.Errorf("pushed frame type = %q", frame.Type)
	}
	if server.Push("conv:other", map[string]string{"type": "typing"}) != 0 {
		t.Error("push reached an unsubscribed channel")
	}
	if server.Authentications() != 1 || server.Subscribes("conv:c1") != 1 {
		t.Errorf("auths %d, subscribes %d", server.Authentications(), server.Subscribes("conv:c1"))
	}
}

func TestChannelRejectsBadToken(t *testing.T) {
	server := newTestServer(t)
	conn := dialChannel(t, server)
	conn.WriteJSON(wire.Auth{Type: wire.TypeAuth, Token: "forged"})
	if frame := readType(t, conn); frame.Type != wire.TypeAuthFailed {
		t.Fatalf("reply to forged token = %q", frame.Type)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after auth_failed")
	}
}

func TestDropConnections(t *testing.T) {
	server := newTestServer(t)
	conn := dialChannel(t, server)
	conn.WriteJSON(wire.Auth{Type: wire.TypeAuth, Token: server.IssueToken("alice")})
	readType(t, conn)
	testutil.Eventually(t, 5*time.Second, func() bool { return server.Connections() == 1 }, "connection registered")

	server.DropConnections()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read succeeded on a dropped connection")
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return server.Connections() == 0 }, "connection removed")
}

func TestRefuseChannel(t *testing.T) {
	server := newTestServer(t)
	server.RefuseChannel(2)
	for range 2 {
		_, response, err := websocket.DefaultDialer.Dial(server.ChannelURL(), nil)
		if err == nil {
			t.Fatal("dial succeeded while the channel is refused")
		}
		if response == nil || response.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("refused dial response = %v, want 503", response)
		}
	}
	dialChannel(t, server)
}
