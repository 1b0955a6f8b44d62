// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open transport. ReadMessage is called from a single
// goroutine; WriteMessage calls are serialized by the manager; Ping and
// Close may be called concurrently with either.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Ping() error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

const (
	// maxInboundFrame caps a single inbound websocket message.
	maxInboundFrame = 4 << 20

	// closeGrace bounds the close handshake write on a dying socket.
	closeGrace = time.Second
)

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is sent with the upgrade request (cookies, user agent).
	Header http.Header

	// ReadTimeout closes a connection that has received nothing, pongs
	// included, for this long. Zero disables the deadline.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write and ping.
	WriteTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, response, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("channel: dialing %s: %w (HTTP %d)", url, err, response.StatusCode)
		}
		return nil, fmt.Errorf("channel: dialing %s: %w", url, err)
	}
	conn.SetReadLimit(maxInboundFrame)

	ws := &websocketConn{conn: conn, readTimeout: d.ReadTimeout, writeTimeout: d.WriteTimeout}
	if d.ReadTimeout > 0 {
		ws.extendRead()
		conn.SetPongHandler(func(string) error {
			ws.extendRead()
			return nil
		})
	}
	return ws, nil
}

// websocketConn applies socket deadlines. These are wall-clock network
// deadlines enforced by the net package, so they do not go through
// lib/clock.
type websocketConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *websocketConn) extendRead() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
}

func (c *websocketConn) writeDeadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

func (c *websocketConn) ReadMessage() (int, []byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err == nil && c.readTimeout > 0 {
		c.extendRead()
	}
	return messageType, data, err
}

func (c *websocketConn) WriteMessage(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(c.writeDeadline()); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *websocketConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, c.writeDeadline())
}

func (c *websocketConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
	return c.conn.Close()
}
