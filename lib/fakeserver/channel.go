// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fakeserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/courier/lib/netutil"
	"github.com/bureau-foundation/courier/wire"
)

const peerWriteTimeout = 5 * time.Second

// peer is one channel connection. It answers in the codec of the
// client's auth frame: text frames are JSON, binary frames CBOR.
type peer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	codec         wire.Codec
	authenticated bool
	channels      map[string]struct{}
}

func (p *peer) subscribedTo(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.channels[channel]
	return p.authenticated && ok
}

func (p *peer) send(frame any) error {
	p.mu.Lock()
	codec := p.codec
	p.mu.Unlock()
	data, err := codec.Marshal(frame)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.ws.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return p.ws.WriteMessage(codec.MessageType(), data)
}

func (b *Backend) handleChannel(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	refuse := b.refuseDials > 0
	if refuse {
		b.refuseDials--
	}
	b.mu.Unlock()
	if refuse {
		http.Error(w, "channel unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("channel upgrade failed", "error", err)
		return
	}
	conn := &peer{ws: ws, codec: wire.JSON, channels: make(map[string]struct{})}
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedClose(err) {
				b.logger.Debug("channel read failed", "error", err)
			}
			return
		}
		codec := wire.JSON
		if messageType == websocket.BinaryMessage {
			codec = wire.CBOR
		}
		frame, err := wire.Parse(codec, data)
		if err != nil {
			conn.send(map[string]string{"type": "error", "code": "malformed", "message": err.Error()})
			continue
		}

		switch frame.Type {
		case wire.TypeAuth:
			if !b.authenticate(conn, codec, frame) {
				return
			}
		case wire.TypeSubscribe, wire.TypeUnsubscribe:
			b.subscription(conn, frame)
		default:
			b.logger.Debug("ignoring client frame", "type", frame.Type)
		}
	}
}

func (b *Backend) authenticate(conn *peer, codec wire.Codec, frame wire.Frame) bool {
	var auth wire.Auth
	decodeErr := frame.Decode(&auth)

	conn.mu.Lock()
	conn.codec = codec
	conn.mu.Unlock()

	b.mu.Lock()
	_, valid := b.tokens[auth.Token]
	accepted := decodeErr == nil && valid && !b.rejectAuth
	if accepted {
		b.auths++
	}
	b.mu.Unlock()

	if !accepted {
		conn.send(wire.AuthFailed{Type: wire.TypeAuthFailed, Reason: "invalid token"})
		return false
	}
	conn.mu.Lock()
	conn.authenticated = true
	conn.mu.Unlock()
	conn.send(map[string]string{"type": wire.TypeAuthenticated})
	return true
}

func (b *Backend) subscription(conn *peer, frame wire.Frame) {
	var request wire.Subscription
	if err := frame.Decode(&request); err != nil || request.Channel == "" {
		conn.send(map[string]string{"type": "error", "code": "bad_subscription", "message": "channel is required"})
		return
	}
	conn.mu.Lock()
	authenticated := conn.authenticated
	if authenticated {
		if frame.Type == wire.TypeSubscribe {
			conn.channels[request.Channel] = struct{}{}
		} else {
			delete(conn.channels, request.Channel)
		}
	}
	conn.mu.Unlock()
	if !authenticated {
		conn.send(map[string]string{"type": "error", "code": "unauthenticated", "channel": request.Channel})
		return
	}
	if frame.Type == wire.TypeSubscribe {
		b.mu.Lock()
		b.subscribes[request.Channel]++
		b.mu.Unlock()
	}
}
