// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
	"time"
)

// State is the connection manager's position in its lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingAuth
	Authenticated
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingAuth:
		return "awaiting_auth"
	case Authenticated:
		return "authenticated"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transition is delivered to observers for every state change.
type Transition struct {
	From State
	To   State

	// Err is the cause of a move into Reconnecting or Disconnected,
	// nil for requested transitions.
	Err error

	// Delay is the backoff scheduled on entry to Reconnecting.
	Delay time.Duration

	// Attempt counts consecutive failed attempts; zero once
	// authenticated.
	Attempt int
}

var (
	// ErrNotConnected is returned by sends outside Authenticated.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrShutdown is returned by every call after Shutdown.
	ErrShutdown = errors.New("channel: manager shut down")

	// ErrAlreadyConnected is returned by Connect while a connection is
	// open or being opened. The new token source still replaces the
	// old one for the next handshake.
	ErrAlreadyConnected = errors.New("channel: already connected")

	// ErrAuthTimeout is the failure recorded when the server does not
	// answer the auth frame in time.
	ErrAuthTimeout = errors.New("channel: no auth response")
)

// AuthRejectedError reports an auth_failed reply. The manager does not
// reconnect after one.
type AuthRejectedError struct {
	Reason string

	// Generation is the credential generation of the rejected token,
	// when the TokenSource is a GenerationalTokenSource.
	Generation uint64
}

func (e *AuthRejectedError) Error() string {
	if e.Reason == "" {
		return "channel: authentication rejected"
	}
	return "channel: authentication rejected: " + e.Reason
}

// TokenSource supplies the bearer token for each handshake.
type TokenSource interface {
	BearerToken() (string, error)
}

// GenerationalTokenSource also reports which credential generation a
// token belongs to. credential.Store implements it.
type GenerationalTokenSource interface {
	TokenSource
	Token() (token string, generation uint64, err error)
}

func bearerToken(tokens TokenSource) (string, uint64, error) {
	if generational, ok := tokens.(GenerationalTokenSource); ok {
		return generational.Token()
	}
	token, err := tokens.BearerToken()
	return token, 0, err
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, error)

func (f TokenFunc) BearerToken() (string, error) { return f() }

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (s StaticToken) BearerToken() (string, error) { return string(s), nil }
