// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential holds the session credential shared by the
// request layer and the channel handshake.
//
// The bearer token lives in a secret.Buffer. Every Set starts a new
// generation; the request layer keys its single-flight refresh on the
// generation so a refresh is attempted at most once per token, and a
// caller whose 401 belongs to an older generation simply retries with
// the newer token.
package credential

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bureau-foundation/courier/lib/secret"
)

var (
	// ErrNoCredential is returned before the first Set and after Clear.
	ErrNoCredential = errors.New("credential: no session credential")

	// ErrInvalidated is returned after a failed refresh invalidated the
	// current generation.
	ErrInvalidated = errors.New("credential: session invalidated")
)

// Store is the process's session credential. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	token       *secret.Buffer
	generation  uint64
	invalidated bool
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{} }

// Set installs a new token, starting a new generation, and returns
// that generation.
func (s *Store) Set(token string) (uint64, error) {
	buffer, err := secret.NewFromString(token)
	if err != nil {
		return 0, fmt.Errorf("credential: storing token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil {
		s.token.Close()
	}
	s.token = buffer
	s.generation++
	s.invalidated = false
	return s.generation, nil
}

// Token returns the current token and its generation.
func (s *Store) Token() (string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.invalidated:
		return "", s.generation, ErrInvalidated
	case s.token == nil:
		return "", s.generation, ErrNoCredential
	}
	return s.token.String(), s.generation, nil
}

// BearerToken implements channel.TokenSource.
func (s *Store) BearerToken() (string, error) {
	token, _, err := s.Token()
	return token, err
}

// Generation returns the current generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Invalidated reports whether the current generation was invalidated.
func (s *Store) Invalidated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalidated
}

// Invalidate wipes the token if generation is still current. It
// reports whether it did; a newer Set wins over a late invalidation.
func (s *Store) Invalidate(generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation || s.invalidated {
		return false
	}
	s.invalidated = true
	s.wipeLocked()
	return true
}

// Clear wipes the token for logout and starts a new, empty generation.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	s.generation++
	s.invalidated = false
}

func (s *Store) wipeLocked() {
	if s.token != nil {
		s.token.Close()
		s.token = nil
	}
}

// ExpiresAt returns the exp claim of a JWT bearer token. The signature
// is not checked: the server is the only verifier, and the client uses
// the claim only to refresh before sending a request bound to fail.
// Opaque tokens and tokens without exp report false.
func (s *Store) ExpiresAt() (time.Time, bool) {
	token, _, err := s.Token()
	if err != nil {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, false
	}
	return expiry.Time, true
}
