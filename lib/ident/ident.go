// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident generates the identifiers the client mints locally:
// ULID correlation ids for optimistic mutations, which sort by
// creation time, and UUIDs for request and client-instance tagging.
package ident

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewCorrelationID returns a fresh ULID string. ulid.Make draws from a
// process-wide monotonic source, so ids from one process increase.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// NewRequestID returns a random UUID for the X-Request-ID header.
func NewRequestID() string {
	return uuid.NewString()
}

// NewInstanceID returns a random UUID identifying one client process
// to the server, sent in the auth frame.
func NewInstanceID() string {
	return uuid.NewString()
}
