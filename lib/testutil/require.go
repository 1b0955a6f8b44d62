// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil bounds test waits on goroutines that the code under
// test owns, so a regression fails with a message instead of hanging
// the package until the go test timeout.
package testutil

import (
	"fmt"
	"time"
)

// TB is the part of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Receive returns the next value from ch or fails the test after
// timeout.
func Receive[T any](t TB, ch <-chan T, timeout time.Duration, what string, args ...any) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", fmt.Sprintf(what, args...))
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("timed out after %v %s", timeout, fmt.Sprintf(what, args...))
	}
	panic("unreachable")
}

// Eventually polls condition until it holds or timeout passes.
func Eventually(t TB, timeout time.Duration, condition func() bool, what string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, fmt.Sprintf(what, args...))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Never fails the test if condition becomes true within window.
func Never(t TB, window time.Duration, condition func() bool, what string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if condition() {
			t.Fatalf("unexpectedly observed %s", fmt.Sprintf(what, args...))
		}
		time.Sleep(2 * time.Millisecond)
	}
}
