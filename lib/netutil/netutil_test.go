// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

func TestReadBody(t *testing.T) {
	data, err := ReadBody(strings.NewReader(`{"ok":true}`))
	if err != nil {
		t.Fatalf("ReadBody: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("ReadBody = %q", data)
	}
}

func TestReadBodyTooLarge(t *testing.T) {
	body := io.LimitReader(zeroReader{}, MaxBodySize+10)
	if _, err := ReadBody(body); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("ReadBody error = %v, want ErrBodyTooLarge", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestSnippet(t *testing.T) {
	if got := Snippet([]byte("short")); got != "short" {
		t.Errorf("Snippet(short) = %q", got)
	}
	long := strings.Repeat("x", 1000)
	if got := Snippet([]byte(long)); len(got) != 515 || !strings.HasSuffix(got, "...") {
		t.Errorf("Snippet(long) has length %d", len(got))
	}
}

func TestIsExpectedClose(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"reset", syscall.ECONNRESET, true},
		{"pipe", syscall.EPIPE, true},
		{"normal close frame", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"abnormal close frame", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsExpectedClose(tc.err); got != tc.want {
				t.Errorf("IsExpectedClose(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
