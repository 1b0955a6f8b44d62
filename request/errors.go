// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthenticated means the session cannot be used: there is no
// credential, the refresh failed, or the server rejected the request
// again after a successful refresh. The application should send the
// user to login.
var ErrUnauthenticated = errors.New("request: unauthenticated")

// Error is a non-2xx response other than a handled 401. Extract it
// with errors.As:
//
//	var requestErr *request.Error
//	if errors.As(err, &requestErr) && requestErr.StatusCode == http.StatusConflict { ... }
type Error struct {
	Method     string
	Path       string
	StatusCode int

	// Code and Message come from a JSON error body when the server
	// sent one.
	Code    string
	Message string

	// Body is the raw response body.
	Body []byte
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("request: %s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("request: %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request: %s %s: unexpected %d response", e.Method, e.Path, e.StatusCode)
}

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status int) bool {
	var requestErr *Error
	return errors.As(err, &requestErr) && requestErr.StatusCode == status
}

// IsCode reports whether err is an *Error with the given error code.
func IsCode(err error, code string) bool {
	var requestErr *Error
	return errors.As(err, &requestErr) && requestErr.Code == code
}

// IsTransient reports whether retrying later could succeed: rate
// limiting and server-side failures.
func IsTransient(err error) bool {
	var requestErr *Error
	if !errors.As(err, &requestErr) {
		return false
	}
	return requestErr.StatusCode == http.StatusTooManyRequests || requestErr.StatusCode >= 500
}
