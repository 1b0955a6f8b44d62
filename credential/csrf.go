// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"net/http"
	"net/url"
)

// CSRFSource yields the anti-forgery token echoed on mutating requests.
type CSRFSource interface {
	CSRFToken() (string, bool)
}

// CookieCSRF reads the token from a cookie the server set in Jar.
type CookieCSRF struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

func (c CookieCSRF) CSRFToken() (string, bool) {
	if c.Jar == nil || c.URL == nil {
		return "", false
	}
	for _, cookie := range c.Jar.Cookies(c.URL) {
		if cookie.Name == c.Name && cookie.Value != "" {
			return cookie.Value, true
		}
	}
	return "", false
}

// StaticCSRF is a fixed token, for tests and non-browser deployments.
type StaticCSRF string

func (s StaticCSRF) CSRFToken() (string, bool) { return string(s), s != "" }
