// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/bureau-foundation/courier/credential"
	"github.com/bureau-foundation/courier/lib/ident"
	"github.com/bureau-foundation/courier/lib/netutil"
)

// NewHTTPClient returns a client that negotiates zstd or gzip response
// compression and keeps cookies in jar. A nil jar gets a fresh
// in-memory one, so refresh cookies set at login are sent back.
func NewHTTPClient(jar http.CookieJar, timeout time.Duration) *http.Client {
	if jar == nil {
		// cookiejar.New only fails on a bad PublicSuffixList option.
		jar, _ = cookiejar.New(nil)
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	return &http.Client{
		Transport: gzhttp.Transport(base, gzhttp.TransportEnableZstd(true), gzhttp.TransportEnableGzip(true)),
		Jar:       jar,
		Timeout:   timeout,
	}
}

// HTTPRefresher renews the session by POSTing to URL with the
// client's cookies. The server answers {"access_token": "..."}.
type HTTPRefresher struct {
	Client *http.Client
	URL    string

	// CSRF and CSRFHeader attach the anti-forgery token, which the
	// refresh endpoint requires like any other mutating request.
	CSRF       credential.CSRFSource
	CSRFHeader string
}

func (h *HTTPRefresher) Refresh(ctx context.Context) (string, error) {
	if h.Client == nil || h.URL == "" {
		return "", errors.New("request: HTTPRefresher needs Client and URL")
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("request: building refresh: %w", err)
	}
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("X-Request-ID", ident.NewRequestID())
	if h.CSRF != nil {
		header := h.CSRFHeader
		if header == "" {
			header = "X-CSRF-Token"
		}
		if token, ok := h.CSRF.CSRFToken(); ok {
			httpRequest.Header.Set(header, token)
		}
	}

	response, err := h.Client.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("request: refresh: %w", err)
	}
	defer response.Body.Close()
	body, err := netutil.ReadBody(response.Body)
	if err != nil {
		return "", fmt.Errorf("request: refresh: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", parseError(http.MethodPost, httpRequest.URL.Path, response.StatusCode, body)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("request: decoding refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", errors.New("request: refresh response has no access_token")
	}
	return parsed.AccessToken, nil
}
