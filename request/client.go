// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package request executes authenticated REST calls.
//
// A 401 triggers at most one session refresh per credential
// generation, shared by every caller that hit the 401 concurrently;
// each of them then retries its request once. A failed refresh
// invalidates the credential, fails every waiting caller with
// ErrUnauthenticated, and calls OnUnauthenticated exactly once.
// Mutating requests carry the CSRF token.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/courier/credential"
	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/ident"
	"github.com/bureau-foundation/courier/lib/netutil"
)

// Refresher renews the session and returns the new bearer token.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context) (string, error)

func (f RefreshFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

// Config configures a Client.
type Config struct {
	// BaseURL is the API root. Request paths are appended to it.
	BaseURL string

	// HTTPClient defaults to NewHTTPClient(nil, 0).
	HTTPClient *http.Client

	// Credentials is required.
	Credentials *credential.Store

	// CSRF supplies the token for mutating requests. Optional.
	CSRF credential.CSRFSource

	// CSRFHeader defaults to X-CSRF-Token.
	CSRFHeader string

	// Refresher renews the session on 401. Without one, a 401 fails
	// like a failed refresh.
	Refresher Refresher

	// RefreshTimeout bounds one refresh. It is independent of callers'
	// contexts because the refresh is shared. Default 30s.
	RefreshTimeout time.Duration

	// ExpirySkew refreshes a JWT credential this long before its exp
	// claim instead of waiting for the server's 401.
	ExpirySkew time.Duration

	// OnUnauthenticated is called once per credential generation when
	// the session is lost.
	OnUnauthenticated func()

	UserAgent string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials *credential.Store
	csrf        credential.CSRFSource
	csrfHeader  string
	refresher   Refresher
	refreshTO   time.Duration
	expirySkew  time.Duration
	onLost      func()
	userAgent   string
	clock       clock.Clock
	logger      *slog.Logger

	flight singleflight.Group
}

// NewClient validates config.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("request: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("request: invalid BaseURL: %w", err)
	}
	if config.Credentials == nil {
		return nil, errors.New("request: Credentials is required")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = NewHTTPClient(nil, 0)
	}
	if config.CSRFHeader == "" {
		config.CSRFHeader = "X-CSRF-Token"
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		httpClient:  config.HTTPClient,
		credentials: config.Credentials,
		csrf:        config.CSRF,
		csrfHeader:  config.CSRFHeader,
		refresher:   config.Refresher,
		refreshTO:   config.RefreshTimeout,
		expirySkew:  config.ExpirySkew,
		onLost:      config.OnUnauthenticated,
		userAgent:   config.UserAgent,
		clock:       config.Clock,
		logger:      config.Logger,
	}, nil
}

// Request describes one call. Body is JSON-encoded unless RawBody is
// set.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        any
	RawBody     []byte
	ContentType string
	Header      http.Header
}

// Response is a successful response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v. An empty body leaves v
// untouched.
func (r *Response) Decode(v any) error {
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("request: decoding response: %w", err)
	}
	return nil
}

// Get issues a GET and decodes the response into result.
func (c *Client) Get(ctx context.Context, path string, query url.Values, result any) error {
	return c.call(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, result)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, result any) error {
	return c.call(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, result)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, result any) error {
	return c.call(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, result)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, result any) error {
	return c.call(ctx, Request{Method: http.MethodPatch, Path: path, Body: body}, result)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, result any) error {
	return c.call(ctx, Request{Method: http.MethodDelete, Path: path}, result)
}

// Upload POSTs raw bytes, such as media, with the given content type.
func (c *Client) Upload(ctx context.Context, path, contentType string, data []byte, result any) error {
	return c.call(ctx, Request{Method: http.MethodPost, Path: path, RawBody: data, ContentType: contentType}, result)
}

func (c *Client) call(ctx context.Context, req Request, result any) error {
	response, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return response.Decode(result)
}

// Do executes req with the session credential, refreshing once on 401.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Body != nil && req.RawBody == nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("request: encoding %s %s body: %w", req.Method, req.Path, err)
		}
		req.RawBody = encoded
		if req.ContentType == "" {
			req.ContentType = "application/json"
		}
	}

	token, generation, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	response, err := c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusUnauthorized {
		return c.result(req, response)
	}
	discard(response)

	c.logger.Debug("request rejected, renewing session", "method", req.Method, "path", req.Path, "generation", generation)
	token, err = c.renew(ctx, generation)
	if err != nil {
		return nil, err
	}
	response, err = c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if response.StatusCode == http.StatusUnauthorized {
		discard(response)
		return nil, fmt.Errorf("%w: %s %s rejected after session refresh", ErrUnauthenticated, req.Method, req.Path)
	}
	return c.result(req, response)
}

// currentToken returns the token to send, renewing first if the
// credential's exp claim says the server would reject it.
func (c *Client) currentToken(ctx context.Context) (string, uint64, error) {
	token, generation, err := c.credentials.Token()
	if err != nil {
		return "", generation, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if expiry, ok := c.credentials.ExpiresAt(); ok && !c.clock.Now().Before(expiry.Add(-c.expirySkew)) {
		c.logger.Debug("credential expired, renewing before request", "expiry", expiry)
		token, err = c.renew(ctx, generation)
		if err != nil {
			return "", generation, err
		}
		generation = c.credentials.Generation()
	}
	return token, generation, nil
}

// renew returns a token newer than generation, refreshing the session
// if no newer one exists yet. Concurrent callers for one generation
// share a single refresh.
func (c *Client) renew(ctx context.Context, generation uint64) (string, error) {
	if token, current, err := c.credentials.Token(); current != generation {
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return token, nil
	} else if errors.Is(err, credential.ErrInvalidated) {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	results := c.flight.DoChan(strconv.FormatUint(generation, 10), func() (any, error) {
		return c.refresh(generation)
	})
	select {
	case result := <-results:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) refresh(generation uint64) (string, error) {
	// A flight for this generation may have finished between the
	// caller's check and joining this one.
	if token, current, err := c.credentials.Token(); current != generation || err != nil {
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return token, nil
	}

	var token string
	err := errors.New("no refresher configured")
	if c.refresher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTO)
		token, err = c.refresher.Refresh(ctx)
		cancel()
	}
	if err == nil && token == "" {
		err = errors.New("refresh returned an empty token")
	}
	if err != nil {
		if c.credentials.Invalidate(generation) {
			c.logger.Warn("session refresh failed, signing out", "error", err)
			if c.onLost != nil {
				c.onLost()
			}
		}
		return "", fmt.Errorf("%w: session refresh failed: %w", ErrUnauthenticated, err)
	}
	next, err := c.credentials.Set(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	c.logger.Info("session refreshed", "generation", next)
	return token, nil
}

func (c *Client) send(ctx context.Context, req Request, token string) (*http.Response, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.RawBody != nil {
		body = bytes.NewReader(req.RawBody)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("request: building %s %s: %w", req.Method, req.Path, err)
	}
	for name, values := range req.Header {
		httpRequest.Header[name] = values
	}
	if req.ContentType != "" {
		httpRequest.Header.Set("Content-Type", req.ContentType)
	}
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+token)
	httpRequest.Header.Set("X-Request-ID", ident.NewRequestID())
	if c.userAgent != "" {
		httpRequest.Header.Set("User-Agent", c.userAgent)
	}
	if mutating(req.Method) && c.csrf != nil {
		if csrfToken, ok := c.csrf.CSRFToken(); ok {
			httpRequest.Header.Set(c.csrfHeader, csrfToken)
		} else {
			c.logger.Debug("no CSRF token available", "method", req.Method, "path", req.Path)
		}
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("request: %s %s: %w", req.Method, req.Path, err)
	}
	return response, nil
}

func (c *Client) result(req Request, response *http.Response) (*Response, error) {
	defer response.Body.Close()
	body, err := netutil.ReadBody(response.Body)
	if err != nil {
		return nil, fmt.Errorf("request: %s %s: %w", req.Method, req.Path, err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return &Response{StatusCode: response.StatusCode, Header: response.Header, Body: body}, nil
	}
	return nil, parseError(req.Method, req.Path, response.StatusCode, body)
}

// discard drains and closes a response that will not be read, so its
// connection can be reused.
func discard(response *http.Response) {
	io.Copy(io.Discard, io.LimitReader(response.Body, netutil.MaxBodySize))
	response.Body.Close()
}

func parseError(method, path string, status int, body []byte) *Error {
	requestErr := &Error{Method: method, Path: path, StatusCode: status, Body: body}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		requestErr.Code = parsed.Code
		requestErr.Message = parsed.Message
		if requestErr.Message == "" {
			requestErr.Message = parsed.Error
		}
	} else if len(body) > 0 {
		requestErr.Message = netutil.Snippet(body)
	}
	return requestErr
}

// mutating reports whether method can change server state.
func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}
