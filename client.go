package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/authrelay/authrelay/sdk/go/auth"
	"github.com/authrelay/authrelay/sdk/go/headers"
	"github.com/authrelay/authrelay/sdk/go/routes"
)

const defaultUserAgent = "authrelay-sdk/" + Version
const defaultRequestTimeout = 60 * time.Second

// Config wires the base URL, transport, persistence and telemetry for the client.
type Config struct {
	BaseURL string
	// HTTPClient is copied; its Jar is replaced by RenewalJar when one is set
	// or when it has none.
	HTTPClient *http.Client
	// RenewalJar carries the server's refresh cookie. Defaults to an
	// in-memory jar using the public suffix list.
	RenewalJar http.CookieJar
	// Store persists the token and profile. Defaults to a MemoryStore.
	Store     Store
	Telemetry TelemetryHooks
	UserAgent string
	// RefreshTimeout bounds a single refresh exchange. Defaults to 30s.
	RefreshTimeout time.Duration
	// OnSessionChange fires when the session becomes authenticated or
	// unauthenticated, and when the cached profile changes. It must not call
	// back into SignIn/SignOut/ClearLocal.
	OnSessionChange func(ctx context.Context, state SessionState)
}

// Client sends requests through the authenticated pipeline.
type Client struct {
	baseURL     string
	refreshURL  *url.URL
	httpClient  *http.Client
	auth        authChain
	holder      *CredentialHolder
	refresher   *refreshCoordinator
	telemetry   TelemetryHooks
	userAgent   string
	onSessionCh func(ctx context.Context, state SessionState)

	// Session exposes sign-in, sign-out and bootstrap.
	Session *SessionClient
}

// NewClient validates the configuration and returns a ready-to-use Client.
// A token persisted in cfg.Store is loaded, so the client may start authenticated.
func NewClient(cfg Config) (*Client, error) {
	normalized, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, ConfigError{Reason: err.Error()}
	}
	jar := cfg.RenewalJar
	if jar == nil {
		jar, err = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
	}
	var httpClient *http.Client
	if cfg.HTTPClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout, Jar: jar}
	} else {
		copied := *cfg.HTTPClient
		if copied.Jar == nil || cfg.RenewalJar != nil {
			copied.Jar = jar
		}
		httpClient = &copied
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}

	client := &Client{
		baseURL:     normalized,
		httpClient:  httpClient,
		telemetry:   cfg.Telemetry,
		userAgent:   ua,
		onSessionCh: cfg.OnSessionChange,
	}
	client.refreshURL, err = url.Parse(client.buildURL(routes.Refresh))
	if err != nil {
		return nil, ConfigError{Reason: err.Error()}
	}

	client.holder = newCredentialHolder(store, cfg.Telemetry)
	client.holder.load(context.Background())
	client.auth = authChain{bearerAuth{holder: client.holder}}

	// Session operations run through the pipeline; the refresh exchange goes
	// straight to the transport so it can never re-enter the 401 hook.
	api, err := auth.NewClient(auth.Config{BaseURL: normalized, Doer: client, UserAgent: ua})
	if err != nil {
		return nil, err
	}
	exchangeAPI, err := auth.NewClient(auth.Config{BaseURL: normalized, Doer: transportDoer{client: client}, UserAgent: ua})
	if err != nil {
		return nil, err
	}
	client.Session = newSessionClient(client, store, api, exchangeAPI)
	client.holder.notify = func(ctx context.Context, _ bool) { client.Session.emit(ctx) }

	client.refresher = &refreshCoordinator{
		holder:     client.holder,
		exchange:   client.Session.exchange,
		replay:     client.replay,
		teardown:   client.Session.ClearLocal,
		isExchange: client.isRefreshRequest,
		timeout:    timeout,
		telemetry:  cfg.Telemetry,
	}
	return client, nil
}

func normalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("base URL required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" {
		return "", errors.New("base URL missing scheme (http/https)")
	}
	if u.Host == "" {
		return "", errors.New("base URL missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return strings.TrimSuffix(u.String(), "/"), nil
}

// Credentials returns the read-only view of the held access token.
func (c *Client) Credentials() *CredentialHolder {
	return c.holder
}

// NewRequest builds a JSON request against the base URL. A nil payload sends no body.
func (c *Client) NewRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

// Do sends req through the authenticated pipeline. Responses with status
// >= 400 are returned as APIError after any refresh-and-replay attempt.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.send(req)
}

// DoJSON sends in as JSON and decodes the response into out when out is non-nil.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	//nolint:errcheck // best-effort cleanup on return
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Client) prepare(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if req.Header.Get(headers.RequestID) == "" {
		req.Header.Set(headers.RequestID, uuid.NewString())
	}
	injectTraceparent(req.Context(), req)
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}
	c.prepare(req)
	c.auth.Apply(req)
	resp, err := c.roundTrip(req, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.refresher != nil {
		return c.refresher.handleUnauthorized(req, resp)
	}
	return c.finish(resp)
}

// replay re-sends a request with an explicit token. Used for requests that
// waited on a refresh; a second 401 is returned to the caller as is.
func (c *Client) replay(orig *http.Request, token string, dispatched func()) (*http.Response, error) {
	req, err := cloneRequest(orig)
	if err != nil {
		return nil, err
	}
	stampBearer(req, token)
	resp, err := c.roundTrip(req, dispatched)
	if err != nil {
		return nil, err
	}
	return c.finish(resp)
}

// roundTrip sends req on the transport. dispatched, when non-nil, fires just
// before the request is handed over.
func (c *Client) roundTrip(req *http.Request, dispatched func()) (*http.Response, error) {
	ctx := req.Context()
	if c.telemetry.OnHTTPRequest != nil {
		c.telemetry.OnHTTPRequest(ctx, req)
	}
	c.telemetry.log(ctx, LogLevelDebug, "http_request", map[string]any{
		"method":     req.Method,
		"url":        req.URL.String(),
		"request_id": req.Header.Get(headers.RequestID),
	})
	start := time.Now()
	if dispatched != nil {
		dispatched()
	}
	resp, err := c.httpClient.Do(req)
	if c.telemetry.OnHTTPResponse != nil {
		c.telemetry.OnHTTPResponse(ctx, req, resp, err, time.Since(start))
	}
	c.telemetry.metric(ctx, MetricHTTPLatency, float64(time.Since(start).Milliseconds()), map[string]string{
		"path": req.URL.Path,
	})
	if err != nil {
		return nil, TransportError{
			Kind:    classifyTransportErrorKind(err),
			Message: req.Method + " " + req.URL.Path + " failed",
			Cause:   err,
		}
	}
	return resp, nil
}

func (c *Client) finish(resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= 400 {
		//nolint:errcheck // best-effort cleanup on return
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func (c *Client) isRefreshRequest(req *http.Request) bool {
	return req.URL != nil &&
		req.URL.Host == c.refreshURL.Host &&
		strings.TrimSuffix(req.URL.Path, "/") == c.refreshURL.Path
}

func (c *Client) buildURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// transportDoer sends without stamping a bearer token and without the 401
// hook. Cookies still flow through the jar.
type transportDoer struct {
	client *Client
}

func (d transportDoer) Do(req *http.Request) (*http.Response, error) {
	d.client.prepare(req)
	return d.client.roundTrip(req, nil)
}

// bufferBody makes the body re-readable so the request can be replayed.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}
