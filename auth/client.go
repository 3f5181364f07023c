package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/authrelay/authrelay/sdk/go/routes"
)

const defaultUserAgent = "AuthRelaySDK/1"

// Doer sends a prepared request. *http.Client satisfies it, and so does the
// SDK's authenticated request pipeline.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls how the auth client talks to the session endpoints.
type Config struct {
	BaseURL   string
	Doer      Doer
	UserAgent string
}

// Client issues the session network operations: login, register, logout,
// refresh and profile fetch.
type Client struct {
	baseURL   string
	doer      Doer
	userAgent string
}

// Credentials encapsulates login/password inputs for sign-in.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Registration adds the email field required for sign-up.
type Registration struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

// TokenResponse mirrors the login/register/refresh response body. Servers
// answer with either accessToken or token.
type TokenResponse struct {
	AccessToken string `json:"accessToken,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Credential returns accessToken, falling back to token. Empty means the
// response carried no credential.
func (t TokenResponse) Credential() string {
	if tok := strings.TrimSpace(t.AccessToken); tok != "" {
		return tok
	}
	return strings.TrimSpace(t.Token)
}

// Role is the coarse authorization level attached to a profile.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Profile is the user record returned by the profile endpoint.
type Profile struct {
	ID        string    `json:"id"`
	Login     string    `json:"login"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// HasRole reports whether the profile carries the given role.
func (p *Profile) HasRole(role Role) bool {
	return p != nil && p.Role == role
}

// Error conveys HTTP failures from the session endpoints.
type Error struct {
	Status int
	Body   string
}

func (e Error) Error() string {
	return fmt.Sprintf("sdk/auth: http %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("sdk/auth: base url required")
	}
	doer := cfg.Doer
	if doer == nil {
		doer = http.DefaultClient
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		baseURL:   strings.TrimSuffix(base, "/"),
		doer:      doer,
		userAgent: ua,
	}, nil
}

// Login exchanges user credentials for an access token. The refresh cookie
// arrives out-of-band through the transport's cookie jar.
func (c *Client) Login(ctx context.Context, creds Credentials) (TokenResponse, error) {
	if strings.TrimSpace(creds.Login) == "" || creds.Password == "" {
		return TokenResponse{}, errors.New("sdk/auth: login and password required")
	}
	var tokens TokenResponse
	err := c.call(ctx, http.MethodPost, routes.Login, creds, &tokens)
	return tokens, err
}

// Register creates an account and returns its first access token.
func (c *Client) Register(ctx context.Context, reg Registration) (TokenResponse, error) {
	if strings.TrimSpace(reg.Login) == "" || reg.Password == "" {
		return TokenResponse{}, errors.New("sdk/auth: login and password required")
	}
	if strings.TrimSpace(reg.Email) == "" {
		return TokenResponse{}, errors.New("sdk/auth: email required")
	}
	var tokens TokenResponse
	err := c.call(ctx, http.MethodPost, routes.Register, reg, &tokens)
	return tokens, err
}

// Logout asks the server to drop the refresh cookie.
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, routes.Logout, nil, nil)
}

// Refresh trades the refresh cookie for a new access token.
func (c *Client) Refresh(ctx context.Context) (TokenResponse, error) {
	var tokens TokenResponse
	err := c.call(ctx, http.MethodPost, routes.Refresh, struct{}{}, &tokens)
	return tokens, err
}

// Me fetches the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var profile Profile
	err := c.call(ctx, http.MethodGet, routes.Me, nil, &profile)
	return profile, err
}

func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return err
	}
	//nolint:errcheck // best-effort cleanup on return
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return Error{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
