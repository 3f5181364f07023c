package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/authrelay/authrelay/sdk/go/auth"
	"github.com/authrelay/authrelay/sdk/go/headers"
	"github.com/authrelay/authrelay/sdk/go/routes"
)

func serve(h *AuthHandler, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == headers.RefreshCookie {
			return c
		}
	}
	t.Fatalf("no refresh cookie in response")
	return nil
}

func sessionCount(t *testing.T, h *AuthHandler) int {
	t.Helper()
	it, err := h.db.Txn(false).Get("sessions", "id")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n
}

func TestLogoutRevokesRefreshSession(t *testing.T) {
	h := NewAuthHandler(AuthServerConfig{})
	if _, err := h.SeedUser("ada", "lovelace", "ada@example.com", auth.RoleUser); err != nil {
		t.Fatalf("seed: %v", err)
	}

	login := serve(h, http.MethodPost, routes.Login, `{"login":"ada","password":"lovelace"}`, nil)
	if login.Code != http.StatusOK {
		t.Fatalf("login: %d %s", login.Code, login.Body.String())
	}
	cookie := refreshCookie(t, login)
	if got := sessionCount(t, h); got != 1 {
		t.Fatalf("expected 1 session, got %d", got)
	}

	logout := serve(h, http.MethodPost, routes.Logout, "", cookie)
	if logout.Code != http.StatusNoContent {
		t.Fatalf("logout: %d %s", logout.Code, logout.Body.String())
	}
	if got := sessionCount(t, h); got != 0 {
		t.Fatalf("expected session deleted, got %d", got)
	}
	if refresh := serve(h, http.MethodPost, routes.Refresh, `{}`, cookie); refresh.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", refresh.Code)
	}
}

func TestLogoutWithUnknownCookieSucceeds(t *testing.T) {
	h := NewAuthHandler(AuthServerConfig{})
	cookie := &http.Cookie{Name: headers.RefreshCookie, Value: "unknown"}
	if rec := serve(h, http.MethodPost, routes.Logout, "", cookie); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
