// Package testutil provides a development auth server for SDK tests and demos.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"golang.org/x/crypto/bcrypt"

	"github.com/authrelay/authrelay/sdk/go/auth"
	"github.com/authrelay/authrelay/sdk/go/headers"
	"github.com/authrelay/authrelay/sdk/go/routes"
)

// EchoPath is a protected route that reflects the request back as JSON.
const EchoPath = "/echo"

var dbSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"users": {
			Name: "users",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"login": {
					Name:    "login",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Login", Lowercase: true},
				},
			},
		},
		"sessions": {
			Name: "sessions",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "TokenHash"},
				},
				"userID": {
					Name:    "userID",
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "UserID"},
				},
			},
		},
	},
}

// User is an account known to the server.
type User struct {
	ID           string
	Login        string
	Email        string
	Role         auth.Role
	PasswordHash []byte
	CreatedAt    time.Time
}

type refreshSession struct {
	TokenHash string
	UserID    string
	Expires   int64
}

type accessClaims struct {
	auth.Claims
	Generation int64 `json:"gen"`
}

// AuthServerConfig tunes token lifetimes and the response shape.
type AuthServerConfig struct {
	// Secret signs access tokens. A random one is generated when empty.
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// TokenField is the JSON field carrying the access token: "accessToken"
	// (default) or "token".
	TokenField string
}

// RefreshBehavior overrides how the refresh endpoint answers.
type RefreshBehavior struct {
	// Status, when non-zero, is returned instead of processing the request.
	Status int
	// OmitToken answers 200 with an empty object.
	OmitToken bool
	Delay     time.Duration
}

// AuthHandler serves login, register, logout, refresh and profile endpoints,
// plus EchoPath. Access tokens are HS256 JWTs; the refresh capability is an
// httpOnly cookie backed by an in-memory session table.
type AuthHandler struct {
	router     chi.Router
	db         *memdb.MemDB
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	tokenField string

	generation atomic.Int64

	mu              sync.Mutex
	refreshBehavior RefreshBehavior
	refreshGate     chan struct{}
	profileStatus   int

	loginCalls   atomic.Int64
	logoutCalls  atomic.Int64
	refreshCalls atomic.Int64
	profileCalls atomic.Int64
	echoCalls    atomic.Int64
}

// NewAuthHandler builds the handler. It panics only if the static table
// schema is invalid.
func NewAuthHandler(cfg AuthServerConfig) *AuthHandler {
	db, err := memdb.NewMemDB(dbSchema)
	if err != nil {
		panic(fmt.Sprintf("testutil: invalid schema: %v", err))
	}
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = []byte(uuid.NewString())
	}
	h := &AuthHandler{
		db:         db,
		secret:     secret,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		tokenField: cfg.TokenField,
	}
	if h.accessTTL <= 0 {
		h.accessTTL = 15 * time.Minute
	}
	if h.refreshTTL <= 0 {
		h.refreshTTL = 7 * 24 * time.Hour
	}
	if h.tokenField == "" {
		h.tokenField = "accessToken"
	}

	r := chi.NewRouter()
	r.Post(routes.Login, h.handleLogin)
	r.Post(routes.Register, h.handleRegister)
	r.Post(routes.Logout, h.handleLogout)
	r.Post(routes.Refresh, h.handleRefresh)
	r.Group(func(r chi.Router) {
		r.Use(h.requireBearer)
		r.Get(routes.Me, h.handleMe)
		r.HandleFunc(EchoPath, h.handleEcho)
	})
	h.router = r
	return h
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// AuthServer runs an AuthHandler on an httptest server.
type AuthServer struct {
	*httptest.Server
	*AuthHandler
}

// NewAuthServer starts a server; callers must Close it.
func NewAuthServer(cfg AuthServerConfig) *AuthServer {
	h := NewAuthHandler(cfg)
	return &AuthServer{Server: httptest.NewServer(h), AuthHandler: h}
}

// SeedUser registers an account directly.
func (h *AuthHandler) SeedUser(login, password, email string, role auth.Role) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = auth.RoleUser
	}
	user := &User{
		ID:           uuid.NewString(),
		Login:        login,
		Email:        email,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}

	txn := h.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First("users", "login", login)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errLoginTaken
	}
	if err := txn.Insert("users", user); err != nil {
		return nil, err
	}
	txn.Commit()
	return user, nil
}

// ExpireAccessTokens invalidates every access token issued so far.
func (h *AuthHandler) ExpireAccessTokens() {
	h.generation.Add(1)
}

// RevokeSessions drops every refresh session, so refresh cookies stop working.
func (h *AuthHandler) RevokeSessions() error {
	txn := h.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll("sessions", "id_prefix", ""); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// HoldRefresh blocks refresh requests until the returned release func is called.
func (h *AuthHandler) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	h.mu.Lock()
	h.refreshGate = gate
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.refreshGate == gate {
				h.refreshGate = nil
			}
			h.mu.Unlock()
			close(gate)
		})
	}
}

// SetRefreshBehavior overrides the refresh endpoint; the zero value restores normal behaviour.
func (h *AuthHandler) SetRefreshBehavior(b RefreshBehavior) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshBehavior = b
}

// SetProfileStatus makes the profile endpoint fail with status; 0 restores it.
func (h *AuthHandler) SetProfileStatus(status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.profileStatus = status
}

func (h *AuthHandler) LoginCalls() int64   { return h.loginCalls.Load() }
func (h *AuthHandler) LogoutCalls() int64  { return h.logoutCalls.Load() }
func (h *AuthHandler) RefreshCalls() int64 { return h.refreshCalls.Load() }
func (h *AuthHandler) ProfileCalls() int64 { return h.profileCalls.Load() }
func (h *AuthHandler) EchoCalls() int64    { return h.echoCalls.Load() }

var errLoginTaken = errors.New("login already taken")

type ctxKey struct{}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	h.loginCalls.Add(1)
	var body auth.Credentials
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body")
		return
	}
	user, err := h.userByLogin(body.Login)
	if err != nil || user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(body.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid login or password")
		return
	}
	h.startSession(w, user)
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body auth.Registration
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body")
		return
	}
	if body.Login == "" || body.Password == "" || body.Email == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "login, password and email are required")
		return
	}
	user, err := h.SeedUser(body.Login, body.Password, body.Email, auth.RoleUser)
	if errors.Is(err, errLoginTaken) {
		writeError(w, http.StatusConflict, "LOGIN_TAKEN", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	h.startSession(w, user)
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.logoutCalls.Add(1)
	if cookie, err := r.Cookie(headers.RefreshCookie); err == nil {
		txn := h.db.Txn(true)
		obj, err := txn.First("sessions", "id", hashToken(cookie.Value))
		if err == nil && obj != nil {
			err = txn.Delete("sessions", obj)
		}
		if err != nil {
			txn.Abort()
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		txn.Commit()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     headers.RefreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	h.refreshCalls.Add(1)

	h.mu.Lock()
	gate := h.refreshGate
	behavior := h.refreshBehavior
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if behavior.Delay > 0 {
		select {
		case <-time.After(behavior.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if behavior.Status != 0 {
		writeError(w, behavior.Status, "REFRESH_REJECTED", "refresh rejected")
		return
	}

	cookie, err := r.Cookie(headers.RefreshCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "NO_SESSION", "refresh cookie missing")
		return
	}
	txn := h.db.Txn(false)
	obj, err := txn.First("sessions", "id", hashToken(cookie.Value))
	if err != nil || obj == nil {
		writeError(w, http.StatusUnauthorized, "NO_SESSION", "unknown refresh session")
		return
	}
	ses := obj.(*refreshSession)
	if ses.Expires <= time.Now().Unix() {
		writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "refresh session expired")
		return
	}
	user, err := h.userByID(ses.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusUnauthorized, "NO_SESSION", "unknown user")
		return
	}
	if behavior.OmitToken {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	h.writeAccessToken(w, user)
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	h.profileCalls.Add(1)
	h.mu.Lock()
	status := h.profileStatus
	h.mu.Unlock()
	if status != 0 {
		writeError(w, status, "PROFILE_UNAVAILABLE", "profile unavailable")
		return
	}
	user := r.Context().Value(ctxKey{}).(*User)
	writeJSON(w, http.StatusOK, auth.Profile{
		ID:        user.ID,
		Login:     user.Login,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	})
}

// EchoResponse is the body served on EchoPath.
type EchoResponse struct {
	Method        string `json:"method"`
	Path          string `json:"path"`
	Authorization string `json:"authorization"`
	UserID        string `json:"userId"`
	Body          string `json:"body,omitempty"`
}

func (h *AuthHandler) handleEcho(w http.ResponseWriter, r *http.Request) {
	h.echoCalls.Add(1)
	user := r.Context().Value(ctxKey{}).(*User)
	body, _ := io.ReadAll(r.Body)
	writeJSON(w, http.StatusOK, EchoResponse{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get(headers.Authorization),
		UserID:        user.ID,
		Body:          string(body),
	})
}

func (h *AuthHandler) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(headers.Authorization)
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		claims := &accessClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return h.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		if claims.Generation != h.generation.Load() {
			writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "access token expired")
			return
		}
		user, err := h.userByID(claims.Subject)
		if err != nil || user == nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func (h *AuthHandler) startSession(w http.ResponseWriter, user *User) {
	raw := uuid.NewString()
	expires := time.Now().Add(h.refreshTTL)

	txn := h.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("sessions", &refreshSession{
		TokenHash: hashToken(raw),
		UserID:    user.ID,
		Expires:   expires.Unix(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	txn.Commit()

	http.SetCookie(w, &http.Cookie{
		Name:     headers.RefreshCookie,
		Value:    raw,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	h.writeAccessToken(w, user)
}

func (h *AuthHandler) writeAccessToken(w http.ResponseWriter, user *User) {
	now := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		Claims: auth.Claims{
			Login: user.Login,
			Role:  string(user.Role),
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				Subject:   user.ID,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(h.accessTTL)),
			},
		},
		Generation: h.generation.Load(),
	}).SignedString(h.secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{h.tokenField: signed})
}

func (h *AuthHandler) userByLogin(login string) (*User, error) {
	obj, err := h.db.Txn(false).First("users", "login", login)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*User), nil
}

func (h *AuthHandler) userByID(id string) (*User, error) {
	obj, err := h.db.Txn(false).First("users", "id", id)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*User), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
