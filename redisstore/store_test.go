package redisstore

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	sdk "github.com/authrelay/authrelay/sdk/go"
	"github.com/authrelay/authrelay/sdk/go/auth"
	"github.com/authrelay/authrelay/sdk/go/testutil"
)

var _ sdk.Store = (*Store)(nil)

func newStoreTest(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return New(rdb, opts), mr
}

func TestStoreRoundTrip(t *testing.T) {
	store, mr := newStoreTest(t, Options{Prefix: "app:"})
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, sdk.StoreKeyToken); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, sdk.StoreKeyToken, "tok"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if raw, err := mr.Get("app:token"); err != nil || raw != "tok" {
		t.Fatalf("unexpected raw key: %q %v", raw, err)
	}
	if v, ok, err := store.Get(ctx, sdk.StoreKeyToken); err != nil || !ok || v != "tok" {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := store.Delete(ctx, sdk.StoreKeyToken); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, sdk.StoreKeyToken); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if mr.Exists("app:token") {
		t.Fatalf("key survived delete")
	}
}

func TestStoreTTL(t *testing.T) {
	store, mr := newStoreTest(t, Options{TTL: time.Minute})
	if err := store.Set(context.Background(), sdk.StoreKeyProfile, "{}"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl := mr.TTL("authrelay:me"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.Get(context.Background(), sdk.StoreKeyProfile); ok {
		t.Fatalf("expected value to expire")
	}
}

func TestStoreUnavailable(t *testing.T) {
	store, mr := newStoreTest(t, Options{})
	mr.Close()
	_, _, err := store.Get(context.Background(), sdk.StoreKeyToken)
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}

func TestSessionSharedAcrossClients(t *testing.T) {
	server := testutil.NewAuthServer(testutil.AuthServerConfig{})
	defer server.Close()
	if _, err := server.SeedUser("ada", "lovelace", "ada@example.com", auth.RoleUser); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store, _ := newStoreTest(t, Options{})
	ctx := context.Background()

	first, err := sdk.NewClient(sdk.Config{BaseURL: server.URL, Store: store})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := first.Session.SignIn(ctx, auth.Credentials{Login: "ada", Password: "lovelace"}); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	second, err := sdk.NewClient(sdk.Config{BaseURL: server.URL, Store: store})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if !second.Session.IsAuthenticated() {
		t.Fatalf("second client should load the shared credential")
	}
	resp, err := second.Do(mustRequest(t, second, testutil.EchoPath))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func mustRequest(t *testing.T, c *sdk.Client, path string) *http.Request {
	t.Helper()
	req, err := c.NewRequest(context.Background(), http.MethodGet, path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}
