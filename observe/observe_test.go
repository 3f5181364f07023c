package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	sdk "github.com/authrelay/authrelay/sdk/go"
	"github.com/authrelay/authrelay/sdk/go/auth"
	"github.com/authrelay/authrelay/sdk/go/testutil"
)

func newSignedInClient(t *testing.T, hooks sdk.TelemetryHooks) (*sdk.Client, *testutil.AuthServer) {
	t.Helper()
	server := testutil.NewAuthServer(testutil.AuthServerConfig{})
	t.Cleanup(server.Close)
	if _, err := server.SeedUser("ada", "lovelace", "ada@example.com", auth.RoleUser); err != nil {
		t.Fatalf("seed: %v", err)
	}
	client, err := sdk.NewClient(sdk.Config{BaseURL: server.URL, Telemetry: hooks})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Session.SignIn(context.Background(), auth.Credentials{Login: "ada", Password: "lovelace"}); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	return client, server
}

func logMessages(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func findMessage(entries []map[string]any, msg string) map[string]any {
	for _, e := range entries {
		if e["message"] == msg {
			return e
		}
	}
	return nil
}

func TestZerologHooksLogsRefreshAndTeardown(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	client, server := newSignedInClient(t, ZerologHooks(logger))

	server.ExpireAccessTokens()
	if err := client.DoJSON(context.Background(), http.MethodGet, testutil.EchoPath, nil, nil); err != nil {
		t.Fatalf("echo after expiry: %v", err)
	}
	client.Session.SignOut(context.Background())

	entries := logMessages(t, &buf)
	refreshed := findMessage(entries, "refresh_succeeded")
	if refreshed == nil || refreshed["level"] != "info" {
		t.Fatalf("expected info refresh_succeeded entry, got %v", entries)
	}
	if _, ok := refreshed["latency_ms"]; !ok {
		t.Fatalf("expected latency field, got %v", refreshed)
	}
	if findMessage(entries, "session_cleared") == nil {
		t.Fatalf("expected session_cleared entry")
	}
	if completed := findMessage(entries, "request completed"); completed == nil || completed["level"] != "debug" {
		t.Fatalf("expected debug round trip entry")
	}
}

func TestZerologLevelMapping(t *testing.T) {
	cases := map[sdk.LogLevel]zerolog.Level{
		sdk.LogLevelDebug: zerolog.DebugLevel,
		sdk.LogLevelInfo:  zerolog.InfoLevel,
		sdk.LogLevelError: zerolog.ErrorLevel,
		"verbose":         zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := zerologLevel(in); got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}

func TestPrometheusMetricsCountsRefreshAndTeardown(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	client, server := newSignedInClient(t, metrics.Hooks())

	server.ExpireAccessTokens()
	if err := client.DoJSON(context.Background(), http.MethodGet, testutil.EchoPath, nil, nil); err != nil {
		t.Fatalf("echo after expiry: %v", err)
	}
	if got := promtest.ToFloat64(metrics.RefreshExchanges.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 successful refresh, got %v", got)
	}

	server.SetRefreshBehavior(testutil.RefreshBehavior{Status: http.StatusUnauthorized})
	server.ExpireAccessTokens()
	err = client.DoJSON(context.Background(), http.MethodGet, testutil.EchoPath, nil, nil)
	var recErr sdk.RecoveryExchangeError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected refresh failure, got %v", err)
	}
	if got := promtest.ToFloat64(metrics.RefreshExchanges.WithLabelValues("failure")); got != 1 {
		t.Fatalf("expected 1 failed refresh, got %v", got)
	}
	if got := promtest.ToFloat64(metrics.Teardowns.WithLabelValues("true")); got != 1 {
		t.Fatalf("expected 1 teardown of a live session, got %v", got)
	}
	if n := promtest.CollectAndCount(metrics.HTTPLatency); n == 0 {
		t.Fatalf("expected latency series")
	}
}

func TestNewPrometheusMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusMetrics(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestCombineCallsEveryHook(t *testing.T) {
	var order []string
	a := sdk.TelemetryHooks{OnMetric: func(context.Context, sdk.Metric) { order = append(order, "a") }}
	b := sdk.TelemetryHooks{OnLogEntry: func(context.Context, sdk.LogEntry) { order = append(order, "b-log") }}
	c := sdk.TelemetryHooks{OnMetric: func(context.Context, sdk.Metric) { order = append(order, "c") }}

	hooks := Combine(a, b, c)
	hooks.OnMetric(context.Background(), sdk.Metric{Name: "x"})
	hooks.OnLogEntry(context.Background(), sdk.LogEntry{Message: "y"})
	if hooks.OnHTTPRequest != nil {
		t.Fatalf("expected no request hook")
	}
	if strings.Join(order, ",") != "a,c,b-log" {
		t.Fatalf("unexpected order %v", order)
	}
}
