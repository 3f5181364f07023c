// Package observe adapts sdk.TelemetryHooks to zerolog and Prometheus.
package observe

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	sdk "github.com/authrelay/authrelay/sdk/go"
)

// ZerologHooks routes SDK log entries and HTTP round trips to logger.
// Round trips are logged at debug level; transport failures at error level.
func ZerologHooks(logger zerolog.Logger) sdk.TelemetryHooks {
	return sdk.TelemetryHooks{
		OnLogEntry: func(_ context.Context, entry sdk.LogEntry) {
			logger.WithLevel(zerologLevel(entry.Level)).Fields(entry.Fields).Msg(entry.Message)
		},
		OnHTTPResponse: func(_ context.Context, req *http.Request, resp *http.Response, err error, latency time.Duration) {
			if err != nil {
				logger.Error().Err(err).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Dur("latency", latency).
					Msg("request failed")
				return
			}
			logger.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", resp.StatusCode).
				Dur("latency", latency).
				Msg("request completed")
		},
	}
}

func zerologLevel(level sdk.LogLevel) zerolog.Level {
	switch level {
	case sdk.LogLevelDebug:
		return zerolog.DebugLevel
	case sdk.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Combine fans every callback out to each hook set, in order.
func Combine(hooks ...sdk.TelemetryHooks) sdk.TelemetryHooks {
	var out sdk.TelemetryHooks
	for _, h := range hooks {
		if h.OnHTTPRequest != nil {
			prev := out.OnHTTPRequest
			out.OnHTTPRequest = func(ctx context.Context, req *http.Request) {
				if prev != nil {
					prev(ctx, req)
				}
				h.OnHTTPRequest(ctx, req)
			}
		}
		if h.OnHTTPResponse != nil {
			prev := out.OnHTTPResponse
			out.OnHTTPResponse = func(ctx context.Context, req *http.Request, resp *http.Response, err error, latency time.Duration) {
				if prev != nil {
					prev(ctx, req, resp, err, latency)
				}
				h.OnHTTPResponse(ctx, req, resp, err, latency)
			}
		}
		if h.OnLogEntry != nil {
			prev := out.OnLogEntry
			out.OnLogEntry = func(ctx context.Context, entry sdk.LogEntry) {
				if prev != nil {
					prev(ctx, entry)
				}
				h.OnLogEntry(ctx, entry)
			}
		}
		if h.OnMetric != nil {
			prev := out.OnMetric
			out.OnMetric = func(ctx context.Context, m sdk.Metric) {
				if prev != nil {
					prev(ctx, m)
				}
				h.OnMetric(ctx, m)
			}
		}
	}
	return out
}
