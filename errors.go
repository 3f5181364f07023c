package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/authrelay/authrelay/sdk/go/auth"
	"github.com/authrelay/authrelay/sdk/go/headers"
)

// ErrMissingCredential is returned when a success response from sign-in,
// sign-up or the refresh exchange carries no access token.
var ErrMissingCredential = errors.New("sdk: response carried no access token")

// ErrNotAuthenticated is returned by readers that need a credential when none is held.
var ErrNotAuthenticated = errors.New("sdk: not authenticated")

// ConfigError reports an invalid client configuration.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string { return "sdk: invalid config: " + e.Reason }

// MissingCredentialError names the operation whose response lacked a token.
type MissingCredentialError struct {
	Operation string
}

func (e MissingCredentialError) Error() string {
	return fmt.Sprintf("sdk: %s response carried no access token", e.Operation)
}

func (e MissingCredentialError) Unwrap() error { return ErrMissingCredential }

// RecoveryExchangeError wraps the failure of a refresh exchange. It is terminal
// for the burst of requests that waited on that exchange.
type RecoveryExchangeError struct {
	Cause error
}

func (e RecoveryExchangeError) Error() string {
	if e.Cause == nil {
		return "sdk: token refresh failed"
	}
	return "sdk: token refresh failed: " + e.Cause.Error()
}

func (e RecoveryExchangeError) Unwrap() error { return e.Cause }

// TransportErrorKind classifies network failures.
type TransportErrorKind string

const (
	TransportErrorTimeout  TransportErrorKind = "timeout"
	TransportErrorCanceled TransportErrorKind = "canceled"
	TransportErrorOther    TransportErrorKind = "other"
)

// TransportError wraps failures that happened before a response was received.
type TransportError struct {
	Kind    TransportErrorKind
	Message string
	Cause   error
}

func (e TransportError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if e.Cause != nil {
		return fmt.Sprintf("sdk: %s (%s): %v", msg, e.Kind, e.Cause)
	}
	return fmt.Sprintf("sdk: %s (%s)", msg, e.Kind)
}

func (e TransportError) Unwrap() error { return e.Cause }

func classifyTransportErrorKind(err error) TransportErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TransportErrorTimeout
	case errors.Is(err, context.Canceled):
		return TransportErrorCanceled
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return TransportErrorTimeout
	}
	return TransportErrorOther
}

// APIError captures structured error metadata from a non-2xx response.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

// Error implements the error interface.
func (e APIError) Error() string {
	if e.Code == "" {
		e.Code = "UNKNOWN"
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("%s (%d)", e.Code, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsUnauthorized reports whether err carries an HTTP 401 anywhere in its chain.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// StatusCode extracts the HTTP status from APIError or auth.Error values, or 0.
func StatusCode(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	var authErr auth.Error
	if errors.As(err, &authErr) {
		return authErr.Status
	}
	return 0
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	apiErr := APIError{Status: resp.StatusCode, RequestID: resp.Header.Get(headers.RequestID)}
	if apiErr.RequestID == "" && resp.Request != nil {
		apiErr.RequestID = resp.Request.Header.Get(headers.RequestID)
	}
	if len(data) == 0 {
		apiErr.Message = resp.Status
		return apiErr
	}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = string(data)
		return apiErr
	}
	apiErr.Code = payload.Error.Code
	apiErr.Message = payload.Error.Message
	if apiErr.Message == "" {
		apiErr.Message = payload.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}
