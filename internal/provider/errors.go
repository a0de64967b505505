package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xiaopang/tavernai/internal/model"
)

// ErrNotConfigured is returned when a provider has no API key.
var ErrNotConfigured = errors.New("provider API key not configured")

// UpstreamError is a non-2xx answer from a provider.
type UpstreamError struct {
	Provider   model.ProviderName
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode))
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// StreamError reports a stream that broke after it started. Partial holds the
// content received before the failure.
type StreamError struct {
	Provider model.ProviderName
	Partial  string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: stream interrupted after %d bytes: %v", e.Provider, len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// StatusCode maps an error from this package to the HTTP status a caller
// should surface.
func StatusCode(err error) int {
	var upstream *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotConfigured):
		return http.StatusInternalServerError
	case errors.As(err, &upstream):
		return upstream.StatusCode
	default:
		return http.StatusBadGateway
	}
}
