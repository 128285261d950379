package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/pkg/idx"
)

// Transport is an http.RoundTripper that logs outbound requests and tags each
// with a ULID request id. Bodies and Authorization headers are never logged;
// only method, host, path, status, and timing.
type Transport struct {
	Base http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	start := time.Now()
	reqID := idx.New().String()

	logger := FromContext(req.Context()).With(
		"req_id", reqID,
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	req = req.Clone(req.Context())
	req.Header.Set("X-Request-ID", reqID)

	resp, err := base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		logger.Warn("idp_request_failed",
			slog.Any("error", err),
			"duration_ms", duration,
		)
		return nil, err
	}

	logger.Debug("idp_request",
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
