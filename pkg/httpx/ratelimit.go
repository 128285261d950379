package httpx

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines outbound rate limiting parameters. The IDP's
// endpoints are a shared resource; the client throttles itself rather than
// rely on the server's 429 handling.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in the time window
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// IDPLimit is the default budget for IDP calls: a full authentication flow is
// at most five requests, so this leaves headroom for a couple of flows per
// minute without letting a retry loop hammer the server.
// Override with: ERP_RATELIMIT_IDP_REQUESTS, ERP_RATELIMIT_IDP_WINDOW_SEC, ERP_RATELIMIT_IDP_BURST
var IDPLimit = RateLimitConfig{
	RequestsPerWindow: 30,
	Window:            time.Minute,
	Burst:             10,
}

func init() {
	IDPLimit = ParseRateLimitFromEnv("IDP", IDPLimit)
}

// ParseRateLimitFromEnv reads rate limit configuration from environment
// variables following the pattern ERP_RATELIMIT_{prefix}_{field}.
func ParseRateLimitFromEnv(prefix string, defaultConfig RateLimitConfig) RateLimitConfig {
	config := defaultConfig

	if val := os.Getenv("ERP_RATELIMIT_" + prefix + "_REQUESTS"); val != "" {
		if requests, err := strconv.Atoi(val); err == nil && requests > 0 {
			config.RequestsPerWindow = requests
		}
	}

	if val := os.Getenv("ERP_RATELIMIT_" + prefix + "_WINDOW_SEC"); val != "" {
		if windowSec, err := strconv.Atoi(val); err == nil && windowSec > 0 {
			config.Window = time.Duration(windowSec) * time.Second
		}
	}

	if val := os.Getenv("ERP_RATELIMIT_" + prefix + "_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil && burst > 0 {
			config.Burst = burst
		}
	}

	return config
}

// limiterFor converts a window-based config into a token-bucket limiter.
func limiterFor(cfg RateLimitConfig) *rate.Limiter {
	every := cfg.Window / time.Duration(cfg.RequestsPerWindow)
	return rate.NewLimiter(rate.Every(every), cfg.Burst)
}

// Transport is an http.RoundTripper that blocks until the limiter grants a
// slot, honouring the request context while waiting. Wrap the IDP client's
// transport with it.
type Transport struct {
	Base    http.RoundTripper
	limiter *rate.Limiter
}

// NewTransport wraps base with the given rate-limit profile.
func NewTransport(base http.RoundTripper, cfg RateLimitConfig) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, limiter: limiterFor(cfg)}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.Base.RoundTrip(req)
}
