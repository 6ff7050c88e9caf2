package httputil

import (
	"net/http"
	"time"
)

// =============================================================================
// HTTP Client Configuration
// =============================================================================

// ClientConfig holds standard client configuration used to build the base
// *http.Client that the object store client wraps with its instrumented
// RoundTripper.
type ClientConfig struct {
	// Timeout is the request timeout. Zero means use default.
	Timeout time.Duration

	// HTTPClient is the base HTTP client to use. If nil, a default client
	// built over DefaultTransportWithMinTLS12 is created.
	HTTPClient *http.Client

	// MaxBodyBytes caps response body size to prevent memory exhaustion on
	// non-streaming reads (ledger GETs, presign responses).
	MaxBodyBytes int64
}

// ClientDefaults holds default values for client configuration.
type ClientDefaults struct {
	Timeout      time.Duration
	MaxBodyBytes int64
}

// DefaultClientDefaults returns standard default values.
func DefaultClientDefaults() ClientDefaults {
	return ClientDefaults{
		Timeout:      30 * time.Second,
		MaxBodyBytes: 1 << 20, // 1MiB
	}
}

// =============================================================================
// Client Creation Helper
// =============================================================================

// NewClient creates an HTTP client with standardized timeout handling over
// either a caller-supplied base client or DefaultTransportWithMinTLS12.
func NewClient(cfg ClientConfig, defaults ClientDefaults) (*http.Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	forceTimeout := cfg.Timeout != 0

	client := CopyHTTPClientWithTimeout(cfg.HTTPClient, timeout, forceTimeout)
	return client, nil
}

// CopyHTTPClientWithTimeout returns a shallow copy of base (or a fresh client
// over DefaultTransportWithMinTLS12 if base is nil) with its Timeout field
// set. If forceTimeout is false and base already has a non-zero Timeout, the
// existing value is preserved.
func CopyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, forceTimeout bool) *http.Client {
	if base == nil {
		return &http.Client{
			Transport: DefaultTransportWithMinTLS12(),
			Timeout:   timeout,
		}
	}

	clientCopy := *base
	if forceTimeout || clientCopy.Timeout == 0 {
		clientCopy.Timeout = timeout
	}
	return &clientCopy
}

// =============================================================================
// Max Body Size Helper
// =============================================================================

// ResolveMaxBodyBytes returns the effective max body size from config and defaults.
func ResolveMaxBodyBytes(cfg int64, defaultBytes int64) int64 {
	if cfg <= 0 {
		return defaultBytes
	}
	return cfg
}
