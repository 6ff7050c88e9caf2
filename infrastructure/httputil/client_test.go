package httputil

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestDefaultTransportWithMinTLS12(t *testing.T) {
	rt := DefaultTransportWithMinTLS12()
	transport, ok := rt.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if transport.TLSClientConfig == nil {
		t.Fatal("TLSClientConfig should not be nil")
	}
	if transport.TLSClientConfig.MinVersion < 0x0303 { // tls.VersionTLS12
		t.Errorf("MinVersion = %x, want >= TLS1.2", transport.TLSClientConfig.MinVersion)
	}
}

func TestNewClientAppliesDefaultTimeout(t *testing.T) {
	client, err := NewClient(ClientConfig{}, DefaultClientDefaults())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client.Timeout != DefaultClientDefaults().Timeout {
		t.Errorf("Timeout = %v, want %v", client.Timeout, DefaultClientDefaults().Timeout)
	}
}

func TestNewClientHonorsExplicitTimeout(t *testing.T) {
	client, err := NewClient(ClientConfig{Timeout: 5 * time.Second}, DefaultClientDefaults())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
}

func TestCopyHTTPClientWithTimeoutPreservesExisting(t *testing.T) {
	base := &http.Client{Timeout: 9 * time.Second}
	got := CopyHTTPClientWithTimeout(base, 30*time.Second, false)
	if got.Timeout != 9*time.Second {
		t.Errorf("Timeout = %v, want 9s (preserved)", got.Timeout)
	}
}

func TestCopyHTTPClientWithTimeoutForcesOverride(t *testing.T) {
	base := &http.Client{Timeout: 9 * time.Second}
	got := CopyHTTPClientWithTimeout(base, 30*time.Second, true)
	if got.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s (forced)", got.Timeout)
	}
}

func TestResolveMaxBodyBytes(t *testing.T) {
	if got := ResolveMaxBodyBytes(0, 1024); got != 1024 {
		t.Errorf("ResolveMaxBodyBytes(0, 1024) = %d, want 1024", got)
	}
	if got := ResolveMaxBodyBytes(2048, 1024); got != 2048 {
		t.Errorf("ResolveMaxBodyBytes(2048, 1024) = %d, want 2048", got)
	}
}

func TestReadAllWithLimit(t *testing.T) {
	r := strings.NewReader("hello world")
	body, truncated, err := ReadAllWithLimit(r, 5)
	if err != nil {
		t.Fatalf("ReadAllWithLimit() error = %v", err)
	}
	if !truncated {
		t.Error("expected truncated = true")
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want hello", body)
	}
}

func TestReadAllStrictReturnsTooLarge(t *testing.T) {
	r := strings.NewReader("hello world")
	_, err := ReadAllStrict(r, 5)
	var tooLarge *BodyTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Errorf("expected *BodyTooLargeError, got %T", err)
	}
}
