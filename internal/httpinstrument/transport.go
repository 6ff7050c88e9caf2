package httpinstrument

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/timspizza/swiftpan/infrastructure/logging"
	"github.com/timspizza/swiftpan/infrastructure/metrics"
)

// Transport wraps an http.RoundTripper, classifying each request per
// Classify and recording call counts, durations, and ingress/egress bytes
// without buffering either body (spec §4.3's streaming contract).
type Transport struct {
	Base    http.RoundTripper
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Service string
}

// NewTransport builds an instrumented Transport over base. base must not be
// nil; callers build it via infrastructure/httputil.NewClient first.
func NewTransport(base http.RoundTripper, m *metrics.Metrics, logger *logging.Logger, service string) *Transport {
	return &Transport{Base: base, Metrics: m, Logger: logger, Service: service}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	method, class := Classify(req)
	start := time.Now()

	ingress := requestBodySize(req)
	if ingress > 0 && t.Metrics != nil {
		t.Metrics.RecordIngress(ingress)
	}

	resp, err := t.Base.RoundTrip(req)
	duration := time.Since(start)

	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}

	if t.Metrics != nil {
		t.Metrics.RecordObjectStoreCall(t.Service, string(class), method, status, duration)
	}
	if t.Logger != nil {
		bucket, key := bucketAndKey(req)
		t.Logger.LogObjectStoreCall(req.Context(), string(class), method, bucket, key, duration, err)
	}

	if err != nil {
		return nil, err
	}

	if resp.Body != nil {
		resp.Body = &countingReadCloser{
			inner: resp.Body,
			onClose: func(n int64) {
				if n > 0 && t.Metrics != nil {
					t.Metrics.RecordEgress(n)
				}
			},
		}
	}

	return resp, nil
}

// requestBodySize returns the known content length of req's body, or 0 if
// unknown (chunked/streamed bodies are attributed by the caller, which
// already knows the part/chunk size it handed to the object store client).
func requestBodySize(req *http.Request) int64 {
	if req.ContentLength > 0 {
		return req.ContentLength
	}
	return 0
}

// bucketAndKey extracts a best-effort bucket/key pair from the request path
// for logging. The object store client talks path-style to R2, so the first
// path segment is the bucket and the remainder is the key.
func bucketAndKey(req *http.Request) (bucket, key string) {
	path := req.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// countingReadCloser wraps a response body, tallying bytes read and firing
// onClose exactly once with the final count. It never buffers: bytes are
// counted as the caller streams through Read.
type countingReadCloser struct {
	inner   io.ReadCloser
	n       int64
	closed  bool
	onClose func(n int64)
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	if !c.closed {
		c.closed = true
		if c.onClose != nil {
			c.onClose(c.n)
		}
	}
	return c.inner.Close()
}
