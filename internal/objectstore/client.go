// Package objectstore implements the Object Store Client (spec §4.2): a
// minio-go/v7 Core-backed client against the configured S3-compatible
// endpoint, with client caching keyed by credential fingerprint and a
// one-shot TLS-failure retry.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	swifterrors "github.com/timspizza/swiftpan/infrastructure/errors"
	"github.com/timspizza/swiftpan/infrastructure/httputil"
	"github.com/timspizza/swiftpan/infrastructure/logging"
	"github.com/timspizza/swiftpan/infrastructure/metrics"
	"github.com/timspizza/swiftpan/infrastructure/resilience"
	"github.com/timspizza/swiftpan/internal/httpinstrument"
)

// Config names the five-tuple that identifies a distinct client in the
// cache (spec §4.2).
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
}

// Fingerprint returns a stable identity for cfg, used as the cache key.
func Fingerprint(cfg Config) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		cfg.Endpoint, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.Bucket, cfg.Region,
	}, "\x00")))
	return hex.EncodeToString(sum[:])
}

// ObjectInfo is a store-agnostic projection of a listed or stat'd object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	IsPrefix     bool
}

// ListResult is one page of a List call.
type ListResult struct {
	Objects               []ObjectInfo
	CommonPrefixes        []string
	ContinuationToken     string
	NextContinuationToken string
	IsTruncated           bool
}

// Client wraps a minio.Core against one bucket, instrumented per spec §4.3.
type Client struct {
	core        *minio.Core
	bucket      string
	cfg         Config
	breaker     *resilience.CircuitBreaker
	metrics     *metrics.Metrics
	logger      *logging.Logger
	cacheParent *Cache
}

func newClient(cfg Config, m *metrics.Metrics, logger *logging.Logger) (*Client, error) {
	base, err := httputil.NewClient(httputil.ClientConfig{}, httputil.DefaultClientDefaults())
	if err != nil {
		return nil, swifterrors.NotRetriable("build base http client", err)
	}
	base.Transport = httpinstrument.NewTransport(base.Transport, m, logger, "objectstore")

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	core, err := minio.NewCore(hostOnly(cfg.Endpoint), &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:    strings.HasPrefix(cfg.Endpoint, "https://"),
		Region:    region,
		Transport: base.Transport,
	})
	if err != nil {
		return nil, swifterrors.RetryableNet("construct object store client", 0, err)
	}

	return &Client{
		core:    core,
		bucket:  cfg.Bucket,
		cfg:     cfg,
		breaker: resilience.New(resilience.DefaultServiceCBConfig(logger)),
		metrics: m,
		logger:  logger,
	}, nil
}

// hostOnly strips the scheme, since minio.NewCore takes a bare host:port.
func hostOnly(endpoint string) string {
	s := strings.TrimPrefix(endpoint, "https://")
	s = strings.TrimPrefix(s, "http://")
	return strings.TrimRight(s, "/")
}

// Cache constructs and caches Clients keyed by Fingerprint, serializing
// construction with a mutex so concurrent callers never race two builds of
// the same fingerprint (spec §4.2).
type Cache struct {
	mu      sync.Mutex
	clients map[string]*Client
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewCache builds an empty client cache.
func NewCache(m *metrics.Metrics, logger *logging.Logger) *Cache {
	return &Cache{clients: make(map[string]*Client), metrics: m, logger: logger}
}

// Get returns the cached Client for cfg, constructing it on first use.
func (c *Cache) Get(cfg Config) (*Client, error) {
	fp := Fingerprint(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.clients[fp]; ok {
		return existing, nil
	}

	client, err := newClient(cfg, c.metrics, c.logger)
	if err != nil {
		return nil, err
	}
	client.cacheParent = c
	c.clients[fp] = client
	return client, nil
}

// Invalidate drops the cached client for cfg, forcing the next Get to
// rebuild it. Used after a TLS fingerprint mismatch is observed, and by the
// credentials backend whenever the stored bundle changes.
func (c *Cache) Invalidate(cfg Config) {
	fp := Fingerprint(cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, fp)
}

// isTLSFingerprintError reports whether err looks like a stale pinned
// certificate (spec §4.2's one-shot TLS retry trigger).
func isTLSFingerprintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown issuer") || strings.Contains(msg, "invalid peer certificate") ||
		strings.Contains(msg, "certificate signed by unknown authority")
}

// withTLSRetry runs op once; on a TLS fingerprint error it invalidates the
// cached client, rebuilds against cache, and retries op exactly once against
// the rebuilt client.
func withTLSRetry(c *Client, op func(*Client) error) error {
	err := op(c)
	if err == nil || !isTLSFingerprintError(err) || c.cacheParent == nil {
		return err
	}

	c.cacheParent.Invalidate(c.cfg)
	rebuilt, rebuildErr := c.cacheParent.Get(c.cfg)
	if rebuildErr != nil {
		return err
	}
	return op(rebuilt)
}

// IsNotFound reports whether err represents a missing object or bucket, the
// signal the usage ledger uses to distinguish "absent, seed it" from a
// genuine network failure.
func IsNotFound(err error) bool {
	se := swifterrors.As(err)
	if se == nil {
		return false
	}
	code, _ := se.Context["code"].(string)
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// NormalizeETag strips surrounding quotes from an S3-style ETag so
// observed/expected/If-Match comparisons are never quote-sensitive (spec §9
// Open Question 1).
func NormalizeETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// List lists one page of objects under prefix, respecting delimiter
// semantics (non-recursive when delimiter is "/").
func (c *Client) List(ctx context.Context, prefix, continuationToken, delimiter string, maxKeys int) (ListResult, error) {
	var result ListResult
	err := withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			page, err := cl.core.ListObjectsV2(cl.bucket, prefix, "", continuationToken, delimiter, maxKeys)
			if err != nil {
				return classifyStoreError(err)
			}
			result = ListResult{
				ContinuationToken:     continuationToken,
				NextContinuationToken: page.NextContinuationToken,
				IsTruncated:           page.IsTruncated,
			}
			for _, obj := range page.Contents {
				result.Objects = append(result.Objects, ObjectInfo{
					Key:          obj.Key,
					Size:         obj.Size,
					ETag:         NormalizeETag(obj.ETag),
					LastModified: obj.LastModified,
				})
			}
			for _, cp := range page.CommonPrefixes {
				result.CommonPrefixes = append(result.CommonPrefixes, cp.Prefix)
			}
			return nil
		})
	})
	return result, err
}

// ListFlat lists every object under prefix across as many pages as needed,
// ignoring delimiters — used by the usage ledger's recursive fold (spec
// §4.6 step 3).
func (c *Client) ListFlat(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var all []ObjectInfo
	token := ""
	for {
		page, err := c.List(ctx, prefix, token, "", 1000)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Objects...)
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	return all, nil
}

// Stat returns metadata for a single object (HeadObject).
func (c *Client) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			oi, err := cl.core.StatObject(ctx, cl.bucket, key, minio.StatObjectOptions{})
			if err != nil {
				return classifyStoreError(err)
			}
			info = ObjectInfo{Key: key, Size: oi.Size, ETag: NormalizeETag(oi.ETag), LastModified: oi.LastModified}
			return nil
		})
	})
	return info, err
}

// Get opens a streaming read of the whole object.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	return c.getRange(ctx, key, nil, nil, "")
}

// GetRange opens a streaming ranged read [start, end] (inclusive), pinned
// to ifMatchETag when non-empty so a source mutation mid-download surfaces
// as SourceChanged (spec §4.5).
func (c *Client) GetRange(ctx context.Context, key string, start, end int64, ifMatchETag string) (io.ReadCloser, ObjectInfo, error) {
	return c.getRange(ctx, key, &start, &end, ifMatchETag)
}

func (c *Client) getRange(ctx context.Context, key string, start, end *int64, ifMatchETag string) (io.ReadCloser, ObjectInfo, error) {
	var (
		body io.ReadCloser
		info ObjectInfo
	)
	err := withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			opts := minio.GetObjectOptions{}
			if start != nil && end != nil {
				if err := opts.SetRange(*start, *end); err != nil {
					return swifterrors.NotRetriable("set range", err)
				}
			}
			if ifMatchETag != "" {
				if err := opts.SetMatchETag(ifMatchETag); err != nil {
					return swifterrors.NotRetriable("set if-match", err)
				}
			}

			rc, oi, _, err := cl.core.GetObject(ctx, cl.bucket, key, opts)
			if err != nil {
				return classifyGetObjectError(err, ifMatchETag)
			}
			body = rc
			info = ObjectInfo{Key: key, Size: oi.Size, ETag: NormalizeETag(oi.ETag), LastModified: oi.LastModified}
			return nil
		})
	})
	return body, info, err
}

// Put performs a single-shot, non-multipart upload. The upload engine sends
// every file transfer through the multipart methods below and uses Put only
// for thumbnail companions; the share ledger is also written with Put.
func (c *Client) Put(ctx context.Context, key string, data io.Reader, size int64) (ObjectInfo, error) {
	var info ObjectInfo
	err := withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			ui, err := cl.core.PutObject(ctx, cl.bucket, key, data, size, "", "", nil, nil)
			if err != nil {
				return classifyStoreError(err)
			}
			info = ObjectInfo{Key: key, Size: size, ETag: NormalizeETag(ui.ETag)}
			return nil
		})
	})
	return info, err
}

// ErrPreconditionFailed is returned by PutConditional when the store
// rejects the write because If-Match/If-None-Match did not hold — the
// usage ledger's signal to reload the remote object and retry the merge
// from step 3 (spec §4.6).
var ErrPreconditionFailed = stderrors.New("object store: precondition failed")

// PutConditional performs a single-shot PUT carrying If-Match or
// If-None-Match, used by the usage ledger's optimistic-concurrency merge
// (spec §4.6). Exactly one of ifMatch/ifNoneMatch should be non-empty.
func (c *Client) PutConditional(ctx context.Context, key string, data io.Reader, size int64, ifMatch, ifNoneMatch string) (ObjectInfo, error) {
	var info ObjectInfo
	err := withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			headers := map[string]string{}
			if ifMatch != "" {
				headers["If-Match"] = ifMatch
			}
			if ifNoneMatch != "" {
				headers["If-None-Match"] = ifNoneMatch
			}
			ui, err := cl.core.PutObject(ctx, cl.bucket, key, data, size, "", "", headers, nil)
			if err != nil {
				return classifyConditionalPutError(err)
			}
			info = ObjectInfo{Key: key, Size: size, ETag: NormalizeETag(ui.ETag)}
			return nil
		})
	})
	return info, err
}

func classifyConditionalPutError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusPreconditionFailed {
		return ErrPreconditionFailed
	}
	return classifyStoreError(err)
}

// Writer starts a resumable multipart upload and returns its upload ID.
func (c *Client) Writer(ctx context.Context, key string) (uploadID string, err error) {
	err = withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			id, e := cl.core.NewMultipartUpload(ctx, cl.bucket, key, minio.PutObjectOptions{})
			if e != nil {
				return classifyStoreError(e)
			}
			uploadID = id
			return nil
		})
	})
	return uploadID, err
}

// UploadPart uploads one part of an in-flight multipart upload.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data io.Reader, size int64) (etag string, err error) {
	err = withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			part, e := cl.core.PutObjectPart(ctx, cl.bucket, key, uploadID, partNumber, data, size, "", "", nil)
			if e != nil {
				return classifyStoreError(e)
			}
			etag = NormalizeETag(part.ETag)
			return nil
		})
	})
	return etag, err
}

// CompletedPart is one entry of the completion manifest.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// CompleteWriter finalizes a multipart upload.
func (c *Client) CompleteWriter(ctx context.Context, key, uploadID string, parts []CompletedPart) (ObjectInfo, error) {
	var info ObjectInfo
	err := withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			complete := make([]minio.CompletePart, 0, len(parts))
			for _, p := range parts {
				complete = append(complete, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
			}
			ui, e := cl.core.CompleteMultipartUpload(ctx, cl.bucket, key, uploadID, complete, minio.PutObjectOptions{})
			if e != nil {
				return classifyStoreError(e)
			}
			info = ObjectInfo{Key: key, ETag: NormalizeETag(ui.ETag)}
			return nil
		})
	})
	return info, err
}

// AbortWriter cancels an in-flight multipart upload, best-effort.
func (c *Client) AbortWriter(ctx context.Context, key, uploadID string) error {
	return withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			if e := cl.core.AbortMultipartUpload(ctx, cl.bucket, key, uploadID); e != nil {
				return classifyStoreError(e)
			}
			return nil
		})
	})
}

// Delete removes a single object.
func (c *Client) Delete(ctx context.Context, key string) error {
	return withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			if e := cl.core.RemoveObject(ctx, cl.bucket, key, minio.RemoveObjectOptions{}); e != nil {
				return classifyStoreError(e)
			}
			return nil
		})
	})
}

// PresignRead returns a time-limited presigned GET URL for key (spec §4.7).
func (c *Client) PresignRead(ctx context.Context, key string, ttl time.Duration, downloadFilename string) (string, error) {
	var link string
	err := withTLSRetry(c, func(cl *Client) error {
		return cl.breaker.Execute(ctx, func() error {
			reqParams := make(map[string][]string)
			if downloadFilename != "" {
				reqParams["response-content-disposition"] = []string{`attachment; filename="` + downloadFilename + `"`}
			}
			u, e := cl.core.Client.PresignedGetObject(ctx, cl.bucket, key, ttl, reqParams)
			if e != nil {
				return classifyStoreError(e)
			}
			link = u.String()
			return nil
		})
	})
	return link, err
}

func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if isTLSFingerprintError(err) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidArgument", "InvalidBucketName":
		return swifterrors.NotRetriable("object store request rejected", err).WithContext("code", resp.Code)
	case "":
		return swifterrors.RetryableNet("object store request failed", 2*time.Second, err)
	default:
		return swifterrors.RetryableNet("object store request failed", 2*time.Second, err).WithContext("code", resp.Code)
	}
}

func classifyGetObjectError(err error, ifMatchETag string) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if ifMatchETag != "" && (resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed) {
		return swifterrors.SourceChanged(ifMatchETag, resp.Code)
	}
	return classifyStoreError(err)
}
