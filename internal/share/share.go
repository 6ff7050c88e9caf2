// Package share implements the Share/Presign component (spec §4.7):
// time-bounded presigned GET links, mirrored into an in-bucket ledger
// object and a local freshness-windowed cache.
package share

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timspizza/swiftpan/infrastructure/errors"
	"github.com/timspizza/swiftpan/internal/objectstore"
)

const (
	ledgerKey          = "analytics/static/share.json"
	localCacheFileName = "share_cache.json"
	maxEntries         = 1000
	freshnessWindow    = 24 * time.Hour
)

// Entry is one generated share link (spec §3's "Share entry").
type Entry struct {
	ID                 string `json:"id"`
	Key                string `json:"key"`
	URL                string `json:"url"`
	CreatedAtMillis    int64  `json:"created_at_ms"`
	ExpiresAtMillis    int64  `json:"expires_at_ms"`
	TTLSeconds         int64  `json:"ttl_secs"`
	DownloadFilename   string `json:"download_filename,omitempty"`
}

// Request is the input to GenerateLink.
type Request struct {
	Key              string
	TTLSeconds       int64
	DownloadFilename string
}

// Result is GenerateLink's output.
type Result struct {
	URL             string
	ExpiresAtMillis int64
}

type ledgerDoc struct {
	Entries []Entry `json:"entries"`
}

// Manager generates share links against one object-store client and
// maintains the bucket-side and local mirrors of the share ledger.
type Manager struct {
	mu      sync.Mutex
	store   *objectstore.Client
	dataDir string

	cachedAt time.Time
	cache    ledgerDoc
}

// NewManager builds a Manager rooted at dataDir for its local cache mirror.
func NewManager(store *objectstore.Client, dataDir string) *Manager {
	return &Manager{store: store, dataDir: dataDir}
}

func (m *Manager) cachePath() string {
	return filepath.Join(m.dataDir, localCacheFileName)
}

// GenerateLink implements generate_share_link (spec §4.7): obtains a
// presigned GET URL, then appends the entry to both the in-bucket ledger
// and the local cache, capped at maxEntries most-recent.
func (m *Manager) GenerateLink(ctx context.Context, req Request) (Result, error) {
	if req.Key == "" {
		return Result{}, errors.NotRetriable("generate share link", nil).WithContext("reason", "missing key")
	}
	if req.TTLSeconds <= 0 {
		return Result{}, errors.NotRetriable("generate share link", nil).WithContext("reason", "ttl_secs must be positive")
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	url, err := m.store.PresignRead(ctx, req.Key, ttl, req.DownloadFilename)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	entry := Entry{
		ID:               uuid.NewString(),
		Key:              req.Key,
		URL:              url,
		CreatedAtMillis:  now.UnixMilli(),
		ExpiresAtMillis:  now.Add(ttl).UnixMilli(),
		TTLSeconds:       req.TTLSeconds,
		DownloadFilename: req.DownloadFilename,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.appendToBucketLedger(ctx, entry); err != nil {
		return Result{}, err
	}
	if err := m.appendToLocalCache(entry); err != nil {
		return Result{}, err
	}

	return Result{URL: entry.URL, ExpiresAtMillis: entry.ExpiresAtMillis}, nil
}

// appendToBucketLedger fetches the current in-bucket ledger (tolerating a
// missing object), appends entry, caps at maxEntries, and writes it back.
// The ledger is not OCC-protected: the spec describes a monotonic append
// list, not a conflict-checked counter, so a last-writer-wins PUT matches
// its semantics.
func (m *Manager) appendToBucketLedger(ctx context.Context, entry Entry) error {
	doc, err := m.fetchBucketLedger(ctx)
	if err != nil {
		return err
	}
	doc.Entries = append(doc.Entries, entry)
	trimToMostRecent(&doc)

	body, err := json.Marshal(doc)
	if err != nil {
		return errors.NotRetriable("marshal share ledger", err)
	}
	if _, err := m.store.Put(ctx, ledgerKey, bytes.NewReader(body), int64(len(body))); err != nil {
		return err
	}
	return nil
}

func (m *Manager) fetchBucketLedger(ctx context.Context) (ledgerDoc, error) {
	rc, _, err := m.store.Get(ctx, ledgerKey)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return ledgerDoc{}, nil
		}
		return ledgerDoc{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxLedgerBodyBytes))
	if err != nil {
		return ledgerDoc{}, errors.RetryableNet("read share ledger", time.Second, err)
	}
	var doc ledgerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return ledgerDoc{}, errors.NotRetriable("parse share ledger", err)
	}
	return doc, nil
}

// appendToLocalCache loads the local mirror (if fresh), appends entry, caps
// it, and persists it with an updated timestamp.
func (m *Manager) appendToLocalCache(entry Entry) error {
	doc, _, err := m.loadLocalCache()
	if err != nil {
		return err
	}
	doc.Entries = append(doc.Entries, entry)
	trimToMostRecent(&doc)
	return m.writeLocalCache(doc)
}

type localCacheFile struct {
	CachedAtMillis int64     `json:"cached_at_ms"`
	Entries        []Entry   `json:"entries"`
}

func (m *Manager) loadLocalCache() (ledgerDoc, bool, error) {
	data, err := os.ReadFile(m.cachePath())
	if err != nil {
		if os.IsNotExist(err) {
			return ledgerDoc{}, false, nil
		}
		return ledgerDoc{}, false, errors.NotRetriable("read local share cache", err)
	}
	var raw localCacheFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return ledgerDoc{}, false, errors.NotRetriable("parse local share cache", err)
	}
	fresh := time.Since(time.UnixMilli(raw.CachedAtMillis)) < freshnessWindow
	return ledgerDoc{Entries: raw.Entries}, fresh, nil
}

func (m *Manager) writeLocalCache(doc ledgerDoc) error {
	raw := localCacheFile{CachedAtMillis: time.Now().UnixMilli(), Entries: doc.Entries}
	data, err := json.Marshal(raw)
	if err != nil {
		return errors.NotRetriable("marshal local share cache", err)
	}
	if err := os.WriteFile(m.cachePath(), data, 0o600); err != nil {
		return errors.NotRetriable("write local share cache", err)
	}
	return nil
}

// RecentLinks returns the most recent locally-cached share entries, refetching
// from the bucket ledger when the local cache has aged past its freshness
// window (spec §4.7's "24-hour freshness window").
func (m *Manager) RecentLinks(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, fresh, err := m.loadLocalCache()
	if err != nil {
		return nil, err
	}
	if fresh {
		return doc.Entries, nil
	}

	remote, err := m.fetchBucketLedger(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.writeLocalCache(remote); err != nil {
		return nil, err
	}
	return remote.Entries, nil
}

// trimToMostRecent caps doc's entries at maxEntries, keeping the most
// recently created ones (spec §3's "size-capped (1000 entries)").
func trimToMostRecent(doc *ledgerDoc) {
	sort.Slice(doc.Entries, func(i, j int) bool {
		return doc.Entries[i].CreatedAtMillis < doc.Entries[j].CreatedAtMillis
	})
	if len(doc.Entries) > maxEntries {
		doc.Entries = doc.Entries[len(doc.Entries)-maxEntries:]
	}
}

const maxLedgerBodyBytes = 4 << 20 // a share ledger of 1000 entries is small; 4MiB is generous
