package usage

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timspizza/swiftpan/infrastructure/errors"
	"github.com/timspizza/swiftpan/infrastructure/logging"
	"github.com/timspizza/swiftpan/infrastructure/metrics"
	"github.com/timspizza/swiftpan/infrastructure/resilience"
	"github.com/timspizza/swiftpan/internal/objectstore"
)

const (
	analyticsDailyPrefix  = "analytics/daily/"
	backwardScanDays      = 62
	maxMergeRetries       = 5
	dateLayout            = "2006-01-02"
	monthCacheFilePattern = "usage_cache_%s.json"
)

// Ledger drives the remote daily-ledger merge protocol (spec §4.6) against
// one object-store client, backed by a LocalStore for pending deltas and a
// per-month cache file on disk.
type Ledger struct {
	store   *objectstore.Client
	local   *LocalStore
	dataDir string
	mergeMu sync.Mutex
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewLedger builds a Ledger over store, rooted at dataDir for the local
// delta files and month cache.
func NewLedger(store *objectstore.Client, dataDir string, m *metrics.Metrics, logger *logging.Logger) (*Ledger, error) {
	local, err := NewLocalStore(dataDir)
	if err != nil {
		return nil, err
	}
	return &Ledger{store: store, local: local, dataDir: dataDir, metrics: m, logger: logger}, nil
}

// IsProtectedKey reports whether key falls under the reserved analytics
// prefix, which user-facing writes and deletes must never touch.
func IsProtectedKey(key string) bool {
	return strings.HasPrefix(key, analyticsDailyPrefix) || strings.HasPrefix(key, "analytics/")
}

// Record folds fn's effect into today's local delta, serialized by
// LocalStore's mutex (spec §4.6's "recording path").
func (l *Ledger) Record(fn func(*UsageDelta)) error {
	today := time.Now().UTC().Format(dateLayout)
	return l.local.Record(today, fn)
}

// DeleteObject implements the delete_object(key) command (spec §3's
// "Protected prefix" invariant, spec §8 scenario 6): it rejects a key under
// the reserved analytics prefix before making any network call, otherwise
// stats the object for its size, deletes it, and folds DeleteObject's
// class_a and deleted_storage_bytes into today's delta.
func (l *Ledger) DeleteObject(ctx context.Context, key string) error {
	if IsProtectedKey(key) {
		return errors.NotRetriable("delete object", nil).WithContext("reason", "key under reserved analytics prefix").WithContext("key", key)
	}

	info, err := l.store.Stat(ctx, key)
	if err != nil {
		return err
	}
	if err := l.store.Delete(ctx, key); err != nil {
		return err
	}

	return l.Record(func(d *UsageDelta) {
		d.ClassA++
		d.DeletedStorageBytes = saturatingAdd(d.DeletedStorageBytes, info.Size)
	})
}

// MergeDay implements merge_and_write_day(date), serialized process-wide by
// mergeMu (spec §5).
func (l *Ledger) MergeDay(ctx context.Context, date string) error {
	l.mergeMu.Lock()
	defer l.mergeMu.Unlock()

	start := time.Now()
	result := "success"
	conflicted := false
	defer func() {
		if l.metrics != nil {
			l.metrics.RecordLedgerMerge(result, conflicted, time.Since(start))
		}
	}()

	today := time.Now().UTC().Format(dateLayout)
	state, err := l.local.ReadState()
	if err != nil {
		result = "error"
		return err
	}
	if state.LastMergeDate == today && date == today {
		return nil
	}

	delta, err := l.local.Load(date)
	if err != nil {
		result = "error"
		return err
	}

	key := analyticsDailyPrefix + date + ".json"

	attempt := 0
	retryErr := resilience.Retry(ctx, mergeRetryConfig(), func() error {
		attempt++

		ledger, etag, err := l.fetchOrSeed(ctx, date)
		if err != nil {
			return resilience.Permanent(err)
		}

		merged := foldDelta(ledger, delta, date)
		body, err := json.Marshal(merged)
		if err != nil {
			return resilience.Permanent(errors.NotRetriable("marshal daily ledger", err))
		}

		ifMatch, ifNoneMatch := "", ""
		if etag == "" {
			ifNoneMatch = "*"
		} else {
			ifMatch = etag
		}

		_, putErr := l.store.PutConditional(ctx, key, bytes.NewReader(body), int64(len(body)), ifMatch, ifNoneMatch)
		if putErr != nil {
			if stderrors.Is(putErr, objectstore.ErrPreconditionFailed) {
				conflicted = true
				return putErr
			}
			return resilience.Permanent(errors.RetryableNet("write daily ledger", 2*time.Second, putErr))
		}

		if err := l.local.Delete(date); err != nil && l.logger != nil {
			l.logger.Warn(ctx, "failed to delete merged usage delta", map[string]interface{}{"date": date, "error": err.Error()})
		}
		if err := l.local.WriteState(usageState{LastMergeDate: date}); err != nil && l.logger != nil {
			l.logger.Warn(ctx, "failed to write usage state", map[string]interface{}{"date": date, "error": err.Error()})
		}
		if l.logger != nil {
			l.logger.LogLedgerMerge(ctx, date, attempt, conflicted, nil)
		}
		return nil
	})

	if retryErr == nil {
		return nil
	}

	if stderrors.Is(retryErr, objectstore.ErrPreconditionFailed) {
		result = "error"
		return errors.RetryableNet("usage ledger merge exceeded retry budget", 0, nil).WithContext("date", date)
	}

	result = "error"
	return retryErr
}

// mergeRetryConfig bounds MergeDay's OCC conflict retries: fast, small
// backoff suited to in-process contention rather than network failures.
func mergeRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  maxMergeRetries,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// fetchOrSeed fetches the remote ledger for date, seeding it in-memory (but
// not yet persisting it) if it does not exist remotely (spec §4.6 step 3).
// Returns the observed ETag, or "" when the ledger is newly seeded.
func (l *Ledger) fetchOrSeed(ctx context.Context, date string) (DailyLedger, string, error) {
	key := analyticsDailyPrefix + date + ".json"

	rc, info, err := l.store.Get(ctx, key)
	if err == nil {
		defer rc.Close()
		data, readErr := readAllCapped(rc)
		if readErr != nil {
			return DailyLedger{}, "", errors.RetryableNet("read daily ledger", 2*time.Second, readErr)
		}
		var ledger DailyLedger
		if jsonErr := json.Unmarshal(data, &ledger); jsonErr != nil {
			return DailyLedger{}, "", errors.NotRetriable("parse daily ledger", jsonErr)
		}
		return ledger, info.ETag, nil
	}

	if !objectstore.IsNotFound(err) {
		return DailyLedger{}, "", err
	}

	baseline, err := l.seedBaseline(ctx, date)
	if err != nil {
		return DailyLedger{}, "", err
	}
	return DailyLedger{
		Date:             date,
		StorageBytes:     baseline,
		PeakStorageBytes: baseline,
	}, "", nil
}

// seedBaseline implements spec §4.6 step 3's baseline search: up to 62 days
// backward for a prior ledger's storage_bytes, falling back to a full
// recursive list+stat fold over the bucket (excluding the analytics
// prefix) if none is found.
func (l *Ledger) seedBaseline(ctx context.Context, date string) (int64, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return 0, errors.NotRetriable("parse ledger date", err).WithContext("date", date)
	}

	for i := 1; i <= backwardScanDays; i++ {
		prior := t.AddDate(0, 0, -i).Format(dateLayout)
		key := analyticsDailyPrefix + prior + ".json"

		rc, _, err := l.store.Get(ctx, key)
		if err != nil {
			if objectstore.IsNotFound(err) {
				continue
			}
			return 0, err
		}
		data, readErr := readAllCapped(rc)
		rc.Close()
		if readErr != nil {
			continue
		}
		var prev DailyLedger
		if jsonErr := json.Unmarshal(data, &prev); jsonErr == nil {
			return prev.StorageBytes, nil
		}
	}

	objects, err := l.store.ListFlat(ctx, "")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, o := range objects {
		if strings.HasPrefix(o.Key, "analytics/") {
			continue
		}
		total += o.Size
	}
	return total, nil
}

// foldDelta applies delta onto ledger per spec §4.6 step 4, using saturating
// arithmetic throughout.
func foldDelta(ledger DailyLedger, delta UsageDelta, date string) DailyLedger {
	ledger.Date = date
	ledger.ClassA = saturatingAdd(ledger.ClassA, delta.ClassA)
	ledger.ClassB = saturatingAdd(ledger.ClassB, delta.ClassB)
	ledger.IngressBytes = saturatingAdd(ledger.IngressBytes, delta.IngressBytes)
	ledger.EgressBytes = saturatingAdd(ledger.EgressBytes, delta.EgressBytes)

	storage := saturatingAdd(ledger.StorageBytes, delta.AddedStorageBytes)
	storage = saturatingAdd(storage, -delta.DeletedStorageBytes)
	if storage < 0 {
		storage = 0
	}
	ledger.StorageBytes = storage
	if storage > ledger.PeakStorageBytes {
		ledger.PeakStorageBytes = storage
	}

	ledger.DeletedStorageBytes = saturatingAdd(ledger.DeletedStorageBytes, delta.DeletedStorageBytes)
	ledger.Rev++
	ledger.UpdatedAt = time.Now().UTC()
	return ledger
}

// saturatingAdd adds a+b, clamping to the int64 range instead of wrapping.
func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if b > 0 && sum < a {
		return math.MaxInt64
	}
	if b < 0 && sum > a {
		return 0
	}
	return sum
}

const maxLedgerBodyBytes = 1 << 20 // a DailyLedger JSON document is tiny; 1MiB is a generous cap

func readAllCapped(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxLedgerBodyBytes))
}

// FlushPending runs MergeDay for every locally pending delta, ascending by
// date (spec §4.6's startup flush).
func (l *Ledger) FlushPending(ctx context.Context) error {
	dates, err := l.local.ListDates()
	if err != nil {
		return err
	}
	sort.Strings(dates)
	for _, date := range dates {
		if err := l.MergeDay(ctx, date); err != nil {
			return err
		}
	}
	return nil
}

// ListMonth implements list_month(YYYY-MM) (spec §4.6): discovers days
// present remotely, always refetches today for the current month, and
// otherwise serves from the month cache, filling in cache misses.
func (l *Ledger) ListMonth(ctx context.Context, month string) ([]DailyLedger, error) {
	objects, err := l.store.ListFlat(ctx, analyticsDailyPrefix+month)
	if err != nil {
		return nil, err
	}

	cache, err := l.loadMonthCache(month)
	if err != nil {
		return nil, err
	}
	if cache.Days == nil {
		cache.Days = make(map[string]DailyLedger)
	}

	today := time.Now().UTC().Format(dateLayout)
	isCurrentMonth := strings.HasPrefix(today, month)

	dates := make([]string, 0, len(objects))
	for _, o := range objects {
		date := strings.TrimSuffix(strings.TrimPrefix(o.Key, analyticsDailyPrefix), ".json")
		dates = append(dates, date)
	}
	sort.Strings(dates)

	result := make([]DailyLedger, 0, len(dates))
	changed := false
	for _, date := range dates {
		cached, hit := cache.Days[date]
		needFetch := !hit || (isCurrentMonth && date == today)

		if !needFetch {
			result = append(result, cached)
			continue
		}

		ledger, _, err := l.fetchOrSeed(ctx, date)
		if err != nil {
			return nil, err
		}
		cache.Days[date] = ledger
		changed = true
		result = append(result, ledger)
	}

	if changed {
		cache.Month = month
		if err := l.saveMonthCache(month, cache); err != nil && l.logger != nil {
			l.logger.Warn(ctx, "failed to persist month cache", map[string]interface{}{"month": month, "error": err.Error()})
		}
	}

	return result, nil
}

func (l *Ledger) monthCachePath(month string) string {
	return filepath.Join(l.dataDir, fmt.Sprintf(monthCacheFilePattern, month))
}

func (l *Ledger) loadMonthCache(month string) (MonthCache, error) {
	data, err := os.ReadFile(l.monthCachePath(month))
	if err != nil {
		if os.IsNotExist(err) {
			return MonthCache{Month: month, Days: make(map[string]DailyLedger)}, nil
		}
		return MonthCache{}, errors.NotRetriable("read month cache", err).WithContext("month", month)
	}
	var cache MonthCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return MonthCache{}, errors.NotRetriable("parse month cache", err).WithContext("month", month)
	}
	return cache, nil
}

func (l *Ledger) saveMonthCache(month string, cache MonthCache) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return errors.NotRetriable("marshal month cache", err)
	}
	if err := os.WriteFile(l.monthCachePath(month), data, 0o600); err != nil {
		return errors.NotRetriable("write month cache", err).WithContext("month", month)
	}
	return nil
}
