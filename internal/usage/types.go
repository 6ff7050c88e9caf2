// Package usage implements the Usage Ledger (spec §4.6): local per-day
// deltas, optimistic-concurrency merge into a remote daily ledger object,
// a month cache, and cost reporting.
package usage

import "time"

// UsageDelta accumulates one UTC day's activity locally, pending merge into
// the remote DailyLedger (spec §3).
type UsageDelta struct {
	ClassA              int64 `json:"class_a"`
	ClassB              int64 `json:"class_b"`
	IngressBytes        int64 `json:"ingress_bytes"`
	EgressBytes         int64 `json:"egress_bytes"`
	AddedStorageBytes   int64 `json:"added_storage_bytes"`
	DeletedStorageBytes int64 `json:"deleted_storage_bytes"`
}

// IsZero reports whether the delta carries no activity at all.
func (d UsageDelta) IsZero() bool {
	return d == UsageDelta{}
}

// DailyLedger is the remote, merged record for one UTC day (spec §3). Rev
// increases strictly monotonically on every successful write.
type DailyLedger struct {
	Date                string    `json:"date"`
	ClassA              int64     `json:"class_a"`
	ClassB              int64     `json:"class_b"`
	IngressBytes        int64     `json:"ingress_bytes"`
	EgressBytes         int64     `json:"egress_bytes"`
	StorageBytes        int64     `json:"storage_bytes"`
	PeakStorageBytes    int64     `json:"peak_storage_bytes"`
	DeletedStorageBytes int64     `json:"deleted_storage_bytes"`
	Rev                 uint64    `json:"rev"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// usageState mirrors usage_state.json (spec §6): the fast-path marker for
// merge_and_write_day.
type usageState struct {
	LastMergeDate string `json:"last_merge_date"`
}

// MonthCache mirrors usage_cache_YYYY-MM.json (spec §6): a best-effort,
// last-writer-wins local mirror of a month's daily ledgers.
type MonthCache struct {
	Month string                 `json:"month"`
	Days  map[string]DailyLedger `json:"days"`
}
