// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

// Package models defines data structures shared across Ledgerlink: cached
// accounting entities, per-entity sync status, and cache statistics.
package models

import "time"

// EntityType identifies a synchronized accounting entity collection.
type EntityType string

const (
	EntityCustomers EntityType = "customers"
	EntityInvoices  EntityType = "invoices"
	EntityPayments  EntityType = "payments"
)

// SyncOrder returns all entity types in their sync order. Customers come
// first so invoices can reference them, then invoices, then payments.
func SyncOrder() []EntityType {
	return []EntityType{EntityCustomers, EntityInvoices, EntityPayments}
}

// ParseEntityType validates a string entity type. Returns false for unknown
// values.
func ParseEntityType(s string) (EntityType, bool) {
	switch EntityType(s) {
	case EntityCustomers, EntityInvoices, EntityPayments:
		return EntityType(s), true
	default:
		return "", false
	}
}

func (t EntityType) String() string {
	return string(t)
}

// CachedEntity is the locally stored snapshot of one upstream accounting
// record. Commonly queried fields are projected into typed columns; the
// complete upstream payload is preserved in RawSnapshot as JSON.
type CachedEntity struct {
	EntityType EntityType `json:"entity_type"`
	ExternalID string     `json:"external_id"`

	// Projected fields. Which are populated depends on the entity type:
	// customers fill DisplayName/Email, invoices and payments fill
	// DocNumber/Amount/Currency/RelatedID.
	DisplayName string  `json:"display_name,omitempty"`
	DocNumber   string  `json:"doc_number,omitempty"`
	Email       string  `json:"email,omitempty"`
	RelatedID   string  `json:"related_id,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	Status      string  `json:"status,omitempty"`

	// IsActive is false for records soft-deleted upstream. Inactive rows
	// are kept but excluded from reads by default.
	IsActive bool `json:"is_active"`

	// ExternalUpdatedAt is the upstream last-modified timestamp used for
	// delta sync comparisons.
	ExternalUpdatedAt time.Time `json:"external_updated_at"`

	// RawSnapshot is the full upstream record as JSON.
	RawSnapshot []byte `json:"raw_snapshot,omitempty"`

	// SyncError holds the most recent per-record sync failure, cleared on
	// the next successful upsert.
	SyncError string `json:"sync_error,omitempty"`

	// CachedAt is when this snapshot was last written. Freshness checks
	// compare against it.
	CachedAt time.Time `json:"cached_at"`
}

// EntityFilter narrows cache reads. Zero values mean no constraint.
type EntityFilter struct {
	Status          string
	RelatedID       string
	UpdatedSince    *time.Time
	IncludeInactive bool
	Limit           int
	Offset          int
}

// SyncStatus is the persisted per-entity-type sync run record.
type SyncStatus struct {
	EntityType EntityType `json:"entity_type"`

	// LastSyncAt is the delta watermark: the start time of the last pass
	// that completed without a watermark-blocking failure. Nil means the
	// entity type has never been synchronized and the next pass pulls
	// everything.
	LastSyncAt *time.Time `json:"last_sync_at"`

	LastDurationMs   int64  `json:"last_duration_ms"`
	RecordsSynced    int64  `json:"records_synced"`
	SyncErrors       int64  `json:"sync_errors"`
	LastErrorMessage string `json:"last_error_message,omitempty"`

	// IsSyncing guards against overlapping passes for the same entity
	// type.
	IsSyncing bool `json:"is_syncing"`

	NextSyncAt *time.Time `json:"next_sync_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SyncHealth classifies watermark freshness for the status endpoint.
type SyncHealth string

const (
	HealthHealthy SyncHealth = "healthy"
	HealthWarning SyncHealth = "warning"
	HealthStale   SyncHealth = "stale"
	HealthNever   SyncHealth = "never_synced"
)

// ClassifyHealth derives the health of a watermark relative to now.
func ClassifyHealth(lastSyncAt *time.Time, now time.Time, healthy, warning time.Duration) SyncHealth {
	if lastSyncAt == nil {
		return HealthNever
	}
	age := now.Sub(*lastSyncAt)
	switch {
	case age < healthy:
		return HealthHealthy
	case age < warning:
		return HealthWarning
	default:
		return HealthStale
	}
}

// CacheStats summarizes entity cache effectiveness and contents.
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`

	TotalEntries   int64            `json:"total_entries"`
	EntriesByType  map[string]int64 `json:"entries_by_type"`
	ErroredEntries int64            `json:"errored_entries"`

	OldestCachedAt *time.Time `json:"oldest_cached_at,omitempty"`
	NewestCachedAt *time.Time `json:"newest_cached_at,omitempty"`
}
