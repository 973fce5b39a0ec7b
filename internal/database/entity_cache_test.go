// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/finvoy/ledgerlink/internal/models"
)

func testCustomer(id string, updatedAt time.Time) *models.CachedEntity {
	return &models.CachedEntity{
		EntityType:        models.EntityCustomers,
		ExternalID:        id,
		DisplayName:       "Acme " + id,
		Email:             id + "@example.com",
		Status:            "active",
		IsActive:          true,
		ExternalUpdatedAt: updatedAt,
		RawSnapshot:       []byte(fmt.Sprintf(`{"Id":%q}`, id)),
	}
}

func testInvoice(id, customerID string, amount float64, updatedAt time.Time) *models.CachedEntity {
	return &models.CachedEntity{
		EntityType:        models.EntityInvoices,
		ExternalID:        id,
		DocNumber:         "INV-" + id,
		RelatedID:         customerID,
		Amount:            amount,
		Currency:          "USD",
		Status:            "open",
		IsActive:          true,
		ExternalUpdatedAt: updatedAt,
		RawSnapshot:       []byte(fmt.Sprintf(`{"Id":%q}`, id)),
	}
}

func TestUpsertAndGetCachedEntity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	updated := time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC)
	if err := db.UpsertCachedEntity(ctx, testCustomer("C-1", updated)); err != nil {
		t.Fatalf("UpsertCachedEntity() error = %v", err)
	}

	got, err := db.GetCachedEntity(ctx, models.EntityCustomers, "C-1", 0)
	if err != nil {
		t.Fatalf("GetCachedEntity() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetCachedEntity() = nil, want record")
	}
	if got.DisplayName != "Acme C-1" {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Acme C-1")
	}
	if got.Email != "C-1@example.com" {
		t.Errorf("Email = %q", got.Email)
	}
	if string(got.RawSnapshot) != `{"Id":"C-1"}` {
		t.Errorf("RawSnapshot = %s", got.RawSnapshot)
	}
	if got.CachedAt.IsZero() {
		t.Error("CachedAt not populated on upsert")
	}
}

func TestUpsertReplacesAndClearsSyncError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	updated := time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC)
	if err := db.UpsertCachedEntity(ctx, testCustomer("C-1", updated)); err != nil {
		t.Fatalf("UpsertCachedEntity() error = %v", err)
	}
	if err := db.SetEntitySyncError(ctx, models.EntityCustomers, "C-1", "projection failed"); err != nil {
		t.Fatalf("SetEntitySyncError() error = %v", err)
	}

	got, err := db.GetCachedEntity(ctx, models.EntityCustomers, "C-1", 0)
	if err != nil {
		t.Fatalf("GetCachedEntity() error = %v", err)
	}
	if got.SyncError != "projection failed" {
		t.Errorf("SyncError = %q, want %q", got.SyncError, "projection failed")
	}

	// A later successful upsert replaces the snapshot and clears the error.
	replacement := testCustomer("C-1", updated.Add(time.Hour))
	replacement.DisplayName = "Acme Renamed"
	if err := db.UpsertCachedEntity(ctx, replacement); err != nil {
		t.Fatalf("UpsertCachedEntity() replacement error = %v", err)
	}

	got, err = db.GetCachedEntity(ctx, models.EntityCustomers, "C-1", 0)
	if err != nil {
		t.Fatalf("GetCachedEntity() error = %v", err)
	}
	if got.DisplayName != "Acme Renamed" {
		t.Errorf("DisplayName = %q, want replaced value", got.DisplayName)
	}
	if got.SyncError != "" {
		t.Errorf("SyncError = %q, want cleared", got.SyncError)
	}
}

func TestGetCachedEntityFreshness(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db.SetNowFunc(func() time.Time { return base })

	e := testCustomer("C-1", base.Add(-2*time.Hour))
	e.CachedAt = base.Add(-30 * time.Minute)
	if err := db.UpsertCachedEntity(ctx, e); err != nil {
		t.Fatalf("UpsertCachedEntity() error = %v", err)
	}

	tests := []struct {
		name    string
		maxAge  time.Duration
		wantRow bool
	}{
		{name: "within max age", maxAge: time.Hour, wantRow: true},
		{name: "older than max age", maxAge: 10 * time.Minute, wantRow: false},
		{name: "zero max age disables check", maxAge: 0, wantRow: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.GetCachedEntity(ctx, models.EntityCustomers, "C-1", tt.maxAge)
			if err != nil {
				t.Fatalf("GetCachedEntity() error = %v", err)
			}
			if (got != nil) != tt.wantRow {
				t.Errorf("GetCachedEntity() row = %v, want %v", got != nil, tt.wantRow)
			}
		})
	}
}

func TestGetCachedEntitiesFilters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	invoices := []*models.CachedEntity{
		testInvoice("I-1", "C-1", 100, base.Add(-3*time.Hour)),
		testInvoice("I-2", "C-1", 250, base.Add(-1*time.Hour)),
		testInvoice("I-3", "C-2", 75, base.Add(-2*time.Hour)),
	}
	invoices[2].Status = "paid"
	inactive := testInvoice("I-4", "C-1", 10, base)
	inactive.IsActive = false
	invoices = append(invoices, inactive)

	for _, inv := range invoices {
		if err := db.UpsertCachedEntity(ctx, inv); err != nil {
			t.Fatalf("UpsertCachedEntity(%s) error = %v", inv.ExternalID, err)
		}
	}

	since := base.Add(-150 * time.Minute)
	tests := []struct {
		name    string
		filter  models.EntityFilter
		wantIDs []string
	}{
		{
			name:    "no filter excludes inactive, newest first",
			filter:  models.EntityFilter{},
			wantIDs: []string{"I-2", "I-3", "I-1"},
		},
		{
			name:    "by status",
			filter:  models.EntityFilter{Status: "paid"},
			wantIDs: []string{"I-3"},
		},
		{
			name:    "by related id",
			filter:  models.EntityFilter{RelatedID: "C-1"},
			wantIDs: []string{"I-2", "I-1"},
		},
		{
			name:    "updated since",
			filter:  models.EntityFilter{UpdatedSince: &since},
			wantIDs: []string{"I-2", "I-3"},
		},
		{
			name:    "include inactive",
			filter:  models.EntityFilter{IncludeInactive: true},
			wantIDs: []string{"I-4", "I-2", "I-3", "I-1"},
		},
		{
			name:    "limit and offset",
			filter:  models.EntityFilter{Limit: 2, Offset: 1},
			wantIDs: []string{"I-3", "I-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.GetCachedEntities(ctx, models.EntityInvoices, tt.filter, 0)
			if err != nil {
				t.Fatalf("GetCachedEntities() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("GetCachedEntities() returned %d rows, want %d", len(got), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if got[i].ExternalID != want {
					t.Errorf("row %d = %s, want %s", i, got[i].ExternalID, want)
				}
			}
		})
	}
}

func TestIsFresh(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db.SetNowFunc(func() time.Time { return base })

	fresh, err := db.IsFresh(ctx, models.EntityCustomers, time.Hour)
	if err != nil {
		t.Fatalf("IsFresh() error = %v", err)
	}
	if fresh {
		t.Error("IsFresh() on empty cache = true, want false")
	}

	e := testCustomer("C-1", base)
	e.CachedAt = base.Add(-30 * time.Minute)
	if err := db.UpsertCachedEntity(ctx, e); err != nil {
		t.Fatalf("UpsertCachedEntity() error = %v", err)
	}

	fresh, err = db.IsFresh(ctx, models.EntityCustomers, time.Hour)
	if err != nil {
		t.Fatalf("IsFresh() error = %v", err)
	}
	if !fresh {
		t.Error("IsFresh() within max age = false, want true")
	}

	fresh, err = db.IsFresh(ctx, models.EntityCustomers, 10*time.Minute)
	if err != nil {
		t.Fatalf("IsFresh() error = %v", err)
	}
	if fresh {
		t.Error("IsFresh() beyond max age = true, want false")
	}
}

func TestInvalidateEntities(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []*models.CachedEntity{
		testCustomer("C-1", base),
		testCustomer("C-2", base),
		testInvoice("I-1", "C-1", 100, base),
	}
	for _, e := range seed {
		if err := db.UpsertCachedEntity(ctx, e); err != nil {
			t.Fatalf("UpsertCachedEntity(%s) error = %v", e.ExternalID, err)
		}
	}

	removed, err := db.InvalidateEntities(ctx, models.EntityCustomers)
	if err != nil {
		t.Fatalf("InvalidateEntities(customers) error = %v", err)
	}
	if removed != 2 {
		t.Errorf("InvalidateEntities(customers) removed %d, want 2", removed)
	}

	removed, err = db.InvalidateEntities(ctx, "")
	if err != nil {
		t.Fatalf("InvalidateEntities(all) error = %v", err)
	}
	if removed != 1 {
		t.Errorf("InvalidateEntities(all) removed %d, want 1", removed)
	}

	stats, err := db.CacheStats(ctx)
	if err != nil {
		t.Fatalf("CacheStats() error = %v", err)
	}
	if stats.TotalEntries != 0 {
		t.Errorf("TotalEntries after full invalidation = %d, want 0", stats.TotalEntries)
	}
}

func TestCacheStatsAccounting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := testCustomer("C-1", base)
	c.CachedAt = base.Add(-time.Hour)
	i := testInvoice("I-1", "C-1", 100, base)
	i.CachedAt = base
	for _, e := range []*models.CachedEntity{c, i} {
		if err := db.UpsertCachedEntity(ctx, e); err != nil {
			t.Fatalf("UpsertCachedEntity(%s) error = %v", e.ExternalID, err)
		}
	}
	if err := db.SetEntitySyncError(ctx, models.EntityInvoices, "I-1", "bad amount"); err != nil {
		t.Fatalf("SetEntitySyncError() error = %v", err)
	}

	// One hit, one miss.
	if _, err := db.GetCachedEntity(ctx, models.EntityCustomers, "C-1", 0); err != nil {
		t.Fatalf("GetCachedEntity() error = %v", err)
	}
	if _, err := db.GetCachedEntity(ctx, models.EntityCustomers, "missing", 0); err != nil {
		t.Fatalf("GetCachedEntity() error = %v", err)
	}

	stats, err := db.CacheStats(ctx)
	if err != nil {
		t.Fatalf("CacheStats() error = %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Hits/Misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %f, want 0.5", stats.HitRate)
	}
	if stats.TotalEntries != 2 {
		t.Errorf("TotalEntries = %d, want 2", stats.TotalEntries)
	}
	if stats.EntriesByType["customers"] != 1 || stats.EntriesByType["invoices"] != 1 {
		t.Errorf("EntriesByType = %v", stats.EntriesByType)
	}
	if stats.ErroredEntries != 1 {
		t.Errorf("ErroredEntries = %d, want 1", stats.ErroredEntries)
	}
	if stats.OldestCachedAt == nil || stats.NewestCachedAt == nil {
		t.Fatal("cache bounds not populated")
	}
	if !stats.OldestCachedAt.Before(*stats.NewestCachedAt) {
		t.Errorf("OldestCachedAt %v not before NewestCachedAt %v", stats.OldestCachedAt, stats.NewestCachedAt)
	}

	db.ResetCacheStats()
	stats, err = db.CacheStats(ctx)
	if err != nil {
		t.Fatalf("CacheStats() after reset error = %v", err)
	}
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Hits/Misses after reset = %d/%d, want 0/0", stats.Hits, stats.Misses)
	}
}
