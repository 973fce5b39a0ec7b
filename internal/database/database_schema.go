// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

/*
database_schema.go - Database Schema Management

Tables:
  - sync_status: one row per synchronized entity type, carrying the delta
    watermark (last_sync_at), counters from the most recent pass, and the
    is_syncing overlap guard
  - cached_entities: the entity cache, keyed by (entity_type, external_id),
    with commonly queried fields projected into typed columns and the full
    upstream payload kept as JSON in raw_snapshot

All columns are defined in the initial CREATE TABLE statements; there is no
migration machinery for these two tables.
*/

//nolint:staticcheck // File documentation, not package doc
package database

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates the core database tables.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_status (
			entity_type TEXT PRIMARY KEY,
			last_sync_at TIMESTAMP,
			last_duration_ms BIGINT NOT NULL DEFAULT 0,
			records_synced BIGINT NOT NULL DEFAULT 0,
			sync_errors BIGINT NOT NULL DEFAULT 0,
			last_error_message TEXT NOT NULL DEFAULT '',
			is_syncing BOOLEAN NOT NULL DEFAULT FALSE,
			next_sync_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS cached_entities (
			entity_type TEXT NOT NULL,
			external_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			doc_number TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			related_id TEXT NOT NULL DEFAULT '',
			amount DOUBLE NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			external_updated_at TIMESTAMP,
			raw_snapshot TEXT NOT NULL DEFAULT '{}',
			sync_error TEXT NOT NULL DEFAULT '',
			cached_at TIMESTAMP NOT NULL,
			PRIMARY KEY (entity_type, external_id)
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}

	return nil
}

// createIndexes creates indexes for common query patterns: freshness scans,
// status filters, and related-entity lookups.
func (db *DB) createIndexes() error {
	ctx, cancel := schemaContext()
	defer cancel()

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_cached_entities_cached_at ON cached_entities (entity_type, cached_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_entities_status ON cached_entities (entity_type, status)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_entities_related ON cached_entities (entity_type, related_id)`,
	}

	for _, query := range indexes {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create index: %s: %w", query, err)
		}
	}

	return nil
}
