// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/finvoy/ledgerlink/internal/logging"
	"github.com/finvoy/ledgerlink/internal/metrics"
	"github.com/finvoy/ledgerlink/internal/models"
)

// SyncOutcome carries the result of a completed sync pass into the status
// row. A nil Watermark leaves the existing watermark untouched, which is how
// circuit-open aborts and zero-progress failures avoid losing records.
type SyncOutcome struct {
	Watermark     *time.Time
	Duration      time.Duration
	RecordsSynced int64
	SyncErrors    int64
	LastError     string
}

// EnsureSyncStatus bootstraps one row per entity type with a NULL watermark.
// Existing rows are left untouched, so this is safe to run on every startup.
func (db *DB) EnsureSyncStatus(ctx context.Context, types []models.EntityType) error {
	const query = `INSERT INTO sync_status (entity_type, updated_at)
		VALUES (?, ?) ON CONFLICT (entity_type) DO NOTHING`

	for _, et := range types {
		if _, err := db.conn.ExecContext(ctx, query, et.String(), db.now()); err != nil {
			return fmt.Errorf("failed to ensure sync status for %s: %w", et, err)
		}
	}
	return nil
}

// GetSyncStatus returns the status row for one entity type, or (nil, nil)
// when no row exists.
func (db *DB) GetSyncStatus(ctx context.Context, entityType models.EntityType) (*models.SyncStatus, error) {
	const query = `SELECT entity_type, last_sync_at, last_duration_ms, records_synced,
		sync_errors, last_error_message, is_syncing, next_sync_at, updated_at
		FROM sync_status WHERE entity_type = ?`

	start := time.Now()
	row := db.conn.QueryRowContext(ctx, query, entityType.String())

	st, err := scanSyncStatus(row.Scan)
	metrics.RecordDBQuery("select", "sync_status", time.Since(start), err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync status for %s: %w", entityType, err)
	}
	return st, nil
}

// ListSyncStatus returns status rows for every entity type in sync order.
func (db *DB) ListSyncStatus(ctx context.Context) ([]models.SyncStatus, error) {
	const query = `SELECT entity_type, last_sync_at, last_duration_ms, records_synced,
		sync_errors, last_error_message, is_syncing, next_sync_at, updated_at
		FROM sync_status`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync status: %w", err)
	}
	defer closeRows(rows)

	byType := make(map[models.EntityType]models.SyncStatus)
	for rows.Next() {
		st, err := scanSyncStatus(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync status: %w", err)
		}
		byType[st.EntityType] = *st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync status: %w", err)
	}

	out := make([]models.SyncStatus, 0, len(byType))
	for _, et := range models.SyncOrder() {
		if st, ok := byType[et]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// AcquireSyncLock marks an entity type as syncing. Returns false without
// error when another pass already holds the flag; the caller skips the pass.
func (db *DB) AcquireSyncLock(ctx context.Context, entityType models.EntityType) (bool, error) {
	const query = `UPDATE sync_status SET is_syncing = TRUE, updated_at = ?
		WHERE entity_type = ? AND is_syncing = FALSE`

	res, err := db.conn.ExecContext(ctx, query, db.now(), entityType.String())
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock for %s: %w", entityType, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read sync lock result for %s: %w", entityType, err)
	}
	return affected == 1, nil
}

// FinishSync releases the syncing flag and records the pass outcome. The
// watermark only advances when outcome.Watermark is set.
func (db *DB) FinishSync(ctx context.Context, entityType models.EntityType, outcome SyncOutcome) error {
	var err error
	if outcome.Watermark != nil {
		const query = `UPDATE sync_status SET
			last_sync_at = ?, last_duration_ms = ?, records_synced = ?,
			sync_errors = ?, last_error_message = ?, is_syncing = FALSE, updated_at = ?
			WHERE entity_type = ?`
		_, err = db.conn.ExecContext(ctx, query,
			*outcome.Watermark, outcome.Duration.Milliseconds(), outcome.RecordsSynced,
			outcome.SyncErrors, outcome.LastError, db.now(), entityType.String())
	} else {
		const query = `UPDATE sync_status SET
			last_duration_ms = ?, records_synced = ?,
			sync_errors = ?, last_error_message = ?, is_syncing = FALSE, updated_at = ?
			WHERE entity_type = ?`
		_, err = db.conn.ExecContext(ctx, query,
			outcome.Duration.Milliseconds(), outcome.RecordsSynced,
			outcome.SyncErrors, outcome.LastError, db.now(), entityType.String())
	}
	if err != nil {
		return fmt.Errorf("failed to finish sync for %s: %w", entityType, err)
	}
	return nil
}

// ClearSyncLocks releases every syncing flag. Called on startup so a crash
// mid-pass does not wedge the entity type forever.
func (db *DB) ClearSyncLocks(ctx context.Context) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE sync_status SET is_syncing = FALSE, updated_at = ? WHERE is_syncing = TRUE`, db.now())
	if err != nil {
		return fmt.Errorf("failed to clear sync locks: %w", err)
	}
	if cleared, err := res.RowsAffected(); err == nil && cleared > 0 {
		logging.Warn().Int64("cleared", cleared).Msg("released stale sync locks from previous run")
	}
	return nil
}

// SetNextSyncAt records the scheduler's next fire time on every status row.
func (db *DB) SetNextSyncAt(ctx context.Context, next time.Time) error {
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE sync_status SET next_sync_at = ?, updated_at = ?`, next, db.now()); err != nil {
		return fmt.Errorf("failed to set next sync time: %w", err)
	}
	return nil
}

// scanSyncStatus scans one status row from either a *sql.Row or *sql.Rows
// scan function.
func scanSyncStatus(scan func(dest ...any) error) (*models.SyncStatus, error) {
	var (
		st         models.SyncStatus
		entityType string
		lastSync   sql.NullTime
		nextSync   sql.NullTime
	)

	err := scan(&entityType, &lastSync, &st.LastDurationMs, &st.RecordsSynced,
		&st.SyncErrors, &st.LastErrorMessage, &st.IsSyncing, &nextSync, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}

	st.EntityType = models.EntityType(entityType)
	if lastSync.Valid {
		t := lastSync.Time
		st.LastSyncAt = &t
	}
	if nextSync.Valid {
		t := nextSync.Time
		st.NextSyncAt = &t
	}
	return &st, nil
}
