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
	"strings"
	"time"

	"github.com/finvoy/ledgerlink/internal/logging"
	"github.com/finvoy/ledgerlink/internal/metrics"
	"github.com/finvoy/ledgerlink/internal/models"
)

const upsertMaxRetries = 3

// UpsertCachedEntity writes one projected record, replacing any existing
// snapshot for the same (entity_type, external_id). The write refreshes
// cached_at and clears any previous sync_error. DuckDB uses optimistic
// concurrency, so conflicting writers retry with a short backoff instead of
// blocking on locks.
func (db *DB) UpsertCachedEntity(ctx context.Context, e *models.CachedEntity) error {
	const query = `INSERT INTO cached_entities (
		entity_type, external_id, display_name, doc_number, email, related_id,
		amount, currency, status, is_active, external_updated_at, raw_snapshot,
		sync_error, cached_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)
	ON CONFLICT (entity_type, external_id) DO UPDATE SET
		display_name = EXCLUDED.display_name,
		doc_number = EXCLUDED.doc_number,
		email = EXCLUDED.email,
		related_id = EXCLUDED.related_id,
		amount = EXCLUDED.amount,
		currency = EXCLUDED.currency,
		status = EXCLUDED.status,
		is_active = EXCLUDED.is_active,
		external_updated_at = EXCLUDED.external_updated_at,
		raw_snapshot = EXCLUDED.raw_snapshot,
		sync_error = '',
		cached_at = EXCLUDED.cached_at`

	snapshot := string(e.RawSnapshot)
	if snapshot == "" {
		snapshot = "{}"
	}
	cachedAt := e.CachedAt
	if cachedAt.IsZero() {
		cachedAt = db.now()
	}

	var err error
	for attempt := 0; attempt < upsertMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<(attempt-1)) * time.Millisecond)
		}
		start := time.Now()
		_, err = db.conn.ExecContext(ctx, query,
			e.EntityType.String(), e.ExternalID, e.DisplayName, e.DocNumber,
			e.Email, e.RelatedID, e.Amount, e.Currency, e.Status, e.IsActive,
			e.ExternalUpdatedAt, snapshot, cachedAt)
		metrics.RecordDBQuery("upsert", "cached_entities", time.Since(start), err)
		if err == nil || !isTransactionConflict(err) {
			break
		}
		logging.Debug().Err(err).Str("entity_type", e.EntityType.String()).
			Str("external_id", e.ExternalID).Int("attempt", attempt+1).
			Msg("retrying upsert after transaction conflict")
	}
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", e.EntityType, e.ExternalID, err)
	}
	return nil
}

// SetEntitySyncError records a per-record sync failure on an existing cached
// row without touching the snapshot or its freshness. Missing rows are
// ignored; a record that never synced has nothing to annotate.
func (db *DB) SetEntitySyncError(ctx context.Context, entityType models.EntityType, externalID, syncErr string) error {
	const query = `UPDATE cached_entities SET sync_error = ?
		WHERE entity_type = ? AND external_id = ?`

	if _, err := db.conn.ExecContext(ctx, query, syncErr, entityType.String(), externalID); err != nil {
		return fmt.Errorf("failed to set sync error for %s %s: %w", entityType, externalID, err)
	}
	return nil
}

// GetCachedEntity returns a single fresh record, or (nil, nil) when the
// record is absent or older than maxAge. Both outcomes count as a miss;
// maxAge <= 0 disables the freshness constraint.
func (db *DB) GetCachedEntity(ctx context.Context, entityType models.EntityType, externalID string, maxAge time.Duration) (*models.CachedEntity, error) {
	query := `SELECT entity_type, external_id, display_name, doc_number, email,
		related_id, amount, currency, status, is_active, external_updated_at,
		raw_snapshot, sync_error, cached_at
		FROM cached_entities WHERE entity_type = ? AND external_id = ?`
	args := []any{entityType.String(), externalID}

	if maxAge > 0 {
		query += " AND cached_at >= ?"
		args = append(args, db.now().Add(-maxAge))
	}

	start := time.Now()
	row := db.conn.QueryRowContext(ctx, query, args...)
	e, err := scanCachedEntity(row.Scan)
	metrics.RecordDBQuery("select", "cached_entities", time.Since(start), err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			db.recordCacheMiss(entityType)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s %s: %w", entityType, externalID, err)
	}

	db.recordCacheHit(entityType)
	return e, nil
}

// GetCachedEntities returns fresh records matching the filter, newest
// external update first. A read that yields at least one row is a hit;
// an empty result is a miss.
func (db *DB) GetCachedEntities(ctx context.Context, entityType models.EntityType, filter models.EntityFilter, maxAge time.Duration) ([]models.CachedEntity, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT entity_type, external_id, display_name, doc_number, email,
		related_id, amount, currency, status, is_active, external_updated_at,
		raw_snapshot, sync_error, cached_at
		FROM cached_entities WHERE entity_type = ?`)
	args := []any{entityType.String()}

	if maxAge > 0 {
		sb.WriteString(" AND cached_at >= ?")
		args = append(args, db.now().Add(-maxAge))
	}
	if filter.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, filter.Status)
	}
	if filter.RelatedID != "" {
		sb.WriteString(" AND related_id = ?")
		args = append(args, filter.RelatedID)
	}
	if filter.UpdatedSince != nil {
		sb.WriteString(" AND external_updated_at >= ?")
		args = append(args, *filter.UpdatedSince)
	}
	if !filter.IncludeInactive {
		sb.WriteString(" AND is_active = TRUE")
	}

	sb.WriteString(" ORDER BY external_updated_at DESC, external_id")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, filter.Offset)
		}
	}

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, sb.String(), args...)
	metrics.RecordDBQuery("select", "cached_entities", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entityType, err)
	}
	defer closeRows(rows)

	var out []models.CachedEntity
	for rows.Next() {
		e, err := scanCachedEntity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", entityType, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", entityType, err)
	}

	if len(out) > 0 {
		db.recordCacheHit(entityType)
	} else {
		db.recordCacheMiss(entityType)
	}
	return out, nil
}

// IsFresh reports whether the newest cached record of the type is within
// maxAge. It does not touch hit/miss accounting; it is a probe, not a read.
func (db *DB) IsFresh(ctx context.Context, entityType models.EntityType, maxAge time.Duration) (bool, error) {
	const query = `SELECT MAX(cached_at) FROM cached_entities WHERE entity_type = ?`

	var newest sql.NullTime
	if err := db.conn.QueryRowContext(ctx, query, entityType.String()).Scan(&newest); err != nil {
		return false, fmt.Errorf("failed to check freshness for %s: %w", entityType, err)
	}
	if !newest.Valid {
		return false, nil
	}
	if maxAge <= 0 {
		return true, nil
	}
	return !newest.Time.Before(db.now().Add(-maxAge)), nil
}

// InvalidateEntities deletes cached rows. An empty entityType clears every
// type. Returns the number of rows removed.
func (db *DB) InvalidateEntities(ctx context.Context, entityType models.EntityType) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if entityType == "" {
		res, err = db.conn.ExecContext(ctx, `DELETE FROM cached_entities`)
	} else {
		res, err = db.conn.ExecContext(ctx,
			`DELETE FROM cached_entities WHERE entity_type = ?`, entityType.String())
	}
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate %q: %w", entityType, err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count invalidated rows: %w", err)
	}

	label := entityType.String()
	if label == "" {
		label = "all"
	}
	metrics.CacheInvalidations.WithLabelValues(label).Add(float64(removed))
	logging.Info().Str("entity_type", label).Int64("removed", removed).Msg("cache invalidated")
	return removed, nil
}

// CacheStats aggregates row counts from the store with the in-process
// hit/miss counters.
func (db *DB) CacheStats(ctx context.Context) (*models.CacheStats, error) {
	stats := &models.CacheStats{EntriesByType: make(map[string]int64)}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM cached_entities GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count cache entries: %w", err)
	}
	defer closeRows(rows)
	for rows.Next() {
		var (
			entityType string
			count      int64
		)
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan cache counts: %w", err)
		}
		stats.EntriesByType[entityType] = count
		stats.TotalEntries += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache counts: %w", err)
	}

	var oldest, newest sql.NullTime
	if err := db.conn.QueryRowContext(ctx,
		`SELECT MIN(cached_at), MAX(cached_at),
			COUNT(*) FILTER (WHERE sync_error <> '')
		 FROM cached_entities`).Scan(&oldest, &newest, &stats.ErroredEntries); err != nil {
		return nil, fmt.Errorf("failed to read cache bounds: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time
		stats.OldestCachedAt = &t
	}
	if newest.Valid {
		t := newest.Time
		stats.NewestCachedAt = &t
	}

	db.statsMu.Lock()
	for _, n := range db.hits {
		stats.Hits += n
	}
	for _, n := range db.misses {
		stats.Misses += n
	}
	db.statsMu.Unlock()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats, nil
}

// ResetCacheStats zeroes the in-process hit/miss counters.
func (db *DB) ResetCacheStats() {
	db.statsMu.Lock()
	db.hits = make(map[string]uint64)
	db.misses = make(map[string]uint64)
	db.statsMu.Unlock()
}

func (db *DB) recordCacheHit(entityType models.EntityType) {
	db.statsMu.Lock()
	db.hits[entityType.String()]++
	db.statsMu.Unlock()
	metrics.CacheHits.WithLabelValues(entityType.String()).Inc()
}

func (db *DB) recordCacheMiss(entityType models.EntityType) {
	db.statsMu.Lock()
	db.misses[entityType.String()]++
	db.statsMu.Unlock()
	metrics.CacheMisses.WithLabelValues(entityType.String()).Inc()
}

func scanCachedEntity(scan func(dest ...any) error) (*models.CachedEntity, error) {
	var (
		e          models.CachedEntity
		entityType string
		snapshot   string
	)
	err := scan(&entityType, &e.ExternalID, &e.DisplayName, &e.DocNumber,
		&e.Email, &e.RelatedID, &e.Amount, &e.Currency, &e.Status, &e.IsActive,
		&e.ExternalUpdatedAt, &snapshot, &e.SyncError, &e.CachedAt)
	if err != nil {
		return nil, err
	}
	e.EntityType = models.EntityType(entityType)
	e.RawSnapshot = []byte(snapshot)
	return &e, nil
}
