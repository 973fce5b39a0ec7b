// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

// Package sync implements the delta synchronization engine: per entity type
// it resolves a watermark, pulls changed records from XA through the circuit
// breaker, projects them into the entity cache, and records the pass outcome.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/finvoy/ledgerlink/internal/breaker"
	"github.com/finvoy/ledgerlink/internal/config"
	"github.com/finvoy/ledgerlink/internal/database"
	"github.com/finvoy/ledgerlink/internal/logging"
	"github.com/finvoy/ledgerlink/internal/metrics"
	"github.com/finvoy/ledgerlink/internal/models"
	"github.com/finvoy/ledgerlink/internal/xa"
)

// BreakerName is the registry key for the XA dependency. One breaker guards
// every entity type, because they all hit the same upstream.
const BreakerName = "xa"

// Result is the outcome of one entity type's sync pass.
type Result struct {
	EntityType    models.EntityType `json:"entity_type"`
	RecordsSynced int64             `json:"records_synced"`
	SyncErrors    int64             `json:"sync_errors"`
	Duration      time.Duration     `json:"duration_ms"`
	FullSync      bool              `json:"full_sync"`
	Skipped       bool              `json:"skipped"`
	CircuitOpen   bool              `json:"circuit_open"`
	LastError     string            `json:"last_error,omitempty"`
}

// MarshalJSON reports Duration in the milliseconds the field name promises.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		alias
		Duration int64 `json:"duration_ms"`
	}{alias(r), r.Duration.Milliseconds()})
}

// Summary aggregates the results of one sync_all run.
type Summary struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ms"`
	TotalRecords int64         `json:"total_records"`
	TotalErrors  int64         `json:"total_errors"`
	Results      []Result      `json:"results"`
}

// MarshalJSON reports Duration in the milliseconds the field name promises.
func (s Summary) MarshalJSON() ([]byte, error) {
	type alias Summary
	return json.Marshal(struct {
		alias
		Duration int64 `json:"duration_ms"`
	}{alias(s), s.Duration.Milliseconds()})
}

// entityDescriptor is the generic per-entity-type sync routine: how to
// fetch a page and how to turn one raw record into a cache row. Adding an
// entity type means adding a descriptor, not another sync method.
type entityDescriptor struct {
	entityType models.EntityType
	fetchPage  func(ctx context.Context, since *time.Time, page, pageSize int) (*xa.Page, error)
	project    func(raw json.RawMessage) (*models.CachedEntity, error)
}

// Engine runs delta sync passes. Dependencies are injected explicitly so
// tests can substitute a fake XA client and a throwaway database.
type Engine struct {
	db       *database.DB
	client   xa.ClientInterface
	breaker  *breaker.Breaker
	cfg      *config.SyncConfig
	pageSize int

	// now is replaceable for deterministic watermark tests.
	now func() time.Time
}

// NewEngine wires a sync engine. The breaker comes from the shared registry
// so the admin API sees the same instance the engine trips.
func NewEngine(db *database.DB, client xa.ClientInterface, registry *breaker.Registry, syncCfg *config.SyncConfig, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Engine{
		db:       db,
		client:   client,
		breaker:  registry.Get(BreakerName),
		cfg:      syncCfg,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// SetNowFunc replaces the pass clock. Tests only.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// descriptors returns the per-entity routines in dependency order:
// customers first, because invoices and payments denormalize a customer id.
func (e *Engine) descriptors() []entityDescriptor {
	out := make([]entityDescriptor, 0, 3)
	for _, et := range models.SyncOrder() {
		et := et
		out = append(out, entityDescriptor{
			entityType: et,
			fetchPage: func(ctx context.Context, since *time.Time, page, pageSize int) (*xa.Page, error) {
				return e.client.ListEntities(ctx, et, since, page, pageSize)
			},
			project: func(raw json.RawMessage) (*models.CachedEntity, error) {
				return xa.Project(et, raw)
			},
		})
	}
	return out
}

// SyncAll runs one pass per entity type in fixed order. A failure in one
// entity type never prevents the next from running.
func (e *Engine) SyncAll(ctx context.Context, forceFull bool) Summary {
	start := e.now()
	summary := Summary{StartedAt: start}

	for _, desc := range e.descriptors() {
		result := e.syncDescriptor(ctx, desc, forceFull)
		summary.Results = append(summary.Results, result)
		summary.TotalRecords += result.RecordsSynced
		summary.TotalErrors += result.SyncErrors
	}

	summary.Duration = e.now().Sub(start)
	logging.Info().
		Int64("records", summary.TotalRecords).
		Int64("errors", summary.TotalErrors).
		Dur("duration", summary.Duration).
		Msg("sync_all completed")
	return summary
}

// SyncEntity runs one pass for a single entity type.
func (e *Engine) SyncEntity(ctx context.Context, entityType models.EntityType, forceFull bool) (Result, error) {
	for _, desc := range e.descriptors() {
		if desc.entityType == entityType {
			return e.syncDescriptor(ctx, desc, forceFull), nil
		}
	}
	return Result{}, fmt.Errorf("unknown entity type %q", entityType)
}

func (e *Engine) syncDescriptor(ctx context.Context, desc entityDescriptor, forceFull bool) Result {
	result := Result{EntityType: desc.entityType}
	log := logging.Ctx(ctx).With().Str("entity_type", desc.entityType.String()).Logger()

	acquired, err := e.db.AcquireSyncLock(ctx, desc.entityType)
	if err != nil {
		result.SyncErrors = 1
		result.LastError = err.Error()
		metrics.SyncErrors.WithLabelValues(desc.entityType.String(), "database").Inc()
		log.Error().Err(err).Msg("failed to acquire sync lock")
		return result
	}
	if !acquired {
		result.Skipped = true
		metrics.SyncSkipped.WithLabelValues(desc.entityType.String()).Inc()
		log.Warn().Msg("sync already running, pass skipped")
		return result
	}

	passStart := e.now()
	since := e.resolveSince(ctx, desc.entityType, forceFull)
	result.FullSync = since == nil

	fetchComplete := e.runPass(ctx, desc, since, &result, log)
	result.Duration = e.now().Sub(passStart)

	// The watermark only advances when every page was fetched. Per-record
	// projection and upsert failures are tolerated because the next delta
	// pass refetches nothing extra, but a fetch failure mid-pass means
	// records after the failed page were never seen.
	outcome := database.SyncOutcome{
		Duration:      result.Duration,
		RecordsSynced: result.RecordsSynced,
		SyncErrors:    result.SyncErrors,
		LastError:     result.LastError,
	}
	if fetchComplete {
		outcome.Watermark = &passStart
	}
	if err := e.db.FinishSync(ctx, desc.entityType, outcome); err != nil {
		result.SyncErrors++
		result.LastError = err.Error()
		metrics.SyncErrors.WithLabelValues(desc.entityType.String(), "database").Inc()
		log.Error().Err(err).Msg("failed to record sync outcome")
	}

	metrics.RecordSyncPass(desc.entityType.String(), result.Duration, int(result.RecordsSynced), !fetchComplete)

	log.Info().
		Bool("full_sync", result.FullSync).
		Int64("records", result.RecordsSynced).
		Int64("errors", result.SyncErrors).
		Bool("watermark_advanced", fetchComplete).
		Dur("duration", result.Duration).
		Msg("sync pass finished")
	return result
}

// resolveSince returns the delta watermark, or nil for a full pull. A
// status read failure degrades to a full pull rather than failing the pass.
func (e *Engine) resolveSince(ctx context.Context, entityType models.EntityType, forceFull bool) *time.Time {
	if forceFull {
		return nil
	}
	status, err := e.db.GetSyncStatus(ctx, entityType)
	if err != nil {
		logging.Warn().Err(err).Str("entity_type", entityType.String()).
			Msg("failed to read sync status, falling back to full pull")
		return nil
	}
	if status == nil {
		return nil
	}
	return status.LastSyncAt
}

// runPass fetches and processes pages until the upstream reports no more.
// Returns true when the fetch loop completed without a fetch failure.
func (e *Engine) runPass(ctx context.Context, desc entityDescriptor, since *time.Time, result *Result, log zerolog.Logger) bool {
	for page := 1; page <= e.cfg.MaxPages; page++ {
		var fetched *xa.Page
		err := e.breaker.Call(ctx, func(ctx context.Context) error {
			var fetchErr error
			fetched, fetchErr = desc.fetchPage(ctx, since, page, e.pageSize)
			return fetchErr
		})
		if err != nil {
			result.SyncErrors++
			result.LastError = err.Error()

			var openErr *breaker.OpenError
			if errors.As(err, &openErr) {
				result.CircuitOpen = true
				metrics.SyncErrors.WithLabelValues(desc.entityType.String(), "circuit_open").Inc()
				log.Warn().Dur("retry_in", openErr.RetryIn).Msg("circuit open, pass aborted")
			} else {
				metrics.SyncErrors.WithLabelValues(desc.entityType.String(), "upstream").Inc()
				log.Error().Err(err).Int("page", page).Msg("fetch failed, pass aborted")
			}
			return false
		}

		e.processRecords(ctx, desc, fetched.Records, result, log)

		if !fetched.HasMore {
			return true
		}
	}

	// Page ceiling hit with more data upstream. Treat as incomplete so the
	// next pass resumes from the same watermark.
	result.SyncErrors++
	result.LastError = fmt.Sprintf("page limit %d reached with more data upstream", e.cfg.MaxPages)
	metrics.SyncErrors.WithLabelValues(desc.entityType.String(), "upstream").Inc()
	log.Error().Int("max_pages", e.cfg.MaxPages).Msg("page ceiling reached, pass incomplete")
	return false
}

// processRecords projects and upserts one page. Failures are per record:
// they are counted, stamped onto the row when possible, and never abort the
// rest of the batch.
func (e *Engine) processRecords(ctx context.Context, desc entityDescriptor, records []json.RawMessage, result *Result, log zerolog.Logger) {
	for _, raw := range records {
		entity, err := desc.project(raw)
		if err != nil {
			result.SyncErrors++
			result.LastError = err.Error()
			metrics.SyncErrors.WithLabelValues(desc.entityType.String(), "projection").Inc()
			log.Warn().Err(err).Msg("record projection failed")
			e.markRecordError(ctx, desc.entityType, raw, err)
			continue
		}

		if err := e.db.UpsertCachedEntity(ctx, entity); err != nil {
			result.SyncErrors++
			result.LastError = err.Error()
			metrics.SyncErrors.WithLabelValues(desc.entityType.String(), "database").Inc()
			log.Warn().Err(err).Str("external_id", entity.ExternalID).Msg("record upsert failed")
			if serr := e.db.SetEntitySyncError(ctx, desc.entityType, entity.ExternalID, err.Error()); serr != nil {
				log.Debug().Err(serr).Msg("failed to record per-record sync error")
			}
			continue
		}

		result.RecordsSynced++
	}
}

// markRecordError stamps a projection failure onto an existing cached row.
// Best effort: if the record's id cannot even be parsed there is no row to
// annotate.
func (e *Engine) markRecordError(ctx context.Context, entityType models.EntityType, raw json.RawMessage, projErr error) {
	var ident struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ident); err != nil || ident.ID == "" {
		return
	}
	if err := e.db.SetEntitySyncError(ctx, entityType, ident.ID, projErr.Error()); err != nil {
		logging.Debug().Err(err).Str("external_id", ident.ID).Msg("failed to record per-record sync error")
	}
}
