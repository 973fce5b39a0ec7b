// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/finvoy/ledgerlink/internal/breaker"
	"github.com/finvoy/ledgerlink/internal/config"
	"github.com/finvoy/ledgerlink/internal/database"
	"github.com/finvoy/ledgerlink/internal/models"
	"github.com/finvoy/ledgerlink/internal/scheduler"
	syncengine "github.com/finvoy/ledgerlink/internal/sync"
	"github.com/finvoy/ledgerlink/internal/validation"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodySize      = 1 << 20 // 1MB
)

// Handler serves the admin API. All reads go to the local store; no
// endpoint here ever calls XA directly.
type Handler struct {
	db        *database.DB
	engine    *syncengine.Engine
	scheduler *scheduler.Scheduler
	breakers  *breaker.Registry
	cfg       *config.Config
	startTime time.Time
}

// NewHandler wires the admin API handler.
func NewHandler(db *database.DB, engine *syncengine.Engine, sched *scheduler.Scheduler, breakers *breaker.Registry, cfg *config.Config) *Handler {
	return &Handler{
		db:        db,
		engine:    engine,
		scheduler: sched,
		breakers:  breakers,
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// Health reports process liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	dbStatus := "ok"
	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "unreachable"
	}

	payload := map[string]interface{}{
		"status":         "ok",
		"database":       dbStatus,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	}
	if dbStatus != "ok" {
		payload["status"] = "degraded"
		rw.writeJSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: payload})
		return
	}
	rw.Success(payload)
}

// syncTriggerRequest is the optional body for TriggerSync. An empty body
// syncs every entity type.
type syncTriggerRequest struct {
	EntityType string `json:"entity_type" validate:"omitempty,oneof=customers invoices payments"`
	ForceFull  bool   `json:"force_full"`
}

// TriggerSync runs a sync pass synchronously and returns its outcome. A
// request while another run is in progress gets 409, not a queue slot.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req syncTriggerRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, apiErr.Message, apiErr.Details)
		return
	}

	if req.EntityType != "" {
		entityType, ok := models.ParseEntityType(req.EntityType)
		if !ok {
			rw.BadRequest("unknown entity type " + req.EntityType)
			return
		}
		result, err := h.engine.SyncEntity(r.Context(), entityType, req.ForceFull)
		if err != nil {
			rw.InternalError(err.Error())
			return
		}
		if result.Skipped {
			rw.Conflict("a sync pass for this entity type is already running")
			return
		}
		rw.Success(result)
		return
	}

	summary, err := h.scheduler.TriggerNow(r.Context(), req.ForceFull)
	if err != nil {
		rw.Conflict(err.Error())
		return
	}
	rw.Success(summary)
}

// entityStatusView is one entity type's sync status plus derived health.
type entityStatusView struct {
	models.SyncStatus
	Health models.SyncHealth `json:"health"`
}

// SyncStatus reports per-entity sync state with freshness classification.
// The overall health is the worst entity's health.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	statuses, err := h.db.ListSyncStatus(r.Context())
	if err != nil {
		rw.DatabaseError("failed to read sync status")
		return
	}

	now := time.Now()
	rank := map[models.SyncHealth]int{
		models.HealthHealthy: 0,
		models.HealthWarning: 1,
		models.HealthStale:   2,
		models.HealthNever:   3,
	}

	views := make([]entityStatusView, 0, len(statuses))
	overall := models.HealthHealthy
	if len(statuses) == 0 {
		overall = models.HealthNever
	}
	for _, st := range statuses {
		health := models.ClassifyHealth(st.LastSyncAt, now,
			h.cfg.Sync.HealthyThreshold, h.cfg.Sync.WarningThreshold)
		views = append(views, entityStatusView{SyncStatus: st, Health: health})
		if rank[health] > rank[overall] {
			overall = health
		}
	}

	rw.Success(map[string]interface{}{
		"overall_health": overall,
		"entities":       views,
	})
}

// Breakers reports every circuit breaker's status.
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.breakers.Statuses())
}

// ResetBreaker forces one breaker back to closed, an administrative
// override for when the operator knows the dependency has recovered.
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	name := chi.URLParam(r, "name")
	br := h.breakers.Lookup(name)
	if br == nil {
		rw.NotFound("no circuit breaker named " + name)
		return
	}
	br.Reset()
	rw.Success(br.Status())
}

// ResetAllBreakers forces every breaker back to closed.
func (h *Handler) ResetAllBreakers(w http.ResponseWriter, r *http.Request) {
	h.breakers.ResetAll()
	NewResponseWriter(w, r).Success(h.breakers.Statuses())
}

// SchedulerStatus reports the scheduler snapshot.
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.scheduler.Status())
}

// PauseScheduler suppresses scheduled firing without dropping the schedule.
func (h *Handler) PauseScheduler(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Pause()
	NewResponseWriter(w, r).Success(h.scheduler.Status())
}

// ResumeScheduler re-enables scheduled firing.
func (h *Handler) ResumeScheduler(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Resume()
	NewResponseWriter(w, r).Success(h.scheduler.Status())
}

// CacheStats reports entry counts, bounds, and hit/miss accounting.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	stats, err := h.db.CacheStats(r.Context())
	if err != nil {
		rw.DatabaseError("failed to read cache stats")
		return
	}
	rw.Success(stats)
}

// ResetCacheStats zeroes the hit/miss counters.
func (h *Handler) ResetCacheStats(w http.ResponseWriter, r *http.Request) {
	h.db.ResetCacheStats()
	NewResponseWriter(w, r).Success(map[string]string{"status": "reset"})
}

type cacheInvalidateRequest struct {
	EntityType string `json:"entity_type" validate:"omitempty,oneof=customers invoices payments"`
}

// InvalidateCache deletes cached rows for one entity type, or all of them
// when no type is given. Used after known bulk corrections upstream.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req cacheInvalidateRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, apiErr.Message, apiErr.Details)
		return
	}

	removed, err := h.db.InvalidateEntities(r.Context(), models.EntityType(req.EntityType))
	if err != nil {
		rw.DatabaseError("failed to invalidate cache")
		return
	}
	rw.Success(map[string]interface{}{
		"entity_type": orAll(req.EntityType),
		"removed":     removed,
	})
}

// ListEntities serves cached records for one entity type with filters.
// max_age=0 disables the freshness constraint; absent max_age uses the
// configured default.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	entityType, ok := models.ParseEntityType(chi.URLParam(r, "type"))
	if !ok {
		rw.NotFound("unknown entity type " + chi.URLParam(r, "type"))
		return
	}

	filter, maxAge, err := h.parseListQuery(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	entities, err := h.db.GetCachedEntities(r.Context(), entityType, filter, maxAge)
	if err != nil {
		rw.DatabaseError("failed to read cached entities")
		return
	}
	if entities == nil {
		entities = []models.CachedEntity{}
	}
	rw.SuccessWithPagination(entities, &PaginationMeta{
		Count:  len(entities),
		Offset: filter.Offset,
		Limit:  filter.Limit,
	})
}

// GetEntity serves one cached record by external id.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	entityType, ok := models.ParseEntityType(chi.URLParam(r, "type"))
	if !ok {
		rw.NotFound("unknown entity type " + chi.URLParam(r, "type"))
		return
	}

	maxAge, err := h.parseMaxAge(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	entity, err := h.db.GetCachedEntity(r.Context(), entityType, chi.URLParam(r, "id"), maxAge)
	if err != nil {
		rw.DatabaseError("failed to read cached entity")
		return
	}
	if entity == nil {
		rw.NotFound("no fresh cached record for this id")
		return
	}
	rw.Success(entity)
}

func (h *Handler) parseListQuery(r *http.Request) (models.EntityFilter, time.Duration, error) {
	q := r.URL.Query()
	filter := models.EntityFilter{
		Status:          q.Get("status"),
		RelatedID:       q.Get("related_id"),
		IncludeInactive: q.Get("include_inactive") == "true",
		Limit:           defaultListLimit,
	}

	if raw := q.Get("updated_since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, err
		}
		filter.UpdatedSince = &t
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			return filter, 0, strconv.ErrRange
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, 0, strconv.ErrRange
		}
		filter.Offset = offset
	}

	maxAge, err := h.parseMaxAge(r)
	return filter, maxAge, err
}

func (h *Handler) parseMaxAge(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("max_age")
	if raw == "" {
		return h.cfg.Cache.DefaultMaxAge, nil
	}
	if raw == "0" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

// decodeBody decodes an optional JSON body. A missing body is fine; a
// malformed one writes a 400 and returns false.
func decodeBody(rw *ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		rw.BadRequest("failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		rw.BadRequest("malformed JSON body")
		return false
	}
	return true
}

func orAll(entityType string) string {
	if entityType == "" {
		return "all"
	}
	return entityType
}
