// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package xa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/finvoy/ledgerlink/internal/config"
	"github.com/finvoy/ledgerlink/internal/models"
)

func newTestClient(serverURL string) *Client {
	c := NewClient(&config.XAConfig{
		BaseURL:    serverURL,
		APIKey:     "test-key",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	})
	c.retryBaseDelay = time.Millisecond
	return c
}

func TestPing(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}

func TestPingDegradedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"maintenance"}`))
	}))
	defer server.Close()

	if err := newTestClient(server.URL).Ping(context.Background()); err == nil {
		t.Error("Ping() with degraded status should return error")
	}
}

func TestListEntitiesQueryParameters(t *testing.T) {
	since := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		since     *time.Time
		wantSince string
	}{
		{name: "delta fetch", since: &since, wantSince: "2026-03-01T02:00:00Z"},
		{name: "full fetch omits filter", since: nil, wantSince: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/customers" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				q := r.URL.Query()
				if q.Get("page") != "2" || q.Get("page_size") != "50" {
					t.Errorf("pagination params = %s", r.URL.RawQuery)
				}
				if got := q.Get("updated_since"); got != tt.wantSince {
					t.Errorf("updated_since = %q, want %q", got, tt.wantSince)
				}
				_, _ = w.Write([]byte(`{"data":[{"id":"C-1"}],"page":2,"has_more":false}`))
			}))
			defer server.Close()

			page, err := newTestClient(server.URL).ListEntities(
				context.Background(), models.EntityCustomers, tt.since, 2, 50)
			if err != nil {
				t.Fatalf("ListEntities() error = %v", err)
			}
			if len(page.Records) != 1 {
				t.Errorf("len(Records) = %d, want 1", len(page.Records))
			}
			if page.HasMore {
				t.Error("HasMore = true, want false")
			}
		})
	}
}

func TestListEntitiesRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":[],"page":1,"has_more":false}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListEntities(
		context.Background(), models.EntityInvoices, nil, 1, 100)
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server called %d times, want 2", got)
	}
}

func TestListEntitiesRateLimitExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListEntities(
		context.Background(), models.EntityInvoices, nil, 1, 100)
	if err == nil {
		t.Fatal("ListEntities() should fail after retries are exhausted")
	}
}

func TestListEntitiesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).ListEntities(
		context.Background(), models.EntityPayments, nil, 1, 100)
	if err == nil {
		t.Fatal("ListEntities() on HTTP 500 should return error")
	}
}

func TestProject(t *testing.T) {
	updated := time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name       string
		entityType models.EntityType
		raw        string
		wantErr    bool
		check      func(t *testing.T, e *models.CachedEntity)
	}{
		{
			name:       "customer",
			entityType: models.EntityCustomers,
			raw:        `{"id":"C-1","display_name":"Acme","email":"ap@acme.test","status":"active","active":true,"updated_at":"2026-02-28T09:30:00Z","extra":"kept in snapshot"}`,
			check: func(t *testing.T, e *models.CachedEntity) {
				if e.ExternalID != "C-1" || e.DisplayName != "Acme" || e.Email != "ap@acme.test" {
					t.Errorf("customer projection = %+v", e)
				}
				if !e.ExternalUpdatedAt.Equal(updated) {
					t.Errorf("ExternalUpdatedAt = %v", e.ExternalUpdatedAt)
				}
			},
		},
		{
			name:       "invoice",
			entityType: models.EntityInvoices,
			raw:        `{"id":"I-7","doc_number":"INV-1007","customer_id":"C-1","total_amount":129.5,"currency":"USD","status":"open","active":true,"updated_at":"2026-02-28T09:30:00Z"}`,
			check: func(t *testing.T, e *models.CachedEntity) {
				if e.DocNumber != "INV-1007" || e.RelatedID != "C-1" || e.Amount != 129.5 {
					t.Errorf("invoice projection = %+v", e)
				}
			},
		},
		{
			name:       "payment",
			entityType: models.EntityPayments,
			raw:        `{"id":"P-3","ref_number":"PAY-3","customer_id":"C-1","amount":50,"currency":"USD","status":"settled","active":true,"updated_at":"2026-02-28T09:30:00Z"}`,
			check: func(t *testing.T, e *models.CachedEntity) {
				if e.DocNumber != "PAY-3" || e.Amount != 50 || e.Status != "settled" {
					t.Errorf("payment projection = %+v", e)
				}
			},
		},
		{
			name:       "missing id rejected",
			entityType: models.EntityCustomers,
			raw:        `{"display_name":"No ID"}`,
			wantErr:    true,
		},
		{
			name:       "malformed json rejected",
			entityType: models.EntityInvoices,
			raw:        `{"id":`,
			wantErr:    true,
		},
		{
			name:       "unknown entity type rejected",
			entityType: models.EntityType("vendors"),
			raw:        `{"id":"V-1"}`,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Project(tt.entityType, json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Project() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Project() error = %v", err)
			}
			if string(e.RawSnapshot) != tt.raw {
				t.Errorf("RawSnapshot = %s, want verbatim payload", e.RawSnapshot)
			}
			tt.check(t, e)
		})
	}
}
