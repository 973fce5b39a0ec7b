// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package xa

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/finvoy/ledgerlink/internal/models"
)

// Customer is the subset of the XA customer payload promoted to typed
// fields. Everything else rides along in the raw snapshot.
type Customer struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Status      string    `json:"status"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Invoice is the typed subset of the XA invoice payload.
type Invoice struct {
	ID          string    `json:"id"`
	DocNumber   string    `json:"doc_number"`
	CustomerID  string    `json:"customer_id"`
	TotalAmount float64   `json:"total_amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Payment is the typed subset of the XA payment payload.
type Payment struct {
	ID         string    `json:"id"`
	RefNumber  string    `json:"ref_number"`
	CustomerID string    `json:"customer_id"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	Status     string    `json:"status"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Project converts one raw XA record into a cache row for its entity type.
// The raw payload is preserved verbatim as the snapshot; only the promoted
// fields are parsed. A record without an id is rejected.
func Project(entityType models.EntityType, raw json.RawMessage) (*models.CachedEntity, error) {
	switch entityType {
	case models.EntityCustomers:
		return projectCustomer(raw)
	case models.EntityInvoices:
		return projectInvoice(raw)
	case models.EntityPayments:
		return projectPayment(raw)
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
}

func projectCustomer(raw json.RawMessage) (*models.CachedEntity, error) {
	var c Customer
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse customer: %w", err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("customer record has no id")
	}
	return &models.CachedEntity{
		EntityType:        models.EntityCustomers,
		ExternalID:        c.ID,
		DisplayName:       c.DisplayName,
		Email:             c.Email,
		Status:            c.Status,
		IsActive:          c.Active,
		ExternalUpdatedAt: c.UpdatedAt,
		RawSnapshot:       raw,
	}, nil
}

func projectInvoice(raw json.RawMessage) (*models.CachedEntity, error) {
	var inv Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse invoice: %w", err)
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("invoice record has no id")
	}
	return &models.CachedEntity{
		EntityType:        models.EntityInvoices,
		ExternalID:        inv.ID,
		DocNumber:         inv.DocNumber,
		RelatedID:         inv.CustomerID,
		Amount:            inv.TotalAmount,
		Currency:          inv.Currency,
		Status:            inv.Status,
		IsActive:          inv.Active,
		ExternalUpdatedAt: inv.UpdatedAt,
		RawSnapshot:       raw,
	}, nil
}

func projectPayment(raw json.RawMessage) (*models.CachedEntity, error) {
	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse payment: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("payment record has no id")
	}
	return &models.CachedEntity{
		EntityType:        models.EntityPayments,
		ExternalID:        p.ID,
		DocNumber:         p.RefNumber,
		RelatedID:         p.CustomerID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            p.Status,
		IsActive:          p.Active,
		ExternalUpdatedAt: p.UpdatedAt,
		RawSnapshot:       raw,
	}, nil
}
