// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package validation

import (
	"strings"
	"testing"
)

type syncRequest struct {
	Entity string `validate:"omitempty,oneof=customers invoices payments"`
	MaxAge int    `validate:"omitempty,gte=0"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name      string
		req       syncRequest
		wantErr   bool
		wantField string
	}{
		{
			name: "valid entity",
			req:  syncRequest{Entity: "invoices"},
		},
		{
			name: "empty entity allowed",
			req:  syncRequest{},
		},
		{
			name:      "unknown entity rejected",
			req:       syncRequest{Entity: "ledgers"},
			wantErr:   true,
			wantField: "Entity",
		},
		{
			name:      "negative max age rejected",
			req:       syncRequest{MaxAge: -1},
			wantErr:   true,
			wantField: "MaxAge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := ValidateStruct(&tt.req)
			if !tt.wantErr {
				if verr != nil {
					t.Fatalf("ValidateStruct() unexpected error: %v", verr)
				}
				return
			}
			if verr == nil {
				t.Fatal("ValidateStruct() expected error, got nil")
			}
			if got := verr.Fields()[0].Field; got != tt.wantField {
				t.Errorf("failed field = %q, want %q", got, tt.wantField)
			}
		})
	}
}

func TestToAPIErrorSingle(t *testing.T) {
	req := syncRequest{Entity: "bogus"}
	verr := ValidateStruct(&req)
	if verr == nil {
		t.Fatal("expected validation error")
	}

	apiErr := verr.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("Code = %q", apiErr.Code)
	}
	if !strings.Contains(apiErr.Message, "must be one of") {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if apiErr.Details["field"] != "Entity" {
		t.Errorf("Details.field = %v", apiErr.Details["field"])
	}
}

func TestToAPIErrorMultiple(t *testing.T) {
	req := syncRequest{Entity: "bogus", MaxAge: -5}
	verr := ValidateStruct(&req)
	if verr == nil {
		t.Fatal("expected validation error")
	}
	if len(verr.Fields()) != 2 {
		t.Fatalf("Fields() len = %d, want 2", len(verr.Fields()))
	}

	apiErr := verr.ToAPIError()
	fields, ok := apiErr.Details["fields"].([]map[string]interface{})
	if !ok {
		t.Fatalf("Details.fields has unexpected type %T", apiErr.Details["fields"])
	}
	if len(fields) != 2 {
		t.Errorf("fields len = %d, want 2", len(fields))
	}
}
