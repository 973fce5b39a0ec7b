// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package scheduler

import (
	"testing"
	"time"
)

func TestParseFireTimes(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    []FireTime
		wantErr bool
	}{
		{
			name: "standard three times",
			spec: "02:00,10:00,18:00",
			want: []FireTime{{2, 0}, {10, 0}, {18, 0}},
		},
		{
			name: "unsorted input is sorted",
			spec: "18:00,02:00,10:30",
			want: []FireTime{{2, 0}, {10, 30}, {18, 0}},
		},
		{
			name: "duplicates collapsed",
			spec: "02:00,02:00,02:00",
			want: []FireTime{{2, 0}},
		},
		{
			name: "whitespace tolerated",
			spec: " 02:00 , 10:00 ",
			want: []FireTime{{2, 0}, {10, 0}},
		},
		{name: "empty spec", spec: "", wantErr: true},
		{name: "only commas", spec: ",,", wantErr: true},
		{name: "missing colon", spec: "0200", wantErr: true},
		{name: "hour out of range", spec: "24:00", wantErr: true},
		{name: "minute out of range", spec: "10:60", wantErr: true},
		{name: "non-numeric", spec: "ab:cd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFireTimes(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseFireTimes() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFireTimes() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseFireTimes() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseFireTimes()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNextFire(t *testing.T) {
	utc := time.UTC
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	times := []FireTime{{2, 0}, {10, 0}, {18, 0}}

	tests := []struct {
		name string
		now  time.Time
		loc  *time.Location
		want time.Time
	}{
		{
			name: "before first fire of the day",
			now:  time.Date(2026, 3, 2, 1, 30, 0, 0, utc),
			loc:  utc,
			want: time.Date(2026, 3, 2, 2, 0, 0, 0, utc),
		},
		{
			name: "between fires",
			now:  time.Date(2026, 3, 2, 10, 0, 1, 0, utc),
			loc:  utc,
			want: time.Date(2026, 3, 2, 18, 0, 0, 0, utc),
		},
		{
			name: "exactly at a fire time moves to the next",
			now:  time.Date(2026, 3, 2, 10, 0, 0, 0, utc),
			loc:  utc,
			want: time.Date(2026, 3, 2, 18, 0, 0, 0, utc),
		},
		{
			name: "after last fire wraps to tomorrow",
			now:  time.Date(2026, 3, 2, 23, 0, 0, 0, utc),
			loc:  utc,
			want: time.Date(2026, 3, 3, 2, 0, 0, 0, utc),
		},
		{
			name: "fire times evaluated in configured zone",
			now:  time.Date(2026, 3, 2, 5, 0, 0, 0, utc), // 00:00 in New York
			loc:  ny,
			want: time.Date(2026, 3, 2, 2, 0, 0, 0, ny),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextFire(tt.now, tt.loc, times)
			if !got.Equal(tt.want) {
				t.Errorf("NextFire() = %v, want %v", got, tt.want)
			}
		})
	}
}
